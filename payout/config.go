package payout

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the Base settlement path.
const (
	DefaultGasLimit      = 250_000
	DefaultConfirmations = 5
	DefaultTokenDecimals = 6
	DefaultConfirmDelay  = 30 * time.Second
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the settlement policy for the payout engine.
type Config struct {
	Provider string         `yaml:"provider"`
	Chain    ChainConfig    `yaml:"chain"`
	OffChain OffChainConfig `yaml:"offchain"`
}

// ChainConfig parameterises the on-chain splitter path.
type ChainConfig struct {
	ChainID         uint64   `yaml:"chain_id"`
	RPCEndpoint     string   `yaml:"rpc_endpoint"`
	TokenAddress    string   `yaml:"token_address"`
	TokenSymbol     string   `yaml:"token_symbol"`
	TokenDecimals   int      `yaml:"token_decimals"`
	SplitterAddress string   `yaml:"splitter_address"`
	SignerKey       string   `yaml:"signer_key"`
	SignerKeyEnv    string   `yaml:"signer_key_env"`
	SignerKeyFile   string   `yaml:"signer_key_file"`
	GasLimit        uint64   `yaml:"gas_limit"`
	Confirmations   uint64   `yaml:"confirmations"`
	ConfirmDelay    Duration `yaml:"confirm_delay"`
}

// OffChainConfig parameterises the external payment provider path.
type OffChainConfig struct {
	BaseURL  string `yaml:"base_url"`
	Currency string `yaml:"currency"`
}

// LoadConfig reads settlement policy from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain signer: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = "offchain"
	}
	if cfg.Chain.GasLimit == 0 {
		cfg.Chain.GasLimit = DefaultGasLimit
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = DefaultConfirmations
	}
	if cfg.Chain.TokenDecimals == 0 {
		cfg.Chain.TokenDecimals = DefaultTokenDecimals
	}
	if cfg.Chain.TokenSymbol == "" {
		cfg.Chain.TokenSymbol = "USDC"
	}
	if cfg.Chain.ConfirmDelay.Duration == 0 {
		cfg.Chain.ConfirmDelay.Duration = DefaultConfirmDelay
	}
	if cfg.OffChain.Currency == "" {
		cfg.OffChain.Currency = "USD"
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Provider {
	case "base":
		if cfg.Chain.ChainID == 0 {
			return fmt.Errorf("chain_id must be configured")
		}
		if strings.TrimSpace(cfg.Chain.RPCEndpoint) == "" {
			return fmt.Errorf("rpc_endpoint must be configured")
		}
		if strings.TrimSpace(cfg.Chain.TokenAddress) == "" {
			return fmt.Errorf("token_address must be configured")
		}
		if strings.TrimSpace(cfg.Chain.SplitterAddress) == "" {
			return fmt.Errorf("splitter_address must be configured")
		}
		if strings.TrimSpace(cfg.Chain.SignerKey) == "" {
			return fmt.Errorf("signer key must be configured")
		}
	case "offchain":
		if strings.TrimSpace(cfg.OffChain.BaseURL) == "" {
			return fmt.Errorf("offchain base_url must be configured")
		}
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	return nil
}

func (c *ChainConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("chain configuration missing")
	}
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	}
	return nil
}
