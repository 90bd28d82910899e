package payout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writePolicy(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payout.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadConfigOffchainDefaults(t *testing.T) {
	path := writePolicy(t, `
offchain:
  base_url: https://pay.example.com
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider != "offchain" {
		t.Fatalf("provider default: got %q", cfg.Provider)
	}
	if cfg.OffChain.Currency != "USD" {
		t.Fatalf("currency default: got %q", cfg.OffChain.Currency)
	}
	if cfg.Chain.GasLimit != DefaultGasLimit || cfg.Chain.Confirmations != DefaultConfirmations {
		t.Fatalf("chain defaults: %+v", cfg.Chain)
	}
	if cfg.Chain.TokenDecimals != DefaultTokenDecimals || cfg.Chain.TokenSymbol != "USDC" {
		t.Fatalf("token defaults: %+v", cfg.Chain)
	}
	if cfg.Chain.ConfirmDelay.Duration != DefaultConfirmDelay {
		t.Fatalf("confirm delay default: got %s", cfg.Chain.ConfirmDelay.Duration)
	}
}

func TestLoadConfigChainPolicy(t *testing.T) {
	t.Setenv("TEST_PAYOUT_SIGNER_KEY", testSignerKey)
	path := writePolicy(t, `
provider: base
chain:
  chain_id: 8453
  rpc_endpoint: https://base.example.com
  token_address: "`+testTokenAddress+`"
  splitter_address: "`+testSplitterAddress+`"
  signer_key_env: TEST_PAYOUT_SIGNER_KEY
  confirmations: 12
  confirm_delay: 45s
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.SignerKey != testSignerKey {
		t.Fatalf("signer key not resolved from env")
	}
	if cfg.Chain.Confirmations != 12 {
		t.Fatalf("confirmations: got %d", cfg.Chain.Confirmations)
	}
	if cfg.Chain.ConfirmDelay.Duration != 45*time.Second {
		t.Fatalf("confirm delay: got %s", cfg.Chain.ConfirmDelay.Duration)
	}
}

func TestLoadConfigSignerKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "signer.key")
	if err := os.WriteFile(keyPath, []byte(testSignerKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	path := writePolicy(t, `
provider: base
chain:
  chain_id: 8453
  rpc_endpoint: https://base.example.com
  token_address: "`+testTokenAddress+`"
  splitter_address: "`+testSplitterAddress+`"
  signer_key_file: `+keyPath+`
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.SignerKey != testSignerKey {
		t.Fatalf("signer key not read from file: %q", cfg.Chain.SignerKey)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"unknown provider", "provider: venmo\n", `unknown provider "venmo"`},
		{"offchain without url", "provider: offchain\n", "base_url must be configured"},
		{"chain without rpc", "provider: base\nchain:\n  chain_id: 8453\n", "rpc_endpoint must be configured"},
		{
			"empty signer env",
			"provider: base\nchain:\n  chain_id: 8453\n  rpc_endpoint: https://x\n  token_address: \"" +
				testTokenAddress + "\"\n  splitter_address: \"" + testSplitterAddress + "\"\n  signer_key_env: UNSET_SIGNER_ENV\n",
			"signer_key_env UNSET_SIGNER_ENV is empty",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writePolicy(t, tc.raw)
			if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want %q", err, tc.want)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file should error")
	}
}
