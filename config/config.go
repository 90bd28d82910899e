// Package config resolves the engine's runtime configuration from the
// environment. Settlement policy lives in a separate YAML file loaded by the
// payout package; everything operators toggle at deploy time lives here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the operator surface.
const (
	DefaultListenAddress        = ":7090"
	DefaultMaxOutboxAttempts    = 10
	DefaultOutboxLockTimeout    = 600 * time.Second
	DefaultMaxVerifyAttempts    = 3
	DefaultDisputeWindow        = 86400 * time.Second
	DefaultProofworkFeeBps      = 100
	DefaultMaxProofworkFeeBps   = 1000
	DefaultConfirmationsNeed    = 5
	DefaultGasLimit             = 250_000
	DefaultLeaseSeconds         = 600
	DefaultDispatchConcurrency  = 4
	DefaultDispatchBatchSize    = 32
	DefaultDispatchPollInterval = 500 * time.Millisecond
)

// Config is the resolved runtime configuration.
type Config struct {
	ListenAddress string
	DatabaseDSN   string
	Environment   string

	WorkerTokenPepper   string
	VerifierBearerToken string
	AdminBearerToken    string

	VerifierGatewayURL string
	PayoutPolicyPath   string
	ProofworkWallet    string
	ArtifactScannerURL string
	ArtifactStoreURL   string
	LogFilePath        string

	MaxOutboxAttempts   int
	OutboxLockTimeout   time.Duration
	DispatchConcurrency int
	DispatchBatchSize   int
	DispatchPoll        time.Duration

	MaxVerificationAttempts int
	DefaultDisputeWindow    time.Duration
	LeaseSeconds            int64

	ProofworkFeeBps    int
	MaxProofworkFeeBps int
	ConfirmationsNeed  uint64
	GasLimit           uint64

	UniversalWorkerPause   bool
	MaxVerifierBacklog     int64
	MaxVerifierBacklogAge  time.Duration
	MaxOutboxPendingAge    time.Duration
	MaxArtifactBacklogAge  time.Duration
	BrowserFlowValidate    bool
	BrowserFlowAllowValEnv bool
}

// FromEnv resolves configuration from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:           envString("LISTEN_ADDRESS", DefaultListenAddress),
		DatabaseDSN:             strings.TrimSpace(os.Getenv("DATABASE_DSN")),
		Environment:             envString("ENVIRONMENT", "dev"),
		WorkerTokenPepper:       strings.TrimSpace(os.Getenv("WORKER_TOKEN_PEPPER")),
		VerifierBearerToken:     strings.TrimSpace(os.Getenv("VERIFIER_BEARER_TOKEN")),
		AdminBearerToken:        strings.TrimSpace(os.Getenv("ADMIN_BEARER_TOKEN")),
		VerifierGatewayURL:      strings.TrimSpace(os.Getenv("VERIFIER_GATEWAY_URL")),
		PayoutPolicyPath:        envString("PAYOUT_POLICY_PATH", "payout.yaml"),
		ProofworkWallet:         strings.TrimSpace(os.Getenv("PROOFWORK_FEE_WALLET")),
		ArtifactScannerURL:      strings.TrimSpace(os.Getenv("ARTIFACT_SCANNER_URL")),
		ArtifactStoreURL:        strings.TrimSpace(os.Getenv("ARTIFACT_STORE_URL")),
		LogFilePath:             strings.TrimSpace(os.Getenv("LOG_FILE_PATH")),
		MaxOutboxAttempts:       envInt("MAX_OUTBOX_ATTEMPTS", DefaultMaxOutboxAttempts),
		OutboxLockTimeout:       envSeconds("OUTBOX_LOCK_TIMEOUT_SEC", DefaultOutboxLockTimeout),
		DispatchConcurrency:     envInt("OUTBOX_CONCURRENCY", DefaultDispatchConcurrency),
		DispatchBatchSize:       envInt("OUTBOX_BATCH_SIZE", DefaultDispatchBatchSize),
		DispatchPoll:            envDuration("OUTBOX_POLL_INTERVAL", DefaultDispatchPollInterval),
		MaxVerificationAttempts: envInt("MAX_VERIFICATION_ATTEMPTS", DefaultMaxVerifyAttempts),
		DefaultDisputeWindow:    envSeconds("DEFAULT_DISPUTE_WINDOW_SEC", DefaultDisputeWindow),
		LeaseSeconds:            int64(envInt("JOB_LEASE_SEC", DefaultLeaseSeconds)),
		ProofworkFeeBps:         envInt("PROOFWORK_FEE_BPS", DefaultProofworkFeeBps),
		MaxProofworkFeeBps:      envInt("MAX_PROOFWORK_FEE_BPS", DefaultMaxProofworkFeeBps),
		ConfirmationsNeed:       uint64(envInt("BASE_CONFIRMATIONS_REQUIRED", DefaultConfirmationsNeed)),
		GasLimit:                uint64(envInt("BASE_GAS_LIMIT", DefaultGasLimit)),
		UniversalWorkerPause:    envBool("UNIVERSAL_WORKER_PAUSE", false),
		MaxVerifierBacklog:      int64(envInt("MAX_VERIFIER_BACKLOG", 0)),
		MaxVerifierBacklogAge:   envSeconds("MAX_VERIFIER_BACKLOG_AGE_SEC", 0),
		MaxOutboxPendingAge:     envSeconds("MAX_OUTBOX_PENDING_AGE_SEC", 0),
		MaxArtifactBacklogAge:   envSeconds("MAX_ARTIFACT_SCAN_BACKLOG_AGE_SEC", 0),
		BrowserFlowValidate:     envBool("TASK_DESCRIPTOR_BROWSER_FLOW_VALIDATE", false),
		BrowserFlowAllowValEnv:  envBool("TASK_DESCRIPTOR_BROWSER_FLOW_ALLOW_VALUE_ENV", false),
	}
	if cfg.Environment == "dev" {
		if _, set := os.LookupEnv("DEFAULT_DISPUTE_WINDOW_SEC"); !set {
			cfg.DefaultDisputeWindow = 0
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN must be configured")
	}
	if c.WorkerTokenPepper == "" {
		return fmt.Errorf("WORKER_TOKEN_PEPPER must be configured")
	}
	if c.VerifierBearerToken == "" {
		return fmt.Errorf("VERIFIER_BEARER_TOKEN must be configured")
	}
	if c.AdminBearerToken == "" {
		return fmt.Errorf("ADMIN_BEARER_TOKEN must be configured")
	}
	if c.VerifierGatewayURL == "" {
		return fmt.Errorf("VERIFIER_GATEWAY_URL must be configured")
	}
	if c.MaxOutboxAttempts <= 0 {
		return fmt.Errorf("MAX_OUTBOX_ATTEMPTS must be positive")
	}
	if c.MaxVerificationAttempts <= 0 {
		return fmt.Errorf("MAX_VERIFICATION_ATTEMPTS must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return parsed
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return parsed
}

func envSeconds(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return def
	}
	return time.Duration(parsed) * time.Second
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return parsed
}
