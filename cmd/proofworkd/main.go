// Command proofworkd runs the bounty settlement engine: the HTTP API, the
// outbox dispatcher, and the payout pipeline behind them.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"proofwork/artifacts"
	"proofwork/backpressure"
	"proofwork/config"
	"proofwork/descriptor"
	"proofwork/dispute"
	"proofwork/handlers"
	"proofwork/models"
	"proofwork/observability/logging"
	"proofwork/outbox"
	"proofwork/payout"
	"proofwork/queue"
	"proofwork/server"
	"proofwork/storage"
	"proofwork/verification"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("proofworkd: %v", err)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("proofworkd", cfg.Environment, logging.Options{FilePath: cfg.LogFilePath})

	db, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	store := storage.New(db)

	ctx := context.Background()
	if cfg.UniversalWorkerPause {
		if err := store.PutSetting(ctx, storage.SettingUniversalPause, "true"); err != nil {
			return fmt.Errorf("set universal pause: %w", err)
		}
	}

	gate := backpressure.New(store, backpressure.Thresholds{
		MaxVerifierBacklog:    cfg.MaxVerifierBacklog,
		MaxVerifierBacklogAge: cfg.MaxVerifierBacklogAge,
		MaxOutboxPendingAge:   cfg.MaxOutboxPendingAge,
		MaxArtifactScanAge:    cfg.MaxArtifactBacklogAge,
	})
	jobQueue := queue.New(store, gate, queue.WithLease(cfg.LeaseSeconds))
	coordinator := verification.NewCoordinator(store, jobQueue, verification.Config{
		MaxAttempts: cfg.MaxVerificationAttempts,
	})

	policy, err := payout.LoadConfig(cfg.PayoutPolicyPath)
	if err != nil {
		return fmt.Errorf("load payout policy: %w", err)
	}
	if _, set := os.LookupEnv("BASE_CONFIRMATIONS_REQUIRED"); set {
		policy.Chain.Confirmations = cfg.ConfirmationsNeed
	}
	if _, set := os.LookupEnv("BASE_GAS_LIMIT"); set {
		policy.Chain.GasLimit = cfg.GasLimit
	}

	fees := payout.FeeConfig{
		ProofworkFeeBps:    cfg.ProofworkFeeBps,
		MaxProofworkFeeBps: cfg.MaxProofworkFeeBps,
		ProofworkWallet:    cfg.ProofworkWallet,
	}

	var (
		provider  payout.Provider
		confirmer *payout.Confirmer
	)
	switch policy.Provider {
	case "base":
		client, err := payout.DialEVMClient(policy.Chain.RPCEndpoint)
		if err != nil {
			return fmt.Errorf("dial chain rpc: %w", err)
		}
		signer, err := payout.NewLocalSigner(policy.Chain.SignerKey)
		if err != nil {
			return fmt.Errorf("load signer: %w", err)
		}
		chain, err := payout.NewChainProvider(store, client, signer, policy.Chain)
		if err != nil {
			return fmt.Errorf("init chain provider: %w", err)
		}
		provider = chain
		confirmer = payout.NewConfirmer(store, client, policy.Chain.Confirmations)
	case "offchain":
		offchain, err := payout.NewOffChainProvider(store, policy.OffChain.BaseURL, policy.OffChain.Currency)
		if err != nil {
			return fmt.Errorf("init offchain provider: %w", err)
		}
		provider = offchain
	default:
		return fmt.Errorf("unknown payout provider %q", policy.Provider)
	}
	engine := payout.NewEngine(store, provider, fees)

	disputes := dispute.NewService(store, fees)

	scanner, deleter, err := buildArtifactClients(cfg)
	if err != nil {
		return err
	}
	artifactSvc := artifacts.NewService(store, scanner, deleter)

	gateway, err := verification.NewGateway(cfg.VerifierGatewayURL)
	if err != nil {
		return fmt.Errorf("init verifier gateway: %w", err)
	}

	hostname, _ := os.Hostname()
	dispatcher := outbox.NewDispatcher(store, fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		outbox.WithPollInterval(cfg.DispatchPoll),
		outbox.WithBatchSize(cfg.DispatchBatchSize),
		outbox.WithConcurrency(cfg.DispatchConcurrency),
		outbox.WithLockTTL(cfg.OutboxLockTimeout),
		outbox.WithMaxAttempts(cfg.MaxOutboxAttempts),
		outbox.WithLogger(logger),
	)
	handlers.RegisterAll(dispatcher, handlers.Deps{
		Coordinator: coordinator,
		Gateway:     gateway,
		Payouts:     engine,
		Confirmer:   confirmer,
		Disputes:    disputes,
		Artifacts:   artifactSvc,
	})

	verifierAuth, err := server.NewAuthenticator(cfg.VerifierBearerToken)
	if err != nil {
		return fmt.Errorf("init verifier auth: %w", err)
	}
	adminAuth, err := server.NewAuthenticator(cfg.AdminBearerToken)
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	api := server.New(server.Config{
		Store:        store,
		Queue:        jobQueue,
		Coordinator:  coordinator,
		Disputes:     disputes,
		Artifacts:    artifactSvc,
		WorkerAuth:   server.NewWorkerAuth(store, cfg.WorkerTokenPepper),
		VerifierAuth: verifierAuth,
		AdminAuth:    adminAuth,
		Validator: descriptor.Validator{
			BrowserFlowValidate: cfg.BrowserFlowValidate,
			AllowValueEnv:       cfg.BrowserFlowAllowValEnv,
		},
		TokenPepper:   cfg.WorkerTokenPepper,
		DisputeWindow: cfg.DefaultDisputeWindow,
		RateLimit:     rate.Limit(100),
		RateBurst:     200,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		errs <- dispatcher.Run(stopCtx)
	}()
	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed && err != context.Canceled {
			stop()
			_ = httpServer.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	return nil
}

// buildArtifactClients wires the scan and retention collaborators. Without a
// configured scanner uploads are treated as clean, which suits dev loops only.
func buildArtifactClients(cfg config.Config) (artifacts.Scanner, artifacts.Deleter, error) {
	var (
		scanner artifacts.Scanner
		deleter artifacts.Deleter
	)
	if cfg.ArtifactScannerURL != "" {
		s, err := artifacts.NewHTTPScanner(cfg.ArtifactScannerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init scanner: %w", err)
		}
		scanner = s
	} else {
		if cfg.Environment != "dev" {
			return nil, nil, fmt.Errorf("ARTIFACT_SCANNER_URL must be configured outside dev")
		}
		scanner = artifacts.ScannerFunc(func(context.Context, string) (bool, error) {
			return true, nil
		})
	}
	if cfg.ArtifactStoreURL != "" {
		d, err := artifacts.NewHTTPDeleter(cfg.ArtifactStoreURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init deleter: %w", err)
		}
		deleter = d
	} else {
		deleter = artifacts.DeleterFunc(func(context.Context, string) error {
			return nil
		})
	}
	return scanner, deleter, nil
}
