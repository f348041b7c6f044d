package aggregator

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"blockmusic/core/events"
	"blockmusic/crypto"
	"blockmusic/gateway/middleware"
	"blockmusic/native/bank"
	"blockmusic/native/revenue"
	"blockmusic/observability"
	"blockmusic/observability/logging"
	telemetry "blockmusic/observability/otel"
	"blockmusic/rpc"
	"blockmusic/services/aggregator/ledgerclient"
	staterev "blockmusic/state/revenue"
	"blockmusic/storage"
)

// Main initialises and runs the play aggregator daemon.
func Main() error {
	var (
		cfgPath    string
		issueToken string
		tokenTTL   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "services/aggregator/config.yaml", "path to playaggd configuration")
	flag.StringVar(&issueToken, "issue-admin-token", "", "print an admin token for the given subject and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens minted with -issue-admin-token")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BLOCKMUSIC_ENV"))
	logger := logging.SetupWithOptions("playaggd", env, logging.OptionsFromEnv())
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("playaggd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if subject := strings.TrimSpace(issueToken); subject != "" {
		token, err := middleware.IssueToken(cfg.Admin.JWTSecret, cfg.Admin.Issuer, subject, []string{AdminScope}, tokenTTL, time.Now())
		if err != nil {
			return fmt.Errorf("issue admin token: %w", err)
		}
		fmt.Println(token)
		return nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	countersDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "counters"))
	if err != nil {
		return fmt.Errorf("open counter store: %w", err)
	}
	defer countersDB.Close()

	journal, err := OpenJournal(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = journal.Close() }()

	signer, err := crypto.LoadSigner(cfg.Ledger.SignerKey, cfg.Ledger.Keystore, os.Getenv(cfg.Ledger.PassphraseEnv))
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}
	logger.Info("aggregator signer loaded", slog.String("address", signer.Address().Hex()))

	ledger, ledgerRPC, closeLedger, err := openLedger(cfg, signer, journal, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer closeLedger()

	service := New(NewCounterStore(countersDB), ledger,
		WithJournal(journal),
		WithLogger(logger),
		WithSubmitTimeout(cfg.Flush.SubmitTimeout.Duration),
		WithBatchSize(cfg.Flush.BatchSize),
	)

	handler := NewServer(service, ServerConfig{
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.Admin.JWTSecret,
			Issuer:     cfg.Admin.Issuer,
			ClockSkew:  30 * time.Second,
		}, logger),
		RateLimiter: middleware.NewRateLimiter("playaggd", map[string]middleware.RateLimit{
			playsRateKey: {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "playaggd"}, logger),
		ExportDir:     cfg.Audit.ExportDir,
		LedgerRPC:     ledgerRPC,
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := NewScheduler(service, SchedulerConfig{
		FlushInterval: cfg.Flush.Interval.Duration,
		PruneInterval: cfg.Audit.PruneInterval.Duration,
		Retention:     cfg.Audit.Retention.Duration,
		FlushDisabled: cfg.Flush.Disabled,
	}, logger)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(stopCtx)
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("playaggd listening", slog.String("addr", cfg.ListenAddress), slog.String("ledger_mode", cfg.Ledger.Mode))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			_ = httpServer.Close()
		}
		<-schedulerDone
		return err
	case err := <-errs:
		stop()
		<-schedulerDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// openLedger builds the ledger adapter selected by cfg.Ledger.Mode. In local
// mode it also returns the embedded ledger's JSON-RPC handler.
func openLedger(cfg Config, signer *crypto.PrivateKey, journal *Journal, logger *slog.Logger) (ledgerclient.Ledger, http.Handler, func(), error) {
	noop := func() {}
	switch cfg.Ledger.Mode {
	case LedgerModeRPC:
		client := rpc.NewClient(cfg.Ledger.Endpoint,
			rpc.WithSigner(signer),
			rpc.WithAuthToken(cfg.Ledger.AuthToken))
		return ledgerclient.NewRPC(client, cfg.Flush.BatchSize), nil, noop, nil
	case LedgerModeEVM:
		contract, err := crypto.ParseAddress(cfg.Ledger.Contract)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("ledger.contract: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		evm, err := ledgerclient.DialEVM(ctx, ledgerclient.EVMConfig{
			Endpoint: cfg.Ledger.Endpoint,
			Contract: contract,
			ChainID:  big.NewInt(cfg.Ledger.ChainID),
			Key:      signer.PrivateKey,
			GasLimit: cfg.Ledger.GasLimit,
		}, journal)
		if err != nil {
			return nil, nil, noop, err
		}
		return evm, nil, noop, nil
	case LedgerModeLocal:
		db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
		if err != nil {
			return nil, nil, noop, fmt.Errorf("open ledger store: %w", err)
		}
		local, handler, err := openLocalLedger(cfg, db, signer, logger)
		if err != nil {
			db.Close()
			return nil, nil, noop, err
		}
		return local, handler, db.Close, nil
	default:
		return nil, nil, noop, fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
	}
}

var localGenesisKey = []byte("playaggd/ledger/genesis-applied")

// openLocalLedger embeds the revenue engine in-process on db. The signer is
// both owner (unless ledger.owner is set) and aggregator on first start.
// Operators register tracks and fund pools through the returned JSON-RPC
// handler, which the HTTP server mounts at /ledger.
func openLocalLedger(cfg Config, db storage.Database, signer *crypto.PrivateKey, logger *slog.Logger) (ledgerclient.Ledger, http.Handler, error) {
	owner := signer.Address()
	if strings.TrimSpace(cfg.Ledger.Owner) != "" {
		var err error
		owner, err = crypto.ParseAddress(cfg.Ledger.Owner)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger.owner: %w", err)
		}
	}
	allocations, err := cfg.Ledger.Allocations()
	if err != nil {
		return nil, nil, err
	}
	funds := bank.NewLedger(db)
	engine := revenue.NewEngine()
	engine.SetState(staterev.NewStore(db))
	engine.SetBank(funds)
	engine.SetEmitter(events.Multi{
		events.LogEmitter{Logger: logger.With(slog.String("component", "ledger"))},
		observability.NewEventCounter(),
	})
	active, err := engine.Bootstrap(revenue.Config{Owner: owner, Aggregator: signer.Address()})
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap ledger: %w", err)
	}
	if active.Aggregator != signer.Address() {
		logger.Warn("embedded ledger aggregator differs from signer",
			slog.String("aggregator", active.Aggregator.Hex()),
			slog.String("signer", signer.Address().Hex()))
	}
	minted, err := funds.ApplyGenesis(localGenesisKey, allocations...)
	if err != nil {
		return nil, nil, fmt.Errorf("apply ledger genesis: %w", err)
	}
	if minted {
		logger.Info("embedded ledger genesis applied", slog.Int("allocations", len(allocations)))
	}
	if cfg.Ledger.AuthToken == "" {
		logger.Warn("embedded ledger RPC has no bearer token; signed envelopes still gate mutations")
	}
	handler := rpc.NewServer(engine, funds, rpc.NewNonceStore(db), rpc.ServerConfig{
		AuthToken: cfg.Ledger.AuthToken,
		Logger:    logger.With(slog.String("component", "ledger-rpc")),
	})
	return ledgerclient.NewLocal(engine, signer.Address(), cfg.Flush.BatchSize), handler, nil
}
