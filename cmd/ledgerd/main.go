package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockmusic/cmd/internal/passphrase"
	"blockmusic/config"
	"blockmusic/gateway/middleware"
	"blockmusic/observability/logging"
	telemetry "blockmusic/observability/otel"
	"blockmusic/rpc"
	"blockmusic/storage"
)

const ownerPassEnv = "LEDGERD_KEYSTORE_PASSPHRASE"

func main() {
	if err := run(); err != nil {
		log.Fatalf("ledgerd: %v", err)
	}
}

func run() error {
	configFile := flag.String("config", "./ledgerd.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BLOCKMUSIC_ENV"))
	logger := logging.SetupWithOptions("ledgerd", env, logging.OptionsFromEnv())
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("ledgerd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	passSource := passphrase.NewSource(ownerPassEnv, "owner keystore")
	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	node, err := openNode(cfg, db, logger)
	if err != nil {
		return err
	}
	logger.Info("revenue ledger ready",
		slog.String("owner", node.config.Owner.Hex()),
		slog.String("aggregator", node.config.Aggregator.Hex()))

	authToken := ""
	if name := strings.TrimSpace(cfg.RPCAuthTokenEnv); name != "" {
		authToken = strings.TrimSpace(os.Getenv(name))
	}
	if authToken == "" {
		logger.Warn("RPC bearer authentication disabled", slog.String("env", cfg.RPCAuthTokenEnv))
	} else {
		logger.Info("RPC bearer authentication enabled", logging.MaskSecret("token", authToken))
	}

	rpcServer := rpc.NewServer(node.engine, node.bank, rpc.NewNonceStore(db), rpc.ServerConfig{
		AuthToken: authToken,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.RPCAddress,
		Handler:      newRouter(rpcServer, cfg.RPCLogRequests, logger),
		ReadTimeout:  time.Duration(cfg.RPCReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.RPCWriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.RPCIdleTimeout) * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening", slog.String("addr", cfg.RPCAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func newRouter(rpcServer http.Handler, logRequests bool, logger *slog.Logger) http.Handler {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "ledgerd", LogRequests: logRequests}, logger)
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.With(obs.Middleware("/rpc")).Handle("/", rpcServer)
	r.With(obs.Middleware("/rpc")).Handle("/rpc", rpcServer)
	return r
}
