// Package main is the entry point for the sbomer service.
// It wires all dependencies together, starts the reconciliation controller,
// the message intake and the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/sbomer/internal/config"
	"github.com/pitabwire/sbomer/internal/executor"
	"github.com/pitabwire/sbomer/internal/harvest"
	"github.com/pitabwire/sbomer/internal/intake"
	"github.com/pitabwire/sbomer/internal/notify"
	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/internal/reconcile"
	"github.com/pitabwire/sbomer/internal/store"
	"github.com/pitabwire/sbomer/internal/transport"
	"github.com/pitabwire/sbomer/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "sbomer", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open the work unit store.
	st, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer storeCloser()

	// Step 5: Connect the executor.
	exec, err := buildExecutor(cfg.Executor, logger)
	if err != nil {
		logger.Error("executor initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Connect the event bus (optional).
	nc, err := connectNATS(cfg, logger)
	if err != nil {
		logger.Error("event bus connection failed", zap.Error(err))
		return 1
	}
	if nc != nil {
		defer nc.Close()
	}

	// Step 7: Initialize the delivery deduplicator (optional).
	dedup, dedupCloser := buildDeduplicator(cfg.Dedup, logger)
	defer dedupCloser()

	// Step 8: Build the engine and its controller.
	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notification.Enabled && nc != nil {
		notifier = notify.NewNATSNotifier(nc, cfg.Notification.Subject)
	}
	harvester := harvest.NewHarvester(
		cfg.Generation.SbomDir, cfg.Generation.ManifestFileName,
		st, notifier, logger, metrics,
	)

	registry := reconcile.DefaultRegistry()
	if err := registry.OverridePhases(cfg.Generation.Phases); err != nil {
		logger.Error("phase graph override failed", zap.Error(err))
		return 1
	}
	engine := reconcile.NewEngine(registry, harvester, int32(cfg.Generation.SentinelExitCode), logger, metrics)
	controller := reconcile.NewController(st, exec, engine, reconcile.ControllerOptions{
		Executor: executorOptions(cfg.Executor),
		Workers:  cfg.Generation.Workers,
		Resync:   cfg.Generation.ResyncInterval,
	}, logger, metrics)

	correlator := intake.NewCorrelator(st, dedup, cfg.Dedup.TTL, logger, metrics)

	// Step 9: Build HTTP router.
	readiness := observability.NewReadiness(st).
		With("executor", exec).
		With("dedup", dedup)
	if nc != nil {
		readiness.With("eventbus", natsHealth{nc})
	}

	var authenticate func(http.Handler) http.Handler
	if cfg.Auth.SecretEnv != "" {
		secret := os.Getenv(cfg.Auth.SecretEnv)
		if secret == "" {
			logger.Error("auth secret not set", zap.String("env", cfg.Auth.SecretEnv))
			return 1
		}
		authenticate = transport.JWTAuthenticator(cfg.Auth, []byte(secret))
	} else {
		logger.Warn("write routes are not authenticated")
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     prometheus.DefaultGatherer,
		Readiness:    readiness,
		Authenticate: authenticate,
		Store:        st,
		Submitter:    correlator,
		Resources:    exec,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		if err := controller.Run(bgCtx); err != nil {
			logger.Error("controller stopped", zap.Error(err))
			stop()
		}
	}()

	if cfg.Intake.Enabled && nc != nil {
		js, err := jetstream.New(nc)
		if err != nil {
			logger.Error("jetstream initialization failed", zap.Error(err))
			return 1
		}
		source, err := intake.EnsureConsumer(ctx, js, intake.StreamConfig{
			Stream:     cfg.Intake.Stream,
			Subject:    cfg.Intake.Subject,
			Durable:    cfg.Intake.Durable,
			MaxDeliver: cfg.Intake.MaxDeliver,
			AckWait:    cfg.Intake.AckWait,
		})
		if err != nil {
			logger.Error("intake consumer setup failed", zap.Error(err))
			return 1
		}
		consumer := intake.NewJetStreamConsumer(source, correlator, cfg.Intake.RedeliverDelay, logger)
		if err := consumer.Start(bgCtx); err != nil {
			logger.Error("intake consumer failed to start", zap.Error(err))
			return 1
		}
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("executor", cfg.Executor.Driver),
		zap.Bool("intake", cfg.Intake.Enabled),
		zap.Any("generation_types", registry.Types()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop intake and the controller, then wait for in-flight reconciliations.
	bgCancel()
	bg.Wait()

	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn("event bus drain error", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildStore creates the work unit store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("store: migrate: %w", err)
			}
			logger.Info("store schema migrated")
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildExecutor creates the executor client based on config.
func buildExecutor(cfg config.ExecutorConfig, logger *zap.Logger) (executor.Client, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory executor, task runs never complete on their own")
		return executor.NewMemoryClient(), nil
	case "kubernetes":
		dyn, err := executor.NewDynamicClient(cfg.Kubeconfig)
		if err != nil {
			return nil, err
		}
		logger.Info("using kubernetes executor", zap.String("namespace", cfg.Namespace))
		k8s := executor.NewKubernetesClient(dyn, cfg.Namespace, logger)
		return executor.NewGuardedClient(k8s, cfg.BreakerFailures, cfg.BreakerCooldown, logger), nil
	default:
		return nil, fmt.Errorf("unsupported executor driver: %q", cfg.Driver)
	}
}

func executorOptions(cfg config.ExecutorConfig) executor.Options {
	suffixes := make(map[model.Phase]string, len(cfg.TaskSuffixes))
	for phase, suffix := range cfg.TaskSuffixes {
		suffixes[model.ParsePhase(phase)] = suffix
	}
	return executor.Options{
		Release:            cfg.Release,
		ServiceAccountName: cfg.ServiceAccountName,
		TaskSuffixes:       suffixes,
	}
}

// connectNATS opens the event bus connection shared by intake and
// notifications. It returns nil when neither is enabled.
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	if !cfg.Intake.Enabled && !cfg.Notification.Enabled {
		return nil, nil
	}
	envName := cfg.Intake.URLEnv
	if !cfg.Intake.Enabled {
		envName = cfg.Notification.URLEnv
	}
	url := os.Getenv(envName)
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("sbomer"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("event bus disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("event bus reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	logger.Info("event bus connected", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// buildDeduplicator creates the delivery deduplicator based on config.
// Returns nil when dedup is disabled.
func buildDeduplicator(cfg config.DedupConfig, logger *zap.Logger) (intake.Deduplicator, func()) {
	if !cfg.Enabled {
		return nil, func() {}
	}

	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			logger.Warn("redis address not configured, using in-memory deduplicator",
				zap.String("env", cfg.AddrEnv))
			return intake.NewMemoryDeduplicator(), func() {}
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis deduplicator", zap.String("addr", addr))
		return intake.NewRedisDeduplicator(client), func() { client.Close() }
	default:
		logger.Info("using in-memory deduplicator")
		return intake.NewMemoryDeduplicator(), func() {}
	}
}

// natsHealth reports the event bus connection state for readiness.
type natsHealth struct {
	conn *nats.Conn
}

func (h natsHealth) HealthCheck(context.Context) error {
	if !h.conn.IsConnected() {
		return fmt.Errorf("event bus %s", h.conn.Status())
	}
	return nil
}
