package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"brm/config"
	"brm/core/events"
	"brm/core/state"
	"brm/gateway/middleware"
	"brm/native/escrow"
	"brm/observability"
	"brm/observability/logging"
	"brm/observability/metrics"
	"brm/observability/otel"
	"brm/rpc"
	"brm/services/webhook"
	"brm/storage"
)

const (
	envOverride      = "BRM_ENV"
	recentEventLimit = 1024
)

// genesisMarkerKey records that genesis allocations were applied so restarts
// never mint twice.
var genesisMarkerKey = []byte("brm/genesis/applied")

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	env := cfg.Logging.Env
	if override := strings.TrimSpace(os.Getenv(envOverride)); override != "" {
		env = override
	}
	logger := logging.SetupWithOptions("brmd", logging.Options{
		Env:        env,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	if err := run(cfg, env, logger); err != nil {
		logger.Error("brmd stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, env string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, otel.Config{
		ServiceName: "brmd",
		Environment: env,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	mgr := state.NewManager(db)
	if err := mgr.EnsureStateVersion(); err != nil {
		return err
	}

	allocs, err := cfg.Allocations()
	if err != nil {
		return err
	}
	applied, err := applyGenesis(mgr, allocs)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if applied {
		logger.Info("genesis allocations applied", "component", "genesis", "accounts", len(allocs))
	}

	dispatcher, closeWebhooks, err := buildWebhooks(cfg.Webhooks, logger)
	if err != nil {
		return err
	}
	defer closeWebhooks()

	engine, recorder, err := buildEngine(cfg, mgr, logger, dispatcher)
	if err != nil {
		return err
	}

	server := rpc.NewServer(engine, rpc.ServerConfig{
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  time.Duration(cfg.Auth.ClockSkewSecs) * time.Second,
		},
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		LogRequests: env == "dev",
	}, logger)
	server.SetEventSource(recorder)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("JSON-RPC server listening", "component", "rpc", "addr", cfg.RPCAddress)
		return rpc.ListenAndServe(gctx, cfg.RPCAddress, server.Router())
	})
	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		group.Go(func() error {
			logger.Info("metrics server listening", "component", "metrics", "addr", addr)
			return rpc.ListenAndServe(gctx, addr, rpc.MetricsRouter())
		})
	}
	if cfg.Keeper.IntervalSecs > 0 {
		interval := time.Duration(cfg.Keeper.IntervalSecs) * time.Second
		group.Go(func() error {
			runKeeper(gctx, engine, interval, logger)
			return nil
		})
	}
	if dispatcher.Enabled() {
		group.Go(func() error {
			logger.Info("webhook dispatcher started", "component", "webhook", "endpoints", len(cfg.Webhooks.Endpoints))
			dispatcher.Run(gctx)
			return nil
		})
	}
	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildEngine wires the escrow engine to the configured treasury, metrics and
// event sinks. extra emitters receive every event after the built-in ones.
func buildEngine(cfg *config.Config, mgr *state.Manager, logger *slog.Logger, extra ...events.Emitter) (*escrow.Engine, *events.Recorder, error) {
	params, err := cfg.EscrowParams()
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(cfg.Treasury) == "" {
		return nil, nil, fmt.Errorf("config: Treasury must be set")
	}
	treasury, err := cfg.TreasuryAddress()
	if err != nil {
		return nil, nil, err
	}
	engine, err := escrow.NewEngine(mgr, params)
	if err != nil {
		return nil, nil, err
	}
	engine.SetTreasury(treasury)
	engine.SetLogger(logger.With("component", "escrow"))
	engine.SetMetrics(metrics.Market())
	recorder := events.NewRecorder(recentEventLimit)
	fanout := events.Fanout{observability.Events(), recorder}
	engine.SetEmitter(append(fanout, extra...))
	return engine, recorder, nil
}

// buildWebhooks opens the optional delivery log and constructs the
// dispatcher. The returned func releases the log.
func buildWebhooks(cfg config.Webhooks, logger *slog.Logger) (*webhook.Dispatcher, func(), error) {
	var store *webhook.Store
	closer := func() {}
	if path := strings.TrimSpace(cfg.DeliveryLog); path != "" && len(cfg.Endpoints) > 0 {
		opened, err := webhook.NewStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open webhook log: %w", err)
		}
		store = opened
		closer = func() { _ = opened.Close() }
	}
	endpoints := make([]webhook.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, webhook.Endpoint{
			Name:              ep.Name,
			URL:               ep.URL,
			Secret:            ep.Secret,
			Events:            ep.Events,
			RequestsPerMinute: float64(ep.RequestsPerMinute),
		})
	}
	dispatcher, err := webhook.NewDispatcher(webhook.Config{
		Endpoints:     endpoints,
		MaxAttempts:   cfg.MaxAttempts,
		Timeout:       time.Duration(cfg.TimeoutSecs) * time.Second,
		QueueCapacity: cfg.QueueCapacity,
	}, store, logger.With("component", "webhook"))
	if err != nil {
		closer()
		return nil, nil, err
	}
	return dispatcher, closer, nil
}

// applyGenesis credits the configured allocations exactly once per data
// directory. It reports whether anything was minted.
func applyGenesis(mgr *state.Manager, allocs []config.Allocation) (bool, error) {
	applied := false
	err := mgr.Update(func(tx *state.Tx) error {
		var marker uint64
		done, err := tx.KVGet(genesisMarkerKey, &marker)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		for _, alloc := range allocs {
			if err := tx.Mint(alloc.Address, alloc.Amount); err != nil {
				return err
			}
		}
		applied = len(allocs) > 0
		return tx.KVPut(genesisMarkerKey, uint64(1))
	})
	return applied, err
}

// timeoutSweeper is the engine surface the keeper drives.
type timeoutSweeper interface {
	Now() int64
	CheckAllTimeouts(now int64) ([]*escrow.Escrow, error)
}

// runKeeper pushes CheckAllTimeouts on every tick until ctx ends. The engine
// owns no timers, so expiries only take effect when something calls in.
func runKeeper(ctx context.Context, engine timeoutSweeper, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(engine, logger)
		}
	}
}

func sweepOnce(engine timeoutSweeper, logger *slog.Logger) int {
	resolved, err := engine.CheckAllTimeouts(engine.Now())
	if err != nil {
		logger.Warn("timeout sweep reported failures", "component", "keeper", slog.Any("error", err))
	}
	if len(resolved) > 0 {
		logger.Info("timeout sweep resolved escrows", "component", "keeper", "count", len(resolved))
	}
	return len(resolved)
}
