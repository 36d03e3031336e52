// Futures keeper: an automated position keeper for USDT-settled perpetual
// futures on a Gate-style exchange.
//
// Architecture:
//
//	main.go               entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go      reconciliation loop: TP closes, stale opens, ladder opens, stop-loss
//	strategy/ladder.go    tick math: entry ladders, take-profit and close prices
//	market/qualifier.go   turns the operator whitelist into qualified entries from the book
//	risk/guard.go         ROI and age checks that force a position closed
//	exchange/client.go    private API calls, routed through an executor and the rate governor
//	exchange/link.go      websocket link to the browser agent, with reconnects
//	bridge/bridge.go      correlates agent requests with their responses
//	ratelimit/            rule catalog and sliding-window counters per bucket
//	store/                file or redis persistence for the rate counters
//	api/                  control websocket, status endpoints, metrics
//
// The keeper opens a small ladder of limit orders on each qualified
// contract, keeps a reduce-only take-profit resting against every open
// position, and closes positions that hit the stop-loss or outlive their
// timeout.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"futures-keeper/internal/api"
	"futures-keeper/internal/bridge"
	"futures-keeper/internal/config"
	"futures-keeper/internal/engine"
	"futures-keeper/internal/exchange"
	"futures-keeper/internal/market"
	"futures-keeper/internal/ratelimit"
	"futures-keeper/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KEEPER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("keeper stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("keeper stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	specs := ratelimit.DefaultSpecs()
	if len(cfg.RateLimit.Rules) > 0 {
		specs = ruleSpecs(cfg.RateLimit.Rules)
	}
	rules, err := ratelimit.Compile(specs)
	if err != nil {
		return fmt.Errorf("compile rate rules: %w", err)
	}
	gov := ratelimit.NewGovernor(rules, st, logger)
	if err := gov.Load(ctx); err != nil {
		logger.Warn("rate counters not restored", "error", err)
	}

	hub := api.NewHub(nil, logger)

	g, gctx := errgroup.WithContext(ctx)

	var (
		exec  exchange.Executor
		ready func() bool
	)
	switch cfg.Executor.Mode {
	case "bridge":
		link := exchange.NewLink(cfg.Executor.WSURL, logger)
		br := bridge.New(link, logger)
		defer br.Close()
		link.Bind(br, hub.SetReady)
		exec = exchange.NewBridgeExecutor(br, exchange.ExecutorTimeouts{
			Call:   cfg.Executor.CallTimeout,
			Fetch:  cfg.Executor.FetchTimeout,
			Place:  cfg.Executor.PlaceTimeout,
			Reload: cfg.Executor.ReloadTimeout,
		}, cfg.Executor.ReloadAfterTimeouts, logger)
		ready = link.Ready
		g.Go(func() error {
			defer link.Close()
			return link.Run(gctx)
		})
	case "direct":
		auth := exchange.NewAuth(cfg.Executor.APIKey, cfg.Executor.APISecret)
		exec = exchange.NewDirectExecutor(cfg.Exchange.PrivateBaseURL, cfg.Exchange.Settle, auth, cfg.Executor.CallTimeout, logger)
		hub.SetReady(true)
	}

	caller := ratelimit.Caller{Identity: cfg.Exchange.Identity, Origin: cfg.Exchange.Origin}
	client := exchange.NewClient(exec, gov, exchange.ClientOptions{
		BaseURL:      cfg.Exchange.PrivateBaseURL,
		Settle:       cfg.Exchange.Settle,
		Via:          cfg.Exchange.PlaceVia,
		Caller:       caller,
		Enforce:      cfg.RateLimit.Enforce,
		DryRun:       cfg.DryRun,
		FetchTimeout: cfg.Executor.FetchTimeout,
	}, logger)
	public := exchange.NewPublicClient(exchange.PublicOptions{
		BaseURL: cfg.Exchange.PublicBaseURL,
		Settle:  cfg.Exchange.Settle,
		Caller:  caller,
		Enforce: cfg.RateLimit.Enforce,
		Timeout: cfg.Executor.CallTimeout,
	}, gov, logger)

	contracts := market.NewContracts(public, cfg.Exchange.ContractTTL)
	qualifier := market.NewQualifier(public, contracts, cfg.Exchange.BookDepth, logger)

	eng := engine.New(engine.Deps{
		Trader:    client,
		Qualifier: qualifier,
		Contracts: contracts,
		Books:     public,
		Notifier:  hub,
	}, cfg.Strategy.Settings(), engine.Options{
		Interval:   cfg.Loop.Interval,
		StartArmed: cfg.Loop.StartArmed,
		Ready:      ready,
	}, logger)
	hub.Attach(eng)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: no real orders will be placed")
	}
	logger.Info("futures keeper started",
		"executor", cfg.Executor.Mode,
		"place_via", cfg.Exchange.PlaceVia,
		"max_positions", cfg.Strategy.MaxPositions,
		"layers", cfg.Strategy.Layers,
		"armed", cfg.Loop.StartArmed,
		"enforce_limits", cfg.RateLimit.Enforce,
	)

	g.Go(func() error {
		gov.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})
	if cfg.Control.Enabled {
		srv := api.NewServer(cfg.Control, cfg.Metrics, hub, gov, logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
		logger.Info("control channel started", "url", fmt.Sprintf("ws://localhost:%d/ws", cfg.Control.Port))
	} else {
		// The hub still drains status so the loop never blocks on it.
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
	}

	// The governor flushes its counters when its context ends.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// closableStore is a rate counter store with a handle to release.
type closableStore interface {
	ratelimit.Store
	Close() error
}

func openStore(ctx context.Context, cfg config.StoreConfig) (closableStore, error) {
	switch cfg.Backend {
	case "redis":
		s, err := store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisKey)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil
	default:
		s, err := store.OpenFile(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil
	}
}

func ruleSpecs(rules []config.RuleConfig) []ratelimit.RuleSpec {
	specs := make([]ratelimit.RuleSpec, 0, len(rules))
	for _, r := range rules {
		specs = append(specs, ratelimit.RuleSpec{
			ID:      r.ID,
			Methods: r.Methods,
			Pattern: r.Pattern,
			Limit:   r.Limit,
			Window:  r.Window,
			Basis:   ratelimit.Basis(r.Basis),
			Scope:   ratelimit.Scope(r.Scope),
			Bucket:  r.Bucket,
		})
	}
	return specs
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
