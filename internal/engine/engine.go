// Package engine runs the reconciliation loop.
//
// Every iteration executes in a fixed order on one goroutine:
//
//  1. Heartbeat: announce isStart/armed and re-qualify the whitelist.
//  2. Create-TP-Close: cover each position with a reduce-only take-profit.
//  3. Clear-Stale-Open: cancel opening orders that outlived their timeout on
//     contracts without a position, re-running step 2 after each cancel.
//  4. Create-Open: ladder into qualified entries up to MaxPositions contracts.
//  5. Stop-Loss/Timeout: close positions past the ROI or age limit.
//  6. Refresh the snapshot if no phase did.
//  7. Sleep the loop interval.
//
// While stopped (parked) only step 1 runs. Errors from a single order or
// cancel are reported and the phase moves on; an iteration error or panic
// is logged and followed by a forced refresh.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"futures-keeper/internal/metrics"
	"futures-keeper/pkg/types"
)

// Trader is the private exchange surface the loop acts through.
type Trader interface {
	Positions(ctx context.Context) ([]types.Position, error)
	OpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	SetLeverage(ctx context.Context, contract string, leverage int) error
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OpenOrder, error)
	CancelAll(ctx context.Context, contract string) (types.CancelAllResult, error)
	SetSelectors(s types.UISelectors)
}

// Qualifier admits whitelist items for the current iteration.
type Qualifier interface {
	Qualify(ctx context.Context, items []types.WhitelistItem, s types.Settings) []types.WhitelistEntry
}

// ContractSource returns cached contract metadata.
type ContractSource interface {
	Get(ctx context.Context, contract string) (types.ContractInfo, error)
	Invalidate(contract string)
}

// BookSource returns an order book snapshot.
type BookSource interface {
	OrderBook(ctx context.Context, contract string, depth int) (*types.OrderBookResponse, error)
}

// Notifier receives operator-facing status.
type Notifier interface {
	Heartbeat(ts time.Time, isStart, armed bool)
	Log(level, text string)
	StickySet(key, text string, ts time.Time)
	StickyRemove(key string)
	StickyClear()
}

// Log levels for operator lines.
const (
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"
)

// Options configures the loop.
type Options struct {
	Interval   time.Duration
	StartArmed bool
	// Ready reports whether the executor can take actions. Nil means always.
	Ready func() bool
}

// Deps are the collaborators of the loop.
type Deps struct {
	Trader    Trader
	Qualifier Qualifier
	Contracts ContractSource
	Books     BookSource
	Notifier  Notifier // optional
}

// State is a point-in-time view of the loop for status endpoints.
type State struct {
	IsStart   bool                   `json:"isStart"`
	Armed     bool                   `json:"armed"`
	Settings  types.Settings         `json:"settings"`
	Whitelist []types.WhitelistItem  `json:"whitelist"`
	Entries   []types.WhitelistEntry `json:"entries"`
	Snapshot  *Snapshot              `json:"snapshot,omitempty"`
}

// Engine is the reconciliation loop. Control methods are safe to call from
// any goroutine; everything else runs on the loop goroutine.
type Engine struct {
	trader    Trader
	qualifier Qualifier
	contracts ContractSource
	books     BookSource
	notify    Notifier
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	running   atomic.Bool
	settings  atomic.Pointer[types.Settings]
	whitelist atomic.Pointer[[]types.WhitelistItem]
	entries   atomic.Pointer[[]types.WhitelistEntry]
	snap      atomic.Pointer[Snapshot]

	// loop goroutine only
	leverage map[string]int
	stickies map[string]struct{}
}

// New creates a loop with initial settings.
func New(deps Deps, settings types.Settings, opts Options, logger *slog.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	notify := deps.Notifier
	if notify == nil {
		notify = nopNotifier{}
	}
	e := &Engine{
		trader:    deps.Trader,
		qualifier: deps.Qualifier,
		contracts: deps.Contracts,
		books:     deps.Books,
		notify:    notify,
		opts:      opts,
		logger:    logger.With("component", "engine"),
		now:       time.Now,
		leverage:  make(map[string]int),
		stickies:  make(map[string]struct{}),
	}
	s := normalizeSettings(settings)
	e.settings.Store(&s)
	empty := []types.WhitelistItem{}
	e.whitelist.Store(&empty)
	noEntries := []types.WhitelistEntry{}
	e.entries.Store(&noEntries)
	if opts.StartArmed {
		e.Start()
	}
	return e
}

// Run loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("reconciliation loop started", "interval", e.opts.Interval, "isStart", e.running.Load())
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciliation loop stopped")
			return nil
		case <-timer.C:
		}

		if err := e.iterate(ctx); err != nil && ctx.Err() == nil {
			metrics.LoopErrors.WithLabelValues(phaseIteration).Inc()
			e.report(levelError, "*", phaseIteration, err.Error())
			if e.running.Load() {
				e.forceRefresh(ctx)
			}
		}
		metrics.LoopIterations.Inc()
		timer.Reset(e.opts.Interval)
	}
}

// iterate runs one pass of the loop. Panics are returned as errors.
func (e *Engine) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v", r)
		}
	}()

	start := e.running.Load()
	e.notify.Heartbeat(e.now(), start, e.armed())

	s := *e.settings.Load()
	entries := e.qualifier.Qualify(ctx, *e.whitelist.Load(), s)
	if entries == nil {
		entries = []types.WhitelistEntry{}
	}
	e.entries.Store(&entries)

	if !start {
		e.clearStickies()
		return nil
	}

	snap, err := e.current(ctx)
	if err != nil {
		return err
	}
	refreshed := false
	phases := []func(context.Context, Snapshot, types.Settings) (Snapshot, bool, error){
		e.createTPClose,
		e.clearStaleOpen,
		func(ctx context.Context, snap Snapshot, s types.Settings) (Snapshot, bool, error) {
			return e.createOpen(ctx, snap, s, entries)
		},
		e.stopLoss,
	}
	for _, phase := range phases {
		next, ok, err := phase(ctx, snap, s)
		if err != nil {
			return err
		}
		snap = next
		refreshed = refreshed || ok
	}

	if !refreshed {
		if _, err := e.refresh(ctx); err != nil {
			return err
		}
	}
	return nil
}

// forceRefresh replaces the snapshot after a failed iteration.
func (e *Engine) forceRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopErrors.WithLabelValues(phaseRefresh).Inc()
			e.logger.Error("forced refresh panicked", "panic", r)
		}
	}()
	if _, err := e.refresh(ctx); err != nil && ctx.Err() == nil {
		metrics.LoopErrors.WithLabelValues(phaseRefresh).Inc()
		e.logger.Warn("forced refresh failed", "error", err)
	}
}

// current returns the last snapshot, fetching one on the first iteration.
func (e *Engine) current(ctx context.Context) (Snapshot, error) {
	if s := e.snap.Load(); s != nil {
		return *s, nil
	}
	return e.refresh(ctx)
}

func (e *Engine) armed() bool {
	if e.opts.Ready == nil {
		return true
	}
	return e.opts.Ready()
}

// ————————————————————————————————————————————————————————————————————————
// Control
// ————————————————————————————————————————————————————————————————————————

// Start lets the action phases run.
func (e *Engine) Start() {
	if !e.running.Swap(true) {
		metrics.Running.Set(1)
		e.logger.Info("loop started")
	}
}

// Stop parks the loop: heartbeats continue, no actions are taken.
func (e *Engine) Stop() {
	if e.running.Swap(false) {
		metrics.Running.Set(0)
		e.logger.Info("loop parked")
	}
}

// Running reports the start flag.
func (e *Engine) Running() bool { return e.running.Load() }

// SetWhitelist replaces the whitelist used from the next heartbeat on.
func (e *Engine) SetWhitelist(items []types.WhitelistItem) {
	cp := make([]types.WhitelistItem, len(items))
	copy(cp, items)
	e.whitelist.Store(&cp)
	e.logger.Info("whitelist updated", "symbols", len(cp))
}

// SetSettings validates and replaces the runtime settings.
func (e *Engine) SetSettings(s types.Settings) error {
	s = normalizeSettings(s)
	if err := validateSettings(s); err != nil {
		return err
	}
	e.settings.Store(&s)
	e.logger.Info("settings updated",
		"max_positions", s.MaxPositions,
		"layers", s.Layers,
		"order_value", s.OrderValue,
		"signal_mode", s.SignalMode,
	)
	return nil
}

// SetSelectors forwards a new UI selector set to the trader.
func (e *Engine) SetSelectors(sel types.UISelectors) {
	e.trader.SetSelectors(sel)
	e.logger.Info("ui selectors updated", "count", len(sel))
}

// Settings returns the current runtime settings.
func (e *Engine) Settings() types.Settings { return *e.settings.Load() }

// State returns the loop state for status endpoints.
func (e *Engine) State() State {
	return State{
		IsStart:   e.running.Load(),
		Armed:     e.armed(),
		Settings:  *e.settings.Load(),
		Whitelist: *e.whitelist.Load(),
		Entries:   *e.entries.Load(),
		Snapshot:  e.snap.Load(),
	}
}

func normalizeSettings(s types.Settings) types.Settings {
	if s.SignalMode == "" {
		s.SignalMode = types.SignalImbalance
	}
	if s.CrossPolicy == "" {
		s.CrossPolicy = types.CrossSkip
	}
	if s.Layers == 0 {
		s.Layers = 1
	}
	return s
}

func validateSettings(s types.Settings) error {
	switch {
	case s.MaxPositions <= 0:
		return fmt.Errorf("maxPositions must be > 0")
	case s.Layers <= 0:
		return fmt.Errorf("layers must be > 0")
	case !s.OrderValue.IsPositive():
		return fmt.Errorf("orderValue must be > 0")
	case s.TakeProfitPct.IsNegative() || s.StopLossPct.IsNegative():
		return fmt.Errorf("takeProfitPct and stopLossPct must be >= 0")
	case s.TakeProfitPct.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("takeProfitPct is a fraction and must be < 1, got %s", s.TakeProfitPct)
	case s.StartTicks < 0:
		return fmt.Errorf("startTicks must be >= 0")
	case s.PositionTimeoutSec < 0 || s.OpenOrderTimeoutSec < 0:
		return fmt.Errorf("timeouts must be >= 0")
	}
	switch s.SignalMode {
	case types.SignalImbalance:
		if s.ImbalanceRatio.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("imbalanceRatio must be >= 1, got %s", s.ImbalanceRatio)
		}
	case types.SignalGap:
	default:
		return fmt.Errorf("unknown signalMode %q", s.SignalMode)
	}
	switch s.CrossPolicy {
	case types.CrossSkip, types.CrossClip, types.CrossAllow:
	default:
		return fmt.Errorf("unknown crossPolicy %q", s.CrossPolicy)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Operator output
// ————————————————————————————————————————————————————————————————————————

// report logs and forwards a single-line "[CONTRACT] phase: message".
func (e *Engine) report(level, contract, phase, msg string) {
	msg = strings.Join(strings.Fields(msg), " ")
	lvl := slog.LevelInfo
	switch level {
	case levelWarn:
		lvl = slog.LevelWarn
	case levelError:
		lvl = slog.LevelError
	}
	e.logger.Log(context.Background(), lvl, "operator notice", "contract", contract, "phase", phase, "detail", msg)
	e.notify.Log(level, fmt.Sprintf("[%s] %s: %s", contract, phase, msg))
}

// unitError reports a failure confined to one contract.
func (e *Engine) unitError(contract, phase string, err error) {
	metrics.LoopErrors.WithLabelValues(phase).Inc()
	e.report(levelError, contract, phase, err.Error())
}

func (e *Engine) setSticky(key, text string) {
	e.stickies[key] = struct{}{}
	e.notify.StickySet(key, text, e.now())
}

// pruneStickies removes stickies with prefix that are not in keep.
func (e *Engine) pruneStickies(prefix string, keep map[string]struct{}) {
	for key := range e.stickies {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := keep[key]; ok {
			continue
		}
		delete(e.stickies, key)
		e.notify.StickyRemove(key)
	}
}

func (e *Engine) clearStickies() {
	if len(e.stickies) == 0 {
		return
	}
	e.stickies = make(map[string]struct{})
	e.notify.StickyClear()
}

type nopNotifier struct{}

func (nopNotifier) Heartbeat(time.Time, bool, bool) {}
func (nopNotifier) Log(string, string) {}
func (nopNotifier) StickySet(string, string, time.Time) {}
func (nopNotifier) StickyRemove(string) {}
func (nopNotifier) StickyClear() {}
