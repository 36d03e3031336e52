package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"futures-keeper/internal/bridge"
	"futures-keeper/pkg/types"
)

// Action kinds understood by the executor agent.
const (
	KindFetch              = "fetch"
	KindPlaceOrder         = "placeOrder"
	KindClickOpenOrdersTab = "clickOpenOrdersTab"
	KindCancelAll          = "cancelAllOpenForContract"
	KindReloadSession      = "reloadSession"
)

// Executor performs actions inside the authenticated exchange session.
type Executor interface {
	Fetch(ctx context.Context, req types.FetchRequest) (types.FetchResult, error)
	PlaceOrder(ctx context.Context, selectors types.UISelectors, order types.OrderRequest) (types.FetchResult, error)
	ClickOpenOrdersTab(ctx context.Context) error
	CancelAllOpenForContract(ctx context.Context, contract string) (types.CancelAllResult, error)
	ReloadSession(ctx context.Context, timeout time.Duration) error
}

// ActionError is an executor acknowledgement with ok=false.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return e.Action + " failed"
	}
	return e.Action + ": " + e.Message
}

// ExecutorTimeouts bounds each action kind. Fetch requests carry their own
// timeout; the bridge waits a little longer so the agent can answer first.
type ExecutorTimeouts struct {
	Call   time.Duration
	Fetch  time.Duration
	Place  time.Duration
	Reload time.Duration
}

// fetchGrace is added on top of a fetch's own timeout for the RPC wait.
const fetchGrace = 2 * time.Second

// BridgeExecutor sends actions to the browser agent through the bridge.
// After ReloadAfter consecutive RPC timeouts it asks the agent to reload
// the session once; the counter resets on any answered call.
type BridgeExecutor struct {
	bridge      *bridge.Bridge
	timeouts    ExecutorTimeouts
	reloadAfter int

	consecutiveTimeouts atomic.Int64
	reloading           atomic.Bool

	logger *slog.Logger
}

var _ Executor = (*BridgeExecutor)(nil)

// NewBridgeExecutor creates an executor over b. reloadAfter <= 0 disables
// automatic session reloads.
func NewBridgeExecutor(b *bridge.Bridge, timeouts ExecutorTimeouts, reloadAfter int, logger *slog.Logger) *BridgeExecutor {
	return &BridgeExecutor{
		bridge:      b,
		timeouts:    timeouts,
		reloadAfter: reloadAfter,
		logger:      logger.With("component", "executor"),
	}
}

func (e *BridgeExecutor) Fetch(ctx context.Context, req types.FetchRequest) (types.FetchResult, error) {
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = e.timeouts.Fetch.Milliseconds()
	}
	wait := time.Duration(req.TimeoutMs)*time.Millisecond + fetchGrace
	res, err := bridge.Call[types.FetchResult](ctx, e.bridge, KindFetch, req, wait)
	if err := e.track(err); err != nil {
		return types.FetchResult{}, err
	}
	if failedWithoutBody(res) {
		return res, &ActionError{Action: KindFetch, Message: res.Error}
	}
	return res, nil
}

func (e *BridgeExecutor) PlaceOrder(ctx context.Context, selectors types.UISelectors, order types.OrderRequest) (types.FetchResult, error) {
	req := types.PlaceOrderRequest{Selectors: selectors, Order: order}
	res, err := bridge.Call[types.FetchResult](ctx, e.bridge, KindPlaceOrder, req, e.timeouts.Place)
	if err := e.track(err); err != nil {
		return types.FetchResult{}, err
	}
	if failedWithoutBody(res) {
		return res, &ActionError{Action: KindPlaceOrder, Message: res.Error}
	}
	return res, nil
}

func (e *BridgeExecutor) ClickOpenOrdersTab(ctx context.Context) error {
	res, err := bridge.Call[types.ActionResult](ctx, e.bridge, KindClickOpenOrdersTab, struct{}{}, e.timeouts.Call)
	if err := e.track(err); err != nil {
		return err
	}
	if !res.OK {
		return &ActionError{Action: KindClickOpenOrdersTab, Message: res.Error}
	}
	return nil
}

func (e *BridgeExecutor) CancelAllOpenForContract(ctx context.Context, contract string) (types.CancelAllResult, error) {
	req := struct {
		Contract string `json:"contract"`
	}{contract}
	res, err := bridge.Call[types.CancelAllResult](ctx, e.bridge, KindCancelAll, req, e.timeouts.Call)
	if err := e.track(err); err != nil {
		return types.CancelAllResult{}, err
	}
	if !res.OK {
		return res, &ActionError{Action: KindCancelAll, Message: res.Error}
	}
	return res, nil
}

func (e *BridgeExecutor) ReloadSession(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.timeouts.Reload
	}
	req := struct {
		TimeoutMs int64 `json:"timeoutMs"`
	}{timeout.Milliseconds()}
	res, err := bridge.Call[types.ActionResult](ctx, e.bridge, KindReloadSession, req, timeout+fetchGrace)
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	if !res.OK {
		return &ActionError{Action: KindReloadSession, Message: res.Error}
	}
	e.consecutiveTimeouts.Store(0)
	return nil
}

// failedWithoutBody reports an ok=false result that carries no response body
// to interpret. Results with a body are left to the caller's body decoding.
func failedWithoutBody(res types.FetchResult) bool {
	return !res.OK && res.BodyText == ""
}

// track counts consecutive RPC timeouts and kicks off a background session
// reload when the threshold is hit. It returns err unchanged.
func (e *BridgeExecutor) track(err error) error {
	if !errors.Is(err, bridge.ErrTimeout) {
		if err == nil {
			e.consecutiveTimeouts.Store(0)
		}
		return err
	}
	n := e.consecutiveTimeouts.Add(1)
	if e.reloadAfter <= 0 || n < int64(e.reloadAfter) {
		return err
	}
	if !e.reloading.CompareAndSwap(false, true) {
		return err
	}
	e.logger.Warn("executor unresponsive, reloading session", "timeouts", n)
	go func() {
		defer e.reloading.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), e.timeouts.Reload+2*fetchGrace)
		defer cancel()
		if rerr := e.ReloadSession(ctx, e.timeouts.Reload); rerr != nil {
			e.logger.Error("session reload failed", "error", rerr)
			return
		}
		e.logger.Info("session reloaded")
	}()
	return err
}
