package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-keeper/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testNow = time.Unix(1_700_000_000, 0)

// fakeTrader is an in-memory account: placed orders rest until cancelled.
type fakeTrader struct {
	mu        sync.Mutex
	positions []types.Position
	orders    []types.OpenOrder
	placed    []types.OrderRequest
	cancelled []string
	leverage  []string
	nextID    int
	failPlace string // contract whose placements fail
	panicOn   bool
	selectors types.UISelectors
}

func (f *fakeTrader) Positions(context.Context) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn {
		panic("boom")
	}
	return append([]types.Position(nil), f.positions...), nil
}

func (f *fakeTrader) OpenOrders(context.Context) ([]types.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.OpenOrder(nil), f.orders...), nil
}

func (f *fakeTrader) SetLeverage(_ context.Context, contract string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = append(f.leverage, contract+"="+strconv.Itoa(leverage))
	return nil
}

func (f *fakeTrader) PlaceOrder(_ context.Context, req types.OrderRequest) (types.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Contract == f.failPlace {
		return types.OpenOrder{}, errors.New("INVALID_PARAM_VALUE")
	}
	f.nextID++
	f.placed = append(f.placed, req)
	o := types.OpenOrder{
		ID:           strconv.Itoa(f.nextID),
		Contract:     req.Contract,
		Size:         decimal.NewFromInt(req.Size),
		Price:        d(req.Price),
		IsReduceOnly: req.ReduceOnly,
		Left:         decimal.NewFromInt(req.Size),
		CreateTime:   testNow,
	}
	f.orders = append(f.orders, o)
	return o, nil
}

func (f *fakeTrader) CancelAll(_ context.Context, contract string) (types.CancelAllResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, contract)
	kept := f.orders[:0]
	n := 0
	for _, o := range f.orders {
		if o.Contract == contract {
			n++
			continue
		}
		kept = append(kept, o)
	}
	f.orders = kept
	return types.CancelAllResult{OK: true, Scanned: n, Clicked: n}, nil
}

func (f *fakeTrader) SetSelectors(s types.UISelectors) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectors = s
}

func (f *fakeTrader) placedFor(contract string) []types.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.OrderRequest
	for _, r := range f.placed {
		if r.Contract == contract {
			out = append(out, r)
		}
	}
	return out
}

type fixedQualifier struct{ entries []types.WhitelistEntry }

func (q fixedQualifier) Qualify(context.Context, []types.WhitelistItem, types.Settings) []types.WhitelistEntry {
	return q.entries
}

type fakeMarket struct {
	tick string
	bid  string
	ask  string
	last string // empty leaves LastPrice unset

	mu          sync.Mutex
	invalidated []string
}

func (m *fakeMarket) Get(_ context.Context, contract string) (types.ContractInfo, error) {
	info := types.ContractInfo{Name: contract, TickSize: d(m.tick), QuantoMultiplier: d("0.1")}
	if m.last != "" {
		info.LastPrice = d(m.last)
	}
	return info, nil
}

func (m *fakeMarket) Invalidate(contract string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, contract)
}

func (m *fakeMarket) OrderBook(context.Context, string, int) (*types.OrderBookResponse, error) {
	return &types.OrderBookResponse{
		Bids: []types.BookLevel{{Price: d(m.bid), Size: d("10")}},
		Asks: []types.BookLevel{{Price: d(m.ask), Size: d("10")}},
	}, nil
}

type recNotifier struct {
	mu         sync.Mutex
	heartbeats []bool
	logs       []string
	stickies   map[string]string
	clears     int
}

func (n *recNotifier) Heartbeat(_ time.Time, isStart, _ bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.heartbeats = append(n.heartbeats, isStart)
}

func (n *recNotifier) Log(_, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logs = append(n.logs, text)
}

func (n *recNotifier) StickySet(key, text string, _ time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stickies == nil {
		n.stickies = make(map[string]string)
	}
	n.stickies[key] = text
}

func (n *recNotifier) StickyRemove(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.stickies, key)
}

func (n *recNotifier) StickyClear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stickies = nil
	n.clears++
}

func testSettings() types.Settings {
	return types.Settings{
		MaxPositions:        2,
		Layers:              2,
		StartTicks:          1,
		OrderValue:          d("100"),
		Leverage:            10,
		TakeProfitPct:       d("0.02"),
		StopLossPct:         d("50"),
		OpenOrderTimeoutSec: 60,
		ImbalanceRatio:      d("1.5"),
		CloseOffsetTicks:    2,
	}
}

func entry(symbol string, side types.Side) types.WhitelistEntry {
	return types.WhitelistEntry{
		Symbol:   symbol,
		SizeStr:  "3",
		Side:     side,
		BidBest:  d("100.0"),
		AskBest:  d("100.4"),
		TickSize: d("0.1"),
	}
}

func newTestEngine(t *testing.T, trader *fakeTrader, entries []types.WhitelistEntry) (*Engine, *recNotifier) {
	t.Helper()
	n := &recNotifier{}
	mkt := &fakeMarket{tick: "0.1", bid: "94.0", ask: "95.0"}
	e := New(Deps{
		Trader:    trader,
		Qualifier: fixedQualifier{entries: entries},
		Contracts: mkt,
		Books:     mkt,
		Notifier:  n,
	}, testSettings(), Options{Interval: time.Millisecond, StartArmed: true}, quietLogger())
	e.now = func() time.Time { return testNow }
	return e, n
}

func TestCreateOpenPlacesLadder(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{}
	e, _ := newTestEngine(t, trader, []types.WhitelistEntry{entry("BTC_USDT", types.Long), entry("ETH_USDT", types.Short)})

	if err := e.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	btc := trader.placedFor("BTC_USDT")
	if len(btc) != 2 || btc[0].Price != "99.9" || btc[1].Price != "99.8" || btc[0].Size != 3 || btc[0].TIF != "poc" {
		t.Errorf("BTC ladder = %+v", btc)
	}
	eth := trader.placedFor("ETH_USDT")
	if len(eth) != 2 || eth[0].Price != "100.5" || eth[0].Size != -3 || eth[0].ReduceOnly {
		t.Errorf("ETH ladder = %+v", eth)
	}
	if len(trader.leverage) != 2 || trader.leverage[0] != "BTC_USDT=10" {
		t.Errorf("leverage calls = %v", trader.leverage)
	}
}

func TestCreateOpenIdempotent(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{}
	e, _ := newTestEngine(t, trader, []types.WhitelistEntry{entry("BTC_USDT", types.Long)})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.iterate(ctx); err != nil {
			t.Fatalf("iterate %d: %v", i, err)
		}
	}
	if got := len(trader.placedFor("BTC_USDT")); got != 2 {
		t.Errorf("placed %d orders over three iterations, want 2", got)
	}
}

func TestCreateOpenRespectsMaxPositions(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{positions: []types.Position{{
		Contract: "SOL_USDT", Size: d("5"), EntryPrice: d("95"), MarkPrice: d("95"), Leverage: d("10"),
	}}}
	e, _ := newTestEngine(t, trader, []types.WhitelistEntry{
		entry("SOL_USDT", types.Long), // occupied by the position
		entry("BTC_USDT", types.Long),
		entry("ETH_USDT", types.Long),
	})

	if err := e.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	for _, r := range trader.placedFor("SOL_USDT") {
		if !r.ReduceOnly {
			t.Errorf("opened on a contract with a position: %+v", r)
		}
	}
	if len(trader.placedFor("BTC_USDT")) != 2 {
		t.Error("BTC_USDT should fill the second slot")
	}
	if len(trader.placedFor("ETH_USDT")) != 0 {
		t.Error("ETH_USDT opened past MaxPositions")
	}
}

func TestLeverageCachedPerContract(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{}
	e, _ := newTestEngine(t, trader, []types.WhitelistEntry{entry("BTC_USDT", types.Long)})
	ctx := context.Background()

	if err := e.iterate(ctx); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	// Orders vanish externally; the next iteration re-enters.
	if _, err := trader.CancelAll(ctx, "BTC_USDT"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.iterate(ctx); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(trader.placedFor("BTC_USDT")) != 4 {
		t.Errorf("re-entry placed %d total, want 4", len(trader.placedFor("BTC_USDT")))
	}
	if len(trader.leverage) != 1 {
		t.Errorf("leverage set %d times, want 1", len(trader.leverage))
	}
}

func TestCreateTPCloseCoversShortfall(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{
		positions: []types.Position{{
			Contract: "BTC_USDT", Size: d("10"), EntryPrice: d("100"), MarkPrice: d("100.5"), Leverage: d("10"),
		}},
		orders: []types.OpenOrder{{
			ID: "tp-1", Contract: "BTC_USDT", Size: d("-4"), Left: d("-4"), Price: d("102"), IsReduceOnly: true, CreateTime: testNow,
		}},
	}
	e, _ := newTestEngine(t, trader, nil)
	ctx := context.Background()

	if err := e.iterate(ctx); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	placed := trader.placedFor("BTC_USDT")
	if len(placed) != 1 {
		t.Fatalf("placed = %+v, want one TP", placed)
	}
	tp := placed[0]
	if tp.Size != -6 || !tp.ReduceOnly || tp.Price != "102.0" {
		t.Errorf("TP = %+v, want -6 reduce-only @ 102.0", tp)
	}

	// Fully covered now.
	if err := e.iterate(ctx); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(trader.placedFor("BTC_USDT")) != 1 {
		t.Error("covered position got another TP")
	}
}

func TestCreateTPCloseRebasesOnMark(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{positions: []types.Position{{
		Contract: "BTC_USDT", Size: d("2"), EntryPrice: d("100"), MarkPrice: d("105"), Leverage: d("10"),
	}}}
	e, _ := newTestEngine(t, trader, nil)
	if _, _, err := e.createTPClose(context.Background(), mustRefresh(t, e), testSettings()); err != nil {
		t.Fatal(err)
	}
	placed := trader.placedFor("BTC_USDT")
	if len(placed) != 1 || placed[0].Price != "107.1" || placed[0].Size != -2 {
		t.Errorf("TP = %+v, want -2 @ 107.1", placed)
	}
}

func TestCreateTPCloseSkipsNonPositivePrice(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{positions: []types.Position{{
		Contract: "BTC_USDT", Size: d("-3"), EntryPrice: d("100"), MarkPrice: d("100"), Leverage: d("10"),
	}}}
	e, n := newTestEngine(t, trader, nil)
	s := testSettings()
	s.TakeProfitPct = d("1")

	_, dispatched, err := e.createTPClose(context.Background(), mustRefresh(t, e), s)
	if err != nil {
		t.Fatal(err)
	}
	if dispatched || len(trader.placed) != 0 {
		t.Errorf("placed %+v, want nothing for a zero take-profit price", trader.placed)
	}
	found := false
	for _, l := range n.logs {
		if strings.HasPrefix(l, "[BTC_USDT] tp-close: skipped: take-profit price 0") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing skip line, logs = %v", n.logs)
	}
}

func mustRefresh(t *testing.T, e *Engine) Snapshot {
	t.Helper()
	snap, err := e.refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return snap
}

func TestClearStaleOpen(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{
		positions: []types.Position{{
			Contract: "ETH_USDT", Size: d("1"), EntryPrice: d("95"), MarkPrice: d("95"), Leverage: d("10"),
		}},
		orders: []types.OpenOrder{
			{ID: "1", Contract: "BTC_USDT", Size: d("1"), Price: d("90"), CreateTime: testNow.Add(-2 * time.Minute)},
			{ID: "2", Contract: "BTC_USDT", Size: d("1"), Price: d("89"), CreateTime: testNow.Add(-10 * time.Second)},
			{ID: "3", Contract: "DOGE_USDT", Size: d("1"), Price: d("1"), CreateTime: testNow.Add(-30 * time.Second)},
			{ID: "4", Contract: "ETH_USDT", Size: d("1"), Price: d("90"), CreateTime: testNow.Add(-time.Hour)},
		},
	}
	e, n := newTestEngine(t, trader, nil)
	s := testSettings()
	s.TakeProfitPct = decimal.Zero

	_, refreshed, err := e.clearStaleOpen(context.Background(), mustRefresh(t, e), s)
	if err != nil {
		t.Fatalf("clearStaleOpen: %v", err)
	}
	if !refreshed {
		t.Error("cancellation should refresh")
	}
	if len(trader.cancelled) != 1 || trader.cancelled[0] != "BTC_USDT" {
		t.Errorf("cancelled = %v, want only BTC_USDT", trader.cancelled)
	}
	if _, ok := n.stickies["stale:DOGE_USDT"]; !ok {
		t.Errorf("expected advisory for DOGE_USDT, stickies = %v", n.stickies)
	}
	if txt := n.stickies["stale:DOGE_USDT"]; !strings.Contains(txt, "30s / timeout 1m0s") {
		t.Errorf("advisory text = %q", txt)
	}
	if _, ok := n.stickies["stale:ETH_USDT"]; ok {
		t.Error("contract with a position must not get a stale advisory")
	}

	// DOGE resolves; its advisory goes away.
	if _, err := trader.CancelAll(context.Background(), "DOGE_USDT"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.clearStaleOpen(context.Background(), mustRefresh(t, e), s); err != nil {
		t.Fatal(err)
	}
	if _, ok := n.stickies["stale:DOGE_USDT"]; ok {
		t.Error("resolved advisory should be removed")
	}
}

func TestClearStaleOpenSkipsUndatedOrders(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{orders: []types.OpenOrder{
		{ID: "1", Contract: "BTC_USDT", Size: d("1"), Left: d("1"), Price: d("90")},
		{ID: "2", Contract: "DOGE_USDT", Size: d("1"), Left: d("1"), Price: d("1")},
		{ID: "3", Contract: "DOGE_USDT", Size: d("1"), Left: d("1"), Price: d("1"), CreateTime: testNow.Add(-2 * time.Minute)},
	}}
	e, n := newTestEngine(t, trader, nil)

	if err := e.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	// DOGE is judged on its one dated order; BTC has no usable age at all.
	if len(trader.cancelled) != 1 || trader.cancelled[0] != "DOGE_USDT" {
		t.Errorf("cancelled = %v, want only DOGE_USDT", trader.cancelled)
	}
	found := false
	for _, l := range n.logs {
		if l == "[BTC_USDT] stale-open: skipped: create time missing on 1 open orders" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing skip line, logs = %v", n.logs)
	}
	if _, ok := n.stickies["stale:BTC_USDT"]; ok {
		t.Error("undated orders must not get an age advisory")
	}
}

func TestStopLossPlacesMakerClose(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{
		positions: []types.Position{{
			Contract: "BTC_USDT", Size: d("10"), EntryPrice: d("100"), MarkPrice: d("95"), Leverage: d("10"),
		}},
		orders: []types.OpenOrder{{
			ID: "tp", Contract: "BTC_USDT", Size: d("-10"), Left: d("-10"), Price: d("102"), IsReduceOnly: true, CreateTime: testNow,
		}},
	}
	e, n := newTestEngine(t, trader, nil)
	ctx := context.Background()

	if err := e.iterate(ctx); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(trader.cancelled) != 1 {
		t.Errorf("stale TP not cancelled: %v", trader.cancelled)
	}
	placed := trader.placedFor("BTC_USDT")
	if len(placed) != 1 {
		t.Fatalf("placed = %+v", placed)
	}
	// Book 94.0/95.0, offset 2 ticks: sell at max(95.0-0.2, 94.1).
	if placed[0].Price != "94.8" || placed[0].Size != -10 || !placed[0].ReduceOnly {
		t.Errorf("close = %+v, want -10 reduce-only @ 94.8", placed[0])
	}
	found := false
	for _, l := range n.logs {
		if strings.HasPrefix(l, "[BTC_USDT] stop-loss: stop_loss roi -50.00%") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing operator line, logs = %v", n.logs)
	}

	// Close already resting at the computed price: nothing more happens.
	if err := e.iterate(ctx); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(trader.cancelled) != 1 || len(trader.placedFor("BTC_USDT")) != 1 {
		t.Errorf("second pass acted again: cancels %v placed %d", trader.cancelled, len(trader.placedFor("BTC_USDT")))
	}
}

func TestStopLossFallsBackToLastPrice(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{positions: []types.Position{{
		Contract: "BTC_USDT", Size: d("10"), EntryPrice: d("100"), Leverage: d("10"),
	}}}
	e, n := newTestEngine(t, trader, nil)
	mkt := e.contracts.(*fakeMarket)
	mkt.last = "95"
	s := testSettings()

	snap := mustRefresh(t, e)
	if p, ok := snap.position("BTC_USDT"); !ok || !p.MarkPrice.Equal(d("95")) {
		t.Fatalf("position mark = %v, want last price 95", p.MarkPrice)
	}
	if len(mkt.invalidated) == 0 || mkt.invalidated[0] != "BTC_USDT" {
		t.Errorf("last price read from cache, invalidated = %v", mkt.invalidated)
	}

	if _, _, err := e.stopLoss(context.Background(), snap, s); err != nil {
		t.Fatalf("stopLoss: %v", err)
	}
	placed := trader.placedFor("BTC_USDT")
	if len(placed) != 1 || placed[0].Price != "94.8" || placed[0].Size != -10 || !placed[0].ReduceOnly {
		t.Fatalf("close = %+v, want -10 reduce-only @ 94.8", placed)
	}
	found := false
	for _, l := range n.logs {
		if strings.HasPrefix(l, "[BTC_USDT] stop-loss: stop_loss roi -50.00%") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing operator line, logs = %v", n.logs)
	}
}

func TestStopLossSkipsWithoutAnyPrice(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{positions: []types.Position{{
		Contract: "BTC_USDT", Size: d("10"), EntryPrice: d("100"), Leverage: d("10"),
	}}}
	e, _ := newTestEngine(t, trader, nil)

	if _, _, err := e.stopLoss(context.Background(), mustRefresh(t, e), testSettings()); err != nil {
		t.Fatalf("stopLoss: %v", err)
	}
	if len(trader.placed) != 0 || len(trader.cancelled) != 0 {
		t.Errorf("acted without a price: placed %+v cancelled %v", trader.placed, trader.cancelled)
	}
}

func TestUnitErrorDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{failPlace: "BTC_USDT"}
	e, n := newTestEngine(t, trader, []types.WhitelistEntry{entry("BTC_USDT", types.Long), entry("ETH_USDT", types.Long)})

	if err := e.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(trader.placedFor("ETH_USDT")) != 2 {
		t.Error("ETH_USDT should still be entered")
	}
	found := false
	for _, l := range n.logs {
		if l == "[BTC_USDT] open: INVALID_PARAM_VALUE" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing error line, logs = %v", n.logs)
	}
}

func TestParkedOnlyHeartbeats(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{}
	e, n := newTestEngine(t, trader, []types.WhitelistEntry{entry("BTC_USDT", types.Long)})
	e.Stop()

	if err := e.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(trader.placed) != 0 || e.snap.Load() != nil {
		t.Error("parked loop must not touch the account")
	}
	if len(n.heartbeats) != 1 || n.heartbeats[0] {
		t.Errorf("heartbeats = %v, want [false]", n.heartbeats)
	}
	if got := e.State().Entries; len(got) != 1 {
		t.Errorf("qualification should still run while parked, entries = %v", got)
	}
}

func TestPanicIsReturnedAsError(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{panicOn: true}
	e, _ := newTestEngine(t, trader, nil)
	err := e.iterate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("err = %v, want recovered panic", err)
	}
}

func TestRunSurvivesErrorsUntilCancelled(t *testing.T) {
	t.Parallel()
	trader := &fakeTrader{panicOn: true}
	e, n := newTestEngine(t, trader, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		beats := len(n.heartbeats)
		n.mu.Unlock()
		if beats >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.heartbeats) < 3 {
		t.Errorf("loop stopped ticking after errors: %d heartbeats", len(n.heartbeats))
	}
}

func TestSetSettingsValidates(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeTrader{}, nil)

	bad := testSettings()
	bad.MaxPositions = 0
	if err := e.SetSettings(bad); err == nil {
		t.Error("MaxPositions 0 should be rejected")
	}
	bad = testSettings()
	bad.CrossPolicy = "sideways"
	if err := e.SetSettings(bad); err == nil {
		t.Error("unknown cross policy should be rejected")
	}

	rejected := []struct {
		name   string
		mutate func(s *types.Settings)
	}{
		{"take profit of 100%", func(s *types.Settings) { s.TakeProfitPct = d("1") }},
		{"take profit above 100%", func(s *types.Settings) { s.TakeProfitPct = d("1.5") }},
		{"negative start ticks", func(s *types.Settings) { s.StartTicks = -1 }},
		{"imbalance ratio below 1", func(s *types.Settings) { s.ImbalanceRatio = d("0.5") }},
		{"imbalance ratio unset", func(s *types.Settings) { s.ImbalanceRatio = decimal.Zero }},
	}
	for _, tt := range rejected {
		bad = testSettings()
		tt.mutate(&bad)
		if err := e.SetSettings(bad); err == nil {
			t.Errorf("%s should be rejected", tt.name)
		}
	}

	gap := testSettings()
	gap.SignalMode = types.SignalGap
	gap.ImbalanceRatio = decimal.Zero
	if err := e.SetSettings(gap); err != nil {
		t.Errorf("gap mode ignores imbalance ratio: %v", err)
	}

	good := testSettings()
	good.MaxPositions = 7
	if err := e.SetSettings(good); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	if s := e.Settings(); s.MaxPositions != 7 || s.CrossPolicy != types.CrossSkip || s.SignalMode != types.SignalImbalance {
		t.Errorf("settings = %+v", s)
	}
}
