package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"futures-keeper/internal/market"
	"futures-keeper/internal/metrics"
	"futures-keeper/internal/risk"
	"futures-keeper/internal/strategy"
	"futures-keeper/pkg/types"
)

// Phase names used in operator lines and metrics labels.
const (
	phaseTPClose   = "tp-close"
	phaseStaleOpen = "stale-open"
	phaseOpen      = "open"
	phaseStopLoss  = "stop-loss"
	phaseRefresh   = "refresh"
	phaseIteration = "iteration"
)

const stickyStalePrefix = "stale:"

// createTPClose places a reduce-only take-profit order for the uncovered
// part of every position. It refreshes when anything was dispatched.
func (e *Engine) createTPClose(ctx context.Context, snap Snapshot, s types.Settings) (Snapshot, bool, error) {
	if !s.TakeProfitPct.IsPositive() {
		return snap, false, nil
	}

	dispatched := false
	for _, p := range snap.Positions {
		if ctx.Err() != nil {
			return snap, false, ctx.Err()
		}
		side := p.Side()
		if side == "" {
			continue
		}
		shortfall := p.AbsSize().Sub(snap.coverage(p)).Floor()
		if !shortfall.IsPositive() {
			continue
		}
		if !p.EntryPrice.IsPositive() {
			e.report(levelWarn, p.Contract, phaseTPClose, "skipped: entry price missing")
			continue
		}
		info, err := e.contracts.Get(ctx, p.Contract)
		if err != nil {
			e.unitError(p.Contract, phaseTPClose, err)
			continue
		}

		price := strategy.TPPrice(p.EntryPrice, s.TakeProfitPct, side, info.TickSize, p.MarkPrice)
		if !price.IsPositive() {
			e.report(levelWarn, p.Contract, phaseTPClose,
				fmt.Sprintf("skipped: take-profit price %s from entry %s", price, p.EntryPrice))
			continue
		}
		req := types.OrderRequest{
			Contract:   p.Contract,
			Size:       shortfall.Mul(side.Opposite().Sign()).IntPart(),
			Price:      strategy.FormatPrice(price, info.TickSize),
			TIF:        "poc",
			ReduceOnly: true,
		}
		if _, err := e.trader.PlaceOrder(ctx, req); err != nil {
			e.unitError(p.Contract, phaseTPClose, err)
			continue
		}
		dispatched = true
		metrics.OrdersDispatched.WithLabelValues(phaseTPClose, string(side.Opposite())).Inc()
		e.report(levelInfo, p.Contract, phaseTPClose,
			fmt.Sprintf("take-profit %s @ %s covers %s of %s", strconv.FormatInt(req.Size, 10), req.Price, shortfall, p.AbsSize()))
	}

	if !dispatched {
		return snap, false, nil
	}
	next, err := e.refresh(ctx)
	if err != nil {
		return snap, false, err
	}
	return next, true, nil
}

// clearStaleOpen cancels opening orders that have rested longer than the
// open-order timeout on contracts without a position. Take-profit coverage
// is re-checked after every cancellation. A sticky advisory per contract
// shows the oldest order's age against the timeout.
func (e *Engine) clearStaleOpen(ctx context.Context, snap Snapshot, s types.Settings) (Snapshot, bool, error) {
	timeout := s.OpenOrderTimeout()
	active := make(map[string]struct{})
	refreshed := false

	if timeout > 0 {
		for _, g := range snap.openGroups() {
			if ctx.Err() != nil {
				return snap, refreshed, ctx.Err()
			}
			if _, ok := snap.position(g.Contract); ok {
				continue
			}
			key := stickyStalePrefix + g.Contract
			if g.Earliest.IsZero() {
				e.report(levelWarn, g.Contract, phaseStaleOpen,
					fmt.Sprintf("skipped: create time missing on %d open orders", g.Undated))
				continue
			}
			age := e.now().Sub(g.Earliest)
			if age <= timeout {
				active[key] = struct{}{}
				e.setSticky(key, fmt.Sprintf("[%s] %s: %d open, oldest %s / timeout %s",
					g.Contract, phaseStaleOpen, g.Count, age.Truncate(time.Second), timeout))
				continue
			}

			res, err := e.trader.CancelAll(ctx, g.Contract)
			if err != nil {
				e.unitError(g.Contract, phaseStaleOpen, err)
				active[key] = struct{}{}
				continue
			}
			metrics.CancelsDispatched.WithLabelValues(phaseStaleOpen).Inc()
			e.report(levelInfo, g.Contract, phaseStaleOpen,
				fmt.Sprintf("cancelled %d open orders, oldest %s > %s", res.Clicked, age.Truncate(time.Second), timeout))

			next, err := e.refresh(ctx)
			if err != nil {
				return snap, refreshed, err
			}
			snap, refreshed = next, true

			// A fill may have raced the cancel; cover it before the next contract.
			if next, ok, err := e.createTPClose(ctx, snap, s); err != nil {
				return snap, refreshed, err
			} else if ok {
				snap = next
			}
		}
	}

	e.pruneStickies(stickyStalePrefix, active)
	return snap, refreshed, nil
}

// createOpen enters qualified entries until MaxPositions contracts are
// occupied. Contracts that already have orders or a position are skipped,
// so running it twice on the same snapshot places nothing new.
func (e *Engine) createOpen(ctx context.Context, snap Snapshot, s types.Settings, entries []types.WhitelistEntry) (Snapshot, bool, error) {
	if len(entries) == 0 {
		return snap, false, nil
	}
	occupied := snap.occupied()
	if len(occupied) >= s.MaxPositions {
		return snap, false, nil
	}

	dispatched := false
	for _, entry := range entries {
		if len(occupied) >= s.MaxPositions {
			break
		}
		if ctx.Err() != nil {
			return snap, false, ctx.Err()
		}
		if _, ok := occupied[entry.Symbol]; ok || snap.hasOrders(entry.Symbol) {
			continue
		}

		size, err := strconv.ParseInt(entry.SizeStr, 10, 64)
		if err != nil || size <= 0 {
			e.report(levelWarn, entry.Symbol, phaseOpen, "skipped: invalid size "+strconv.Quote(entry.SizeStr))
			continue
		}
		if err := e.ensureLeverage(ctx, entry.Symbol, s.Leverage); err != nil {
			e.unitError(entry.Symbol, phaseOpen, err)
			continue
		}

		prices := strategy.Ladder(entry.Side, entry.Quote(), s.Layers, s.StartTicks, s.CrossPolicy)
		if len(prices) == 0 {
			e.report(levelWarn, entry.Symbol, phaseOpen, "skipped: empty ladder")
			continue
		}

		placed := 0
		signed := entry.Side.Sign().IntPart() * size
		for _, price := range prices {
			req := types.OrderRequest{
				Contract: entry.Symbol,
				Size:     signed,
				Price:    strategy.FormatPrice(price, entry.TickSize),
				TIF:      "poc",
			}
			if _, err := e.trader.PlaceOrder(ctx, req); err != nil {
				e.unitError(entry.Symbol, phaseOpen, err)
				continue
			}
			placed++
			metrics.OrdersDispatched.WithLabelValues(phaseOpen, string(entry.Side)).Inc()
		}
		if placed == 0 {
			continue
		}
		dispatched = true
		occupied[entry.Symbol] = struct{}{}
		e.report(levelInfo, entry.Symbol, phaseOpen,
			fmt.Sprintf("%s ladder %d/%d x%d from %s", entry.Side, placed, len(prices), size, strategy.FormatPrice(prices[0], entry.TickSize)))
	}

	if !dispatched {
		return snap, false, nil
	}
	next, err := e.refresh(ctx)
	if err != nil {
		return snap, false, err
	}
	return next, true, nil
}

// ensureLeverage sets the contract leverage unless the cache says it is
// already at the wanted value.
func (e *Engine) ensureLeverage(ctx context.Context, contract string, leverage int) error {
	if leverage <= 0 || e.leverage[contract] == leverage {
		return nil
	}
	if err := e.trader.SetLeverage(ctx, contract, leverage); err != nil {
		return err
	}
	e.leverage[contract] = leverage
	return nil
}

// stopLoss closes positions whose ROI or age crossed the configured limits
// with a full-size reduce-only order at a maker-side price. A resting close
// at that price is left alone; any other resting orders on the contract are
// cancelled first.
func (e *Engine) stopLoss(ctx context.Context, snap Snapshot, s types.Settings) (Snapshot, bool, error) {
	dispatched := false
	for _, p := range snap.Positions {
		if ctx.Err() != nil {
			return snap, false, ctx.Err()
		}
		v, err := risk.Evaluate(p, s, e.now())
		if err != nil {
			if errors.Is(err, risk.ErrMissingField) {
				e.logger.Debug("stop-loss skipped", "contract", p.Contract, "error", err)
				continue
			}
			e.unitError(p.Contract, phaseStopLoss, err)
			continue
		}
		if !v.Close() {
			continue
		}

		q, err := e.quote(ctx, p.Contract)
		if err != nil {
			e.unitError(p.Contract, phaseStopLoss, err)
			continue
		}
		side := p.Side()
		price := strategy.ClosePrice(side, q, s.CloseOffsetTicks)
		resting := snap.closeOrders(p)
		if restingAt(resting, price) {
			continue
		}
		if snap.hasOrders(p.Contract) {
			if _, err := e.trader.CancelAll(ctx, p.Contract); err != nil {
				e.unitError(p.Contract, phaseStopLoss, err)
				continue
			}
			metrics.CancelsDispatched.WithLabelValues(phaseStopLoss).Inc()
		}

		req := types.OrderRequest{
			Contract:   p.Contract,
			Size:       p.AbsSize().Mul(side.Opposite().Sign()).IntPart(),
			Price:      strategy.FormatPrice(price, q.Tick),
			TIF:        "poc",
			ReduceOnly: true,
		}
		dispatched = true
		if _, err := e.trader.PlaceOrder(ctx, req); err != nil {
			e.unitError(p.Contract, phaseStopLoss, err)
			continue
		}
		metrics.OrdersDispatched.WithLabelValues(phaseStopLoss, string(side.Opposite())).Inc()
		e.report(levelWarn, p.Contract, phaseStopLoss,
			fmt.Sprintf("%s roi %s%% age %s, closing %d @ %s", v.Reason, v.ROI.StringFixed(2), v.Age.Truncate(time.Second), req.Size, req.Price))
	}

	if !dispatched {
		return snap, false, nil
	}
	next, err := e.refresh(ctx)
	if err != nil {
		return snap, false, err
	}
	return next, true, nil
}

// quote reads the current top of book and tick size for contract.
func (e *Engine) quote(ctx context.Context, contract string) (types.Quote, error) {
	info, err := e.contracts.Get(ctx, contract)
	if err != nil {
		return types.Quote{}, err
	}
	resp, err := e.books.OrderBook(ctx, contract, 1)
	if err != nil {
		return types.Quote{}, fmt.Errorf("order book: %w", err)
	}
	bid, ask, ok := market.NewBook(contract, resp, e.now()).BestBidAsk()
	if !ok {
		return types.Quote{}, fmt.Errorf("order book: %w", market.ErrNoBook)
	}
	return types.Quote{BidBest: bid, AskBest: ask, Tick: info.TickSize}, nil
}

func restingAt(orders []types.OpenOrder, price decimal.Decimal) bool {
	for _, o := range orders {
		if o.Price.Equal(price) {
			return true
		}
	}
	return false
}
