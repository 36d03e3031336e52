package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"futures-keeper/pkg/types"
)

// Snapshot is the loop's view of the account. It is never modified after
// refresh builds it; phases that act return a new one.
type Snapshot struct {
	Positions []types.Position  `json:"positions"`
	Orders    []types.OpenOrder `json:"orders"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// refresh fetches positions and open orders and fills in each position's
// quanto multiplier from contract metadata. A position without a mark price
// takes the contract's last price, read past the metadata cache.
func (e *Engine) refresh(ctx context.Context) (Snapshot, error) {
	positions, err := e.trader.Positions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("refresh positions: %w", err)
	}
	orders, err := e.trader.OpenOrders(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("refresh orders: %w", err)
	}

	enriched := make([]types.Position, len(positions))
	for i, p := range positions {
		markMissing := p.IsOpen() && !p.MarkPrice.IsPositive()
		if markMissing {
			e.contracts.Invalidate(p.Contract)
		}
		if markMissing || !p.QuantoMultiplier.IsPositive() {
			info, err := e.contracts.Get(ctx, p.Contract)
			if err != nil {
				e.logger.Debug("contract lookup failed", "contract", p.Contract, "error", err)
			} else {
				if !p.QuantoMultiplier.IsPositive() {
					p.QuantoMultiplier = info.QuantoMultiplier
				}
				if markMissing {
					p.MarkPrice = info.LastPrice
				}
			}
		}
		enriched[i] = p
	}

	snap := Snapshot{Positions: enriched, Orders: orders, FetchedAt: e.now()}
	e.snap.Store(&snap)
	return snap, nil
}

// position returns the open position on contract, if any.
func (s Snapshot) position(contract string) (types.Position, bool) {
	for _, p := range s.Positions {
		if p.Contract == contract && p.IsOpen() {
			return p, true
		}
	}
	return types.Position{}, false
}

// closeOrders returns the resting reduce-only orders that close p.
func (s Snapshot) closeOrders(p types.Position) []types.OpenOrder {
	var out []types.OpenOrder
	for _, o := range s.Orders {
		if o.IsCloseFor(p) {
			out = append(out, o)
		}
	}
	return out
}

// coverage sums the unfilled size of p's close orders.
func (s Snapshot) coverage(p types.Position) decimal.Decimal {
	sum := decimal.Zero
	for _, o := range s.closeOrders(p) {
		sum = sum.Add(o.Remaining())
	}
	return sum
}

// occupied returns the contracts counted against MaxPositions: contracts
// with an opening order plus contracts with a position.
func (s Snapshot) occupied() map[string]struct{} {
	out := make(map[string]struct{})
	for _, o := range s.Orders {
		if o.IsOpening() {
			out[o.Contract] = struct{}{}
		}
	}
	for _, p := range s.Positions {
		if p.IsOpen() {
			out[p.Contract] = struct{}{}
		}
	}
	return out
}

// hasOrders reports whether any order rests on contract.
func (s Snapshot) hasOrders(contract string) bool {
	for _, o := range s.Orders {
		if o.Contract == contract {
			return true
		}
	}
	return false
}

// openGroup summarizes the opening orders resting on one contract.
type openGroup struct {
	Contract string
	Earliest time.Time // zero when no order carries a create time
	Latest   time.Time
	Count    int
	Undated  int
}

// openGroups groups opening orders by contract, sorted by contract name.
// Orders without a create time count toward Count and Undated only.
func (s Snapshot) openGroups() []openGroup {
	byContract := make(map[string]*openGroup)
	for _, o := range s.Orders {
		if !o.IsOpening() {
			continue
		}
		g, ok := byContract[o.Contract]
		if !ok {
			g = &openGroup{Contract: o.Contract}
			byContract[o.Contract] = g
		}
		g.Count++
		if o.CreateTime.IsZero() {
			g.Undated++
			continue
		}
		if g.Earliest.IsZero() || o.CreateTime.Before(g.Earliest) {
			g.Earliest = o.CreateTime
		}
		if o.CreateTime.After(g.Latest) {
			g.Latest = o.CreateTime
		}
	}

	out := make([]openGroup, 0, len(byContract))
	for _, g := range byContract {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}
