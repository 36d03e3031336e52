// Package strategy holds the pure price math of the keeper.
//
// Everything here works on the exchange tick grid with exact decimals:
//
//   - Ladder: entry prices stepping away from the best price one tick at a
//     time, with a configurable policy for prices that would cross the book.
//   - TPPrice: take-profit target from the entry price, re-based on the mark
//     price when the market has already moved past it.
//   - ClosePrice: a maker-side price for a reduce-only stop-loss close.
//
// No function in this package performs I/O.
package strategy

import (
	"github.com/shopspring/decimal"

	"futures-keeper/pkg/types"
)

// maxPrecision bounds TickPrecision for ticks that are not a power of ten.
const maxPrecision = 16

var one = decimal.NewFromInt(1)

// TickPrecision returns the number of decimal places needed to represent
// tick exactly: 0.01 -> 2, 1e-5 -> 5, 0.25 -> 2, 5 -> 0.
func TickPrecision(tick decimal.Decimal) int32 {
	for p := int32(0); p < maxPrecision; p++ {
		if tick.Round(p).Equal(tick) {
			return p
		}
	}
	return maxPrecision
}

// FormatPrice renders price with the tick's precision, the form the
// exchange expects in order bodies.
func FormatPrice(price, tick decimal.Decimal) string {
	return price.StringFixed(TickPrecision(tick))
}

// FloorToTick rounds price down to a multiple of tick.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick).Round(TickPrecision(tick))
}

// CeilToTick rounds price up to a multiple of tick.
func CeilToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick).Round(TickPrecision(tick))
}

// Ladder returns layers entry prices for side. A long ladder starts
// startTicks below the best bid, a short one startTicks above the best ask,
// and each further layer is one tick deeper. Non-positive prices are
// dropped. Prices at or through the opposite best are handled by policy:
// CrossSkip drops them, CrossClip moves them one tick inside the opposite
// best (duplicates removed), CrossAllow keeps them.
func Ladder(side types.Side, q types.Quote, layers, startTicks int, policy types.CrossPolicy) []decimal.Decimal {
	if layers <= 0 || !q.Tick.IsPositive() {
		return nil
	}
	prec := TickPrecision(q.Tick)

	var (
		base  decimal.Decimal
		step  decimal.Decimal
		limit decimal.Decimal // first price that crosses
	)
	switch side {
	case types.Long:
		base, step, limit = q.BidBest, q.Tick.Neg(), q.AskBest
	case types.Short:
		base, step, limit = q.AskBest, q.Tick, q.BidBest
	default:
		return nil
	}

	prices := make([]decimal.Decimal, 0, layers)
	seen := make(map[string]struct{}, layers)
	for i := 0; i < layers; i++ {
		p := base.Add(step.Mul(decimal.NewFromInt(int64(startTicks + i)))).Round(prec)
		if crosses(side, p, limit) {
			switch policy {
			case types.CrossAllow:
			case types.CrossClip:
				p = limit.Add(step).Round(prec)
			default:
				continue
			}
		}
		if !p.IsPositive() {
			continue
		}
		key := p.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		prices = append(prices, p)
	}
	return prices
}

func crosses(side types.Side, price, opposite decimal.Decimal) bool {
	if !opposite.IsPositive() {
		return false
	}
	if side == types.Long {
		return price.GreaterThanOrEqual(opposite)
	}
	return price.LessThanOrEqual(opposite)
}

// TPPrice returns the take-profit price for a position of side entered at
// entry. pct is a fraction (0.02 = 2%). Longs round up and shorts round down
// to the tick grid. When mark is positive and the target is not beyond it,
// the target is recomputed from mark instead so the close rests on the maker
// side.
func TPPrice(entry, pct decimal.Decimal, side types.Side, tick, mark decimal.Decimal) decimal.Decimal {
	target := tpFrom(entry, pct, side, tick)
	if !mark.IsPositive() {
		return target
	}
	switch side {
	case types.Long:
		if target.LessThanOrEqual(mark) {
			return tpFrom(mark, pct, side, tick)
		}
	case types.Short:
		if target.GreaterThanOrEqual(mark) {
			return tpFrom(mark, pct, side, tick)
		}
	}
	return target
}

func tpFrom(base, pct decimal.Decimal, side types.Side, tick decimal.Decimal) decimal.Decimal {
	if side == types.Short {
		return FloorToTick(base.Mul(one.Sub(pct)), tick)
	}
	return CeilToTick(base.Mul(one.Add(pct)), tick)
}

// ClosePrice returns a maker-side price for closing a position of side.
// Closing a long sells at max(ask - offset*tick, bid + tick); closing a
// short buys at min(bid + offset*tick, ask - tick).
func ClosePrice(side types.Side, q types.Quote, offsetTicks int) decimal.Decimal {
	prec := TickPrecision(q.Tick)
	off := q.Tick.Mul(decimal.NewFromInt(int64(offsetTicks)))
	switch side {
	case types.Long:
		return decimal.Max(q.AskBest.Sub(off), q.BidBest.Add(q.Tick)).Round(prec)
	case types.Short:
		return decimal.Min(q.BidBest.Add(off), q.AskBest.Sub(q.Tick)).Round(prec)
	}
	return decimal.Zero
}
