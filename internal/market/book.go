// Package market derives tradeable views from public market data.
//
// Book wraps one order book snapshot and computes the values admission
// needs: best bid/ask, mid, spread in percent, top and cumulative depth and
// the bid/ask depth imbalance. Contracts caches contract metadata (tick size,
// quanto multiplier) with a TTL. Qualifier turns the externally pushed
// whitelist into the entries that may be entered this iteration.
package market

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-keeper/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// Book is an immutable order book snapshot for one contract.
// Bids descend and asks ascend from the best level.
type Book struct {
	Contract  string
	Bids      []types.BookLevel
	Asks      []types.BookLevel
	FetchedAt time.Time
}

// NewBook builds a snapshot from a REST response.
func NewBook(contract string, resp *types.OrderBookResponse, at time.Time) Book {
	if resp == nil {
		return Book{Contract: contract, FetchedAt: at}
	}
	return Book{Contract: contract, Bids: resp.Bids, Asks: resp.Asks, FetchedAt: at}
}

// BestBidAsk returns the top of book. ok is false when either side is empty
// or a best price is not positive.
func (b Book) BestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	bid, ask = b.Bids[0].Price, b.Asks[0].Price
	if !bid.IsPositive() || !ask.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return bid, ask, true
}

// Mid returns (bid+ask)/2.
func (b Book) Mid() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// SpreadPct returns (ask-bid)/mid in percent.
func (b Book) SpreadPct() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	return ask.Sub(bid).Div(mid).Mul(hundred), true
}

// levels returns the book side a side enters on: long rests on the bids,
// short on the asks.
func (b Book) levels(side types.Side) []types.BookLevel {
	if side == types.Short {
		return b.Asks
	}
	return b.Bids
}

// TopDepth returns the size resting at the best level of the entry side.
func (b Book) TopDepth(side types.Side) decimal.Decimal {
	lv := b.levels(side)
	if len(lv) == 0 {
		return decimal.Zero
	}
	return lv[0].Size.Abs()
}

// Depth sums the size of the first n levels on the entry side.
// n <= 0 sums every level.
func (b Book) Depth(side types.Side, n int) decimal.Decimal {
	lv := b.levels(side)
	if n > 0 && n < len(lv) {
		lv = lv[:n]
	}
	sum := decimal.Zero
	for _, l := range lv {
		sum = sum.Add(l.Size.Abs())
	}
	return sum
}

// Imbalance returns bidDepth/askDepth over the first n levels.
// ok is false when the ask side is empty.
func (b Book) Imbalance(n int) (decimal.Decimal, bool) {
	bids := b.Depth(types.Long, n)
	asks := b.Depth(types.Short, n)
	if asks.IsZero() || bids.IsZero() {
		return decimal.Zero, false
	}
	return bids.Div(asks), true
}
