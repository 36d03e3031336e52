package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"futures-keeper/internal/metrics"
	"futures-keeper/pkg/types"
)

// BookSource fetches an order book snapshot.
type BookSource interface {
	OrderBook(ctx context.Context, contract string, depth int) (*types.OrderBookResponse, error)
}

// Rejection reasons reported by Admit.
var (
	ErrNoBook       = errors.New("empty book")
	ErrNoContract   = errors.New("missing tick size or multiplier")
	ErrSpread       = errors.New("spread outside band")
	ErrNoSignal     = errors.New("no signal")
	ErrNoRefPrice   = errors.New("missing reference price")
	ErrThinBook     = errors.New("top depth below minimum")
	ErrSizeTooSmall = errors.New("order value below one contract")
)

// Qualifier turns the pushed whitelist into entries for this iteration.
type Qualifier struct {
	books     BookSource
	contracts *Contracts
	depth     int
	logger    *slog.Logger
	now       func() time.Time
}

// NewQualifier creates a qualifier. depth is the number of book levels
// requested per symbol.
func NewQualifier(books BookSource, contracts *Contracts, depth int, logger *slog.Logger) *Qualifier {
	if depth <= 0 {
		depth = 10
	}
	return &Qualifier{
		books:     books,
		contracts: contracts,
		depth:     depth,
		logger:    logger.With("component", "qualifier"),
		now:       time.Now,
	}
}

// Qualify admits whitelist items one by one. A symbol whose data cannot be
// fetched is skipped; it never blocks the rest of the list.
func (q *Qualifier) Qualify(ctx context.Context, items []types.WhitelistItem, s types.Settings) []types.WhitelistEntry {
	var entries []types.WhitelistEntry
	rejected := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		info, err := q.contracts.Get(ctx, item.Symbol)
		if err != nil {
			q.logger.Warn("contract lookup failed", "contract", item.Symbol, "error", err)
			rejected++
			continue
		}
		resp, err := q.books.OrderBook(ctx, item.Symbol, q.depth)
		if err != nil {
			q.logger.Warn("order book fetch failed", "contract", item.Symbol, "error", err)
			rejected++
			continue
		}
		entry, err := Admit(item, NewBook(item.Symbol, resp, q.now()), info, s)
		if err != nil {
			q.logger.Debug("not qualified", "contract", item.Symbol, "reason", err)
			rejected++
			continue
		}
		entries = append(entries, entry)
	}

	metrics.QualifiedEntries.Set(float64(len(entries)))
	q.logger.Debug("qualify complete",
		"total", len(items),
		"qualified", len(entries),
		"rejected", rejected,
	)
	return entries
}

// Admit decides whether one symbol is tradeable now and on which side.
// The returned error names the first failed check.
func Admit(item types.WhitelistItem, book Book, info types.ContractInfo, s types.Settings) (types.WhitelistEntry, error) {
	if !info.TickSize.IsPositive() || !info.QuantoMultiplier.IsPositive() {
		return types.WhitelistEntry{}, ErrNoContract
	}
	bid, ask, ok := book.BestBidAsk()
	if !ok {
		return types.WhitelistEntry{}, ErrNoBook
	}

	spread, _ := book.SpreadPct()
	if spread.LessThan(s.SpreadMinPct) {
		return types.WhitelistEntry{}, ErrSpread
	}
	if s.SpreadMaxPct.IsPositive() && spread.GreaterThan(s.SpreadMaxPct) {
		return types.WhitelistEntry{}, ErrSpread
	}

	side, err := signal(item, book, s)
	if err != nil {
		return types.WhitelistEntry{}, err
	}

	if book.TopDepth(side).LessThan(s.MinDepth) {
		return types.WhitelistEntry{}, ErrThinBook
	}

	price := bid
	if side == types.Short {
		price = ask
	}
	size := EntrySize(s.OrderValue, price, info.QuantoMultiplier)
	if size < 1 || size < info.OrderSizeMin {
		return types.WhitelistEntry{}, ErrSizeTooSmall
	}

	return types.WhitelistEntry{
		Symbol:           item.Symbol,
		SizeStr:          decimal.NewFromInt(size).String(),
		Side:             side,
		BidBest:          bid,
		AskBest:          ask,
		TickSize:         info.TickSize,
		QuantoMultiplier: info.QuantoMultiplier,
	}, nil
}

// EntrySize returns floor(orderValue / (price * multiplier)) in contracts.
func EntrySize(orderValue, price, multiplier decimal.Decimal) int64 {
	notional := price.Mul(multiplier)
	if !notional.IsPositive() || !orderValue.IsPositive() {
		return 0
	}
	return orderValue.Div(notional).Floor().IntPart()
}

func signal(item types.WhitelistItem, book Book, s types.Settings) (types.Side, error) {
	switch s.SignalMode {
	case types.SignalGap:
		if item.RefPrice == nil || !item.RefPrice.IsPositive() {
			return "", ErrNoRefPrice
		}
		mid, _ := book.Mid()
		gap := item.RefPrice.Sub(mid).Div(mid).Mul(hundred)
		switch {
		case gap.GreaterThanOrEqual(s.GapPct):
			return types.Long, nil
		case gap.LessThanOrEqual(s.GapPct.Neg()):
			return types.Short, nil
		}
		return "", ErrNoSignal

	default:
		ratio, ok := book.Imbalance(s.DepthLevels)
		if !ok || !s.ImbalanceRatio.IsPositive() {
			return "", ErrNoSignal
		}
		switch {
		case ratio.GreaterThanOrEqual(s.ImbalanceRatio):
			return types.Long, nil
		case decimal.NewFromInt(1).Div(ratio).GreaterThanOrEqual(s.ImbalanceRatio):
			return types.Short, nil
		}
		return "", ErrNoSignal
	}
}
