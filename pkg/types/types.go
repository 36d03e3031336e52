// Package types defines shared data structures used across all packages.
//
// It holds the vocabulary every layer shares: sides, positions, open orders,
// order book payloads, whitelist entries, runtime settings and the executor
// wire shapes. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a position or order.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side. The zero Side stays zero.
func (s Side) Opposite() Side {
	switch s {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return ""
	}
}

// Sign returns +1 for long, -1 for short and 0 otherwise. Futures sizes are
// signed: a positive size buys, a negative size sells.
func (s Side) Sign() decimal.Decimal {
	switch s {
	case Long:
		return decimal.NewFromInt(1)
	case Short:
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}

// SideOf derives a side from a signed size.
func SideOf(size decimal.Decimal) Side {
	switch size.Sign() {
	case 1:
		return Long
	case -1:
		return Short
	default:
		return ""
	}
}

// PositionMode is the exchange position mode for a contract.
type PositionMode string

const (
	ModeSingle    PositionMode = "single"
	ModeDualLong  PositionMode = "dual_long"
	ModeDualShort PositionMode = "dual_short"
)

// SignalMode selects how admission picks a direction for a whitelist symbol.
type SignalMode string

const (
	SignalImbalance SignalMode = "imbalance" // top-of-book depth imbalance
	SignalGap       SignalMode = "gap"       // cross-venue reference price gap
)

// CrossPolicy decides what the ladder does with a price that would cross
// the opposite side of the book.
type CrossPolicy string

const (
	CrossSkip  CrossPolicy = "skip"  // drop the layer
	CrossClip  CrossPolicy = "clip"  // move it one tick inside the opposite best
	CrossAllow CrossPolicy = "allow" // keep it and let the exchange reject post-only
)

// ————————————————————————————————————————————————————————————————————————
// Positions and orders
// ————————————————————————————————————————————————————————————————————————

// Position is one live futures position. Positions are never patched in
// place; the engine replaces its whole snapshot on every refresh.
type Position struct {
	Contract         string          `json:"contract"`
	Size             decimal.Decimal `json:"size"` // signed contracts (sign is the side unless dual mode)
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	Leverage         decimal.Decimal `json:"leverage"` // 0 means cross margin
	Mode             PositionMode    `json:"mode"`
	OpenTime         time.Time       `json:"open_time"`
	QuantoMultiplier decimal.Decimal `json:"quanto_multiplier"`
}

// Side returns the position side. In dual mode the mode field is
// authoritative; otherwise the sign of Size is.
func (p Position) Side() Side {
	switch p.Mode {
	case ModeDualLong:
		return Long
	case ModeDualShort:
		return Short
	default:
		return SideOf(p.Size)
	}
}

// AbsSize returns the unsigned position size.
func (p Position) AbsSize() decimal.Decimal { return p.Size.Abs() }

// SignedSize returns the size signed by Side, which may differ from Size
// when the exchange reports dual-mode sizes unsigned.
func (p Position) SignedSize() decimal.Decimal {
	return p.Size.Abs().Mul(p.Side().Sign())
}

// IsOpen reports whether the position holds any contracts.
func (p Position) IsOpen() bool { return !p.Size.IsZero() }

// OpenOrder is a resting order on the exchange.
type OpenOrder struct {
	ID           string          `json:"id"`
	Contract     string          `json:"contract"`
	Size         decimal.Decimal `json:"size"` // signed: positive buys, negative sells
	Price        decimal.Decimal `json:"price"`
	IsReduceOnly bool            `json:"is_reduce_only"`
	Left         decimal.Decimal `json:"left"` // unfilled remainder, signed like Size
	CreateTime   time.Time       `json:"create_time"`
	Text         string          `json:"text"`
}

// Side is the implied side of the order.
func (o OpenOrder) Side() Side { return SideOf(o.Size) }

// Remaining returns the unsigned unfilled quantity.
func (o OpenOrder) Remaining() decimal.Decimal {
	if o.Left.IsZero() {
		return o.Size.Abs()
	}
	return o.Left.Abs()
}

// IsOpening reports whether the order can increase exposure.
func (o OpenOrder) IsOpening() bool { return !o.IsReduceOnly }

// IsCloseFor reports whether the order closes (part of) p: reduce-only, same
// contract, and on the opposite side.
func (o OpenOrder) IsCloseFor(p Position) bool {
	if !o.IsReduceOnly || o.Contract != p.Contract {
		return false
	}
	side := p.Side()
	return side != "" && o.Side() == side.Opposite()
}

// OrderRequest is the order-creation payload. Field names follow the
// exchange REST body so the same value works for API and UI placement.
type OrderRequest struct {
	Contract   string `json:"contract"`
	Size       int64  `json:"size"`  // signed contracts
	Price      string `json:"price"` // limit price on the tick grid
	TIF        string `json:"tif"`   // "poc" = post-only
	ReduceOnly bool   `json:"reduce_only"`
	Text       string `json:"text,omitempty"` // client tag, must start with "t-"
}

// Side is the implied side of the request.
func (r OrderRequest) Side() Side { return SideOf(decimal.NewFromInt(r.Size)) }

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// BookLevel is one price level of the public order book.
type BookLevel struct {
	Price decimal.Decimal `json:"p"`
	Size  decimal.Decimal `json:"s"`
}

// OrderBookResponse is the REST response for a contract order book.
// Asks ascend and bids descend from the best level.
type OrderBookResponse struct {
	Asks []BookLevel `json:"asks"`
	Bids []BookLevel `json:"bids"`
}

// ContractInfo is the subset of contract metadata the strategy needs.
type ContractInfo struct {
	Name             string          `json:"name"`
	TickSize         decimal.Decimal `json:"order_price_round"`
	QuantoMultiplier decimal.Decimal `json:"quanto_multiplier"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LastPrice        decimal.Decimal `json:"last_price"`
	OrderSizeMin     int64           `json:"order_size_min"`
}

// Quote is the top of book plus the tick size.
type Quote struct {
	BidBest decimal.Decimal
	AskBest decimal.Decimal
	Tick    decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Whitelist and settings
// ————————————————————————————————————————————————————————————————————————

// WhitelistItem is one symbol of the externally pushed whitelist.
// RefPrice is an optional price from another venue used by the gap signal.
type WhitelistItem struct {
	Symbol   string           `json:"symbol"`
	RefPrice *decimal.Decimal `json:"refPrice,omitempty"`
}

// WhitelistEntry is a symbol that passed admission this iteration, with the
// side and size the engine will use to enter.
type WhitelistEntry struct {
	Symbol           string          `json:"symbol"`
	SizeStr          string          `json:"sizeStr"`
	Side             Side            `json:"side"`
	BidBest          decimal.Decimal `json:"bidBest"`
	AskBest          decimal.Decimal `json:"askBest"`
	TickSize         decimal.Decimal `json:"tickSize"`
	QuantoMultiplier decimal.Decimal `json:"quantoMultiplier"`
}

// Quote returns the entry's book view for the ladder.
func (e WhitelistEntry) Quote() Quote {
	return Quote{BidBest: e.BidBest, AskBest: e.AskBest, Tick: e.TickSize}
}

// Settings are the runtime trading parameters. They start from the config
// file and are replaced wholesale by setSettings control messages.
//
//   - MaxPositions: cap on contracts represented by open orders or positions.
//   - Layers / StartTicks: ladder depth and first-layer distance from the book.
//   - OrderValue: USDT notional per ladder order (before leverage).
//   - TakeProfitPct: fraction, 0.02 = 2% from entry.
//   - StopLossPct: ROI percent, 50 = close at -50% ROI.
//   - PositionTimeoutSec / OpenOrderTimeoutSec: age limits in seconds.
//   - SpreadMinPct / SpreadMaxPct: admission spread band in percent.
//   - MinDepth: minimum top-of-book size (contracts) on the entry side.
//   - ImbalanceRatio: depth ratio that decides a side in imbalance mode.
//   - GapPct: minimum |ref-mid|/mid in percent for the gap signal.
//   - CloseOffsetTicks: how far the stop-loss close steps into the spread.
type Settings struct {
	MaxPositions        int             `json:"maxPositions"`
	Layers              int             `json:"layers"`
	StartTicks          int             `json:"startTicks"`
	OrderValue          decimal.Decimal `json:"orderValue"`
	Leverage            int             `json:"leverage"`
	TakeProfitPct       decimal.Decimal `json:"takeProfitPct"`
	StopLossPct         decimal.Decimal `json:"stopLossPct"`
	PositionTimeoutSec  int             `json:"positionTimeoutSec"`
	OpenOrderTimeoutSec int             `json:"openOrderTimeoutSec"`
	SpreadMinPct        decimal.Decimal `json:"spreadMinPct"`
	SpreadMaxPct        decimal.Decimal `json:"spreadMaxPct"`
	MinDepth            decimal.Decimal `json:"minDepth"`
	DepthLevels         int             `json:"depthLevels"`
	SignalMode          SignalMode      `json:"signalMode"`
	ImbalanceRatio      decimal.Decimal `json:"imbalanceRatio"`
	GapPct              decimal.Decimal `json:"gapPct"`
	CloseOffsetTicks    int             `json:"closeOffsetTicks"`
	CrossPolicy         CrossPolicy     `json:"crossPolicy"`
}

// PositionTimeout returns the position age limit; zero disables it.
func (s Settings) PositionTimeout() time.Duration {
	return time.Duration(s.PositionTimeoutSec) * time.Second
}

// OpenOrderTimeout returns the stale open-order age limit; zero disables it.
func (s Settings) OpenOrderTimeout() time.Duration {
	return time.Duration(s.OpenOrderTimeoutSec) * time.Second
}

// UISelectors is the selector set the browser agent uses to drive the UI.
// Opaque to the bot; forwarded with every placeOrder action.
type UISelectors map[string]string

// ————————————————————————————————————————————————————————————————————————
// Action Executor wire shapes
// ————————————————————————————————————————————————————————————————————————

// FetchInit mirrors the browser fetch() init argument.
type FetchInit struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchRequest asks the executor to perform an HTTP call inside its
// authenticated context.
type FetchRequest struct {
	URL       string    `json:"url"`
	Init      FetchInit `json:"init"`
	TimeoutMs int64     `json:"timeoutMs"`
}

// FetchResult is the raw outcome of a fetch action.
type FetchResult struct {
	OK       bool   `json:"ok"`
	Status   int    `json:"status,omitempty"`
	BodyText string `json:"bodyText"`
	Error    string `json:"error,omitempty"`
}

// PlaceOrderRequest asks the executor to submit an order through the UI.
type PlaceOrderRequest struct {
	Selectors UISelectors  `json:"selectors"`
	Order     OrderRequest `json:"order"`
}

// ActionResult is the acknowledgement shape of simple UI actions.
type ActionResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CancelAllResult reports what the cancel-all UI sequence touched.
type CancelAllResult struct {
	OK      bool   `json:"ok"`
	Scanned int    `json:"scanned"`
	Clicked int    `json:"clicked"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}
