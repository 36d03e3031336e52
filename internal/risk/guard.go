// Package risk decides when an open position must be closed.
//
// Two triggers are evaluated per position on every iteration:
//
//   - Stop-loss: return on initial margin at or below -StopLossPct
//   - Timeout:   position age at or above PositionTimeoutSec
//
// ROI is computed on the initial margin implied by the position leverage:
//
//	ROI% = (mark - entry) * signedSize * multiplier / (entry * |size| * multiplier / leverage) * 100
//
// The engine fills a missing mark with the contract's last price before
// evaluation. Cross-margin positions report leverage 0; the configured leverage is used
// for them instead, and 1 when none is configured.
package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-keeper/pkg/types"
)

// ErrMissingField marks a position that lacks data needed for evaluation.
// The position is skipped for this iteration.
var ErrMissingField = errors.New("missing field")

// Reason names what triggered a close.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonStopLoss Reason = "stop_loss"
	ReasonTimeout  Reason = "timeout"
)

// Verdict is the outcome of evaluating one position.
type Verdict struct {
	Contract string
	ROI      decimal.Decimal // percent
	Age      time.Duration   // zero when the open time is unknown
	Reason   Reason
}

// Close reports whether the position must be closed.
func (v Verdict) Close() bool { return v.Reason != ReasonNone }

var hundred = decimal.NewFromInt(100)

// ROI returns the position's return on initial margin in percent.
func ROI(p types.Position, fallbackLeverage int) (decimal.Decimal, error) {
	if !p.EntryPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s entry price: %w", p.Contract, ErrMissingField)
	}
	if !p.MarkPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s mark price: %w", p.Contract, ErrMissingField)
	}
	if !p.QuantoMultiplier.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s multiplier: %w", p.Contract, ErrMissingField)
	}
	if p.Size.IsZero() {
		return decimal.Zero, fmt.Errorf("%s size: %w", p.Contract, ErrMissingField)
	}

	lev := p.Leverage
	if !lev.IsPositive() {
		lev = decimal.NewFromInt(int64(fallbackLeverage))
		if !lev.IsPositive() {
			lev = decimal.NewFromInt(1)
		}
	}

	pnl := p.MarkPrice.Sub(p.EntryPrice).Mul(p.SignedSize()).Mul(p.QuantoMultiplier)
	margin := p.EntryPrice.Mul(p.AbsSize()).Mul(p.QuantoMultiplier).Div(lev)
	return pnl.Div(margin).Mul(hundred), nil
}

// Evaluate checks both triggers for p. Stop-loss wins when both fire.
func Evaluate(p types.Position, s types.Settings, now time.Time) (Verdict, error) {
	roi, err := ROI(p, s.Leverage)
	if err != nil {
		return Verdict{Contract: p.Contract}, err
	}
	v := Verdict{Contract: p.Contract, ROI: roi}
	if !p.OpenTime.IsZero() {
		v.Age = now.Sub(p.OpenTime)
	}

	switch {
	case s.StopLossPct.IsPositive() && roi.LessThanOrEqual(s.StopLossPct.Neg()):
		v.Reason = ReasonStopLoss
	case s.PositionTimeout() > 0 && !p.OpenTime.IsZero() && v.Age >= s.PositionTimeout():
		v.Reason = ReasonTimeout
	}
	return v, nil
}
