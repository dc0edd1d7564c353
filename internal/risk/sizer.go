// Package risk computes stop-loss prices and position sizes for entry and
// pyramid signals under per-account risk caps.
package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// Tranches is the share of the maximum single-position allocation bought by
// the initial entry and each following add.
var Tranches = []float64{0.5, 0.3, 0.2}

// ErrNoPosition is returned when an add is sized for an instrument that is not held.
var ErrNoPosition = errors.New("no open position")

// Positions exposes the open-position state the sizer checks against.
type Positions interface {
	Position(code string) (*model.Position, bool)
	OpenCount() int
}

// PositionMap is a plain map implementation of Positions.
type PositionMap map[string]*model.Position

func (m PositionMap) Position(code string) (*model.Position, bool) {
	p, ok := m[code]
	return p, ok
}

func (m PositionMap) OpenCount() int { return len(m) }

// Sizing is the sizer's answer for one signal.
type Sizing struct {
	StopLoss     float64
	PositionSize int64
	RiskAmount   float64 // size x (price - stop)
	Allocation   float64 // size x price
	Tranche      int     // 0 for the entry, 1.. for adds
}

// Size computes the stop-loss and position size for a Buy or AddPosition signal.
func Size(sig *model.Signal, params model.RiskParameters, open Positions) (*Sizing, error) {
	if sig == nil {
		return nil, errors.New("nil signal")
	}
	if err := validate(params); err != nil {
		return nil, err
	}
	if sig.Price <= 0 {
		return nil, fmt.Errorf("%w: %s price %.3f", model.ErrInvalidBarData, sig.Code, sig.Price)
	}
	if open == nil {
		open = PositionMap{}
	}
	switch sig.Type {
	case model.SignalBuy:
		return sizeEntry(sig, params, open)
	case model.SignalAddPosition:
		return sizeAdd(sig, params, open)
	default:
		return nil, fmt.Errorf("cannot size %s signal", sig.Type)
	}
}

func validate(p model.RiskParameters) error {
	switch {
	case p.AccountCapital <= 0:
		return errors.New("account capital must be positive")
	case p.StopLossPercent <= 0 || p.StopLossPercent >= 1:
		return errors.New("stop loss percent must be within (0, 1)")
	case p.MaxLossPercentOfCapital <= 0 || p.MaxLossPercentOfCapital >= 1:
		return errors.New("max loss percent must be within (0, 1)")
	case p.SinglePositionMaxPercent <= 0 || p.SinglePositionMaxPercent > 1:
		return errors.New("single position max percent must be within (0, 1]")
	case p.MaxPositions <= 0:
		return errors.New("max positions must be positive")
	}
	return nil
}

type amounts struct {
	price    decimal.Decimal
	maxAlloc decimal.Decimal
	maxLoss  decimal.Decimal
	lot      decimal.Decimal
}

func newAmounts(sig *model.Signal, p model.RiskParameters) amounts {
	capital := decimal.NewFromFloat(p.AccountCapital)
	lot := p.LotSize
	if lot <= 0 {
		lot = 1
	}
	return amounts{
		price:    decimal.NewFromFloat(sig.Price),
		maxAlloc: capital.Mul(decimal.NewFromFloat(p.SinglePositionMaxPercent)),
		maxLoss:  capital.Mul(decimal.NewFromFloat(p.MaxLossPercentOfCapital)),
		lot:      decimal.NewFromInt(lot),
	}
}

// shares converts a budget into whole lots at price.
func (a amounts) shares(budget decimal.Decimal) decimal.Decimal {
	return budget.Div(a.price).Div(a.lot).Floor().Mul(a.lot)
}

// stop is the percent stop, tightened to the support level when that is closer.
func (a amounts) stop(sig *model.Signal, p model.RiskParameters) decimal.Decimal {
	stop := a.price.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(p.StopLossPercent)))
	if sig.SupportLevel > 0 {
		support := decimal.NewFromFloat(sig.SupportLevel)
		if support.GreaterThan(stop) && support.LessThan(a.price) {
			stop = support
		}
	}
	return stop.Truncate(2)
}

// capByLoss shrinks size until size x riskPerShare fits the max-loss budget.
func (a amounts) capByLoss(size, stop decimal.Decimal) decimal.Decimal {
	perShare := a.price.Sub(stop)
	if !perShare.IsPositive() {
		return size
	}
	if size.Mul(perShare).GreaterThan(a.maxLoss) {
		return a.maxLoss.Div(perShare).Div(a.lot).Floor().Mul(a.lot)
	}
	return size
}

func sizeEntry(sig *model.Signal, p model.RiskParameters, open Positions) (*Sizing, error) {
	if _, held := open.Position(sig.Code); held {
		return nil, fmt.Errorf("%w: %s is already held, use an add", model.ErrRiskLimitExceeded, sig.Code)
	}
	if open.OpenCount()+1 > p.MaxPositions {
		return nil, fmt.Errorf("%w: %d open positions, max %d", model.ErrRiskLimitExceeded, open.OpenCount(), p.MaxPositions)
	}

	a := newAmounts(sig, p)
	stop := a.stop(sig, p)
	if !a.price.Sub(stop).IsPositive() {
		return nil, fmt.Errorf("%w: stop %.2f not below price %.2f", model.ErrRiskLimitExceeded, stop.InexactFloat64(), sig.Price)
	}
	size := a.shares(a.maxAlloc.Mul(decimal.NewFromFloat(Tranches[0])))
	size = a.capByLoss(size, stop)
	return finish(sig.Code, a, size, stop, 0)
}

func sizeAdd(sig *model.Signal, p model.RiskParameters, open Positions) (*Sizing, error) {
	pos, held := open.Position(sig.Code)
	if !held || pos == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, sig.Code)
	}
	tranche := pos.Adds + 1
	if tranche >= len(Tranches) {
		return nil, fmt.Errorf("%w: %s already has %d adds, no further adds permitted",
			model.ErrRiskLimitExceeded, sig.Code, pos.Adds)
	}

	a := newAmounts(sig, p)
	stop := decimal.Max(decimal.NewFromFloat(pos.StopLoss), a.stop(sig, p))
	if !a.price.Sub(stop).IsPositive() {
		return nil, fmt.Errorf("%w: %s stop %.2f not below add price %.2f",
			model.ErrRiskLimitExceeded, sig.Code, stop.InexactFloat64(), sig.Price)
	}
	size := a.shares(a.maxAlloc.Mul(decimal.NewFromFloat(Tranches[tranche])))
	size = a.capByLoss(size, stop)

	cost := decimal.NewFromFloat(pos.CostBasis)
	if cost.IsZero() {
		cost = decimal.NewFromFloat(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Shares))
	}
	if cost.Add(size.Mul(a.price)).GreaterThan(a.maxAlloc) {
		return nil, fmt.Errorf("%w: %s allocation would exceed %.0f", model.ErrRiskLimitExceeded, sig.Code, a.maxAlloc.InexactFloat64())
	}
	return finish(sig.Code, a, size, stop, tranche)
}

func finish(code string, a amounts, size, stop decimal.Decimal, tranche int) (*Sizing, error) {
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: %s position size rounds to zero", model.ErrRiskLimitExceeded, code)
	}
	risk := decimal.Max(decimal.Zero, a.price.Sub(stop)).Mul(size)
	return &Sizing{
		StopLoss:     stop.InexactFloat64(),
		PositionSize: size.IntPart(),
		RiskAmount:   risk.Round(2).InexactFloat64(),
		Allocation:   size.Mul(a.price).Round(2).InexactFloat64(),
		Tranche:      tranche,
	}, nil
}

// TrailStop returns the higher of the existing and candidate stops.
func TrailStop(existing, candidate float64) float64 {
	if candidate > existing {
		return candidate
	}
	return existing
}

// Apply returns the position after filling a sized signal. pos may be nil for an entry.
func Apply(pos *model.Position, sig *model.Signal, sz *Sizing, at time.Time) *model.Position {
	cost := decimal.NewFromFloat(sig.Price).Mul(decimal.NewFromInt(sz.PositionSize))
	if pos == nil || sig.Type == model.SignalBuy {
		return &model.Position{
			Code:       sig.Code,
			Name:       sig.Name,
			EntryPrice: sig.Price,
			Shares:     sz.PositionSize,
			CostBasis:  cost.Round(2).InexactFloat64(),
			StopLoss:   sz.StopLoss,
			Origin:     model.SignalBuy,
			OpenedAt:   at,
			UpdatedAt:  at,
		}
	}
	next := *pos
	next.Shares += sz.PositionSize
	next.CostBasis = decimal.NewFromFloat(pos.CostBasis).Add(cost).Round(2).InexactFloat64()
	next.StopLoss = TrailStop(pos.StopLoss, sz.StopLoss)
	next.LastAddPrice = sig.Price
	next.Adds++
	next.UpdatedAt = at
	return &next
}
