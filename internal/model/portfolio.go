package model

import "time"

// RiskParameters configures the risk sizer. Percentages are fractions (0.02 = 2%).
type RiskParameters struct {
	MaxLossPercentOfCapital  float64
	StopLossPercent          float64
	MaxPositions             int
	SinglePositionMaxPercent float64
	AccountCapital           float64
	LotSize                  int64
}

// Position is an open position tracked outside the engine.
type Position struct {
	Code         string     `json:"code"`
	Name         string     `json:"name"`
	EntryPrice   float64    `json:"entry_price"`
	LastAddPrice float64    `json:"last_add_price,omitempty"`
	Shares       int64      `json:"shares"`
	CostBasis    float64    `json:"cost_basis"`
	StopLoss     float64    `json:"stop_loss"`
	Adds         int        `json:"adds"`
	Origin       SignalType `json:"origin"`
	OpenedAt     time.Time  `json:"opened_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ReferencePrice is the price a further add is measured against.
func (p *Position) ReferencePrice() float64 {
	if p.LastAddPrice > 0 {
		return p.LastAddPrice
	}
	return p.EntryPrice
}

// PortfolioState is the persisted set of open positions.
type PortfolioState struct {
	Positions map[string]*Position `json:"positions"`
	UpdatedAt time.Time            `json:"updated_at"`
}
