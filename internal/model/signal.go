package model

import "time"

// SignalType is the action a signal recommends.
type SignalType string

const (
	SignalBuy         SignalType = "BUY"
	SignalSell        SignalType = "SELL"
	SignalHold        SignalType = "HOLD"
	SignalAddPosition SignalType = "ADD_POSITION"
	SignalWatch       SignalType = "WATCH"
)

// Label returns the display name used in reports.
func (t SignalType) Label() string {
	switch t {
	case SignalBuy:
		return "买入"
	case SignalSell:
		return "卖出"
	case SignalHold:
		return "持有"
	case SignalAddPosition:
		return "加仓"
	case SignalWatch:
		return "观望"
	default:
		return string(t)
	}
}

// Signal is the output of the signal generator. Immutable once built;
// StopLoss and PositionSize are only filled for sized Buy/AddPosition signals.
type Signal struct {
	Code            string
	Name            string
	Type            SignalType
	Rule            string
	TriggeringStage Stage
	Price           float64
	MovingAverage   float64
	VolumeRatio     float64
	Reason          string
	SupportLevel    float64
	StopLoss        *float64
	PositionSize    *int64
	GeneratedAt     time.Time
}

// Sized returns a copy of the signal carrying a stop-loss and position size.
func (s Signal) Sized(stopLoss float64, size int64) *Signal {
	s.StopLoss = &stopLoss
	s.PositionSize = &size
	return &s
}
