// Package stage classifies the Weinstein trend stage of an instrument from
// its weekly bars around a 30-week simple moving average.
package stage

import (
	"fmt"
	"math"
	"time"

	"github.com/oficcejo/stock-ma30/internal/calculator"
	"github.com/oficcejo/stock-ma30/internal/model"
)

// Result is the classification of one instrument at its latest weekly bar.
type Result struct {
	Code               string
	Stage              model.Stage
	MA                 model.MovingAverageState
	PriceToMA          float64
	Close              float64
	Volume             float64
	BarTime            time.Time
	BreakoutConfirmed  bool
	Rule               string
	WeeksInAdvancing   int
	ConsecutiveBelowMA int
	SupportLevel       float64
	TrendStrength      float64
}

// Continuity returns the record to hand to the next evaluation.
func (r *Result) Continuity() model.Continuity {
	return model.Continuity{
		Code:             r.Code,
		Stage:            r.Stage,
		Direction:        r.MA.Direction,
		WeeksInAdvancing: r.WeeksInAdvancing,
		BarTime:          r.BarTime,
	}
}

// strengthScale is the slope at which TrendStrength reaches 0.5.
const strengthScale = 0.01

// TrendStrength maps an MA slope onto [0, 1) for ranking.
func TrendStrength(slope float64) float64 {
	s := math.Abs(slope)
	return s / (s + strengthScale)
}

// Classify assigns a stage to the latest bar of a weekly series. prior is the
// continuity record from the previous evaluation of the same instrument, or nil.
func Classify(series *model.BarSeries, prior *model.Continuity, params Params) (*Result, error) {
	p := params.withDefaults()
	if series == nil || series.Len() < p.MAPeriod {
		have := 0
		if series != nil {
			have = series.Len()
		}
		return nil, fmt.Errorf("%w: only %d of %d required weekly bars available",
			model.ErrInsufficientHistory, have, p.MAPeriod)
	}
	if prior != nil && prior.Stage == model.StageUnknown {
		prior = nil
	}

	closes := series.Closes()
	ma := calculator.SMASeries(closes, p.MAPeriod, p.MinPeriods)
	n := len(closes)
	value, priorValue := ma[n-1], ma[n-2]
	if value == 0 || math.IsNaN(value) {
		return nil, fmt.Errorf("%w: moving average undefined at latest bar", model.ErrInsufficientHistory)
	}
	slope, err := calculator.Slope(value, priorValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInsufficientHistory, err)
	}

	last := series.Last()
	in := &input{
		bars:   series.Bars,
		closes: closes,
		ma:     ma,
		n:      n,
		ratio:  last.Close / value,
		prior:  prior,
		p:      p,
	}
	in.state = model.MovingAverageState{
		Value:      value,
		PriorValue: priorValue,
		Slope:      slope,
		Direction:  resolveDirection(slope, prior, p),
	}

	stage, rule := evaluate(in)
	res := &Result{
		Code:               series.Code,
		Stage:              stage,
		MA:                 in.state,
		PriceToMA:          in.ratio,
		Close:              last.Close,
		Volume:             last.Volume,
		BarTime:            last.Time,
		BreakoutConfirmed:  rule == ruleBreakout,
		Rule:               rule,
		ConsecutiveBelowMA: trailingCount(closes, ma, func(c, m float64) bool { return c < m }),
		TrendStrength:      TrendStrength(slope),
	}
	res.WeeksInAdvancing = weeksInAdvancing(res, prior, closes, ma)
	if low, err := calculator.LowestLow(series.Bars, p.SupportLookback); err == nil {
		res.SupportLevel = low * (1 - p.SupportBuffer)
	}
	return res, nil
}

// resolveDirection applies the slope deadband. Near the boundary the prior
// direction wins so single-bar noise cannot flip the trend.
func resolveDirection(slope float64, prior *model.Continuity, p Params) model.Direction {
	raw := model.DirectionFlat
	switch {
	case slope > p.SlopeEpsilon:
		raw = model.DirectionUp
	case slope < -p.SlopeEpsilon:
		raw = model.DirectionDown
	}
	if prior == nil || prior.Direction == "" {
		return raw
	}
	if math.Abs(math.Abs(slope)-p.SlopeEpsilon) > p.SlopeHysteresis {
		return raw
	}
	switch {
	case prior.Direction == model.DirectionFlat:
		return model.DirectionFlat
	case prior.Direction == model.DirectionUp && slope > 0:
		return model.DirectionUp
	case prior.Direction == model.DirectionDown && slope < 0:
		return model.DirectionDown
	}
	return model.DirectionFlat
}

func weeksInAdvancing(res *Result, prior *model.Continuity, closes, ma []float64) int {
	if res.Stage != model.StageAdvancing {
		return 0
	}
	if prior == nil {
		return max(1, trailingCount(closes, ma, func(c, m float64) bool { return c > m }))
	}
	if prior.Stage != model.StageAdvancing {
		return 1
	}
	if laterWeek(res.BarTime, prior.BarTime) {
		return prior.WeeksInAdvancing + 1
	}
	return max(1, prior.WeeksInAdvancing)
}

// laterWeek reports whether a falls in a later ISO week than b, so re-running
// against a still-forming weekly bar does not count twice.
func laterWeek(a, b time.Time) bool {
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay > by || (ay == by && aw > bw)
}

// trailingCount counts consecutive bars from the end where cmp(close, ma) holds.
func trailingCount(closes, ma []float64, cmp func(c, m float64) bool) int {
	count := 0
	for i := len(closes) - 1; i >= 0; i-- {
		if math.IsNaN(ma[i]) || !cmp(closes[i], ma[i]) {
			break
		}
		count++
	}
	return count
}
