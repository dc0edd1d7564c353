package stage

import (
	"math"

	"github.com/oficcejo/stock-ma30/internal/calculator"
	"github.com/oficcejo/stock-ma30/internal/model"
)

const (
	ruleDeclining  = "declining"
	ruleBreakout   = "breakout"
	ruleAdvancing  = "advancing"
	ruleStickyBase = "sticky-base"
	ruleBase       = "base"
	ruleFallback   = "fallback"
)

type input struct {
	bars   []model.OHLCV
	closes []float64
	ma     []float64
	n      int
	state  model.MovingAverageState
	ratio  float64
	prior  *model.Continuity
	p      Params
}

func (in *input) dir() model.Direction { return in.state.Direction }

// rules is the ordered decision table; the first match wins.
var rules = []struct {
	Name  string
	Match func(in *input) (model.Stage, bool)
}{
	{ruleDeclining, func(in *input) (model.Stage, bool) {
		return model.StageDeclining, in.dir() == model.DirectionDown && in.ratio < 1
	}},
	{ruleBreakout, func(in *input) (model.Stage, bool) {
		// a known prior must be a Bottoming base; flags inside an advance are not breakouts
		fromBase := in.prior == nil || in.prior.Stage == model.StageBottoming
		ok := fromBase && in.dir() == model.DirectionUp && in.ratio >= 1 && breakout(in.bars, in.p)
		return model.StageAdvancing, ok
	}},
	{ruleAdvancing, func(in *input) (model.Stage, bool) {
		return model.StageAdvancing, in.dir() == model.DirectionUp && in.ratio >= 1
	}},
	{ruleStickyBase, func(in *input) (model.Stage, bool) {
		if in.dir() != model.DirectionFlat || in.prior == nil {
			return model.StageUnknown, false
		}
		s := in.prior.Stage
		return s, s == model.StageBottoming || s == model.StageTopping
	}},
	{ruleBase, baseStage},
	{ruleFallback, func(in *input) (model.Stage, bool) {
		if in.ratio < 1 {
			return model.StageBottoming, true
		}
		return model.StageTopping, true
	}},
}

func evaluate(in *input) (model.Stage, string) {
	for _, r := range rules {
		if s, ok := r.Match(in); ok {
			return s, r.Name
		}
	}
	// unreachable: the fallback always matches
	return model.StageUnknown, ""
}

// baseStage handles a flat MA with price oscillating around it inside a
// range that is not widening. The side is taken from the trend before the base.
func baseStage(in *input) (model.Stage, bool) {
	if in.dir() != model.DirectionFlat {
		return model.StageUnknown, false
	}
	start := in.n - in.p.BaseWindow
	if start < 0 || math.IsNaN(in.ma[start]) {
		return model.StageUnknown, false
	}
	if !oscillating(in, start) || !contracting(in.bars, start, in.n) {
		return model.StageUnknown, false
	}
	switch priorTrend(in, start) {
	case model.DirectionDown:
		return model.StageBottoming, true
	case model.DirectionUp:
		return model.StageTopping, true
	}
	if in.prior != nil {
		switch in.prior.Stage {
		case model.StageAdvancing, model.StageTopping:
			return model.StageTopping, true
		case model.StageDeclining, model.StageBottoming:
			return model.StageBottoming, true
		}
	}
	return model.StageUnknown, false
}

// oscillating requires closes on both sides of the MA and within the base band.
func oscillating(in *input, start int) bool {
	above, below := 0, 0
	for i := start; i < in.n; i++ {
		r := in.closes[i] / in.ma[i]
		if math.Abs(r-1) > in.p.BaseBand {
			return false
		}
		if r >= 1 {
			above++
		} else {
			below++
		}
	}
	return above > 0 && below > 0
}

// contracting reports whether the second half of the window spreads no wider than the first.
func contracting(bars []model.OHLCV, start, end int) bool {
	mid := start + (end-start)/2
	first, err := calculator.CalculateRange(bars, start, mid)
	if err != nil {
		return false
	}
	second, err := calculator.CalculateRange(bars, mid, end)
	if err != nil {
		return false
	}
	return second.High-second.Low <= first.High-first.Low
}

// priorTrend averages close/MA over the lookback before the base window.
// Up means price mostly sat above its MA, down below; flat is unresolved.
func priorTrend(in *input, start int) model.Direction {
	from := max(0, start-in.p.PriorTrendLookback)
	sum, count := 0.0, 0
	for i := from; i < start; i++ {
		if math.IsNaN(in.ma[i]) || in.ma[i] == 0 {
			continue
		}
		sum += in.closes[i] / in.ma[i]
		count++
	}
	if count < 3 {
		return model.DirectionFlat
	}
	avg := sum / float64(count)
	switch {
	case avg > 1+in.p.PriorTrendThreshold:
		return model.DirectionUp
	case avg < 1-in.p.PriorTrendThreshold:
		return model.DirectionDown
	}
	return model.DirectionFlat
}

// breakout reports whether the latest bar closed above a consolidation base
// formed by the preceding BaseWindow bars on expanded volume.
func breakout(bars []model.OHLCV, p Params) bool {
	n := len(bars)
	if n < p.BaseWindow+1 {
		return false
	}
	base, err := calculator.CalculateRange(bars, n-1-p.BaseWindow, n-1)
	if err != nil || base.Width() > p.ConsolidationWidth {
		return false
	}
	last := bars[n-1]
	return last.Close > base.High*(1+p.BreakoutMargin) && last.Volume >= base.AvgVolume*p.VolumeMultiple
}
