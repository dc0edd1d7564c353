package stage

// Params tunes the classifier. Zero fields fall back to DefaultParams.
type Params struct {
	MAPeriod   int `yaml:"ma_period"`
	MinPeriods int `yaml:"min_periods"`

	// Slopes within SlopeEpsilon of zero are flat. Slopes within
	// SlopeHysteresis of the epsilon boundary keep the prior direction.
	SlopeEpsilon    float64 `yaml:"slope_epsilon"`
	SlopeHysteresis float64 `yaml:"slope_hysteresis"`

	BaseWindow         int     `yaml:"base_window"`
	BaseBand           float64 `yaml:"base_band"`
	ConsolidationWidth float64 `yaml:"consolidation_width"`
	BreakoutMargin     float64 `yaml:"breakout_margin"`
	VolumeMultiple     float64 `yaml:"volume_multiple"`

	PriorTrendLookback  int     `yaml:"prior_trend_lookback"`
	PriorTrendThreshold float64 `yaml:"prior_trend_threshold"`

	SupportLookback int     `yaml:"support_lookback"`
	SupportBuffer   float64 `yaml:"support_buffer"`
}

// DefaultParams returns the standard 30-week configuration.
func DefaultParams() Params {
	return Params{
		MAPeriod:            30,
		MinPeriods:          20,
		SlopeEpsilon:        0.002,
		SlopeHysteresis:     0.0005,
		BaseWindow:          10,
		BaseBand:            0.10,
		ConsolidationWidth:  0.15,
		BreakoutMargin:      0.03,
		VolumeMultiple:      2.0,
		PriorTrendLookback:  13,
		PriorTrendThreshold: 0.03,
		SupportLookback:     20,
		SupportBuffer:       0.02,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MAPeriod <= 0 {
		p.MAPeriod = d.MAPeriod
	}
	if p.MinPeriods <= 0 || p.MinPeriods > p.MAPeriod {
		p.MinPeriods = min(d.MinPeriods, p.MAPeriod)
	}
	if p.SlopeEpsilon <= 0 {
		p.SlopeEpsilon = d.SlopeEpsilon
	}
	if p.SlopeHysteresis <= 0 {
		p.SlopeHysteresis = d.SlopeHysteresis
	}
	if p.BaseWindow <= 0 {
		p.BaseWindow = d.BaseWindow
	}
	if p.BaseBand <= 0 {
		p.BaseBand = d.BaseBand
	}
	if p.ConsolidationWidth <= 0 {
		p.ConsolidationWidth = d.ConsolidationWidth
	}
	if p.BreakoutMargin <= 0 {
		p.BreakoutMargin = d.BreakoutMargin
	}
	if p.VolumeMultiple <= 0 {
		p.VolumeMultiple = d.VolumeMultiple
	}
	if p.PriorTrendLookback <= 0 {
		p.PriorTrendLookback = d.PriorTrendLookback
	}
	if p.PriorTrendThreshold <= 0 {
		p.PriorTrendThreshold = d.PriorTrendThreshold
	}
	if p.SupportLookback <= 0 {
		p.SupportLookback = d.SupportLookback
	}
	if p.SupportBuffer <= 0 {
		p.SupportBuffer = d.SupportBuffer
	}
	return p
}
