// Package strategy turns stage classifications into trading signals.
package strategy

import (
	"fmt"
	"time"

	"github.com/oficcejo/stock-ma30/internal/model"
	"github.com/oficcejo/stock-ma30/internal/stage"
)

// Params tunes the signal rules. Zero fields fall back to DefaultParams.
type Params struct {
	BuyVolumeRatio float64 `yaml:"buy_volume_ratio"`
	AddGainPercent float64 `yaml:"add_gain_percent"`
	MaxAdds        int     `yaml:"max_adds"`
	SellBelowWeeks int     `yaml:"sell_below_weeks"`
}

// DefaultParams returns the standard rule thresholds.
func DefaultParams() Params {
	return Params{BuyVolumeRatio: 2.0, AddGainPercent: 0.05, MaxAdds: 2, SellBelowWeeks: 3}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.BuyVolumeRatio <= 0 {
		p.BuyVolumeRatio = d.BuyVolumeRatio
	}
	if p.AddGainPercent <= 0 {
		p.AddGainPercent = d.AddGainPercent
	}
	if p.MaxAdds <= 0 {
		p.MaxAdds = d.MaxAdds
	}
	if p.SellBelowWeeks <= 0 {
		p.SellBelowWeeks = d.SellBelowWeeks
	}
	return p
}

// Input is what the generator sees for one instrument.
type Input struct {
	Name        string
	Current     *stage.Result
	Previous    *model.Continuity // previous evaluation, nil when unknown
	VolumeRatio float64
	Market      *model.Stage    // index stage, nil when no market context
	Position    *model.Position // open position, nil when flat
	Now         time.Time
}

func (in *Input) stage() model.Stage         { return in.Current.Stage }
func (in *Input) direction() model.Direction { return in.Current.MA.Direction }

// Rule is one row of the signal table.
type Rule struct {
	Name  string
	Match func(in *Input, p Params) bool
	Build func(in *Input, p Params) (model.SignalType, string)
}

// Rules are evaluated in order; the first match wins.
var Rules = []Rule{
	{
		Name: "buy",
		Match: func(in *Input, p Params) bool {
			return in.Previous != nil &&
				in.Previous.Stage == model.StageBottoming &&
				in.stage() == model.StageAdvancing &&
				in.VolumeRatio >= p.BuyVolumeRatio &&
				in.direction() == model.DirectionUp
		},
		Build: func(in *Input, p Params) (model.SignalType, string) {
			kind := "上穿30周均线"
			if in.Current.BreakoutConfirmed {
				kind = "突破筑底区间"
			}
			reason := fmt.Sprintf("%s进入第二阶段, 成交量放大%.1f倍", kind, in.VolumeRatio)
			if in.Market != nil && *in.Market != model.StageAdvancing {
				return model.SignalWatch, fmt.Sprintf("%s, 但大盘处于%s, 等待市场确认", reason, in.Market.Label())
			}
			return model.SignalBuy, reason
		},
	},
	{
		Name: "add",
		Match: func(in *Input, p Params) bool {
			pos := in.Position
			return pos != nil &&
				pos.Origin == model.SignalBuy &&
				pos.Adds < p.MaxAdds &&
				pos.ReferencePrice() > 0 &&
				in.Current.Close >= pos.ReferencePrice()*(1+p.AddGainPercent) &&
				in.stage() == model.StageAdvancing
		},
		Build: func(in *Input, p Params) (model.SignalType, string) {
			gain := (in.Current.Close/in.Position.ReferencePrice() - 1) * 100
			return model.SignalAddPosition, fmt.Sprintf("第二阶段延续, 较上次买入上涨%.1f%%, 第%d次加仓", gain, in.Position.Adds+1)
		},
	},
	{
		Name: "sell",
		Match: func(in *Input, p Params) bool {
			return sellReason(in, p) != ""
		},
		Build: func(in *Input, p Params) (model.SignalType, string) {
			return model.SignalSell, sellReason(in, p)
		},
	},
	{
		Name: "hold",
		Match: func(in *Input, p Params) bool {
			return in.stage() == model.StageAdvancing
		},
		Build: func(in *Input, p Params) (model.SignalType, string) {
			return model.SignalHold, fmt.Sprintf("第二阶段第%d周, 均线向上", in.Current.WeeksInAdvancing)
		},
	},
	{
		Name: "watch",
		Match: func(in *Input, p Params) bool {
			return in.stage() == model.StageBottoming || in.stage() == model.StageTopping
		},
		Build: func(in *Input, p Params) (model.SignalType, string) {
			return model.SignalWatch, fmt.Sprintf("%s, 等待方向选择", in.stage().Label())
		},
	},
}

func sellReason(in *Input, p Params) string {
	switch {
	case in.stage() == model.StageDeclining:
		return "进入第四阶段(下跌), 价格位于下行的30周均线之下"
	case (in.stage() == model.StageAdvancing || in.stage() == model.StageTopping) &&
		in.Previous != nil && in.Previous.Direction == model.DirectionUp &&
		in.direction() != model.DirectionUp:
		return fmt.Sprintf("30周均线拐头(%s), %s", in.direction(), in.stage().Label())
	case in.Current.ConsecutiveBelowMA >= p.SellBelowWeeks:
		return fmt.Sprintf("连续%d周收于30周均线下方", in.Current.ConsecutiveBelowMA)
	}
	return ""
}

// Generate applies the rule table and returns at most one signal.
func Generate(in Input, params Params) *model.Signal {
	if in.Current == nil {
		return nil
	}
	p := params.withDefaults()
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	for _, r := range Rules {
		if !r.Match(&in, p) {
			continue
		}
		typ, reason := r.Build(&in, p)
		return &model.Signal{
			Code:            in.Current.Code,
			Name:            in.Name,
			Type:            typ,
			Rule:            r.Name,
			TriggeringStage: in.stage(),
			Price:           in.Current.Close,
			MovingAverage:   in.Current.MA.Value,
			VolumeRatio:     in.VolumeRatio,
			Reason:          reason,
			SupportLevel:    in.Current.SupportLevel,
			GeneratedAt:     now,
		}
	}
	return nil
}
