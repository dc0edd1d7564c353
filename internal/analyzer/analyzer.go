// Package analyzer runs the per-instrument pipeline: fetch bars, classify the
// stage, generate a signal and size it against the open positions.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"github.com/oficcejo/stock-ma30/internal/calculator"
	"github.com/oficcejo/stock-ma30/internal/collector"
	"github.com/oficcejo/stock-ma30/internal/history"
	"github.com/oficcejo/stock-ma30/internal/model"
	"github.com/oficcejo/stock-ma30/internal/risk"
	"github.com/oficcejo/stock-ma30/internal/stage"
	"github.com/oficcejo/stock-ma30/internal/strategy"
)

// Config tunes the pipeline.
type Config struct {
	Weeks        int  // weekly bars requested per instrument
	VolumePeriod int  // trailing bars in the volume ratio average
	DailyVolume  bool // measure the volume ratio on daily bars
	MarketIndex  string
	Stage        stage.Params
	Strategy     strategy.Params
	Risk         model.RiskParameters
}

func (c Config) withDefaults() Config {
	if c.Weeks <= 0 {
		c.Weeks = 150
	}
	if c.VolumePeriod <= 0 {
		c.VolumePeriod = 10
	}
	return c
}

// Evaluation is the outcome of analysing one instrument.
type Evaluation struct {
	Instrument  model.Instrument
	Result      *stage.Result
	Previous    *model.Continuity
	VolumeRatio float64
	Signal      *model.Signal
	Sizing      *risk.Sizing
	// SizingErr is set when a Buy/AddPosition signal could not be sized.
	SizingErr error
}

// Analyzer evaluates instruments. Continuity and positions are optional.
type Analyzer struct {
	collector  *collector.Collector
	continuity history.ContinuityStore
	positions  risk.Positions
	cfg        Config
}

// New creates an Analyzer.
func New(c *collector.Collector, continuity history.ContinuityStore, positions risk.Positions, cfg Config) *Analyzer {
	return &Analyzer{collector: c, continuity: continuity, positions: positions, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// Classify fetches and classifies one instrument without generating a signal.
// prior may be nil, in which case the previous bar is replayed to seed it.
func (a *Analyzer) Classify(ctx context.Context, code string, prior *model.Continuity) (*stage.Result, *model.Continuity, *model.BarSeries, error) {
	series, err := a.collector.WeeklySeries(ctx, code, a.cfg.Weeks)
	if err != nil {
		return nil, nil, nil, err
	}
	if prior == nil {
		prior = a.replayPrevious(series)
	}
	res, err := stage.Classify(series, prior, a.cfg.Stage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("classify %s: %w", code, err)
	}
	return res, prior, series, nil
}

// replayPrevious classifies the series without its last bar to stand in for a
// missing continuity record. Returns nil when that shorter series is too short.
func (a *Analyzer) replayPrevious(series *model.BarSeries) *model.Continuity {
	if series.Len() < 2 {
		return nil
	}
	res, err := stage.Classify(series.Head(series.Len()-1), nil, a.cfg.Stage)
	if err != nil {
		return nil
	}
	c := res.Continuity()
	return &c
}

// MarketStage classifies the configured market index. It returns nil without
// error when no index is configured.
func (a *Analyzer) MarketStage(ctx context.Context) (*model.Stage, error) {
	if a.cfg.MarketIndex == "" {
		return nil, nil
	}
	res, _, _, err := a.Classify(ctx, a.cfg.MarketIndex, nil)
	if err != nil {
		return nil, fmt.Errorf("market index %s: %w", a.cfg.MarketIndex, err)
	}
	st := res.Stage
	return &st, nil
}

// Evaluate runs the full pipeline for one instrument with an explicit prior
// continuity record and market stage. It does not persist anything.
func (a *Analyzer) Evaluate(ctx context.Context, inst model.Instrument, prior *model.Continuity, market *model.Stage) (*Evaluation, error) {
	res, previous, series, err := a.Classify(ctx, inst.Code, prior)
	if err != nil {
		return nil, err
	}
	ev := &Evaluation{
		Instrument:  inst,
		Result:      res,
		Previous:    previous,
		VolumeRatio: a.volumeRatio(ctx, inst.Code, series),
	}

	var pos *model.Position
	if a.positions != nil {
		if p, ok := a.positions.Position(inst.Code); ok {
			pos = p
		}
	}
	sig := strategy.Generate(strategy.Input{
		Name:        inst.Name,
		Current:     res,
		Previous:    previous,
		VolumeRatio: ev.VolumeRatio,
		Market:      market,
		Position:    pos,
	}, a.cfg.Strategy)
	ev.Signal = sig

	if sig != nil && (sig.Type == model.SignalBuy || sig.Type == model.SignalAddPosition) {
		sz, err := risk.Size(sig, a.cfg.Risk, a.positions)
		if err != nil {
			ev.SizingErr = err
			log.Info().Str("code", inst.Code).Str("signal", string(sig.Type)).Err(err).Msg("signal not sized")
		} else {
			ev.Sizing = sz
			ev.Signal = sig.Sized(sz.StopLoss, sz.PositionSize)
		}
	}
	return ev, nil
}

// Analyze evaluates one instrument using the stored continuity record and the
// market index, then saves the new continuity record.
func (a *Analyzer) Analyze(ctx context.Context, inst model.Instrument) (*Evaluation, error) {
	start := time.Now()
	var prior *model.Continuity
	if a.continuity != nil {
		stored, err := a.continuity.LoadContinuity(ctx, []string{inst.Code})
		if err != nil {
			return nil, fmt.Errorf("load continuity: %w", err)
		}
		if c, ok := stored[inst.Code]; ok {
			prior = &c
		}
	}

	market, err := a.MarketStage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		log.Warn().Err(err).Msg("market context unavailable")
	}

	ev, err := a.Evaluate(ctx, inst, prior, market)
	if err != nil {
		return nil, err
	}
	if a.continuity != nil {
		if err := a.continuity.SaveContinuity(ctx, []model.Continuity{ev.Result.Continuity()}); err != nil {
			return nil, fmt.Errorf("save continuity: %w", err)
		}
	}
	log.Info().Str("code", inst.Code).Str("stage", string(ev.Result.Stage)).
		Float64("ratio", ev.VolumeRatio).Dur("took", time.Since(start)).Msg("instrument analysed")
	return ev, nil
}

// volumeRatio prefers daily volume and falls back to the weekly series.
func (a *Analyzer) volumeRatio(ctx context.Context, code string, weekly *model.BarSeries) float64 {
	period := a.cfg.VolumePeriod
	if a.cfg.DailyVolume {
		daily, err := a.collector.DailySeries(ctx, code, period*3)
		if err == nil {
			if r, err := calculator.VolumeRatio(daily.Volumes(), period); err == nil {
				return r
			}
		} else {
			log.Debug().Str("code", code).Err(err).Msg("daily volume unavailable, using weekly")
		}
	}
	r, err := calculator.VolumeRatio(weekly.Volumes(), period)
	if err != nil {
		return 0
	}
	return r
}
