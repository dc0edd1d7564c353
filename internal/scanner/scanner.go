// Package scanner evaluates a market universe, keeps the instruments in the
// advancing stage and records each scan as a history snapshot.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/oficcejo/stock-ma30/internal/analyzer"
	"github.com/oficcejo/stock-ma30/internal/collector"
	"github.com/oficcejo/stock-ma30/internal/history"
	"github.com/oficcejo/stock-ma30/internal/model"
)

// Options tunes scan execution.
type Options struct {
	Workers           int
	InstrumentTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.InstrumentTimeout <= 0 {
		o.InstrumentTimeout = 30 * time.Second
	}
	return o
}

// Request describes one scan.
type Request struct {
	// Universe to scan; loaded from the data source when empty.
	Universe        []model.Instrument
	Filter          model.ScanFilter
	MaxStocks       int // caps the returned view, 0 = unlimited
	GenerateSignals bool
}

// Result is what a completed scan returns.
type Result struct {
	Snapshot *model.ScanSnapshot
	// Entries is the ranked view, capped at MaxStocks. Snapshot holds the full list.
	Entries []model.ScanEntry
	Signals []*model.Signal
	Market  *model.Stage
}

// Scanner runs market scans.
type Scanner struct {
	collector  *collector.Collector
	analyzer   *analyzer.Analyzer
	store      history.Store
	continuity history.ContinuityStore
	opts       Options
	now        func() time.Time
}

// New creates a Scanner. continuity may be nil.
func New(c *collector.Collector, a *analyzer.Analyzer, store history.Store, continuity history.ContinuityStore, opts Options) *Scanner {
	return &Scanner{
		collector:  c,
		analyzer:   a,
		store:      store,
		continuity: continuity,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// partial is one worker's share of the scan.
type partial struct {
	evaluated   int
	entries     []model.ScanEntry
	evaluations map[string]*analyzer.Evaluation
	continuity  []model.Continuity
	stageCounts map[model.Stage]int
	errors      map[string]int
}

func newPartial() *partial {
	return &partial{
		evaluations: make(map[string]*analyzer.Evaluation),
		stageCounts: make(map[model.Stage]int),
		errors:      make(map[string]int),
	}
}

// Scan evaluates the filtered universe. A cancelled scan persists nothing and
// returns the context error; per-instrument failures are tallied, never fatal.
func (s *Scanner) Scan(ctx context.Context, req Request) (*Result, error) {
	start := s.now()
	universe := req.Universe
	if len(universe) == 0 {
		var err error
		if universe, err = s.collector.Universe(ctx); err != nil {
			return nil, fmt.Errorf("load universe: %w", err)
		}
	}
	eligible := Filter(universe, req.Filter)
	log.Info().Int("universe", len(universe)).Int("eligible", len(eligible)).
		Int("workers", s.opts.Workers).Msg("scan started")

	priors, err := s.loadPriors(ctx, eligible)
	if err != nil {
		return nil, err
	}
	market, err := s.analyzer.MarketStage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("market context unavailable, signals are not index-confirmed")
	}

	parts := s.evaluate(ctx, eligible, priors, market)
	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("scan cancelled, nothing persisted")
		return nil, err
	}

	merged := newPartial()
	for _, p := range parts {
		merged.evaluated += p.evaluated
		merged.entries = append(merged.entries, p.entries...)
		merged.continuity = append(merged.continuity, p.continuity...)
		for k, v := range p.evaluations {
			merged.evaluations[k] = v
		}
		for k, v := range p.stageCounts {
			merged.stageCounts[k] += v
		}
		for k, v := range p.errors {
			merged.errors[k] += v
		}
	}
	Rank(merged.entries)

	snap := &model.ScanSnapshot{
		BatchID:   uuid.New().String(),
		ScanDate:  model.ScanDay(start),
		CreatedAt: start,
		Filter:    req.Filter,
		Entries:   merged.entries,
		Stats: model.ScanStats{
			Universe:    len(universe),
			Eligible:    len(eligible),
			Evaluated:   merged.evaluated,
			Advancing:   len(merged.entries),
			StageCounts: merged.stageCounts,
			Errors:      merged.errors,
			Duration:    s.now().Sub(start),
		},
	}

	view := merged.entries
	if req.MaxStocks > 0 && len(view) > req.MaxStocks {
		view = view[:req.MaxStocks]
	}
	res := &Result{Snapshot: snap, Entries: view, Market: market}
	if req.GenerateSignals {
		for _, e := range view {
			ev := merged.evaluations[e.Code]
			if ev == nil || ev.Signal == nil || ev.Signal.Type == model.SignalWatch {
				continue
			}
			res.Signals = append(res.Signals, ev.Signal)
		}
	}

	if err := s.store.Append(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist scan %s: %w", snap.BatchID, err)
	}
	if s.continuity != nil {
		if err := s.continuity.SaveContinuity(ctx, merged.continuity); err != nil {
			log.Error().Err(err).Msg("save continuity")
		}
	}

	log.Info().Str("batch", snap.BatchID).Int("evaluated", snap.Stats.Evaluated).
		Int("advancing", snap.Stats.Advancing).Int("errors", snap.Stats.ErrorCount()).
		Int("signals", len(res.Signals)).Dur("took", snap.Stats.Duration).Msg("scan finished")
	return res, nil
}

func (s *Scanner) loadPriors(ctx context.Context, eligible []model.Instrument) (map[string]model.Continuity, error) {
	if s.continuity == nil || len(eligible) == 0 {
		return nil, nil
	}
	codes := make([]string, len(eligible))
	for i, inst := range eligible {
		codes[i] = inst.Code
	}
	priors, err := s.continuity.LoadContinuity(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("load continuity: %w", err)
	}
	return priors, nil
}

func (s *Scanner) evaluate(ctx context.Context, eligible []model.Instrument, priors map[string]model.Continuity, market *model.Stage) []*partial {
	jobs := make(chan model.Instrument)
	parts := make([]*partial, s.opts.Workers)
	var wg sync.WaitGroup

	for w := range parts {
		p := newPartial()
		parts[w] = p
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inst := range jobs {
				if ctx.Err() != nil {
					continue
				}
				s.evaluateOne(ctx, inst, priors, market, p)
			}
		}()
	}

feed:
	for _, inst := range eligible {
		select {
		case jobs <- inst:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	return parts
}

func (s *Scanner) evaluateOne(ctx context.Context, inst model.Instrument, priors map[string]model.Continuity, market *model.Stage, p *partial) {
	var prior *model.Continuity
	if c, ok := priors[inst.Code]; ok {
		prior = &c
	}
	ictx, cancel := context.WithTimeout(ctx, s.opts.InstrumentTimeout)
	ev, err := s.analyzer.Evaluate(ictx, inst, prior, market)
	timedOut := errors.Is(ictx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if timedOut && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		kind := model.ErrorKind(err)
		p.errors[kind]++
		log.Debug().Str("code", inst.Code).Str("kind", kind).Err(err).Msg("instrument skipped")
		return
	}

	p.evaluated++
	res := ev.Result
	p.stageCounts[res.Stage]++
	p.continuity = append(p.continuity, res.Continuity())
	if res.Stage != model.StageAdvancing {
		return
	}
	p.evaluations[inst.Code] = ev
	p.entries = append(p.entries, model.ScanEntry{
		Code:              inst.Code,
		Name:              inst.Name,
		Stage:             res.Stage,
		Price:             res.Close,
		MovingAverage:     res.MA.Value,
		TrendStrength:     res.TrendStrength,
		VolumeRatio:       ev.VolumeRatio,
		WeeksInAdvancing:  res.WeeksInAdvancing,
		BreakoutConfirmed: res.BreakoutConfirmed,
	})
}

// Rank orders entries by trend strength descending, code ascending on ties.
func Rank(entries []model.ScanEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TrendStrength != entries[j].TrendStrength {
			return entries[i].TrendStrength > entries[j].TrendStrength
		}
		return entries[i].Code < entries[j].Code
	})
}
