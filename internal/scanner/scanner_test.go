package scanner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oficcejo/stock-ma30/internal/analyzer"
	"github.com/oficcejo/stock-ma30/internal/collector"
	"github.com/oficcejo/stock-ma30/internal/history"
	"github.com/oficcejo/stock-ma30/internal/model"
)

var origin = time.Date(2023, 1, 6, 0, 0, 0, 0, time.Local)

func bars(closes []float64, lastVolume float64) []model.OHLCV {
	out := make([]model.OHLCV, len(closes))
	for i, c := range closes {
		v := 1000.0
		if i == len(closes)-1 && lastVolume > 0 {
			v = lastVolume
		}
		out[i] = model.OHLCV{Time: origin.AddDate(0, 0, 7*i), Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: v}
	}
	return out
}

func base(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 10.1
		} else {
			out[i] = 9.9
		}
	}
	return out
}

func breakout(last float64) []model.OHLCV { return bars(append(base(40), last), 3000) }

func declining() []model.OHLCV {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 30 - 0.3*float64(i)
	}
	return bars(closes, 0)
}

type fixture struct {
	fetcher *collector.MockFetcher
	store   *history.MemoryStore
	scanner *Scanner
}

func newFixture() *fixture {
	universe := []model.Instrument{
		{Code: "600001", Name: "强势一"},
		{Code: "600002", Name: "强势二"},
		{Code: "000003", Name: "下跌股"},
		{Code: "600004", Name: "*ST退市"},
		{Code: "300005", Name: "创业板"},
		{Code: "688006", Name: "科创板"},
		{Code: "830007", Name: "北交所"},
		{Code: "600008", Name: "新股"},
		{Code: "600009", Name: "断线"},
	}
	m := &collector.MockFetcher{
		Universe: universe,
		Weekly: map[string][]model.OHLCV{
			"600001": breakout(11.5),
			"600002": breakout(12.5),
			"000003": declining(),
			"600004": breakout(11.5),
			"300005": breakout(11.5),
			"688006": breakout(11.5),
			"830007": breakout(11.5),
			"600008": bars(base(12), 0),
		},
		Errors: map[string]error{"600009": fmt.Errorf("%w: connection reset", model.ErrTransientSource)},
	}
	c := collector.NewCollector(m, 30)
	store := history.NewMemoryStore()
	a := analyzer.New(c, store, nil, analyzer.Config{Risk: model.RiskParameters{
		MaxLossPercentOfCapital:  0.02,
		StopLossPercent:          0.08,
		MaxPositions:             10,
		SinglePositionMaxPercent: 0.2,
		AccountCapital:           1000000,
		LotSize:                  100,
	}})
	return &fixture{
		fetcher: m,
		store:   store,
		scanner: New(c, a, store, store, Options{Workers: 3, InstrumentTimeout: time.Second}),
	}
}

func entryCodes(entries []model.ScanEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Code
	}
	return out
}

func TestScanDefaultFilter(t *testing.T) {
	f := newFixture()
	res, err := f.scanner.Scan(context.Background(), Request{Filter: model.DefaultScanFilter(), GenerateSignals: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"600002", "600001"}, entryCodes(res.Entries))
	stats := res.Snapshot.Stats
	assert.Equal(t, 9, stats.Universe)
	assert.Equal(t, 5, stats.Eligible)
	assert.Equal(t, 3, stats.Evaluated)
	assert.Equal(t, 2, stats.Advancing)
	assert.Equal(t, 2, stats.StageCounts[model.StageAdvancing])
	assert.Equal(t, 1, stats.StageCounts[model.StageDeclining])
	assert.Equal(t, 1, stats.Errors[model.KindInsufficientHistory])
	assert.Equal(t, 1, stats.Errors[model.KindTransientSource])
	assert.Equal(t, 0, f.fetcher.Calls("300005"))

	require.Len(t, res.Signals, 2)
	for _, sig := range res.Signals {
		assert.Equal(t, model.SignalBuy, sig.Type)
		assert.GreaterOrEqual(t, sig.VolumeRatio, 2.0)
		require.NotNil(t, sig.PositionSize)
	}
	for _, e := range res.Entries {
		assert.True(t, e.BreakoutConfirmed, e.Code)
		assert.Equal(t, 1, e.WeeksInAdvancing, e.Code)
		assert.Greater(t, e.TrendStrength, 0.0)
	}
}

func TestScanWithoutExclusions(t *testing.T) {
	f := newFixture()
	res, err := f.scanner.Scan(context.Background(), Request{Filter: model.ScanFilter{}})
	require.NoError(t, err)

	assert.Equal(t, 9, res.Snapshot.Stats.Eligible)
	assert.Len(t, res.Entries, 6)
	assert.Equal(t, "600002", res.Entries[0].Code)
	// equal strength ties fall back to code order
	assert.Equal(t, []string{"300005", "600001", "600004", "688006", "830007"}, entryCodes(res.Entries[1:]))
	assert.Empty(t, res.Signals)
}

func TestScanCapLimitsViewOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, err := f.scanner.Scan(ctx, Request{Filter: model.ScanFilter{}, MaxStocks: 2, GenerateSignals: true})
	require.NoError(t, err)

	assert.Len(t, res.Entries, 2)
	assert.Len(t, res.Snapshot.Entries, 6)
	assert.Len(t, res.Signals, 2)

	latest, err := f.store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.BatchID, latest.BatchID)
	assert.Len(t, latest.Entries, 6)
}

func TestScanSecondRunUsesContinuity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.scanner.Scan(ctx, Request{Filter: model.DefaultScanFilter()})
	require.NoError(t, err)

	res, err := f.scanner.Scan(ctx, Request{Filter: model.DefaultScanFilter(), GenerateSignals: true})
	require.NoError(t, err)
	require.Len(t, res.Signals, 2)
	for _, sig := range res.Signals {
		assert.Equal(t, model.SignalHold, sig.Type)
	}

	batches, err := f.store.Batches(ctx, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.NotEqual(t, batches[0].BatchID, batches[1].BatchID)
}

func TestScanCancelledPersistsNothing(t *testing.T) {
	f := newFixture()
	f.fetcher.Delay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res, err := f.scanner.Scan(ctx, Request{Filter: model.ScanFilter{}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)

	_, err = f.store.Latest(context.Background())
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestScanTimeoutIsTallied(t *testing.T) {
	f := newFixture()
	f.fetcher.Delay = 100 * time.Millisecond
	f.scanner.opts.InstrumentTimeout = 20 * time.Millisecond

	res, err := f.scanner.Scan(context.Background(), Request{Filter: model.DefaultScanFilter()})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Snapshot.Stats.Errors[model.KindTimeout])
	assert.Empty(t, res.Entries)
}

func TestFilter(t *testing.T) {
	universe := []model.Instrument{
		{Code: "600000", Name: "浦发银行"},
		{Code: "000001", Name: "平安银行"},
		{Code: "301001", Name: "创业"},
		{Code: "689009", Name: "科创"},
		{Code: "920001", Name: "北证"},
		{Code: "430001", Name: "老三板"},
		{Code: "600001", Name: "ST海航"},
		{Code: "600002", Name: "正常", ST: true},
		{Code: "000300", Name: "沪深300", Board: model.BoardIndex},
		{Code: "900901", Name: "云赛B股"},
		{Code: "200002", Name: "万科B"},
		{Code: "510300", Name: "沪深300ETF"},
		{Code: "159915", Name: "创业板ETF"},
	}
	got := Filter(universe, model.DefaultScanFilter())
	assert.Equal(t, []string{"600000", "000001"}, instrumentCodes(got))

	got = Filter(universe, model.ScanFilter{ExcludeST: true})
	assert.Equal(t, []string{"600000", "000001", "301001", "689009", "920001", "430001"}, instrumentCodes(got))

	assert.Len(t, Filter(universe, model.ScanFilter{}), 8)
}

func instrumentCodes(in []model.Instrument) []string {
	out := make([]string, len(in))
	for i, inst := range in {
		out[i] = inst.Code
	}
	return out
}
