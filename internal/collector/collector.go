package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// MockFetcher returns controllable fixed data for development and testing.
type MockFetcher struct {
	Price    float64
	Universe []model.Instrument
	Weekly   map[string][]model.OHLCV
	Daily    map[string][]model.OHLCV
	Errors   map[string]error
	Delay    time.Duration

	mu    sync.Mutex
	calls map[string]int
}

func (m *MockFetcher) Name() string { return "mock" }

func (m *MockFetcher) WeeklyBars(ctx context.Context, code string, count int) ([]model.OHLCV, error) {
	return m.bars(ctx, code, count, m.Weekly, 7)
}

func (m *MockFetcher) DailyBars(ctx context.Context, code string, count int) ([]model.OHLCV, error) {
	return m.bars(ctx, code, count, m.Daily, 1)
}

func (m *MockFetcher) Instruments(_ context.Context) ([]model.Instrument, error) {
	return m.Universe, nil
}

// Calls reports how many bar requests were made for code.
func (m *MockFetcher) Calls(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[code]
}

func (m *MockFetcher) bars(ctx context.Context, code string, count int, data map[string][]model.OHLCV, stepDays int) ([]model.OHLCV, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[code]++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := m.Errors[code]; ok {
		return nil, err
	}
	if bars, ok := data[code]; ok {
		if count > 0 && len(bars) > count {
			bars = bars[len(bars)-count:]
		}
		return bars, nil
	}
	if data != nil || m.Price <= 0 {
		return nil, fmt.Errorf("%w: no bars for %s", model.ErrInsufficientHistory, code)
	}
	return generateMockBars(m.Price, count, stepDays), nil
}

func generateMockBars(basePrice float64, count, stepDays int) []model.OHLCV {
	end := model.ScanDay(time.Now())
	bars := make([]model.OHLCV, count)
	for i := 0; i < count; i++ {
		p := basePrice * (1 + float64(i-count/2)*0.001)
		bars[i] = model.OHLCV{
			Time:   end.AddDate(0, 0, -(count-i)*stepDays),
			Open:   p * 0.999,
			High:   p * 1.005,
			Low:    p * 0.995,
			Close:  p,
			Volume: 1000000,
		}
	}
	return bars
}

// Collector turns raw fetcher output into validated bar series.
type Collector struct {
	Fetcher Fetcher
	// MinWeekly is the weekly bar count below which weekly bars are rebuilt from daily bars.
	MinWeekly int
}

// NewCollector creates a new Collector.
func NewCollector(fetcher Fetcher, minWeekly int) *Collector {
	return &Collector{Fetcher: fetcher, MinWeekly: minWeekly}
}

// WeeklySeries fetches up to weeks weekly bars for code. When the source has fewer
// than MinWeekly weekly bars the series is aggregated from daily bars instead.
func (c *Collector) WeeklySeries(ctx context.Context, code string, weeks int) (*model.BarSeries, error) {
	bars, err := c.Fetcher.WeeklyBars(ctx, code, weeks)
	if err != nil && !errors.Is(err, model.ErrInsufficientHistory) {
		return nil, fmt.Errorf("fetch weekly bars: %w", err)
	}

	if len(bars) < c.MinWeekly {
		daily, dailyErr := c.Fetcher.DailyBars(ctx, code, weeks*5)
		switch {
		case dailyErr == nil:
			if agg := aggregateDailyToWeekly(daily); len(agg) > len(bars) {
				log.Debug().Str("code", code).Int("weekly", len(bars)).Int("aggregated", len(agg)).
					Msg("weekly bars rebuilt from daily")
				bars = agg
			}
		case errors.Is(dailyErr, model.ErrInsufficientHistory):
		default:
			return nil, fmt.Errorf("fetch daily bars: %w", dailyErr)
		}
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no weekly bars for %s", model.ErrInsufficientHistory, code)
	}
	if weeks > 0 && len(bars) > weeks {
		bars = bars[len(bars)-weeks:]
	}
	return model.NewBarSeries(code, model.Weekly, bars)
}

// DailySeries fetches up to days daily bars for code.
func (c *Collector) DailySeries(ctx context.Context, code string, days int) (*model.BarSeries, error) {
	bars, err := c.Fetcher.DailyBars(ctx, code, days)
	if err != nil {
		return nil, fmt.Errorf("fetch daily bars: %w", err)
	}
	return model.NewBarSeries(code, model.Daily, bars)
}

// Universe loads the instrument list.
func (c *Collector) Universe(ctx context.Context) ([]model.Instrument, error) {
	instruments, err := c.Fetcher.Instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}
	return instruments, nil
}
