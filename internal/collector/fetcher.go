package collector

import (
	"context"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// Fetcher defines the interface for fetching market data.
type Fetcher interface {
	// WeeklyBars returns up to count weekly bars, oldest first.
	WeeklyBars(ctx context.Context, code string, count int) ([]model.OHLCV, error)
	// DailyBars returns up to count daily bars, oldest first.
	DailyBars(ctx context.Context, code string, count int) ([]model.OHLCV, error)
	// Instruments returns the tradable universe.
	Instruments(ctx context.Context) ([]model.Instrument, error)
	Name() string
}
