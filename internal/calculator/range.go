package calculator

import (
	"errors"
	"math"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// Range summarises the bars in a window.
type Range struct {
	HighClose float64
	LowClose  float64
	MeanClose float64
	High      float64
	Low       float64
	AvgVolume float64
}

// Width is the close range relative to the mean close.
func (r Range) Width() float64 {
	if r.MeanClose == 0 {
		return 0
	}
	return (r.HighClose - r.LowClose) / r.MeanClose
}

// CalculateRange scans bars[start:end] and returns its range.
func CalculateRange(bars []model.OHLCV, start, end int) (Range, error) {
	if start < 0 {
		start = 0
	}
	if end > len(bars) {
		end = len(bars)
	}
	if end <= start {
		return Range{}, errors.New("empty range window")
	}
	r := Range{
		HighClose: math.Inf(-1),
		LowClose:  math.Inf(1),
		High:      math.Inf(-1),
		Low:       math.Inf(1),
	}
	var closeSum, volSum float64
	for i := start; i < end; i++ {
		b := bars[i]
		r.HighClose = math.Max(r.HighClose, b.Close)
		r.LowClose = math.Min(r.LowClose, b.Close)
		r.High = math.Max(r.High, b.High)
		r.Low = math.Min(r.Low, b.Low)
		closeSum += b.Close
		volSum += b.Volume
	}
	n := float64(end - start)
	r.MeanClose = closeSum / n
	r.AvgVolume = volSum / n
	return r, nil
}

// LowestLow returns the lowest low of the trailing lookback bars.
func LowestLow(bars []model.OHLCV, lookback int) (float64, error) {
	r, err := CalculateRange(bars, len(bars)-lookback, len(bars))
	if err != nil {
		return 0, err
	}
	return r.Low, nil
}
