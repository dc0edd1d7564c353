package model

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe identifies the bar interval of a series.
type Timeframe string

const (
	Weekly Timeframe = "week"
	Daily  Timeframe = "day"
)

// OHLCV represents a single candlestick bar.
type OHLCV struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// BarSeries is a validated, time-ordered bar series for one instrument.
// Build it with NewBarSeries; the bars must not be modified afterwards.
type BarSeries struct {
	Code      string
	Timeframe Timeframe
	Bars      []OHLCV
}

// NewBarSeries validates bars and wraps them in a BarSeries.
// Timestamps must be strictly increasing and prices positive.
func NewBarSeries(code string, tf Timeframe, bars []OHLCV) (*BarSeries, error) {
	for i, b := range bars {
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			return nil, fmt.Errorf("%w: %s bar %d (%s) has non-positive price",
				ErrInvalidBarData, code, i, b.Time.Format("2006-01-02"))
		}
		if b.High < b.Low {
			return nil, fmt.Errorf("%w: %s bar %d (%s) high %.3f below low %.3f",
				ErrInvalidBarData, code, i, b.Time.Format("2006-01-02"), b.High, b.Low)
		}
		if b.Volume < 0 {
			return nil, fmt.Errorf("%w: %s bar %d (%s) has negative volume",
				ErrInvalidBarData, code, i, b.Time.Format("2006-01-02"))
		}
		if i > 0 && !b.Time.After(bars[i-1].Time) {
			return nil, fmt.Errorf("%w: %s bar %d (%s) is not after %s",
				ErrInvalidBarData, code, i, b.Time.Format("2006-01-02"), bars[i-1].Time.Format("2006-01-02"))
		}
	}
	return &BarSeries{Code: code, Timeframe: tf, Bars: bars}, nil
}

// Len returns the number of bars.
func (s *BarSeries) Len() int { return len(s.Bars) }

// Last returns the most recent bar. The series must not be empty.
func (s *BarSeries) Last() OHLCV { return s.Bars[len(s.Bars)-1] }

// Closes extracts the close prices in order.
func (s *BarSeries) Closes() []float64 {
	closes := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		closes[i] = b.Close
	}
	return closes
}

// Volumes extracts the volumes in order.
func (s *BarSeries) Volumes() []float64 {
	vols := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		vols[i] = b.Volume
	}
	return vols
}

// Head returns a series holding only the first n bars.
func (s *BarSeries) Head(n int) *BarSeries {
	if n > len(s.Bars) {
		n = len(s.Bars)
	}
	return &BarSeries{Code: s.Code, Timeframe: s.Timeframe, Bars: s.Bars[:n]}
}

// Board is the listing board of an A-share instrument.
type Board string

const (
	BoardMain  Board = "MAIN"
	BoardGEM   Board = "GEM"   // ChiNext, 300/301
	BoardSTAR  Board = "STAR"  // sci-tech innovation board, 688/689
	BoardBSE   Board = "BSE"   // Beijing stock exchange
	BoardIndex Board = "INDEX"
	BoardOther Board = "OTHER"
)

// Instrument is one member of the scan universe.
type Instrument struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Board    Board  `json:"board,omitempty"`
	ST       bool   `json:"st,omitempty"`
}

// ClassifyBoard derives the board from a six digit code.
func ClassifyBoard(code string) Board {
	switch {
	case len(code) != 6:
		return BoardOther
	case strings.HasPrefix(code, "300"), strings.HasPrefix(code, "301"):
		return BoardGEM
	case strings.HasPrefix(code, "688"), strings.HasPrefix(code, "689"):
		return BoardSTAR
	case strings.HasPrefix(code, "92"), strings.HasPrefix(code, "8"), strings.HasPrefix(code, "4"):
		return BoardBSE
	case strings.HasPrefix(code, "60"), strings.HasPrefix(code, "00"):
		return BoardMain
	default:
		return BoardOther
	}
}

// ResolvedBoard returns the board, deriving it from the code when unset.
func (i Instrument) ResolvedBoard() Board {
	if i.Board != "" {
		return i.Board
	}
	return ClassifyBoard(i.Code)
}

// IsSpecialTreatment reports risk-warning (ST, *ST) or delisting instruments.
func (i Instrument) IsSpecialTreatment() bool {
	if i.ST {
		return true
	}
	name := strings.ToUpper(i.Name)
	return strings.Contains(name, "ST") || strings.Contains(i.Name, "退")
}
