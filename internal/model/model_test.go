package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func week(i int) time.Time {
	return time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 7*i)
}

func TestNewBarSeries(t *testing.T) {
	good := []OHLCV{
		{Time: week(0), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		{Time: week(1), Open: 10.5, High: 12, Low: 10, Close: 11, Volume: 120},
	}
	s, err := NewBarSeries("600000", Weekly, good)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []float64{10.5, 11}, s.Closes())
	assert.Equal(t, 11.0, s.Last().Close)
	assert.Equal(t, 1, s.Head(1).Len())

	tests := []struct {
		name string
		bars []OHLCV
	}{
		{"duplicate timestamp", []OHLCV{good[0], {Time: week(0), Open: 1, High: 1, Low: 1, Close: 1}}},
		{"out of order", []OHLCV{good[1], good[0]}},
		{"zero close", []OHLCV{{Time: week(0), Open: 1, High: 1, Low: 1, Close: 0}}},
		{"negative volume", []OHLCV{{Time: week(0), Open: 1, High: 1, Low: 1, Close: 1, Volume: -1}}},
		{"high below low", []OHLCV{{Time: week(0), Open: 1, High: 1, Low: 2, Close: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBarSeries("600000", Weekly, tt.bars)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidBarData)
		})
	}
}

func TestClassifyBoard(t *testing.T) {
	tests := map[string]Board{
		"600000": BoardMain,
		"000001": BoardMain,
		"002594": BoardMain,
		"300750": BoardGEM,
		"301236": BoardGEM,
		"688981": BoardSTAR,
		"830799": BoardBSE,
		"430047": BoardBSE,
		"920002": BoardBSE,
		"900901": BoardOther,
		"1234":   BoardOther,
	}
	for code, want := range tests {
		assert.Equal(t, want, ClassifyBoard(code), code)
	}
	assert.Equal(t, BoardGEM, Instrument{Code: "600000", Board: BoardGEM}.ResolvedBoard())
}

func TestIsSpecialTreatment(t *testing.T) {
	assert.True(t, Instrument{Name: "*ST康美"}.IsSpecialTreatment())
	assert.True(t, Instrument{Name: "ST华仪"}.IsSpecialTreatment())
	assert.True(t, Instrument{Name: "退市海润"}.IsSpecialTreatment())
	assert.True(t, Instrument{Name: "平安银行", ST: true}.IsSpecialTreatment())
	assert.False(t, Instrument{Name: "贵州茅台"}.IsSpecialTreatment())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindInsufficientHistory, ErrorKind(fmt.Errorf("%w: only 18 of 30", ErrInsufficientHistory)))
	assert.Equal(t, KindInvalidBarData, ErrorKind(fmt.Errorf("wrap: %w", ErrInvalidBarData)))
	assert.Equal(t, KindRiskLimitExceeded, ErrorKind(ErrRiskLimitExceeded))
	assert.Equal(t, KindTransientSource, ErrorKind(ErrTransientSource))
	assert.Equal(t, KindTimeout, ErrorKind(fmt.Errorf("%w: %w", ErrTransientSource, context.DeadlineExceeded)))
	assert.Equal(t, KindOther, ErrorKind(errors.New("boom")))

	assert.True(t, Retryable(ErrTransientSource))
	assert.False(t, Retryable(ErrInvalidBarData))
}

func TestSignalSized(t *testing.T) {
	sig := Signal{Code: "600000", Type: SignalBuy, Price: 10}
	sized := sig.Sized(9.2, 1000)
	require.NotNil(t, sized.StopLoss)
	assert.Equal(t, 9.2, *sized.StopLoss)
	assert.Equal(t, int64(1000), *sized.PositionSize)
	assert.Nil(t, sig.StopLoss)
}
