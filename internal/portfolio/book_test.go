package portfolio

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oficcejo/stock-ma30/internal/model"
	"github.com/oficcejo/stock-ma30/internal/risk"
)

func params() model.RiskParameters {
	return model.RiskParameters{
		MaxLossPercentOfCapital:  0.02,
		StopLossPercent:          0.08,
		MaxPositions:             2,
		SinglePositionMaxPercent: 0.2,
		AccountCapital:           100000,
		LotSize:                  100,
	}
}

func signal(code string, typ model.SignalType, price float64) *model.Signal {
	return &model.Signal{Code: code, Name: "N" + code, Type: typ, Price: price}
}

func TestBookLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "portfolio.json")
	book, err := NewBook(path, params())
	require.NoError(t, err)
	at := time.Date(2024, 3, 8, 15, 0, 0, 0, time.Local)

	pos, err := book.Apply(signal("600000", model.SignalBuy, 10), at)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pos.Shares)
	assert.Equal(t, 9.2, pos.StopLoss)
	assert.Equal(t, model.SignalBuy, pos.Origin)

	_, err = book.Apply(signal("600000", model.SignalBuy, 10.2), at)
	assert.ErrorIs(t, err, model.ErrRiskLimitExceeded)

	added, err := book.Apply(signal("600000", model.SignalAddPosition, 10.5), at.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, 1, added.Adds)
	assert.Equal(t, 10.5, added.LastAddPrice)
	assert.Greater(t, added.Shares, int64(1000))
	assert.GreaterOrEqual(t, added.StopLoss, 9.66)

	// reload from disk
	again, err := NewBook(path, params())
	require.NoError(t, err)
	got, ok := again.Position("600000")
	require.True(t, ok)
	assert.Equal(t, added.Shares, got.Shares)
	assert.Equal(t, 1, again.OpenCount())

	closed, err := again.Apply(signal("600000", model.SignalSell, 9), at.AddDate(0, 0, 14))
	require.NoError(t, err)
	assert.Nil(t, closed)
	assert.Equal(t, 0, again.OpenCount())

	_, err = again.Apply(signal("600000", model.SignalSell, 9), at)
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestBookMaxPositions(t *testing.T) {
	book, err := NewBook("", params())
	require.NoError(t, err)
	at := time.Now()
	for _, code := range []string{"600001", "600002"} {
		_, err := book.Apply(signal(code, model.SignalBuy, 10), at)
		require.NoError(t, err)
	}
	_, err = book.Apply(signal("600003", model.SignalBuy, 10), at)
	assert.ErrorIs(t, err, model.ErrRiskLimitExceeded)
	assert.Equal(t, []string{"600001", "600002"}, []string{book.Positions()[0].Code, book.Positions()[1].Code})
}

func TestBookStopOnlyRises(t *testing.T) {
	book, err := NewBook("", params())
	require.NoError(t, err)
	at := time.Now()
	_, err = book.Apply(signal("600000", model.SignalBuy, 10), at)
	require.NoError(t, err)

	hold := signal("600000", model.SignalHold, 11)
	hold.SupportLevel = 9.5
	pos, err := book.Apply(hold, at)
	require.NoError(t, err)
	assert.Equal(t, 9.5, pos.StopLoss)

	hold.SupportLevel = 9.3
	pos, err = book.Apply(hold, at)
	require.NoError(t, err)
	assert.Equal(t, 9.5, pos.StopLoss)

	pos, err = book.RaiseStop("600000", 9.0, at)
	require.NoError(t, err)
	assert.Equal(t, 9.5, pos.StopLoss)

	_, err = book.RaiseStop("600009", 9.0, at)
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestBookSatisfiesPositions(t *testing.T) {
	var _ risk.Positions = (*Book)(nil)

	book, err := NewBook("", params())
	require.NoError(t, err)
	_, err = book.Apply(signal("600000", model.SignalBuy, 10), time.Now())
	require.NoError(t, err)

	p, _ := book.Position("600000")
	p.Shares = 1
	again, _ := book.Position("600000")
	assert.Equal(t, int64(1000), again.Shares)
}

func TestLoadStateMissingFile(t *testing.T) {
	state, err := LoadState(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.NotNil(t, state.Positions)
	assert.Empty(t, state.Positions)
}
