package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oficcejo/stock-ma30/internal/model"
)

func params() model.RiskParameters {
	return model.RiskParameters{
		MaxLossPercentOfCapital:  0.02,
		StopLossPercent:          0.08,
		MaxPositions:             10,
		SinglePositionMaxPercent: 0.20,
		AccountCapital:           100000,
	}
}

func buy(price float64) *model.Signal {
	return &model.Signal{Code: "600000", Type: model.SignalBuy, Price: price}
}

func TestSize_EntryScenario(t *testing.T) {
	sz, err := Size(buy(10), params(), nil)
	require.NoError(t, err)

	assert.InDelta(t, 9.20, sz.StopLoss, 1e-9)
	assert.Equal(t, int64(1000), sz.PositionSize)
	assert.InDelta(t, 800, sz.RiskAmount, 1e-9)
	assert.LessOrEqual(t, sz.RiskAmount, 2000.0)
	assert.InDelta(t, 10000, sz.Allocation, 1e-9)
	assert.Equal(t, 0, sz.Tranche)
}

func TestSize_MaxLossShrinksSizeNotStop(t *testing.T) {
	p := params()
	p.SinglePositionMaxPercent = 1.0 // first tranche alone would be 5000 shares, risking 4000

	sz, err := Size(buy(10), p, nil)
	require.NoError(t, err)
	assert.InDelta(t, 9.20, sz.StopLoss, 1e-9)
	assert.Equal(t, int64(2500), sz.PositionSize)
	assert.InDelta(t, 2000, sz.RiskAmount, 1e-9)
}

func TestSize_LotRounding(t *testing.T) {
	p := params()
	p.LotSize = 100
	sz, err := Size(buy(13.7), p, nil)
	require.NoError(t, err)
	// 10000 / 13.7 = 729.9 -> 700
	assert.Equal(t, int64(700), sz.PositionSize)
	assert.InDelta(t, 12.60, sz.StopLoss, 1e-9)
}

func TestSize_SupportTightensStop(t *testing.T) {
	sig := buy(10)
	sig.SupportLevel = 9.5
	sz, err := Size(sig, params(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 9.5, sz.StopLoss, 1e-9)

	sig.SupportLevel = 8.0 // looser than the percent stop, ignored
	sz, err = Size(sig, params(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 9.2, sz.StopLoss, 1e-9)
}

func TestSize_Limits(t *testing.T) {
	p := params()
	p.MaxPositions = 2
	full := PositionMap{
		"000001": {Code: "000001"},
		"000002": {Code: "000002"},
	}
	_, err := Size(buy(10), p, full)
	assert.ErrorIs(t, err, model.ErrRiskLimitExceeded)

	held := PositionMap{"600000": {Code: "600000"}}
	_, err = Size(buy(10), params(), held)
	assert.ErrorIs(t, err, model.ErrRiskLimitExceeded)

	_, err = Size(buy(30000), params(), nil)
	assert.ErrorIs(t, err, model.ErrRiskLimitExceeded, "size rounds to zero")

	_, err = Size(&model.Signal{Code: "600000", Type: model.SignalHold, Price: 10}, params(), nil)
	assert.Error(t, err)

	bad := params()
	bad.AccountCapital = 0
	_, err = Size(buy(10), bad, nil)
	assert.Error(t, err)
}

func TestSize_Pyramid(t *testing.T) {
	p := params()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	entry := buy(10)
	sz, err := Size(entry, p, nil)
	require.NoError(t, err)
	pos := Apply(nil, entry, sz, start)
	assert.Equal(t, int64(1000), pos.Shares)
	assert.InDelta(t, 10000, pos.CostBasis, 1e-9)

	add1 := &model.Signal{Code: "600000", Type: model.SignalAddPosition, Price: 10.5}
	sz1, err := Size(add1, p, PositionMap{"600000": pos})
	require.NoError(t, err)
	assert.Equal(t, 1, sz1.Tranche)
	// 30% of 20000 at 10.5 = 571 shares
	assert.Equal(t, int64(571), sz1.PositionSize)
	assert.InDelta(t, 9.66, sz1.StopLoss, 1e-9)
	pos = Apply(pos, add1, sz1, start.AddDate(0, 0, 14))
	assert.Equal(t, 1, pos.Adds)
	assert.Equal(t, 10.5, pos.LastAddPrice)

	add2 := &model.Signal{Code: "600000", Type: model.SignalAddPosition, Price: 11.1}
	sz2, err := Size(add2, p, PositionMap{"600000": pos})
	require.NoError(t, err)
	assert.Equal(t, 2, sz2.Tranche)
	assert.Equal(t, int64(360), sz2.PositionSize)
	pos = Apply(pos, add2, sz2, start.AddDate(0, 0, 28))

	_, err = Size(&model.Signal{Code: "600000", Type: model.SignalAddPosition, Price: 12}, p, PositionMap{"600000": pos})
	assert.ErrorIs(t, err, model.ErrRiskLimitExceeded)

	_, err = Size(&model.Signal{Code: "000001", Type: model.SignalAddPosition, Price: 12}, p, PositionMap{})
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestSize_AddKeepsHigherStop(t *testing.T) {
	pos := &model.Position{Code: "600000", EntryPrice: 10, Shares: 1000, CostBasis: 10000, StopLoss: 9.9, Origin: model.SignalBuy}
	// a pullback add: the freshly computed stop (9.66) is below the existing one
	sz, err := Size(&model.Signal{Code: "600000", Type: model.SignalAddPosition, Price: 10.5}, params(), PositionMap{"600000": pos})
	require.NoError(t, err)
	assert.InDelta(t, 9.9, sz.StopLoss, 1e-9)
}

func TestSize_AddRefusedAtOrBelowStop(t *testing.T) {
	for _, price := range []float64{9.9, 9.5} {
		pos := &model.Position{Code: "600000", EntryPrice: 10, Shares: 1000, CostBasis: 10000, StopLoss: 9.9, Origin: model.SignalBuy}
		_, err := Size(&model.Signal{Code: "600000", Type: model.SignalAddPosition, Price: price}, params(), PositionMap{"600000": pos})
		assert.ErrorIs(t, err, model.ErrRiskLimitExceeded, "price %.2f", price)
	}
}

func TestSize_AddRefusedOverAllocation(t *testing.T) {
	pos := &model.Position{Code: "600000", EntryPrice: 10, Shares: 1900, CostBasis: 19000, StopLoss: 9.2, Origin: model.SignalBuy}
	_, err := Size(&model.Signal{Code: "600000", Type: model.SignalAddPosition, Price: 10.5}, params(), PositionMap{"600000": pos})
	assert.ErrorIs(t, err, model.ErrRiskLimitExceeded)
}

// Stops never move down across a sequence of adds, whatever the add prices.
func TestStopLossMonotonic(t *testing.T) {
	p := params()
	p.SinglePositionMaxPercent = 0.5
	prices := [][]float64{
		{10, 12, 9.5},
		{10, 10.6, 11.4},
		{20, 15, 25},
		{5, 5.3, 5.1},
	}
	for _, seq := range prices {
		entry := buy(seq[0])
		sz, err := Size(entry, p, nil)
		require.NoError(t, err)
		pos := Apply(nil, entry, sz, time.Now())
		last := pos.StopLoss
		for _, price := range seq[1:] {
			sig := &model.Signal{Code: "600000", Type: model.SignalAddPosition, Price: price}
			sz, err := Size(sig, p, PositionMap{"600000": pos})
			if price <= pos.StopLoss {
				// an add at or under the stop is refused and leaves the position alone
				assert.ErrorIs(t, err, model.ErrRiskLimitExceeded)
				continue
			}
			require.NoError(t, err)
			pos = Apply(pos, sig, sz, time.Now())
			assert.GreaterOrEqual(t, pos.StopLoss, last, "sequence %v", seq)
			last = pos.StopLoss
		}
	}
}

func TestTrailStop(t *testing.T) {
	assert.Equal(t, 9.5, TrailStop(9.5, 9.2))
	assert.Equal(t, 9.8, TrailStop(9.5, 9.8))
}
