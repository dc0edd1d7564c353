// Package portfolio keeps the book of open positions the signal rules and the
// risk sizer consult. The book is persisted as a JSON file.
package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/oficcejo/stock-ma30/internal/model"
	"github.com/oficcejo/stock-ma30/internal/risk"
)

// ErrNotHeld is returned when an operation names a code that has no open position.
var ErrNotHeld = errors.New("position not held")

// Book holds open positions with concurrency safety. It satisfies risk.Positions.
type Book struct {
	mu       sync.Mutex
	state    *model.PortfolioState
	filePath string
	params   model.RiskParameters
}

// NewBook loads the book from filePath. An empty path keeps the book in memory.
func NewBook(filePath string, params model.RiskParameters) (*Book, error) {
	state := &model.PortfolioState{Positions: map[string]*model.Position{}}
	if filePath != "" {
		var err error
		if state, err = LoadState(filePath); err != nil {
			return nil, fmt.Errorf("load portfolio: %w", err)
		}
	}
	log.Info().Str("file", filePath).Int("positions", len(state.Positions)).Msg("portfolio loaded")
	return &Book{state: state, filePath: filePath, params: params}, nil
}

// Position returns a copy of the open position for code.
func (b *Book) Position(code string) (*model.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.state.Positions[code]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (b *Book) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.Positions)
}

// Positions returns copies of all open positions ordered by code.
func (b *Book) Positions() []model.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Position, 0, len(b.state.Positions))
	for _, p := range b.state.Positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Apply updates the book from a signal:
//   - Buy/AddPosition are sized against the book and filled at the signal price
//   - Sell closes the position
//   - Hold raises the stop to the signal's support level when that is higher
//
// The resulting position is returned; nil after a Sell.
func (b *Book) Apply(sig *model.Signal, at time.Time) (*model.Position, error) {
	if sig == nil {
		return nil, errors.New("nil signal")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.state.Positions[sig.Code]
	switch sig.Type {
	case model.SignalBuy, model.SignalAddPosition:
		sz, err := risk.Size(sig, b.params, risk.PositionMap(b.state.Positions))
		if err != nil {
			return nil, err
		}
		next := risk.Apply(current, sig, sz, at)
		b.state.Positions[sig.Code] = next
		log.Info().Str("code", sig.Code).Str("signal", string(sig.Type)).Int64("shares", sz.PositionSize).
			Float64("stop", sz.StopLoss).Msg("position filled")
		return b.commit(next)

	case model.SignalSell:
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotHeld, sig.Code)
		}
		delete(b.state.Positions, sig.Code)
		log.Info().Str("code", sig.Code).Float64("price", sig.Price).Msg("position closed")
		return b.commit(nil)

	case model.SignalHold:
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotHeld, sig.Code)
		}
		if sig.SupportLevel <= 0 || sig.SupportLevel >= sig.Price {
			cp := *current
			return &cp, nil
		}
		return b.raiseStop(current, sig.SupportLevel, at)

	default:
		return nil, fmt.Errorf("signal %s does not change the book", sig.Type)
	}
}

// RaiseStop moves the stop of code up to candidate. The stop never moves down.
func (b *Book) RaiseStop(code string, candidate float64, at time.Time) (*model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.state.Positions[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotHeld, code)
	}
	return b.raiseStop(current, candidate, at)
}

func (b *Book) raiseStop(current *model.Position, candidate float64, at time.Time) (*model.Position, error) {
	stop := risk.TrailStop(current.StopLoss, candidate)
	if stop == current.StopLoss {
		cp := *current
		return &cp, nil
	}
	current.StopLoss = stop
	current.UpdatedAt = at
	return b.commit(current)
}

// Close removes the position for code.
func (b *Book) Close(code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.state.Positions[code]; !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, code)
	}
	delete(b.state.Positions, code)
	_, err := b.commit(nil)
	return err
}

// commit persists the state and returns a copy of pos. Callers hold b.mu.
func (b *Book) commit(pos *model.Position) (*model.Position, error) {
	if b.filePath != "" {
		if err := SaveState(b.filePath, b.state); err != nil {
			log.Error().Err(err).Str("file", b.filePath).Msg("failed to save portfolio")
			return nil, fmt.Errorf("save portfolio: %w", err)
		}
	}
	if pos == nil {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}
