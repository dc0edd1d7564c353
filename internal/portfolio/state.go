package portfolio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// LoadState reads the portfolio state from a JSON file. Returns an empty state if the file doesn't exist.
func LoadState(filePath string) (*model.PortfolioState, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.PortfolioState{Positions: map[string]*model.Position{}}, nil
		}
		return nil, err
	}
	var state model.PortfolioState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Positions == nil {
		state.Positions = map[string]*model.Position{}
	}
	return &state, nil
}

// SaveState writes the portfolio state to a JSON file, replacing it atomically.
func SaveState(filePath string, state *model.PortfolioState) error {
	state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filePath)
}
