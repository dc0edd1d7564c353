package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// MemoryStore keeps history in process. Used when no database is configured and in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	snapshots  []model.ScanSnapshot
	batches    map[string]struct{}
	continuity map[string]model.Continuity
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:    make(map[string]struct{}),
		continuity: make(map[string]model.Continuity),
	}
}

func (m *MemoryStore) Append(_ context.Context, snap *model.ScanSnapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.batches[snap.BatchID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateBatch, snap.BatchID)
	}
	cp := *snap
	cp.ScanDate = model.ScanDay(snap.ScanDate)
	cp.Entries = append([]model.ScanEntry(nil), snap.Entries...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.snapshots = append(m.snapshots, cp)
	m.batches[snap.BatchID] = struct{}{}
	return nil
}

// ordered returns snapshot indexes newest first: scan date descending, then insertion descending.
func (m *MemoryStore) ordered() []int {
	idx := make([]int, len(m.snapshots))
	for i := range idx {
		idx[i] = len(m.snapshots) - 1 - i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return m.snapshots[idx[a]].ScanDate.After(m.snapshots[idx[b]].ScanDate)
	})
	return idx
}

func inRange(day, start, end time.Time) bool {
	d := dayString(day)
	if !start.IsZero() && d < dayString(start) {
		return false
	}
	if !end.IsZero() && d > dayString(end) {
		return false
	}
	return true
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]model.ScanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ScanRecord
	for _, i := range m.ordered() {
		s := m.snapshots[i]
		if !inRange(s.ScanDate, q.Start, q.End) {
			continue
		}
		for j := len(s.Entries) - 1; j >= 0; j-- {
			e := s.Entries[j]
			if q.Code != "" && e.Code != q.Code {
				continue
			}
			out = append(out, model.ScanRecord{ScanEntry: e, BatchID: s.BatchID, ScanDate: s.ScanDate})
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Batches(_ context.Context, start, end time.Time, limit int) ([]model.ScanSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ScanSnapshot
	for _, i := range m.ordered() {
		s := m.snapshots[i]
		if !inRange(s.ScanDate, start, end) {
			continue
		}
		s.Entries = nil
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Latest(_ context.Context) (*model.ScanSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.snapshots) == 0 {
		return nil, ErrNotFound
	}
	s := m.snapshots[m.ordered()[0]]
	s.Entries = append([]model.ScanEntry(nil), s.Entries...)
	sort.SliceStable(s.Entries, func(a, b int) bool {
		if s.Entries[a].TrendStrength != s.Entries[b].TrendStrength {
			return s.Entries[a].TrendStrength > s.Entries[b].TrendStrength
		}
		return s.Entries[a].Code < s.Entries[b].Code
	})
	return &s, nil
}

func (m *MemoryStore) PersistentStocks(_ context.Context, minDays, lookback int) ([]model.PersistentStock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var dates []string
	for _, i := range m.ordered() {
		d := dayString(m.snapshots[i].ScanDate)
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			dates = append(dates, d)
		}
	}
	from, ok := windowStart(dates, lookback)
	if !ok {
		return nil, nil
	}

	var records []model.ScanRecord
	for _, s := range m.snapshots {
		if dayString(s.ScanDate) < from {
			continue
		}
		for _, e := range s.Entries {
			records = append(records, model.ScanRecord{ScanEntry: e, BatchID: s.BatchID, ScanDate: s.ScanDate})
		}
	}
	return Aggregate(records, minDays), nil
}

func (m *MemoryStore) LoadContinuity(_ context.Context, codes []string) (map[string]model.Continuity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.Continuity)
	if len(codes) == 0 {
		for k, v := range m.continuity {
			out[k] = v
		}
		return out, nil
	}
	for _, c := range codes {
		if v, ok := m.continuity[c]; ok {
			out[c] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveContinuity(_ context.Context, records []model.Continuity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.continuity[r.Code] = r
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
