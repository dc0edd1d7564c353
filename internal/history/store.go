// Package history stores scan snapshots and answers range, latest and
// persistence queries over them.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/oficcejo/stock-ma30/internal/model"
)

var (
	// ErrDuplicateBatch rejects a second append under an existing batch id.
	ErrDuplicateBatch = errors.New("duplicate scan batch")
	// ErrNotFound is returned by Latest when nothing has been stored yet.
	ErrNotFound = errors.New("no scan snapshot stored")
)

const dateLayout = "2006-01-02"

// Query selects stored entries. Zero Start/End leave that side open; Limit <= 0 means no limit.
type Query struct {
	Start time.Time
	End   time.Time
	Code  string
	Limit int
}

// Store is the append-only scan history.
type Store interface {
	// Append writes a snapshot once. Appending a known batch id fails with ErrDuplicateBatch.
	Append(ctx context.Context, snap *model.ScanSnapshot) error
	// Query returns entries ordered by scan date descending.
	Query(ctx context.Context, q Query) ([]model.ScanRecord, error)
	// Batches returns snapshot headers (no entries) ordered by scan date descending.
	Batches(ctx context.Context, start, end time.Time, limit int) ([]model.ScanSnapshot, error)
	// Latest returns the most recent snapshot with entries ordered by trend strength.
	Latest(ctx context.Context) (*model.ScanSnapshot, error)
	// PersistentStocks counts, over the last lookback scan dates, the distinct
	// dates each instrument was Advancing and keeps those seen on at least minDays.
	PersistentStocks(ctx context.Context, minDays, lookback int) ([]model.PersistentStock, error)
	Close() error
}

// ContinuityStore keeps the per-instrument continuity records between evaluations.
type ContinuityStore interface {
	// LoadContinuity returns the records for codes, or all records when codes is empty.
	LoadContinuity(ctx context.Context, codes []string) (map[string]model.Continuity, error)
	SaveContinuity(ctx context.Context, records []model.Continuity) error
}

func validateSnapshot(snap *model.ScanSnapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	if snap.BatchID == "" {
		return errors.New("snapshot has no batch id")
	}
	if snap.ScanDate.IsZero() {
		return errors.New("snapshot has no scan date")
	}
	return nil
}

func dayString(t time.Time) string { return t.Format(dateLayout) }

func parseDay(s string) time.Time {
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
