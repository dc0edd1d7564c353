package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/phuslu/log"
	_ "modernc.org/sqlite"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// SQLStore persists history to SQLite or PostgreSQL.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	mu     sync.Mutex
}

// OpenSQL opens (or creates) the database and runs migrations.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// single writer; WAL lets readers proceed during a scan append
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("driver", driver).Msg("history store opened")
	return s, nil
}

func (s *SQLStore) migrate() error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scan_batches (
			id           ` + id + `,
			batch_id     TEXT NOT NULL UNIQUE,
			scan_date    TEXT NOT NULL,
			created_at   BIGINT NOT NULL,
			universe     INTEGER,
			eligible     INTEGER,
			evaluated    INTEGER,
			advancing    INTEGER,
			stage_counts TEXT,
			errors       TEXT,
			duration_ms  BIGINT,
			filter       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_date ON scan_batches(scan_date)`,

		`CREATE TABLE IF NOT EXISTS scan_records (
			id                 ` + id + `,
			batch_id           TEXT NOT NULL,
			scan_date          TEXT NOT NULL,
			code               TEXT NOT NULL,
			name               TEXT,
			stage              TEXT NOT NULL,
			price              DOUBLE PRECISION,
			moving_average     DOUBLE PRECISION,
			trend_strength     DOUBLE PRECISION,
			volume_ratio       DOUBLE PRECISION,
			weeks_in_advancing INTEGER,
			breakout_confirmed BOOLEAN,
			created_at         BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_date ON scan_records(scan_date)`,
		`CREATE INDEX IF NOT EXISTS idx_records_code ON scan_records(code)`,
		`CREATE INDEX IF NOT EXISTS idx_records_batch ON scan_records(batch_id)`,

		`CREATE TABLE IF NOT EXISTS stage_continuity (
			code               TEXT PRIMARY KEY,
			stage              TEXT NOT NULL,
			direction          TEXT NOT NULL,
			weeks_in_advancing INTEGER NOT NULL,
			bar_time           BIGINT NOT NULL,
			updated_at         BIGINT NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("exec %q: %w", strings.TrimSpace(q)[:40], err)
		}
	}
	return nil
}

const insertBatch = `INSERT INTO scan_batches
	(batch_id, scan_date, created_at, universe, eligible, evaluated, advancing, stage_counts, errors, duration_ms, filter)
	VALUES (?,?,?,?,?,?,?,?,?,?,?)`

const insertRecord = `INSERT INTO scan_records
	(batch_id, scan_date, code, name, stage, price, moving_average, trend_strength, volume_ratio,
	 weeks_in_advancing, breakout_confirmed, created_at)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`

func (s *SQLStore) Append(ctx context.Context, snap *model.ScanSnapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	counts, _ := json.Marshal(snap.Stats.StageCounts)
	tally, _ := json.Marshal(snap.Stats.Errors)
	filter, _ := json.Marshal(snap.Filter)
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	day := dayString(snap.ScanDate)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.GetContext(ctx, &existing, tx.Rebind(`SELECT COUNT(*) FROM scan_batches WHERE batch_id = ?`), snap.BatchID); err != nil {
		return fmt.Errorf("check batch: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateBatch, snap.BatchID)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(insertBatch),
		snap.BatchID, day, created.Unix(),
		snap.Stats.Universe, snap.Stats.Eligible, snap.Stats.Evaluated, snap.Stats.Advancing,
		string(counts), string(tally), snap.Stats.Duration.Milliseconds(), string(filter),
	); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(insertRecord))
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range snap.Entries {
		if _, err := stmt.ExecContext(ctx,
			snap.BatchID, day, e.Code, e.Name, string(e.Stage), e.Price, e.MovingAverage,
			e.TrendStrength, e.VolumeRatio, e.WeeksInAdvancing, e.BreakoutConfirmed, created.Unix(),
		); err != nil {
			return fmt.Errorf("insert record %s: %w", e.Code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

type recordRow struct {
	model.ScanEntry
	BatchID  string `db:"batch_id"`
	ScanDate string `db:"scan_date"`
}

const recordColumns = `code, name, stage, price, moving_average, trend_strength, volume_ratio,
	weeks_in_advancing, breakout_confirmed, batch_id, scan_date`

func (s *SQLStore) Query(ctx context.Context, q Query) ([]model.ScanRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if !q.Start.IsZero() {
		where = append(where, "scan_date >= ?")
		args = append(args, dayString(q.Start))
	}
	if !q.End.IsZero() {
		where = append(where, "scan_date <= ?")
		args = append(args, dayString(q.End))
	}
	if q.Code != "" {
		where = append(where, "code = ?")
		args = append(args, q.Code)
	}
	query := "SELECT " + recordColumns + " FROM scan_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scan_date DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return toRecords(rows), nil
}

func toRecords(rows []recordRow) []model.ScanRecord {
	out := make([]model.ScanRecord, len(rows))
	for i, r := range rows {
		out[i] = model.ScanRecord{ScanEntry: r.ScanEntry, BatchID: r.BatchID, ScanDate: parseDay(r.ScanDate)}
	}
	return out
}

type batchRow struct {
	BatchID     string `db:"batch_id"`
	ScanDate    string `db:"scan_date"`
	CreatedAt   int64  `db:"created_at"`
	Universe    int    `db:"universe"`
	Eligible    int    `db:"eligible"`
	Evaluated   int    `db:"evaluated"`
	Advancing   int    `db:"advancing"`
	StageCounts string `db:"stage_counts"`
	Errors      string `db:"errors"`
	DurationMs  int64  `db:"duration_ms"`
	Filter      string `db:"filter"`
}

const batchColumns = `batch_id, scan_date, created_at, universe, eligible, evaluated, advancing,
	stage_counts, errors, duration_ms, filter`

func (r batchRow) snapshot() model.ScanSnapshot {
	snap := model.ScanSnapshot{
		BatchID:   r.BatchID,
		ScanDate:  parseDay(r.ScanDate),
		CreatedAt: time.Unix(r.CreatedAt, 0),
		Stats: model.ScanStats{
			Universe:  r.Universe,
			Eligible:  r.Eligible,
			Evaluated: r.Evaluated,
			Advancing: r.Advancing,
			Duration:  time.Duration(r.DurationMs) * time.Millisecond,
		},
	}
	if err := json.Unmarshal([]byte(r.StageCounts), &snap.Stats.StageCounts); err != nil && r.StageCounts != "" {
		log.Warn().Err(err).Str("batch", r.BatchID).Msg("decode stage counts")
	}
	if err := json.Unmarshal([]byte(r.Errors), &snap.Stats.Errors); err != nil && r.Errors != "" {
		log.Warn().Err(err).Str("batch", r.BatchID).Msg("decode error tally")
	}
	if err := json.Unmarshal([]byte(r.Filter), &snap.Filter); err != nil && r.Filter != "" {
		log.Warn().Err(err).Str("batch", r.BatchID).Msg("decode scan filter")
	}
	return snap
}

func (s *SQLStore) Batches(ctx context.Context, start, end time.Time, limit int) ([]model.ScanSnapshot, error) {
	var (
		where []string
		args  []interface{}
	)
	if !start.IsZero() {
		where = append(where, "scan_date >= ?")
		args = append(args, dayString(start))
	}
	if !end.IsZero() {
		where = append(where, "scan_date <= ?")
		args = append(args, dayString(end))
	}
	query := "SELECT " + batchColumns + " FROM scan_batches"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scan_date DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	out := make([]model.ScanSnapshot, len(rows))
	for i, r := range rows {
		out[i] = r.snapshot()
	}
	return out, nil
}

func (s *SQLStore) Latest(ctx context.Context) (*model.ScanSnapshot, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+batchColumns+" FROM scan_batches ORDER BY scan_date DESC, id DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest batch: %w", err)
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT "+recordColumns+" FROM scan_records WHERE batch_id = ? ORDER BY trend_strength DESC, code ASC"),
		row.BatchID); err != nil {
		return nil, fmt.Errorf("latest records: %w", err)
	}

	snap := row.snapshot()
	snap.Entries = make([]model.ScanEntry, len(rows))
	for i, r := range rows {
		snap.Entries[i] = r.ScanEntry
	}
	return &snap, nil
}

type persistentRow struct {
	Code                 string  `db:"code"`
	Name                 string  `db:"name"`
	AppearanceCount      int     `db:"appearance_count"`
	AveragePrice         float64 `db:"average_price"`
	AverageTrendStrength float64 `db:"average_trend_strength"`
	LastSeen             string  `db:"last_seen"`
}

func (s *SQLStore) PersistentStocks(ctx context.Context, minDays, lookback int) ([]model.PersistentStock, error) {
	if minDays <= 0 {
		minDays = 1
	}
	var dates []string
	if err := s.db.SelectContext(ctx, &dates,
		"SELECT DISTINCT scan_date FROM scan_batches ORDER BY scan_date DESC"); err != nil {
		return nil, fmt.Errorf("scan dates: %w", err)
	}
	from, ok := windowStart(dates, lookback)
	if !ok {
		return nil, nil
	}

	var rows []persistentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT
			code,
			MAX(name) AS name,
			COUNT(DISTINCT scan_date) AS appearance_count,
			AVG(price) AS average_price,
			AVG(trend_strength) AS average_trend_strength,
			MAX(scan_date) AS last_seen
		FROM scan_records
		WHERE stage = ? AND scan_date >= ?
		GROUP BY code
		HAVING COUNT(DISTINCT scan_date) >= ?`),
		string(model.StageAdvancing), from, minDays); err != nil {
		return nil, fmt.Errorf("persistent stocks: %w", err)
	}

	out := make([]model.PersistentStock, len(rows))
	for i, r := range rows {
		out[i] = model.PersistentStock{
			Code:                 r.Code,
			Name:                 r.Name,
			AppearanceCount:      r.AppearanceCount,
			AveragePrice:         r.AveragePrice,
			AverageTrendStrength: r.AverageTrendStrength,
			LastSeen:             parseDay(r.LastSeen),
		}
	}
	sortPersistent(out)
	return out, nil
}

type continuityRow struct {
	Code             string `db:"code"`
	Stage            string `db:"stage"`
	Direction        string `db:"direction"`
	WeeksInAdvancing int    `db:"weeks_in_advancing"`
	BarTime          int64  `db:"bar_time"`
}

func (s *SQLStore) LoadContinuity(ctx context.Context, codes []string) (map[string]model.Continuity, error) {
	query := "SELECT code, stage, direction, weeks_in_advancing, bar_time FROM stage_continuity"
	var args []interface{}
	if len(codes) > 0 {
		q, a, err := sqlx.In(query+" WHERE code IN (?)", codes)
		if err != nil {
			return nil, fmt.Errorf("build continuity query: %w", err)
		}
		query, args = q, a
	}

	var rows []continuityRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load continuity: %w", err)
	}
	out := make(map[string]model.Continuity, len(rows))
	for _, r := range rows {
		out[r.Code] = model.Continuity{
			Code:             r.Code,
			Stage:            model.Stage(r.Stage),
			Direction:        model.Direction(r.Direction),
			WeeksInAdvancing: r.WeeksInAdvancing,
			BarTime:          time.Unix(r.BarTime, 0),
		}
	}
	return out, nil
}

func (s *SQLStore) SaveContinuity(ctx context.Context, records []model.Continuity) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin continuity: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO stage_continuity
		(code, stage, direction, weeks_in_advancing, bar_time, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (code) DO UPDATE SET
			stage = excluded.stage,
			direction = excluded.direction,
			weeks_in_advancing = excluded.weeks_in_advancing,
			bar_time = excluded.bar_time,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("prepare continuity upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Code, string(r.Stage), string(r.Direction),
			r.WeeksInAdvancing, r.BarTime.Unix(), now); err != nil {
			return fmt.Errorf("save continuity %s: %w", r.Code, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error {
	log.Info().Str("driver", s.driver).Msg("closing history store")
	return s.db.Close()
}
