// Package sqlite provides a single-file crawler.Store on modernc.org/sqlite.
//
// The pool is limited to one connection. A transaction therefore owns the
// database until it ends, which is what serializes WithKey callers.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/fuel-price-crawler/internal/clock/system"
	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements crawler.Store on SQLite.
type Store struct {
	db    *sql.DB
	clock crawler.Clock
}

var _ crawler.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, clock crawler.Clock) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	if clock == nil {
		clock = system.New()
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db, clock: clock}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + pragmas
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// WithKey runs fn inside a transaction. With a single connection no other
// writer can interleave until it commits.
func (s *Store) WithKey(ctx context.Context, key crawler.PriceKey, fn func(context.Context, crawler.Ledger) error) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, ledger{tx: tx, key: key})
	})
	if err != nil {
		return fmt.Errorf("with key %s: %w", key, err)
	}
	return nil
}

const recordColumns = `id, station_id, fuel_type, raw_descriptor, price, changed_at, detected_at, COALESCE(run_id, '')`

const latestSQL = `SELECT ` + recordColumns + `
FROM price_changes
WHERE station_id = ? AND fuel_type = ?
ORDER BY changed_at DESC, id DESC
LIMIT 1`

// GetLatest returns the newest record for key, or nil.
func (s *Store) GetLatest(ctx context.Context, key crawler.PriceKey) (*crawler.PriceChangeRecord, error) {
	return latest(ctx, s.db, key)
}

// History returns the series for key ordered by changed-at ascending.
func (s *Store) History(ctx context.Context, key crawler.PriceKey) ([]crawler.PriceChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
FROM price_changes
WHERE station_id = ? AND fuel_type = ?
ORDER BY changed_at ASC, id ASC`, key.StationID, string(key.FuelType))
	if err != nil {
		return nil, fmt.Errorf("query history %s: %w", key, err)
	}
	defer rows.Close()

	var out []crawler.PriceChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history %s: %w", key, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history %s: %w", key, err)
	}
	return out, nil
}

// UpsertStation inserts or replaces the station row.
func (s *Store) UpsertStation(ctx context.Context, st crawler.Station) error {
	if st.PermitNumber == "" {
		return fmt.Errorf("upsert station: %w: missing permit number", crawler.ErrMalformedRecord)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stations (permit_number, name, address, region_id, subregion_id, brand, active, updated_at)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
ON CONFLICT (permit_number) DO UPDATE SET
	name = excluded.name,
	address = excluded.address,
	region_id = excluded.region_id,
	subregion_id = excluded.subregion_id,
	brand = excluded.brand,
	active = excluded.active,
	updated_at = excluded.updated_at`,
		st.PermitNumber, st.Name, st.Address, st.RegionID, st.SubRegionID, st.Brand, st.Active, formatTime(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert station %s: %w", st.PermitNumber, err)
	}
	return nil
}

// BeginRun acquires the lease row and inserts run.
func (s *Store) BeginRun(ctx context.Context, run crawler.CrawlRun, leaseTTL time.Duration) error {
	counters, errs, err := storage.EncodeRun(run)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", run.ID, err)
	}
	now := s.clock.Now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var holder string
		err := tx.QueryRowContext(ctx, `
INSERT INTO scraper_lease (name, run_id, acquired_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
	run_id = excluded.run_id,
	acquired_at = excluded.acquired_at,
	expires_at = excluded.expires_at
WHERE scraper_lease.run_id IS NULL OR scraper_lease.expires_at < excluded.acquired_at
RETURNING run_id`,
			storage.LeaseName, run.ID, formatTime(now), formatTime(now.Add(leaseTTL)),
		).Scan(&holder)
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.ErrRunActive
		}
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if err := failStaleRuns(ctx, tx, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO scraper_runs (id, started_at, status, counters, errors)
VALUES (?, ?, ?, ?, ?)`,
			run.ID, formatTime(run.StartedAt), string(crawler.RunStatusRunning), string(counters), string(errs),
		)
		if err != nil {
			return fmt.Errorf("insert run %s: %w", run.ID, err)
		}
		return nil
	})
}

func failStaleRuns(ctx context.Context, tx *sql.Tx, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, started_at, completed_at, status, counters, errors FROM scraper_runs WHERE status = 'running'`)
	if err != nil {
		return fmt.Errorf("select stale runs: %w", err)
	}
	var stale []crawler.CrawlRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan stale run: %w", err)
		}
		stale = append(stale, run)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close stale runs: %w", err)
	}
	for _, run := range stale {
		run.Errors = append(run.Errors, storage.StaleRunError(now))
		_, errs, err := storage.EncodeRun(run)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE scraper_runs SET status = 'failed', completed_at = ?, errors = ? WHERE id = ?`,
			formatTime(now), string(errs), run.ID); err != nil {
			return fmt.Errorf("fail stale run %s: %w", run.ID, err)
		}
	}
	return nil
}

// ExtendLease pushes the lease expiry forward while runID holds it.
func (s *Store) ExtendLease(ctx context.Context, runID string, leaseTTL time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scraper_lease SET expires_at = ? WHERE name = ? AND run_id = ?`,
		formatTime(s.clock.Now().Add(leaseTTL)), storage.LeaseName, runID)
	if err != nil {
		return fmt.Errorf("extend lease for %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("extend lease for %s: %w", runID, crawler.ErrRunFinalized)
	}
	return nil
}

// FinishRun writes the terminal state and releases the lease atomically.
func (s *Store) FinishRun(ctx context.Context, run crawler.CrawlRun) error {
	counters, errs, err := storage.EncodeRun(run)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	var completedAt any
	if run.CompletedAt != nil {
		completedAt = formatTime(*run.CompletedAt)
	}
	now := s.clock.Now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE scraper_runs SET status = ?, completed_at = ?, counters = ?, errors = ?
WHERE id = ? AND status = 'running'`,
			string(run.Status), completedAt, string(counters), string(errs), run.ID)
		if err != nil {
			return fmt.Errorf("finish run %s: %w", run.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("finish run %s: %w", run.ID, crawler.ErrRunFinalized)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE scraper_lease SET run_id = NULL, expires_at = ? WHERE name = ? AND run_id = ?`,
			formatTime(now), storage.LeaseName, run.ID); err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		return nil
	})
}

const selectRunSQL = `SELECT id, started_at, completed_at, status, counters, errors FROM scraper_runs`

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (crawler.CrawlRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunSQL+` WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CrawlRun{}, fmt.Errorf("get run %s: %w", runID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlRun{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]crawler.CrawlRun, error) {
	rows, err := s.db.QueryContext(ctx, selectRunSQL+` ORDER BY started_at DESC, id DESC LIMIT ?`, storage.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []crawler.CrawlRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type ledger struct {
	tx  *sql.Tx
	key crawler.PriceKey
}

func (l ledger) GetLatest(ctx context.Context) (*crawler.PriceChangeRecord, error) {
	return latest(ctx, l.tx, l.key)
}

func (l ledger) Append(ctx context.Context, rec crawler.PriceChangeRecord) (crawler.PriceChangeRecord, error) {
	rec.StationID = l.key.StationID
	rec.FuelType = l.key.FuelType
	var runID any
	if rec.RunID != "" {
		runID = rec.RunID
	}
	err := l.tx.QueryRowContext(ctx, `
INSERT INTO price_changes (station_id, fuel_type, raw_descriptor, price, changed_at, detected_at, run_id)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id`,
		rec.StationID, string(rec.FuelType), rec.RawDescriptor, rec.Price.String(),
		formatTime(rec.ChangedAt), formatTime(rec.DetectedAt), runID,
	).Scan(&rec.ID)
	if err != nil {
		return crawler.PriceChangeRecord{}, fmt.Errorf("insert price change: %w", err)
	}
	return rec, nil
}

func latest(ctx context.Context, q queryRower, key crawler.PriceKey) (*crawler.PriceChangeRecord, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, latestSQL, key.StationID, string(key.FuelType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", key, err)
	}
	return &rec, nil
}

func scanRecord(row scanner) (crawler.PriceChangeRecord, error) {
	var (
		rec                           crawler.PriceChangeRecord
		fuelType, price               string
		changedAt, detectedAt, runRef string
	)
	if err := row.Scan(&rec.ID, &rec.StationID, &fuelType, &rec.RawDescriptor, &price, &changedAt, &detectedAt, &runRef); err != nil {
		return crawler.PriceChangeRecord{}, err //nolint:wrapcheck
	}
	var err error
	if rec.FuelType, err = crawler.ParseFuelType(fuelType); err != nil {
		return crawler.PriceChangeRecord{}, err
	}
	if rec.Price, err = decimal.NewFromString(price); err != nil {
		return crawler.PriceChangeRecord{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	if rec.ChangedAt, err = parseTime(changedAt); err != nil {
		return crawler.PriceChangeRecord{}, err
	}
	if rec.DetectedAt, err = parseTime(detectedAt); err != nil {
		return crawler.PriceChangeRecord{}, err
	}
	rec.RunID = runRef
	return rec, nil
}

func scanRun(row scanner) (crawler.CrawlRun, error) {
	var (
		run                  crawler.CrawlRun
		startedAt, status    string
		completedAt          sql.NullString
		counters, errorsJSON string
	)
	if err := row.Scan(&run.ID, &startedAt, &completedAt, &status, &counters, &errorsJSON); err != nil {
		return crawler.CrawlRun{}, err //nolint:wrapcheck
	}
	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return crawler.CrawlRun{}, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return crawler.CrawlRun{}, err
		}
		run.CompletedAt = &t
	}
	run.Status = crawler.RunStatus(status)
	if err := storage.DecodeRun(&run, []byte(counters), []byte(errorsJSON)); err != nil {
		return crawler.CrawlRun{}, err
	}
	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
