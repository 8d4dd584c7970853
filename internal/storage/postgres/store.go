// Package postgres provides the Postgres-backed crawler.Store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/fuel-price-crawler/internal/clock/system"
	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by Migrate.
func Schema() string {
	return schemaSQL
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool  pool
	clock crawler.Clock
}

var _ crawler.Store = (*Store)(nil)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, clock: system.New()}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock crawler.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{pool: p, clock: clock}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const lockKeySQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

// WithKey runs fn inside a transaction holding an advisory lock on key, so
// concurrent writers of one series queue up behind each other.
func (s *Store) WithKey(ctx context.Context, key crawler.PriceKey, fn func(context.Context, crawler.Ledger) error) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockKeySQL, key.String()); err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		return fn(ctx, ledger{q: tx, key: key})
	})
	if err != nil {
		return fmt.Errorf("with key %s: %w", key, err)
	}
	return nil
}

// GetLatest returns the newest record for key, or nil.
func (s *Store) GetLatest(ctx context.Context, key crawler.PriceKey) (*crawler.PriceChangeRecord, error) {
	return latest(ctx, s.pool, key)
}

const historySQL = `
SELECT id, station_id, fuel_type, raw_descriptor, price::text, changed_at, detected_at, COALESCE(run_id, '')
FROM price_changes
WHERE station_id = $1 AND fuel_type = $2
ORDER BY changed_at ASC, id ASC`

// History returns the series for key ordered by changed-at ascending.
func (s *Store) History(ctx context.Context, key crawler.PriceKey) ([]crawler.PriceChangeRecord, error) {
	rows, err := s.pool.Query(ctx, historySQL, key.StationID, string(key.FuelType))
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

const upsertStationSQL = `
INSERT INTO stations (permit_number, name, address, region_id, subregion_id, brand, active, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
ON CONFLICT (permit_number) DO UPDATE SET
	name = EXCLUDED.name,
	address = EXCLUDED.address,
	region_id = EXCLUDED.region_id,
	subregion_id = EXCLUDED.subregion_id,
	brand = EXCLUDED.brand,
	active = EXCLUDED.active,
	updated_at = EXCLUDED.updated_at`

// UpsertStation inserts or replaces the station row.
func (s *Store) UpsertStation(ctx context.Context, st crawler.Station) error {
	if st.PermitNumber == "" {
		return fmt.Errorf("upsert station: %w: missing permit number", crawler.ErrMalformedRecord)
	}
	_, err := s.pool.Exec(ctx, upsertStationSQL,
		st.PermitNumber,
		st.Name,
		st.Address,
		st.RegionID,
		st.SubRegionID,
		st.Brand,
		st.Active,
		s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert station %s: %w", st.PermitNumber, err)
	}
	return nil
}

const (
	acquireLeaseSQL = `
INSERT INTO scraper_lease (name, run_id, acquired_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	acquired_at = EXCLUDED.acquired_at,
	expires_at = EXCLUDED.expires_at
WHERE scraper_lease.run_id IS NULL OR scraper_lease.expires_at < EXCLUDED.acquired_at
RETURNING run_id`

	failStaleRunsSQL = `
UPDATE scraper_runs
SET status = 'failed', completed_at = $1, errors = errors || $2::jsonb
WHERE status = 'running'`

	insertRunSQL = `
INSERT INTO scraper_runs (id, started_at, status, counters, errors)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)`

	extendLeaseSQL = `
UPDATE scraper_lease SET expires_at = $3
WHERE name = $1 AND run_id = $2`

	finishRunSQL = `
UPDATE scraper_runs
SET status = $2, completed_at = $3, counters = $4::jsonb, errors = $5::jsonb
WHERE id = $1 AND status = 'running'`

	releaseLeaseSQL = `
UPDATE scraper_lease SET run_id = NULL, expires_at = $3
WHERE name = $1 AND run_id = $2`

	selectRunSQL = `
SELECT id, started_at, completed_at, status, counters, errors
FROM scraper_runs`
)

// BeginRun acquires the lease row and inserts run. Runs still marked running
// belong to an expired holder and are failed in the same transaction.
func (s *Store) BeginRun(ctx context.Context, run crawler.CrawlRun, leaseTTL time.Duration) error {
	counters, errs, err := storage.EncodeRun(run)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", run.ID, err)
	}
	now := s.clock.Now()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var holder string
		err := tx.QueryRow(ctx, acquireLeaseSQL, storage.LeaseName, run.ID, now, now.Add(leaseTTL)).Scan(&holder)
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ErrRunActive
		}
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if _, err := tx.Exec(ctx, failStaleRunsSQL, now, storage.StaleRunErrorJSON(now)); err != nil {
			return fmt.Errorf("fail stale runs: %w", err)
		}
		if _, err := tx.Exec(ctx, insertRunSQL, run.ID, run.StartedAt, string(crawler.RunStatusRunning), counters, errs); err != nil {
			return fmt.Errorf("insert run %s: %w", run.ID, err)
		}
		return nil
	})
}

// ExtendLease pushes the lease expiry forward while runID holds it.
func (s *Store) ExtendLease(ctx context.Context, runID string, leaseTTL time.Duration) error {
	tag, err := s.pool.Exec(ctx, extendLeaseSQL, storage.LeaseName, runID, s.clock.Now().Add(leaseTTL))
	if err != nil {
		return fmt.Errorf("extend lease for %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
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
	now := s.clock.Now()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, finishRunSQL, run.ID, string(run.Status), run.CompletedAt, counters, errs)
		if err != nil {
			return fmt.Errorf("finish run %s: %w", run.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("finish run %s: %w", run.ID, crawler.ErrRunFinalized)
		}
		if _, err := tx.Exec(ctx, releaseLeaseSQL, storage.LeaseName, run.ID, now); err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		return nil
	})
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (crawler.CrawlRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, selectRunSQL+` WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlRun{}, fmt.Errorf("get run %s: %w", runID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlRun{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]crawler.CrawlRun, error) {
	rows, err := s.pool.Query(ctx, selectRunSQL+` ORDER BY started_at DESC, id DESC LIMIT $1`, storage.NormalizeLimit(limit))
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

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ledger struct {
	q   pgx.Tx
	key crawler.PriceKey
}

func (l ledger) GetLatest(ctx context.Context) (*crawler.PriceChangeRecord, error) {
	return latest(ctx, l.q, l.key)
}

const appendSQL = `
INSERT INTO price_changes (station_id, fuel_type, raw_descriptor, price, changed_at, detected_at, run_id)
VALUES ($1, $2, $3, $4::numeric, $5, $6, NULLIF($7, ''))
RETURNING id`

func (l ledger) Append(ctx context.Context, rec crawler.PriceChangeRecord) (crawler.PriceChangeRecord, error) {
	rec.StationID = l.key.StationID
	rec.FuelType = l.key.FuelType
	err := l.q.QueryRow(ctx, appendSQL,
		rec.StationID,
		string(rec.FuelType),
		rec.RawDescriptor,
		rec.Price.String(),
		rec.ChangedAt,
		rec.DetectedAt,
		rec.RunID,
	).Scan(&rec.ID)
	if err != nil {
		return crawler.PriceChangeRecord{}, fmt.Errorf("insert price change: %w", err)
	}
	return rec, nil
}

const latestSQL = `
SELECT id, station_id, fuel_type, raw_descriptor, price::text, changed_at, detected_at, COALESCE(run_id, '')
FROM price_changes
WHERE station_id = $1 AND fuel_type = $2
ORDER BY changed_at DESC, id DESC
LIMIT 1`

func latest(ctx context.Context, q querier, key crawler.PriceKey) (*crawler.PriceChangeRecord, error) {
	rec, err := scanRecord(q.QueryRow(ctx, latestSQL, key.StationID, string(key.FuelType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", key, err)
	}
	return &rec, nil
}

func scanRecord(row pgx.Row) (crawler.PriceChangeRecord, error) {
	var (
		rec      crawler.PriceChangeRecord
		fuelType string
		price    string
	)
	if err := row.Scan(&rec.ID, &rec.StationID, &fuelType, &rec.RawDescriptor, &price, &rec.ChangedAt, &rec.DetectedAt, &rec.RunID); err != nil {
		return crawler.PriceChangeRecord{}, err //nolint:wrapcheck
	}
	ft, err := crawler.ParseFuelType(fuelType)
	if err != nil {
		return crawler.PriceChangeRecord{}, err
	}
	rec.FuelType = ft
	if rec.Price, err = decimal.NewFromString(price); err != nil {
		return crawler.PriceChangeRecord{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	rec.ChangedAt = rec.ChangedAt.UTC()
	rec.DetectedAt = rec.DetectedAt.UTC()
	return rec, nil
}

func scanRun(row pgx.Row) (crawler.CrawlRun, error) {
	var (
		run         crawler.CrawlRun
		completedAt *time.Time
		status      string
		counters    []byte
		errs        []byte
	)
	if err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &status, &counters, &errs); err != nil {
		return crawler.CrawlRun{}, err //nolint:wrapcheck
	}
	run.StartedAt = run.StartedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		run.CompletedAt = &t
	}
	run.Status = crawler.RunStatus(status)
	if err := storage.DecodeRun(&run, counters, errs); err != nil {
		return crawler.CrawlRun{}, err
	}
	return run, nil
}
