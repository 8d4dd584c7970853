package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fuel-price-crawler/internal/clock/system"
	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/detector"
	"github.com/JakeFAU/fuel-price-crawler/internal/storage"
)

var now = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

var recordColumns = []string{"id", "station_id", "fuel_type", "raw_descriptor", "price", "changed_at", "detected_at", "run_id"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, system.NewManual(now))
	require.NoError(t, err)
	return store, mock
}

func TestDetectBootstrapInsideAdvisoryLock(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	key := crawler.PriceKey{StationID: "PL/1001", FuelType: crawler.FuelRegular}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("PL/1001/regular").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM price_changes").
		WithArgs("PL/1001", "regular").
		WillReturnRows(pgxmock.NewRows(recordColumns))
	mock.ExpectQuery("INSERT INTO price_changes").
		WithArgs("PL/1001", "regular", "Gasolina Regular", "22.5", now, now, "run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(41)))
	mock.ExpectCommit()

	d := detector.New(store, system.NewManual(now))
	dec, err := d.Detect(context.Background(), "run-1", crawler.PriceObservation{
		Station:       crawler.Station{PermitNumber: key.StationID},
		FuelType:      key.FuelType,
		RawDescriptor: "Gasolina Regular",
		Price:         decimal.RequireFromString("22.50"),
	})
	require.NoError(t, err)
	require.True(t, dec.Bootstrap)
	require.EqualValues(t, 41, dec.Record.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectUnchangedPriceSkipsInsert(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("PL/1001/diesel").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM price_changes").
		WithArgs("PL/1001", "diesel").
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow(int64(7), "PL/1001", "diesel", "Diésel", "23.100", now.Add(-time.Hour), now.Add(-time.Hour), "run-0"))
	mock.ExpectCommit()

	d := detector.New(store, system.NewManual(now))
	dec, err := d.Detect(context.Background(), "run-1", crawler.PriceObservation{
		Station:       crawler.Station{PermitNumber: "PL/1001"},
		FuelType:      crawler.FuelDiesel,
		RawDescriptor: "Diésel",
		Price:         decimal.RequireFromString("23.1"),
	})
	require.NoError(t, err)
	require.False(t, dec.Changed)
	require.EqualValues(t, 7, dec.Previous.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithKeyRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("PL/9/premium").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	err := store.WithKey(context.Background(), crawler.PriceKey{StationID: "PL/9", FuelType: crawler.FuelPremium},
		func(context.Context, crawler.Ledger) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryAscending(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("ORDER BY changed_at ASC").
		WithArgs("PL/1", "premium").
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow(int64(1), "PL/1", "premium", "Premium", "24.50", now, now, "run-1").
			AddRow(int64(5), "PL/1", "premium", "Premium", "24.90", now.Add(time.Hour), now.Add(time.Hour), "run-2"))

	history, err := store.History(context.Background(), crawler.PriceKey{StationID: "PL/1", FuelType: crawler.FuelPremium})
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[1].Price.Equal(decimal.RequireFromString("24.9")))
	require.Equal(t, crawler.FuelPremium, history[0].FuelType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStation(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	st := crawler.Station{PermitNumber: "PL/1", Name: "Gas Uno", Address: "Av. 1", RegionID: "14", SubRegionID: "039", Active: true}
	mock.ExpectExec("INSERT INTO stations").
		WithArgs("PL/1", "Gas Uno", "Av. 1", "14", "039", "", true, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertStation(context.Background(), st))
	require.ErrorIs(t, store.UpsertStation(context.Background(), crawler.Station{}), crawler.ErrMalformedRecord)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginRunAcquiresLease(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	run := crawler.CrawlRun{ID: "run-1", StartedAt: now, Status: crawler.RunStatusRunning}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO scraper_lease").
		WithArgs(storage.LeaseName, "run-1", now, now.Add(time.Hour)).
		WillReturnRows(pgxmock.NewRows([]string{"run_id"}).AddRow("run-1"))
	mock.ExpectExec("UPDATE scraper_runs").
		WithArgs(now, storage.StaleRunErrorJSON(now)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("INSERT INTO scraper_runs").
		WithArgs("run-1", now, "running", []byte(`{"regions_processed":0,"subregions_processed":0,"stations_found":0,"changes_detected":0,"unmapped_descriptors":0,"malformed_entries":0}`), []byte(`[]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.BeginRun(context.Background(), run, time.Hour))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginRunLeaseHeld(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO scraper_lease").
		WithArgs(storage.LeaseName, "run-2", now, now.Add(time.Hour)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.BeginRun(context.Background(), crawler.CrawlRun{ID: "run-2", StartedAt: now}, time.Hour)
	require.ErrorIs(t, err, crawler.ErrRunActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunOnce(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	completed := now.Add(time.Minute)
	run := crawler.CrawlRun{ID: "run-1", StartedAt: now, CompletedAt: &completed, Status: crawler.RunStatusCompleted}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scraper_runs").
		WithArgs("run-1", "completed", &completed, pgxmock.AnyArg(), []byte(`[]`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE scraper_lease SET run_id = NULL").
		WithArgs(storage.LeaseName, "run-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scraper_runs").
		WithArgs("run-1", "completed", &completed, pgxmock.AnyArg(), []byte(`[]`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	require.NoError(t, store.FinishRun(context.Background(), run))
	require.ErrorIs(t, store.FinishRun(context.Background(), run), crawler.ErrRunFinalized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExtendLease(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE scraper_lease SET expires_at").
		WithArgs(storage.LeaseName, "run-1", now.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE scraper_lease SET expires_at").
		WithArgs(storage.LeaseName, "gone", now.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.ExtendLease(context.Background(), "run-1", time.Hour))
	require.ErrorIs(t, store.ExtendLease(context.Background(), "gone", time.Hour), crawler.ErrRunFinalized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAndListRuns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	columns := []string{"id", "started_at", "completed_at", "status", "counters", "errors"}
	completed := now.Add(time.Minute)

	mock.ExpectQuery("FROM scraper_runs WHERE id").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"run-1", now, &completed, "completed",
			[]byte(`{"changes_detected":2}`),
			[]byte(`[{"scope":"subregion","region_id":"14","subregion_id":"039","kind":"transient","message":"timeout","at":"2024-03-01T08:00:30Z"}]`),
		))
	mock.ExpectQuery("FROM scraper_runs WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(columns))
	mock.ExpectQuery("ORDER BY started_at DESC").
		WithArgs(storage.DefaultListLimit).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("run-2", now.Add(time.Hour), nil, "running", []byte(`{}`), []byte(`[]`)).
			AddRow("run-1", now, &completed, "completed", []byte(`{}`), []byte(`[]`)))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusCompleted, run.Status)
	require.EqualValues(t, 2, run.Counters.ChangesDetected)
	require.Len(t, run.Errors, 1)
	require.Equal(t, crawler.ScopeSubRegion, run.Errors[0].Scope)
	require.Equal(t, completed, *run.CompletedAt)

	_, err = store.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Nil(t, runs[0].CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.Contains(t, Schema(), "scraper_lease")
	require.NoError(t, mock.ExpectationsWereMet())
}
