package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fuel-price-crawler/internal/clock/system"
	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/detector"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, *system.Manual) {
	t.Helper()
	clk := system.NewManual(t0)
	s, err := Open(context.Background(), ":memory:", clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func station(id string) crawler.Station {
	return crawler.Station{PermitNumber: id, Name: "Gas " + id, Address: "Av. 1", RegionID: "14", SubRegionID: "039", Active: true}
}

func obs(id string, ft crawler.FuelType, price string) crawler.PriceObservation {
	return crawler.PriceObservation{Station: station(id), FuelType: ft, RawDescriptor: string(ft), Price: decimal.RequireFromString(price)}
}

func TestThreeRunScenarioPersistsTwoRecords(t *testing.T) {
	t.Parallel()

	s, clk := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertStation(ctx, station("PL/1")))
	d := detector.New(s, clk)

	for i, price := range []string{"22.50", "22.50", "22.80"} {
		_, err := d.Detect(ctx, "run-"+string(rune('1'+i)), obs("PL/1", crawler.FuelRegular, price))
		require.NoError(t, err)
		clk.Advance(time.Hour)
	}

	history, err := s.History(ctx, crawler.PriceKey{StationID: "PL/1", FuelType: crawler.FuelRegular})
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].Price.Equal(decimal.RequireFromString("22.50")))
	require.Equal(t, t0, history[0].ChangedAt)
	require.True(t, history[1].Price.Equal(decimal.RequireFromString("22.80")))
	require.Equal(t, t0.Add(2*time.Hour), history[1].ChangedAt)
	require.Equal(t, "run-3", history[1].RunID)
	require.Greater(t, history[1].ID, history[0].ID)

	latest, err := s.GetLatest(ctx, crawler.PriceKey{StationID: "PL/1", FuelType: crawler.FuelRegular})
	require.NoError(t, err)
	require.Equal(t, history[1].ID, latest.ID)
}

func TestConcurrentDetectAppendsOnce(t *testing.T) {
	t.Parallel()

	s, clk := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertStation(ctx, station("PL/2")))
	d := detector.New(s, clk)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Detect(ctx, "run-1", obs("PL/2", crawler.FuelDiesel, "23.10"))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := s.History(ctx, crawler.PriceKey{StationID: "PL/2", FuelType: crawler.FuelDiesel})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestPriceChangesRequireStation(t *testing.T) {
	t.Parallel()

	s, clk := openTestStore(t)
	_, err := detector.New(s, clk).Detect(context.Background(), "run-1", obs("PL/unknown", crawler.FuelPremium, "25.00"))
	require.Error(t, err)

	latest, err := s.GetLatest(context.Background(), crawler.PriceKey{StationID: "PL/unknown", FuelType: crawler.FuelPremium})
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	s, clk := openTestStore(t)
	ctx := context.Background()

	run := crawler.CrawlRun{ID: "run-1", StartedAt: t0, Status: crawler.RunStatusRunning}
	require.NoError(t, s.BeginRun(ctx, run, time.Hour))
	require.ErrorIs(t, s.BeginRun(ctx, crawler.CrawlRun{ID: "run-2", StartedAt: t0}, time.Hour), crawler.ErrRunActive)
	require.NoError(t, s.ExtendLease(ctx, "run-1", time.Hour))

	clk.Advance(10 * time.Minute)
	completed := clk.Now()
	run.Status = crawler.RunStatusCompleted
	run.CompletedAt = &completed
	run.Counters = crawler.RunCounters{RegionsProcessed: 2, SubRegionsProcessed: 9, StationsFound: 40, ChangesDetected: 3}
	run.Errors = []crawler.RunError{{Scope: crawler.ScopeSubRegion, RegionID: "14", SubRegionID: "039", Kind: crawler.KindTransient, Message: "timeout", At: t0.Add(time.Minute)}}
	require.NoError(t, s.FinishRun(ctx, run))
	require.ErrorIs(t, s.FinishRun(ctx, run), crawler.ErrRunFinalized)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(run, got); diff != "" {
		t.Fatalf("GetRun mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.BeginRun(ctx, crawler.CrawlRun{ID: "run-2", StartedAt: clk.Now()}, time.Hour))
	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].ID)
	require.Equal(t, crawler.RunStatusRunning, runs[0].Status)

	_, err = s.GetRun(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestExpiredLeaseFailsStaleRun(t *testing.T) {
	t.Parallel()

	s, clk := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BeginRun(ctx, crawler.CrawlRun{ID: "crashed", StartedAt: t0}, time.Minute))
	clk.Advance(5 * time.Minute)
	require.NoError(t, s.BeginRun(ctx, crawler.CrawlRun{ID: "next", StartedAt: clk.Now()}, time.Minute))

	stale, err := s.GetRun(ctx, "crashed")
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusFailed, stale.Status)
	require.Len(t, stale.Errors, 1)
	require.Equal(t, crawler.KindAborted, stale.Errors[0].Kind)
	require.ErrorIs(t, s.ExtendLease(ctx, "crashed", time.Minute), crawler.ErrRunFinalized)
}

func TestUpsertStationIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	ctx := context.Background()
	st := station("PL/3")
	require.NoError(t, s.UpsertStation(ctx, st))
	st.Name = "Renamed"
	require.NoError(t, s.UpsertStation(ctx, st))

	var name string
	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT name, (SELECT COUNT(*) FROM stations) FROM stations WHERE permit_number = ?`, "PL/3").Scan(&name, &count))
	require.Equal(t, "Renamed", name)
	require.Equal(t, 1, count)
}

func TestOpenFileDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crawler.db")
	s, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	// Re-opening applies the schema again without error.
	s, err = Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
