package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecordRunLifecycle(t *testing.T) {
	t.Parallel()

	c, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	c.RunStarted()
	require.Equal(t, 1.0, testutil.ToFloat64(c.runsActive))
	c.RunFinished("completed", 3*time.Second)

	require.Equal(t, 1.0, testutil.ToFloat64(c.runsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(c.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("completed")))
	require.Equal(t, 1, testutil.CollectAndCount(c.runDuration, "fuelcrawler_run_duration_seconds"))
}

func TestCollectorsCountObservations(t *testing.T) {
	t.Parallel()

	c, err := New(nil)
	require.NoError(t, err)

	c.ObserveChange("regular")
	c.ObserveChange("regular")
	c.ObserveUnmapped(3)
	c.ObserveUnmapped(0)
	c.ObserveMalformed(2)
	c.ObserveRetry("list_regions", "transient")
	c.ObserveSubRegion("failed")

	require.Equal(t, 2.0, testutil.ToFloat64(c.changes.WithLabelValues("regular")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.unmapped))
	require.Equal(t, 2.0, testutil.ToFloat64(c.malformed))
	require.Equal(t, 1.0, testutil.ToFloat64(c.upstreamRetries.WithLabelValues("list_regions", "transient")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.subRegions.WithLabelValues("failed")))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	t.Parallel()

	var c *Collectors
	require.NotPanics(t, func() {
		c.RunStarted()
		c.RunFinished("failed", time.Second)
		c.ObserveChange("diesel")
		c.ObserveWebhook("delivered")
		c.ObserveHTTPRequest(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	c, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	c.ObserveWebhook("delivered")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `fuelcrawler_webhook_deliveries_total{result="delivered"} 1`)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}
