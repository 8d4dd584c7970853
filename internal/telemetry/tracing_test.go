package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "fuel-price-crawler", Version: "test"}, exporter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer(tp).Start(context.Background(), "crawl.run")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "crawl.run", spans[0].Name)
	require.Equal(t, InstrumentationName, spans[0].InstrumentationLibrary.Name)
}

func TestTracerFallsBackToGlobalProvider(t *testing.T) {
	require.NotNil(t, Tracer(nil))
}
