package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogExporterWritesSpans(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewLogExporter(zap.New(core))))
	tracer := tp.Tracer("test")

	ctx, parent := tracer.Start(context.Background(), "process_url")
	_, child := tracer.Start(ctx, "tier_attempt")
	child.SetAttributes(attribute.String("tier", "direct"))
	child.End()
	parent.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	entries := logs.FilterMessage("span").All()
	require.Len(t, entries, 2)
	first := entries[0].ContextMap()
	require.Equal(t, "tier_attempt", first["span"])
	require.Equal(t, "direct", first["tier"])
	require.Contains(t, first, "parent_id")
	require.NotContains(t, entries[1].ContextMap(), "parent_id")
}

// Not parallel: InitTracerProvider replaces the global provider.
func TestInitTracerProviderInstallsGlobal(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tp, err := InitTracerProvider(context.Background(), Config{Enabled: true, ServiceName: "refcrawler-test"}, zap.New(core))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "run")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
	require.Equal(t, 1, logs.FilterMessage("span").Len())
}

func TestInitTracerProviderDisabledExportsNothing(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tp, err := InitTracerProvider(context.Background(), Config{}, zap.New(core))
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "run")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
	require.Zero(t, logs.Len())
}
