package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestBoardCountersRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	board := NewBoard(provider.Meter("test"))
	ctx := context.Background()

	board.Transition(ctx, "applied")
	board.Transition(ctx, "applied")
	board.Transition(ctx, "illegal")
	board.Commit(ctx, false)
	board.FallbackWrite(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, m.Name)
			for _, point := range sum.DataPoints {
				totals[m.Name] += point.Value
			}
		}
	}
	assert.Equal(t, int64(3), totals["cardflow.board.transitions"])
	assert.Equal(t, int64(1), totals["cardflow.board.commits"])
	assert.Equal(t, int64(1), totals["cardflow.board.fallback_writes"])
}

func TestNilBoardIsNoop(t *testing.T) {
	var board *Board
	ctx := context.Background()
	board.Transition(ctx, "applied")
	board.Commit(ctx, true)
	board.Rollback(ctx)
	board.Reconcile(ctx, true)
	board.Divergence(ctx)
	board.FallbackWrite(ctx)
	board.NotificationSent(ctx, "mention")
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), false, "cardflow-api", "test"))
	NewBoard(Meter("")).Transition(context.Background(), "applied")
	Shutdown(context.Background())
}
