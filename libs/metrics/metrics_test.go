package metrics

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestConcurrentIncrementsAreExact(t *testing.T) {
	Init(nil)
	t.Cleanup(Reset)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Inc(context.Background(), RelayDelivered)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 5000, Value(RelayDelivered))

	Reset()
	require.Zero(t, Value(RelayDelivered))
	require.Empty(t, Snapshot())
}

func TestMirrorsToOTel(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	Init(provider.Meter("test"))
	t.Cleanup(func() { Init(nil) })

	Add(context.Background(), RelayParked, 3, attribute.String("tier", "REVIEW_REQUIRED"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	m := rm.ScopeMetrics[0].Metrics[0]
	require.Equal(t, "tenantflow."+RelayParked, m.Name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.EqualValues(t, 3, sum.DataPoints[0].Value)

	require.Equal(t, []Sample{{Name: RelayParked, Value: 3}}, Snapshot())
}
