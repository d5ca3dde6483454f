package circulation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOperationsAreTracedAndCounted(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	f := newFixture(t,
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
	)
	ctx := context.Background()
	ada, grace := f.member(t, "ada"), f.member(t, "grace")
	f.book(t, "1")

	loan := f.borrow(t, ada, "1")
	_, err := f.svc.Borrow(ctx, grace, "1")
	require.ErrorIs(t, err, ErrBookNotAvailable)
	_, err = f.svc.ReturnLoan(ctx, ada, loan.ID)
	require.NoError(t, err)

	ended := spans.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "circulation.borrow", ended[0].Name())
	assert.Equal(t, "circulation.return", ended[2].Name())
	assert.Contains(t, ended[1].Attributes(), attribute.String("result", "BOOK_NOT_AVAILABLE"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "lms.circulation.operations" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value("operation")
				res, _ := dp.Attributes.Value("result")
				counts[op.AsString()+"/"+res.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		"borrow/OK":                 1,
		"borrow/BOOK_NOT_AVAILABLE": 1,
		"return/OK":                 1,
	}, counts)
}
