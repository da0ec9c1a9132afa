package spreadsheet

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("go-spreadsheet.engine")
	meter  = otel.Meter("go-spreadsheet.engine")
)

var (
	// metadataInvalidations counts cache invalidations caused by metadata saves
	metadataInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadsheet_metadata_invalidations_total",
		Help: "Cell cache invalidations triggered by metadata saves, by action",
	}, []string{"action"})

	// labelResolutionMisses counts label lookups that produced no target
	labelResolutionMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadsheet_label_resolution_misses_total",
		Help: "Label resolutions that found no target, by reason",
	}, []string{"reason"})
)

var (
	passDuration   metric.Float64Histogram
	passTotal      metric.Int64Counter
	cellsEvaluated metric.Int64Counter
	cyclesDetected metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		passDuration, err = meter.Float64Histogram(
			"spreadsheet_recalculation_duration_seconds",
			metric.WithDescription("Duration of recalculation passes"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		passTotal, err = meter.Int64Counter(
			"spreadsheet_recalculation_total",
			metric.WithDescription("Total number of recalculation passes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cellsEvaluated, err = meter.Int64Counter(
			"spreadsheet_cells_evaluated_total",
			metric.WithDescription("Cells evaluated by recalculation passes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cyclesDetected, err = meter.Int64Counter(
			"spreadsheet_circular_references_total",
			metric.WithDescription("Cells found on a reference cycle"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordPassMetrics records one recalculation pass.
func recordPassMetrics(ctx context.Context, op string, duration time.Duration, evaluated, cycles int) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("operation", op))
	passDuration.Record(ctx, duration.Seconds(), attrs)
	passTotal.Add(ctx, 1, attrs)
	if evaluated > 0 {
		cellsEvaluated.Add(ctx, int64(evaluated), attrs)
	}
	if cycles > 0 {
		cyclesDetected.Add(ctx, int64(cycles), attrs)
	}
}

func startEngineSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine."+op, trace.WithAttributes(attrs...))
}

// endEngineSpan records the pass result on span and ends it.
func endEngineSpan(span trace.Span, delta *Delta, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if delta != nil {
		span.SetAttributes(
			attribute.Int("spreadsheet.cells", len(delta.Cells)),
			attribute.Int("spreadsheet.deleted_cells", len(delta.DeletedCells)),
		)
	}
	span.End()
}
