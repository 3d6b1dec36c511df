// Package metrics records connection shutdown and stream admission measurements
// through OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ScopeName is the instrumentation scope used by Default.
const ScopeName = "example.com/h2drain"

// Instrument names.
const (
	ShutdownOutcomes    = "h2.shutdown.outcomes"
	ShutdownEscalations = "h2.shutdown.escalations"
	ShutdownDrainTime   = "h2.shutdown.drain_duration"
	GoAwaySent          = "h2.goaway.sent"
	StreamsRefused      = "h2.streams.refused"
	FramingErrors       = "h2.framing_errors"
)

// Recorder wraps the instruments. A nil *Recorder records nothing.
type Recorder struct {
	outcomes      metric.Int64Counter
	escalations   metric.Int64Counter
	goAwaySent    metric.Int64Counter
	refused       metric.Int64Counter
	framingErrors metric.Int64Counter
	drainTime     metric.Float64Histogram
}

// New creates every instrument on meter.
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error
	if r.outcomes, err = meter.Int64Counter(ShutdownOutcomes,
		metric.WithDescription("Connections that reached a terminal shutdown state, by state.")); err != nil {
		return nil, fmt.Errorf("creating %s: %w", ShutdownOutcomes, err)
	}
	if r.escalations, err = meter.Int64Counter(ShutdownEscalations,
		metric.WithDescription("Grace periods that expired with streams still open.")); err != nil {
		return nil, fmt.Errorf("creating %s: %w", ShutdownEscalations, err)
	}
	if r.goAwaySent, err = meter.Int64Counter(GoAwaySent,
		metric.WithDescription("GOAWAY frames written, by error code.")); err != nil {
		return nil, fmt.Errorf("creating %s: %w", GoAwaySent, err)
	}
	if r.refused, err = meter.Int64Counter(StreamsRefused,
		metric.WithDescription("Streams rejected at admission, by reason.")); err != nil {
		return nil, fmt.Errorf("creating %s: %w", StreamsRefused, err)
	}
	if r.framingErrors, err = meter.Int64Counter(FramingErrors,
		metric.WithDescription("Connections aborted because of malformed frames.")); err != nil {
		return nil, fmt.Errorf("creating %s: %w", FramingErrors, err)
	}
	if r.drainTime, err = meter.Float64Histogram(ShutdownDrainTime,
		metric.WithDescription("Time from shutdown start to terminal state."),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating %s: %w", ShutdownDrainTime, err)
	}
	return r, nil
}

// Default builds a Recorder on the global MeterProvider. When no provider has been
// installed the instruments are no-ops.
func Default() *Recorder {
	r, err := New(otel.Meter(ScopeName))
	if err != nil {
		return Noop()
	}
	return r
}

// Provider is an SDK MeterProvider read on demand. The server pulls its totals
// at exit and logs them; hosts that want continuous export install their own
// provider and use Default.
type Provider struct {
	mp     *sdkmetric.MeterProvider
	reader *sdkmetric.ManualReader
}

// NewProvider creates an SDK MeterProvider backed by a manual reader and
// installs it as the global provider.
func NewProvider() *Provider {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp, reader: reader}
}

// Recorder returns a Recorder on the provider's meter.
func (p *Provider) Recorder() (*Recorder, error) {
	return New(p.mp.Meter(ScopeName))
}

// Totals collects every instrument and returns, per instrument name, the sum of
// a counter across all attribute sets or the number of histogram observations.
func (p *Provider) Totals(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collecting metrics: %w", err)
	}
	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return totals, nil
}

// Shutdown releases the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

// Noop returns a Recorder backed by the no-op meter.
func Noop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter(ScopeName))
	return r
}

// ShutdownFinished records a terminal state and how long the shutdown took.
// A zero elapsed means shutdown was never started (transport loss while running).
func (r *Recorder) ShutdownFinished(ctx context.Context, state string, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	r.outcomes.Add(ctx, 1, attrs)
	if elapsed > 0 {
		r.drainTime.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// Escalated records a grace period that expired with open streams.
func (r *Recorder) Escalated(ctx context.Context, openStreams int) {
	if r == nil {
		return
	}
	r.escalations.Add(ctx, 1, metric.WithAttributes(attribute.Int("open_streams", openStreams)))
}

// GoAwayWritten records one GOAWAY frame written to the peer.
func (r *Recorder) GoAwayWritten(ctx context.Context, code string) {
	if r == nil {
		return
	}
	r.goAwaySent.Add(ctx, 1, metric.WithAttributes(attribute.String("error_code", code)))
}

// StreamRefused records a rejected stream.
func (r *Recorder) StreamRefused(ctx context.Context, reason string) {
	if r == nil {
		return
	}
	r.refused.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// FramingError records a connection aborted for a framing violation.
func (r *Recorder) FramingError(ctx context.Context, code string) {
	if r == nil {
		return
	}
	r.framingErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error_code", code)))
}
