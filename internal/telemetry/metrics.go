package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-scribe"

// Skip reasons for WindowsSkipped.
const (
	SkipBusy      = "busy"
	SkipTooShort  = "too_short"
	SkipArtifact  = "artifact"
	SkipEmptyText = "empty"
)

// Restart outcomes for Restarts.
const (
	RestartScheduled = "scheduled"
	RestartResumed   = "resumed"
	RestartFailed    = "failed"
	RestartCancelled = "cancelled"
)

// Metrics holds the pipeline's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// WindowsSubmitted counts windows handed to the recognizer.
	WindowsSubmitted metric.Int64Counter

	// WindowsSkipped counts flush ticks that produced no recognizer call or
	// no usable text. Attribute: reason.
	WindowsSkipped metric.Int64Counter

	// Candidates counts dedup decisions. Attribute: decision.
	Candidates metric.Int64Counter

	RecognizerErrors metric.Int64Counter

	// Restarts counts capture restarts. Attribute: outcome.
	Restarts metric.Int64Counter

	// RecognizerDuration tracks recognizer call latency in seconds.
	RecognizerDuration metric.Float64Histogram

	BufferClears metric.Int64Counter
}

// Recognizer calls on CPU routinely take seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 45,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.WindowsSubmitted, err = m.Int64Counter("scribe.windows.submitted",
		metric.WithDescription("Audio windows submitted to the recognizer."),
	); err != nil {
		return nil, err
	}
	if met.WindowsSkipped, err = m.Int64Counter("scribe.windows.skipped",
		metric.WithDescription("Flush ticks skipped or discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.Candidates, err = m.Int64Counter("scribe.candidates",
		metric.WithDescription("Transcript candidates by dedup decision."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerErrors, err = m.Int64Counter("scribe.recognizer.errors",
		metric.WithDescription("Failed recognizer invocations."),
	); err != nil {
		return nil, err
	}
	if met.Restarts, err = m.Int64Counter("scribe.restarts",
		metric.WithDescription("Capture restarts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerDuration, err = m.Float64Histogram("scribe.recognizer.duration",
		metric.WithDescription("Latency of recognizer invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BufferClears, err = m.Int64Counter("scribe.buffer.clears",
		metric.WithDescription("Ingest buffer resets caused by repetition loops."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) RecordSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.WindowsSubmitted.Add(ctx, 1)
}

func (m *Metrics) RecordSkipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.WindowsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordCandidate(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.Candidates.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordRecognizerCall records the latency of one call and, when it failed,
// bumps the error counter.
func (m *Metrics) RecordRecognizerCall(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RecognizerDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.RecognizerErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordRestart(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordBufferClear(ctx context.Context) {
	if m == nil {
		return
	}
	m.BufferClears.Add(ctx, 1)
}
