package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBusy is returned by Submit while another call is outstanding. The
// window is skipped, not queued.
var ErrBusy = errors.New("recognizer busy")

// RecognizerError wraps a failed recognizer invocation.
type RecognizerError struct {
	Err error
}

func (e *RecognizerError) Error() string {
	return fmt.Sprintf("recognizer invocation failed: %v", e.Err)
}

func (e *RecognizerError) Unwrap() error {
	return e.Err
}

// WindowConfig tunes a WindowManager.
type WindowConfig struct {
	SampleRate int
	Timeout    time.Duration
	Options    Options
}

// WindowManager serializes recognizer calls: at most one is in flight.
type WindowManager struct {
	recognizer Recognizer
	cfg        WindowConfig
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	log        *slog.Logger
	inflight   atomic.Bool
}

func NewWindowManager(r Recognizer, cfg WindowConfig, metrics *telemetry.Metrics, log *slog.Logger) *WindowManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Options == (Options{}) {
		cfg.Options = DefaultOptions
	}
	return &WindowManager{
		recognizer: r,
		cfg:        cfg,
		metrics:    metrics,
		tracer:     otel.Tracer("github.com/loqalabs/loqa-scribe/internal/stt"),
		log:        log.With(slog.String("component", "stt")),
	}
}

// Busy reports whether a call is in flight.
func (w *WindowManager) Busy() bool {
	return w.inflight.Load()
}

// Submit transcribes one window. The returned text is trimmed and may be
// empty. Failures are *RecognizerError; a concurrent call gets ErrBusy.
func (w *WindowManager) Submit(ctx context.Context, samples []float32) (string, error) {
	if !w.inflight.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer w.inflight.Store(false)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	seconds := 0.0
	if w.cfg.SampleRate > 0 {
		seconds = float64(len(samples)) / float64(w.cfg.SampleRate)
	}
	ctx, span := w.tracer.Start(ctx, "stt.transcribe",
		trace.WithAttributes(
			attribute.Int("samples", len(samples)),
			attribute.Float64("audio_seconds", seconds),
		))
	defer span.End()

	w.metrics.RecordSubmitted(ctx)
	start := time.Now()
	text, err := w.recognizer.Transcribe(ctx, samples, w.cfg.Options)
	elapsed := time.Since(start)
	w.metrics.RecordRecognizerCall(ctx, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.log.Warn("stt transcription failed",
			slog.Duration("elapsed", elapsed),
			slogError(err))
		return "", &RecognizerError{Err: err}
	}

	text = strings.TrimSpace(text)
	span.SetAttributes(attribute.Int("text_length", len(text)))
	w.log.Debug("stt transcription complete",
		slog.Duration("elapsed", elapsed),
		slog.Float64("audio_seconds", seconds),
		slog.Int("text_length", len(text)))
	return text, nil
}
