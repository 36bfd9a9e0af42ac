// Package diag carries the pipeline's timestamped decision log. Recorders
// observe; they never feed back into control flow.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Event kinds.
const (
	KindState      = "state"
	KindWindow     = "window"
	KindAccepted   = "accepted"
	KindRejected   = "rejected"
	KindArtifact   = "artifact"
	KindError      = "error"
	KindRestart    = "restart"
	KindClear      = "clear"
	KindRepetition = "repetition"
)

type Event struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// Recorder receives diagnostic events. Implementations must not block for
// long and must be safe for concurrent use.
type Recorder interface {
	Record(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) {}

// LogRecorder writes events to a structured logger at debug level, errors at
// warn.
type LogRecorder struct {
	log *slog.Logger
}

func NewLogRecorder(log *slog.Logger) *LogRecorder {
	return &LogRecorder{log: log.With(slog.String("component", "diagnostics"))}
}

func (r *LogRecorder) Record(evt Event) {
	level := slog.LevelDebug
	if evt.Kind == KindError || evt.Kind == KindRestart {
		level = slog.LevelWarn
	}
	r.log.Log(context.Background(), level, evt.Message,
		slog.String("kind", evt.Kind),
		slog.String("session_id", evt.SessionID),
		slog.Time("at", evt.Time))
}

// Ring keeps the most recent events in memory.
type Ring struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{events: make([]Event, size)}
}

func (r *Ring) Record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = evt
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the retained events, oldest first.
func (r *Ring) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.events[:r.next]...)
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

// Multi fans an event out to several recorders.
type Multi []Recorder

func (m Multi) Record(evt Event) {
	for _, r := range m {
		if r != nil {
			r.Record(evt)
		}
	}
}

// BusRecorder publishes events on a NATS subject.
type BusRecorder struct {
	bus     *bus.Client
	subject string
}

func NewBusRecorder(client *bus.Client, subject string) *BusRecorder {
	if subject == "" {
		subject = protocol.SubjectDiagnostics
	}
	return &BusRecorder{bus: client, subject: subject}
}

func (r *BusRecorder) Record(evt Event) {
	err := r.bus.PublishJSON(r.subject, protocol.Diagnostic{
		SessionID: evt.SessionID,
		Kind:      evt.Kind,
		Message:   evt.Message,
		Timestamp: evt.Time,
	})
	if err != nil {
		r.bus.Logger().Debug("failed to publish diagnostic", slog.String("error", err.Error()))
	}
}
