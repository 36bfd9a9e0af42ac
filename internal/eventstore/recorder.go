package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/diag"
)

// RuntimeSession holds events recorded outside any recording session.
const RuntimeSession = "runtime"

// Recorder persists diagnostic events. Write failures are logged and
// dropped.
type Recorder struct {
	store   *Store
	timeout time.Duration

	mu   sync.Mutex
	seen map[string]bool
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store, timeout: 2 * time.Second, seen: make(map[string]bool)}
}

func (r *Recorder) Record(evt diag.Event) {
	sessionID := evt.SessionID
	if sessionID == "" {
		sessionID = RuntimeSession
	}
	if evt.Time.IsZero() {
		evt.Time = r.store.clock()
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seen[sessionID] {
		if err := r.store.BeginSession(ctx, sessionID, evt.Time); err != nil {
			r.warn("failed to record session", err, slog.String("session_id", sessionID))
			return
		}
		r.seen[sessionID] = true
	}
	if evt.Kind == diag.KindState && sessionID != RuntimeSession {
		if err := r.store.MarkState(ctx, sessionID, evt.Message, evt.Time); err != nil {
			r.warn("failed to record session state", err, slog.String("session_id", sessionID))
		}
	}
	err := r.store.AppendEvent(ctx, Event{
		SessionID: sessionID,
		Kind:      evt.Kind,
		Message:   evt.Message,
		CreatedAt: evt.Time,
	})
	if err != nil {
		r.warn("failed to record event", err, slog.String("kind", evt.Kind))
	}
}

func (r *Recorder) warn(msg string, err error, attrs ...any) {
	r.store.log.Warn(msg, append(attrs, slog.String("error", err.Error()))...)
}
