package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type errorBody struct {
	Error string `json:"error"`
}

type transcriptBody struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

type sessionBody struct {
	ID        string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	State     string     `json:"state"`
	Events    int        `json:"events"`
}

type diagnosticBody struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.telemetry != nil && r.telemetry.Handler != nil {
		mux.Handle("/metrics", r.telemetry.Handler)
	}

	mux.HandleFunc("POST /v1/session/start", r.handleStart)
	mux.HandleFunc("POST /v1/session/stop", r.handleStop)
	mux.HandleFunc("POST /v1/session/clear", r.handleClear)
	mux.HandleFunc("POST /v1/session/flush", r.handleFlush)
	mux.HandleFunc("GET /v1/session", r.handleStatus)
	mux.HandleFunc("GET /v1/transcript", r.handleTranscript)
	mux.HandleFunc("GET /v1/diagnostics", r.handleDiagnostics)
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	if err := r.session.Start(req.Context()); err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.session.Status())
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	if err := r.session.Stop(req.Context()); err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.session.Status())
}

func (r *Runtime) handleClear(w http.ResponseWriter, _ *http.Request) {
	r.session.Clear()
	r.writeJSON(w, http.StatusOK, r.session.Status())
}

func (r *Runtime) handleFlush(w http.ResponseWriter, req *http.Request) {
	if err := r.session.Flush(req.Context()); err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.session.Status())
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.session.Status())
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, transcriptBody{
		SessionID: r.session.SessionID(),
		Text:      r.session.Transcript(),
	})
}

// handleDiagnostics serves the in-memory ring, or the persisted timeline of
// one session when ?session= is given.
func (r *Runtime) handleDiagnostics(w http.ResponseWriter, req *http.Request) {
	out := []diagnosticBody{}

	sessionID := req.URL.Query().Get("session")
	if sessionID == "" {
		for _, evt := range r.ring.Snapshot() {
			out = append(out, diagnosticBody{Time: evt.Time, SessionID: evt.SessionID, Kind: evt.Kind, Message: evt.Message})
		}
		r.writeJSON(w, http.StatusOK, out)
		return
	}

	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.store.Timeline(req.Context(), sessionID, limit)
	if err != nil {
		r.writeError(w, err)
		return
	}
	for _, evt := range events {
		out = append(out, diagnosticBody{Time: evt.CreatedAt, SessionID: evt.SessionID, Kind: evt.Kind, Message: evt.Message})
	}
	r.writeJSON(w, http.StatusOK, out)
}

// handleSessions lists the persisted sessions, most recent first.
func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.store.Sessions(req.Context(), limit)
	if err != nil {
		r.writeError(w, err)
		return
	}
	out := make([]sessionBody, 0, len(sessions))
	for _, sess := range sessions {
		body := sessionBody{ID: sess.ID, StartedAt: sess.StartedAt, State: sess.State, Events: sess.Events}
		if !sess.EndedAt.IsZero() {
			ended := sess.EndedAt
			body.EndedAt = &ended
		}
		out = append(out, body)
	}
	r.writeJSON(w, http.StatusOK, out)
}

func statusFor(err error) int {
	var recErr *stt.RecognizerError
	switch {
	case errors.As(err, &recErr):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(err, session.ErrAlreadyRecording),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, session.ErrStartAborted),
		errors.Is(err, stt.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		r.logger.Error("request failed", slog.String("error", err.Error()))
	}
	r.writeJSON(w, code, errorBody{Error: err.Error()})
}

func (r *Runtime) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}
