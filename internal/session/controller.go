// Package session runs one live transcription session at a time: it owns the
// capture stream and ingest buffer, drives recognizer windows, and routes
// each candidate through the artifact filter, dedup engine and assembler.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/dedup"
	"github.com/loqalabs/loqa-scribe/internal/diag"
	"github.com/loqalabs/loqa-scribe/internal/filter"
	"github.com/loqalabs/loqa-scribe/internal/recovery"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/telemetry"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// Config tunes a Controller.
type Config struct {
	Buffer   audio.BufferConfig
	Recovery recovery.Config
	Window   stt.WindowConfig

	// StopFlushMin is how much audio must remain buffered for Stop to run
	// one last window. Default: 500ms.
	StopFlushMin time.Duration
}

// Deps are the controller's collaborators. Source and Recognizer may be nil;
// Start then fails its precondition check.
type Deps struct {
	Source     capture.Source
	Recognizer stt.Recognizer
	Sink       transcript.Sink
	Recorder   diag.Recorder
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Status is a point-in-time view of the controller.
type Status struct {
	State           string  `json:"state"`
	SessionID       string  `json:"session_id,omitempty"`
	BufferedSamples int     `json:"buffered_samples"`
	BufferedSeconds float64 `json:"buffered_seconds"`
	Inflight        bool    `json:"inflight"`
	Errors          int     `json:"consecutive_errors"`
	Streak          int     `json:"repetition_streak"`
	History         int     `json:"history"`
	TranscriptChars int     `json:"transcript_chars"`
	LastError       string  `json:"last_error,omitempty"`
}

// run is the per-session context shared by the capture callback and the
// flush goroutines it spawns.
type run struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	flushes sync.WaitGroup

	// retired is set once the run's dedup state has been reset. Results
	// that land afterwards are dropped.
	retired atomic.Bool
}

type Controller struct {
	cfg        Config
	source     capture.Source
	recognizer stt.Recognizer
	windows    *stt.WindowManager
	assembler  *transcript.Assembler
	dedup      *dedup.Engine
	supervisor *recovery.Supervisor
	recorder   diag.Recorder
	metrics    *telemetry.Metrics
	log        *slog.Logger

	mu      sync.Mutex
	state   State
	run     *run
	gen     uint64
	buffer  *audio.Buffer
	stream  capture.Stream
	restart *recovery.Task
	lastErr error
	// stopping is held by Stop until the stopped run is fully wound down.
	stopping bool

	// procMu makes filter, dedup and assembler updates atomic with Clear.
	procMu sync.Mutex
}

func New(cfg Config, deps Deps) *Controller {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.StopFlushMin <= 0 {
		cfg.StopFlushMin = 500 * time.Millisecond
	}
	if cfg.Window.SampleRate == 0 {
		cfg.Window.SampleRate = cfg.Buffer.SampleRate
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = diag.Nop{}
	}

	c := &Controller{
		cfg:        cfg,
		source:     deps.Source,
		recognizer: deps.Recognizer,
		assembler:  transcript.NewAssembler(deps.Sink),
		dedup:      dedup.New(),
		supervisor: recovery.New(cfg.Recovery, log),
		recorder:   recorder,
		metrics:    deps.Metrics,
		log:        log.With(slog.String("component", "session")),
	}
	if deps.Recognizer != nil {
		c.windows = stt.NewWindowManager(deps.Recognizer, cfg.Window, deps.Metrics, log)
	}
	return c
}

// Start acquires capture and begins a new session. Capability checks run
// before anything is allocated.
func (c *Controller) Start(ctx context.Context) error {
	if c.source == nil {
		return ErrNoCapture
	}
	if c.recognizer == nil {
		return ErrNoRecognizer
	}

	c.mu.Lock()
	if c.state.active() || c.stopping {
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{id: uuid.NewString(), ctx: runCtx, cancel: cancel}
	c.run = r
	c.gen++
	gen := c.gen
	c.buffer = audio.NewBuffer(c.cfg.Buffer)
	c.lastErr = nil
	c.supervisor.Reset()
	c.setState(Starting)
	c.mu.Unlock()
	c.recordState(r, Starting)

	stream, err := c.source.Open(runCtx, c.deliverFunc(r, gen))

	c.mu.Lock()
	if c.gen != gen || c.state != Starting {
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return ErrStartAborted
	}
	if err != nil {
		c.lastErr = err
		c.buffer = nil
		c.setState(Stopped)
		c.mu.Unlock()
		cancel()
		c.recordState(r, Stopped)
		c.recordFor(r, diag.KindError, err.Error())
		c.log.Error("failed to acquire capture", slogError(err))
		return fmt.Errorf("open capture: %w", err)
	}
	c.stream = stream
	c.setState(Recording)
	c.mu.Unlock()
	c.recordState(r, Recording)

	c.log.Info("session started", slog.String("session_id", r.id))
	return nil
}

// Stop ends the session: capture is released, a pending restart is
// cancelled, the in-flight window is awaited and the remaining audio gets
// one final window. Stop on an inactive controller is a no-op. Start is
// refused until Stop returns. When ctx ends first the in-flight window is
// cancelled and the remaining audio is dropped; dedup state is reset on
// every path.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.active() {
		c.mu.Unlock()
		return nil
	}
	r := c.run
	task := c.restart
	stream := c.stream
	buf := c.buffer
	c.restart = nil
	c.stream = nil
	c.buffer = nil
	c.gen++
	c.setState(Stopped)
	c.stopping = true
	c.mu.Unlock()
	c.recordState(r, Stopped)
	defer func() {
		c.mu.Lock()
		c.stopping = false
		c.mu.Unlock()
	}()

	if task.Cancel() {
		c.metrics.RecordRestart(r.ctx, telemetry.RestartCancelled)
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			c.log.Warn("failed to release capture", slogError(err))
		}
	}

	waited := make(chan struct{})
	go func() {
		r.flushes.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		r.cancel()
		c.retire(r)
		c.log.Warn("stop interrupted, remaining audio dropped", slog.String("session_id", r.id), slogError(ctx.Err()))
		return ctx.Err()
	}

	if buf != nil && buf.Duration() > c.cfg.StopFlushMin {
		if err := c.flush(r.ctx, r, buf, false); err != nil {
			c.log.Warn("final flush failed", slogError(err))
		}
	}
	r.cancel()
	c.retire(r)
	c.log.Info("session stopped", slog.String("session_id", r.id))
	return nil
}

// Clear wipes the transcript and the dedup history. Valid in any state.
func (c *Controller) Clear() {
	c.procMu.Lock()
	c.assembler.Clear()
	c.dedup.Reset()
	c.procMu.Unlock()
	c.record(diag.KindClear, "transcript cleared")
}

// Flush runs one window now instead of waiting for the cadence. It returns
// stt.ErrBusy when a window is already in flight.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	r := c.run
	buf := c.buffer
	r.flushes.Add(1)
	c.mu.Unlock()
	defer r.flushes.Done()

	flushCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return c.flush(flushCtx, r, buf, true)
}

// Transcript returns the accumulated transcript.
func (c *Controller) Transcript() string {
	return c.assembler.Text()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state.String()}
	if c.run != nil {
		st.SessionID = c.run.id
	}
	if c.buffer != nil {
		st.BufferedSamples = c.buffer.Len()
		st.BufferedSeconds = c.buffer.Duration().Seconds()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	if c.windows != nil {
		st.Inflight = c.windows.Busy()
	}
	st.Errors = c.supervisor.Errors()
	st.Streak = c.dedup.Streak()
	st.History = len(c.dedup.History())
	st.TranscriptChars = len(c.assembler.Text())
	return st
}

// SessionID returns the id of the current or most recent session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.id
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// deliverFunc is the capture callback for one stream. Blocks from a stream
// that was released or replaced are dropped. Blocks that arrive while Open
// is still returning are kept.
func (c *Controller) deliverFunc(r *run, gen uint64) func([]float32) {
	return func(samples []float32) {
		c.mu.Lock()
		if c.gen != gen || c.buffer == nil || !c.state.active() {
			c.mu.Unlock()
			return
		}
		buf := c.buffer
		due := buf.Push(samples)
		if due {
			r.flushes.Add(1)
		}
		c.mu.Unlock()

		if due {
			go func() {
				defer r.flushes.Done()
				if err := c.flush(r.ctx, r, buf, true); err != nil && !errors.Is(err, stt.ErrBusy) {
					c.log.Debug("window failed", slogError(err))
				}
			}()
		}
	}
}

// flush takes one window from buf, transcribes it and processes the text.
// supervise controls whether the outcome feeds the recovery supervisor.
func (c *Controller) flush(ctx context.Context, r *run, buf *audio.Buffer, supervise bool) error {
	window, ok := buf.Take()
	if !ok {
		c.metrics.RecordSkipped(ctx, telemetry.SkipTooShort)
		c.recordFor(r, diag.KindWindow, fmt.Sprintf("skipped: %s buffered, below minimum window", buf.Duration()))
		return nil
	}

	text, err := c.windows.Submit(ctx, window.Samples)
	switch {
	case errors.Is(err, stt.ErrBusy):
		c.metrics.RecordSkipped(ctx, telemetry.SkipBusy)
		c.recordFor(r, diag.KindWindow, "skipped: recognizer busy")
		c.log.Debug("window skipped, recognizer busy")
		return err
	case err != nil:
		c.recordFor(r, diag.KindError, err.Error())
		if supervise {
			c.handleFailure(r, err)
		}
		return err
	}

	if supervise {
		c.supervisor.Success()
	}
	c.process(ctx, r, text, buf)
	buf.Release(window)
	return nil
}

// retire resets dedup history and streak for a run that stopped recording.
// Later results from that run are dropped.
func (c *Controller) retire(r *run) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	if r.retired.Swap(true) {
		return
	}
	c.dedup.Reset()
}

// process routes one successful recognizer result.
func (c *Controller) process(ctx context.Context, r *run, text string, buf *audio.Buffer) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	if r.retired.Load() {
		c.log.Debug("result of a stopped session dropped", slog.String("session_id", r.id))
		return
	}

	if text == "" {
		c.metrics.RecordSkipped(ctx, telemetry.SkipEmptyText)
		return
	}
	if filter.IsArtifact(text) {
		c.metrics.RecordSkipped(ctx, telemetry.SkipArtifact)
		c.recordFor(r, diag.KindArtifact, text)
		return
	}

	res := c.dedup.Evaluate(text)
	c.metrics.RecordCandidate(ctx, res.Decision.String())
	if res.Decision == dedup.Accept {
		c.assembler.Accept(text)
		c.recordFor(r, diag.KindAccepted, text)
	} else {
		c.recordFor(r, diag.KindRejected, fmt.Sprintf("%s (%s): %s", res.Decision, res.Reason, text))
	}

	if res.ClearBuffer {
		buf.Clear()
		c.metrics.RecordBufferClear(ctx)
		c.recordFor(r, diag.KindRepetition, recovery.ErrRepetitionLoop.Error()+", buffer cleared")
		c.log.Warn("repetition loop detected, buffer cleared", slog.String("session_id", r.id))
	}
}

// handleFailure counts a recognizer failure and restarts capture once the
// supervisor's threshold is exceeded.
func (c *Controller) handleFailure(r *run, err error) {
	c.mu.Lock()
	current := c.run == r && c.state == Recording
	c.mu.Unlock()
	if !current {
		return
	}
	if c.supervisor.Failure(err) {
		c.beginRestart(r)
	}
}

func (c *Controller) beginRestart(r *run) {
	c.mu.Lock()
	if c.run != r || c.state != Recording {
		c.mu.Unlock()
		return
	}
	stream := c.stream
	c.stream = nil
	c.buffer = nil
	c.gen++
	gen := c.gen
	c.setState(Restarting)
	c.restart = c.supervisor.Schedule(func() { c.resume(r, gen) })
	c.mu.Unlock()
	c.recordState(r, Restarting)

	// Released in the background: a failure can surface on the capture
	// goroutine itself, and Close waits for that goroutine to return.
	if stream != nil {
		go func() {
			if err := stream.Close(); err != nil {
				c.log.Warn("failed to release capture", slogError(err))
			}
		}()
	}
	c.metrics.RecordRestart(r.ctx, telemetry.RestartScheduled)
	c.recordFor(r, diag.KindRestart, fmt.Sprintf("too many recognizer errors, restarting capture in %s", c.supervisor.RestartDelay()))
}

// resume re-acquires capture after a restart delay. It does nothing when
// the session was stopped or restarted again in the meantime.
func (c *Controller) resume(r *run, gen uint64) {
	c.mu.Lock()
	if c.run != r || c.gen != gen || c.state != Restarting {
		c.mu.Unlock()
		return
	}
	c.restart = nil
	c.buffer = audio.NewBuffer(c.cfg.Buffer)
	c.mu.Unlock()

	stream, err := c.source.Open(r.ctx, c.deliverFunc(r, gen))

	c.mu.Lock()
	if c.run != r || c.gen != gen || c.state != Restarting {
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		lastErr := fmt.Errorf("%w: %v", recovery.ErrRestartExhausted, err)
		c.lastErr = lastErr
		c.buffer = nil
		c.gen++
		c.setState(Stopped)
		c.mu.Unlock()

		c.metrics.RecordRestart(r.ctx, telemetry.RestartFailed)
		c.recordState(r, Stopped)
		c.recordFor(r, diag.KindError, lastErr.Error())
		c.log.Error("capture restart failed", slog.String("session_id", r.id), slogError(err))
		r.cancel()
		c.retire(r)
		return
	}
	c.stream = stream
	c.setState(Recording)
	c.mu.Unlock()
	c.recordState(r, Recording)

	c.metrics.RecordRestart(r.ctx, telemetry.RestartResumed)
	c.log.Info("capture resumed", slog.String("session_id", r.id))
}

// setState must be called with c.mu held. The state event is recorded by
// the caller once the lock is released.
func (c *Controller) setState(s State) {
	c.state = s
}

func (c *Controller) recordState(r *run, s State) {
	c.recordFor(r, diag.KindState, s.String())
}

func (c *Controller) record(kind, msg string) {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	c.recordFor(r, kind, msg)
}

func (c *Controller) recordFor(r *run, kind, msg string) {
	var id string
	if r != nil {
		id = r.id
	}
	c.recorder.Record(diag.Event{Time: time.Now(), SessionID: id, Kind: kind, Message: msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
