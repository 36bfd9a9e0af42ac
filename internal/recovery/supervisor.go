// Package recovery counts consecutive recognizer failures and schedules the
// delayed capture restarts that follow when they pile up.
package recovery

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRestartExhausted is surfaced when capture cannot be re-acquired after a
// restart. The session stops.
var ErrRestartExhausted = errors.New("capture restart failed")

// ErrRepetitionLoop marks a buffer reset caused by repeated recognizer output.
// It is recovered locally and never surfaced to the control surface.
var ErrRepetitionLoop = errors.New("recognizer repetition loop")

// Config tunes a Supervisor. Zero values fall back to defaults.
type Config struct {
	// MaxErrors is how many consecutive failures are tolerated; the next one
	// triggers a restart. Default: 3.
	MaxErrors int

	// RestartDelay is how long capture stays released before resuming.
	// Default: 1s.
	RestartDelay time.Duration
}

// Supervisor tracks consecutive recognizer failures. It is safe for
// concurrent use.
type Supervisor struct {
	maxErrors    int
	restartDelay time.Duration
	log          *slog.Logger

	mu              sync.Mutex
	consecutiveFail int
}

func New(cfg Config, log *slog.Logger) *Supervisor {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 3
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	return &Supervisor{
		maxErrors:    cfg.MaxErrors,
		restartDelay: cfg.RestartDelay,
		log:          log.With(slog.String("component", "recovery")),
	}
}

// Success records an invocation that returned without error, whatever its text.
func (s *Supervisor) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFail = 0
}

// Failure records a failed invocation and reports whether the threshold was
// exceeded. When it was, the counter starts over so the restarted capture gets
// a fresh budget.
func (s *Supervisor) Failure(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveFail++
	if s.consecutiveFail > s.maxErrors {
		s.log.Warn("recognizer failure threshold exceeded",
			slog.Int("consecutive_failures", s.consecutiveFail),
			slogError(err))
		s.consecutiveFail = 0
		return true
	}
	s.log.Debug("recognizer failure",
		slog.Int("consecutive_failures", s.consecutiveFail),
		slogError(err))
	return false
}

// Errors returns the current consecutive failure count.
func (s *Supervisor) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFail
}

// Reset clears the failure counter.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFail = 0
}

// RestartDelay returns the configured pause between release and resume.
func (s *Supervisor) RestartDelay() time.Duration {
	return s.restartDelay
}

// Schedule runs fn after the restart delay unless the returned task is
// cancelled first.
func (s *Supervisor) Schedule(fn func()) *Task {
	return Schedule(s.restartDelay, fn)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
