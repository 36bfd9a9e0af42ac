package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/diag"
	"github.com/loqalabs/loqa-scribe/internal/recovery"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

const rate = 16000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	mu       sync.Mutex
	opens    int
	closes   int
	failFrom int // opens numbered >= failFrom fail; 0 disables
	openHook chan struct{}
	deliver  func([]float32)
}

type fakeStream struct {
	src  *fakeSource
	once sync.Once
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		s.src.mu.Lock()
		s.src.closes++
		s.src.mu.Unlock()
	})
	return nil
}

func (f *fakeSource) Open(_ context.Context, deliver func([]float32)) (capture.Stream, error) {
	f.mu.Lock()
	hook := f.openHook
	f.mu.Unlock()
	if hook != nil {
		<-hook
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.failFrom > 0 && f.opens >= f.failFrom {
		return nil, errors.New("device unavailable")
	}
	f.deliver = deliver
	return &fakeStream{src: f}, nil
}

func (f *fakeSource) emit(n int) {
	f.mu.Lock()
	deliver := f.deliver
	f.mu.Unlock()
	if deliver != nil {
		deliver(make([]float32, n))
	}
}

func (f *fakeSource) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

type sinkLog struct {
	mu      sync.Mutex
	updates []string
}

func (s *sinkLog) Publish(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, text)
}

func (s *sinkLog) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return "<none>"
	}
	return s.updates[len(s.updates)-1]
}

type fixture struct {
	ctrl *Controller
	src  *fakeSource
	rec  *stt.ScriptedRecognizer
	sink *sinkLog
	ring *diag.Ring
}

func newFixture(t *testing.T, cfg Config, replies ...stt.Reply) *fixture {
	t.Helper()
	if cfg.Buffer == (audio.BufferConfig{}) {
		cfg.Buffer = audio.BufferConfig{
			SampleRate: rate,
			Interval:   time.Hour,
			MinWindow:  time.Second,
			Overlap:    500 * time.Millisecond,
		}
	}
	if cfg.Recovery == (recovery.Config{}) {
		cfg.Recovery = recovery.Config{MaxErrors: 3, RestartDelay: time.Hour}
	}
	f := &fixture{
		src:  &fakeSource{},
		rec:  stt.NewScriptedRecognizer(replies...),
		sink: &sinkLog{},
		ring: diag.NewRing(100),
	}
	f.ctrl = New(cfg, Deps{
		Source:     f.src,
		Recognizer: f.rec,
		Sink:       f.sink,
		Recorder:   f.ring,
		Logger:     testLogger(),
	})
	t.Cleanup(func() { _ = f.ctrl.Stop(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

// flushSecond buffers one second of audio and runs a window.
func (f *fixture) flushSecond(t *testing.T) error {
	t.Helper()
	f.src.emit(rate)
	return f.ctrl.Flush(context.Background())
}

func (f *fixture) windowEvents() []string {
	var out []string
	for _, evt := range f.ring.Snapshot() {
		if evt.Kind == diag.KindWindow {
			out = append(out, evt.Message)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartPreconditions(t *testing.T) {
	noCapture := New(Config{}, Deps{Recognizer: stt.NewMockRecognizer(), Logger: testLogger()})
	err := noCapture.Start(context.Background())
	if !errors.Is(err, ErrNoCapture) || !errors.Is(err, ErrPrecondition) {
		t.Fatalf("missing capture: got %v", err)
	}

	src := &fakeSource{}
	noRecognizer := New(Config{}, Deps{Source: src, Logger: testLogger()})
	err = noRecognizer.Start(context.Background())
	if !errors.Is(err, ErrNoRecognizer) || !errors.Is(err, ErrPrecondition) {
		t.Fatalf("missing recognizer: got %v", err)
	}
	if opens, _ := src.counts(); opens != 0 {
		t.Fatal("capture must not be acquired when a precondition fails")
	}
	if noRecognizer.State() != Idle {
		t.Fatalf("state = %v, want idle", noRecognizer.State())
	}
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second start: got %v", err)
	}
	if opens, _ := f.src.counts(); opens != 1 {
		t.Fatalf("opens = %d, want 1", opens)
	}
}

func TestStartFailsWhenCaptureUnavailable(t *testing.T) {
	f := newFixture(t, Config{})
	f.src.failFrom = 1
	if err := f.ctrl.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	st := f.ctrl.Status()
	if st.State != "stopped" || !strings.Contains(st.LastError, "device unavailable") {
		t.Fatalf("status = %+v", st)
	}
}

func TestFlushAcceptsAndRetainsOverlap(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Text: " hello world "})
	f.start(t)

	if err := f.flushSecond(t); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := f.ctrl.Transcript(); got != "hello world " {
		t.Fatalf("transcript = %q", got)
	}
	if f.sink.last() != "hello world " {
		t.Fatalf("sink last = %q", f.sink.last())
	}
	st := f.ctrl.Status()
	if st.BufferedSamples != rate/2 {
		t.Fatalf("buffered = %d, want overlap of %d", st.BufferedSamples, rate/2)
	}
	if calls := f.rec.Calls(); len(calls) != 1 || len(calls[0]) != rate {
		t.Fatalf("recognizer calls = %d", len(calls))
	}
}

func TestFlushBelowMinimumWindow(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Text: "never"})
	f.start(t)

	f.src.emit(rate / 10)
	if err := f.ctrl.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(f.rec.Calls()) != 0 {
		t.Fatal("short buffer must not reach the recognizer")
	}
	if f.ctrl.Status().BufferedSamples != rate/10 {
		t.Fatal("short buffer must be left untouched")
	}
	if got := f.windowEvents(); len(got) != 1 || !strings.Contains(got[0], "below minimum window") {
		t.Fatalf("window events = %q", got)
	}
}

func TestArtifactNeverReachesTranscript(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Text: "[BLANK_AUDIO]"}, stt.Reply{Text: "you"}, stt.Reply{Text: "real words here"})
	f.start(t)
	for i := 0; i < 3; i++ {
		if err := f.flushSecond(t); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	if got := f.ctrl.Transcript(); got != "real words here " {
		t.Fatalf("transcript = %q", got)
	}
	if f.ctrl.Status().History != 1 {
		t.Fatal("artifacts must not enter dedup history")
	}
}

func TestEmptyTextCountsAsSuccess(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Err: errors.New("boom")}, stt.Reply{Text: ""})
	f.start(t)
	_ = f.flushSecond(t)
	if f.ctrl.Status().Errors != 1 {
		t.Fatal("failure should count")
	}
	if err := f.flushSecond(t); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if f.ctrl.Status().Errors != 0 {
		t.Fatal("a successful call with empty text must reset the error counter")
	}
}

func TestConcurrentFlushSkipsWhileBusy(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Text: "slow result"})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.rec.Hook = func(ctx context.Context, _ []float32) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	f.start(t)
	f.src.emit(rate)

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Flush(context.Background()) }()
	<-entered

	f.src.emit(rate)
	if err := f.ctrl.Flush(context.Background()); !errors.Is(err, stt.ErrBusy) {
		t.Fatalf("second flush: got %v, want ErrBusy", err)
	}
	if got := f.windowEvents(); len(got) != 1 || got[0] != "skipped: recognizer busy" {
		t.Fatalf("window events = %q", got)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if len(f.rec.Calls()) != 1 {
		t.Fatalf("calls = %d, want 1", len(f.rec.Calls()))
	}
	// The second second of audio arrived during inference and stays queued
	// behind the overlap.
	if got := f.ctrl.Status().BufferedSamples; got != rate/2+rate {
		t.Fatalf("buffered = %d, want %d", got, rate/2+rate)
	}
}

func TestFailureLeavesBufferUntouched(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Err: errors.New("model crashed")})
	f.start(t)
	err := f.flushSecond(t)
	var recErr *stt.RecognizerError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected RecognizerError, got %v", err)
	}
	if f.ctrl.Status().BufferedSamples != rate {
		t.Fatal("buffer must be untouched after a failure")
	}
}

func TestFourthFailureRestartsCapture(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Err: errors.New("model crashed")})
	f.start(t)

	for i := 1; i <= 3; i++ {
		_ = f.flushSecond(t)
		st := f.ctrl.Status()
		if st.State != "recording" || st.Errors != i {
			t.Fatalf("after failure %d: %+v", i, st)
		}
	}
	_ = f.flushSecond(t)
	st := f.ctrl.Status()
	if st.State != "restarting" {
		t.Fatalf("state = %s, want restarting", st.State)
	}
	if st.Errors != 0 {
		t.Fatalf("error counter = %d, want reset to 0", st.Errors)
	}
	eventually(t, "capture released", func() bool {
		_, closes := f.src.counts()
		return closes == 1
	})
	if st.BufferedSamples != 0 {
		t.Fatal("buffer must be dropped on restart")
	}
}

func TestRestartResumesCapture(t *testing.T) {
	f := newFixture(t, Config{Recovery: recovery.Config{MaxErrors: 1, RestartDelay: 10 * time.Millisecond}},
		stt.Reply{Err: errors.New("one")}, stt.Reply{Err: errors.New("two")}, stt.Reply{Text: "back again"})
	f.start(t)

	f.src.mu.Lock()
	staleDeliver := f.src.deliver
	f.src.mu.Unlock()

	_ = f.flushSecond(t)
	_ = f.flushSecond(t)
	eventually(t, "capture resumed", func() bool {
		opens, _ := f.src.counts()
		return opens == 2 && f.ctrl.State() == Recording
	})

	staleDeliver(make([]float32, rate))
	if f.ctrl.Status().BufferedSamples != 0 {
		t.Fatal("blocks from the released stream must be dropped")
	}
	if err := f.flushSecond(t); err != nil {
		t.Fatalf("flush after resume: %v", err)
	}
	if f.ctrl.Transcript() != "back again " {
		t.Fatalf("transcript = %q", f.ctrl.Transcript())
	}
}

func TestRestartFailureStopsSession(t *testing.T) {
	f := newFixture(t, Config{Recovery: recovery.Config{MaxErrors: 1, RestartDelay: time.Millisecond}},
		stt.Reply{Err: errors.New("crash")})
	f.src.failFrom = 2
	f.start(t)

	_ = f.flushSecond(t)
	_ = f.flushSecond(t)
	eventually(t, "session stopped", func() bool { return f.ctrl.State() == Stopped })

	st := f.ctrl.Status()
	if !strings.Contains(st.LastError, recovery.ErrRestartExhausted.Error()) {
		t.Fatalf("last error = %q", st.LastError)
	}
	var sawError bool
	for _, evt := range f.ring.Snapshot() {
		if evt.Kind == diag.KindError && strings.Contains(evt.Message, recovery.ErrRestartExhausted.Error()) {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("restart failure must reach the diagnostics sink")
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	f := newFixture(t, Config{Recovery: recovery.Config{MaxErrors: 1, RestartDelay: 50 * time.Millisecond}},
		stt.Reply{Err: errors.New("crash")})
	f.start(t)
	_ = f.flushSecond(t)
	_ = f.flushSecond(t)
	if f.ctrl.State() != Restarting {
		t.Fatalf("state = %v, want restarting", f.ctrl.State())
	}

	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if opens, _ := f.src.counts(); opens != 1 {
		t.Fatalf("cancelled restart reopened capture, opens = %d", opens)
	}
	if f.ctrl.State() != Stopped {
		t.Fatalf("state = %v, want stopped", f.ctrl.State())
	}
}

func TestStopFlushesRemainingAudio(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Text: "final words"})
	f.start(t)
	f.src.emit(rate)

	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.ctrl.Transcript() != "final words " {
		t.Fatalf("transcript = %q", f.ctrl.Transcript())
	}
	if _, closes := f.src.counts(); closes != 1 {
		t.Fatal("capture must be released")
	}
	if f.ctrl.Status().History != 0 {
		t.Fatal("stop must reset dedup history")
	}

	f.src.emit(rate)
	if len(f.rec.Calls()) != 1 {
		t.Fatal("blocks after stop must be dropped")
	}
}

func TestStopSkipsShortRemainder(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Text: "never"})
	f.start(t)
	f.src.emit(rate / 4)
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(f.rec.Calls()) != 0 {
		t.Fatal("remainder under half a second must not be transcribed")
	}
}

func TestTranscriptSurvivesRestartOfSession(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Text: "first session"}, stt.Reply{Text: "second session"})
	f.start(t)
	_ = f.flushSecond(t)
	_ = f.ctrl.Stop(context.Background())
	f.start(t)
	_ = f.flushSecond(t)
	if got := f.ctrl.Transcript(); got != "first session second session " {
		t.Fatalf("transcript = %q", got)
	}
}

func TestClear(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Text: "keep me"})
	f.start(t)
	_ = f.flushSecond(t)

	f.ctrl.Clear()
	if f.ctrl.Transcript() != "" {
		t.Fatal("transcript must be empty after clear")
	}
	if f.sink.last() != "" {
		t.Fatalf("sink must receive the empty marker, got %q", f.sink.last())
	}
	st := f.ctrl.Status()
	if st.History != 0 || st.Streak != 0 {
		t.Fatalf("clear must reset dedup: %+v", st)
	}
	if st.State != "recording" {
		t.Fatal("clear must not change the session state")
	}
}

func TestRepetitionLoopClearsBuffer(t *testing.T) {
	f := newFixture(t, Config{},
		stt.Reply{Text: "three four"},
		stt.Reply{Text: "five six"},
		stt.Reply{Text: "seven eight"},
		stt.Reply{Text: "nine ten"},
		stt.Reply{Text: "nine ten"},
		stt.Reply{Text: "four four four four"},
		stt.Reply{Text: "four four four four"},
	)
	f.start(t)
	for i := 0; i < 6; i++ {
		if err := f.flushSecond(t); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	if st := f.ctrl.Status(); st.Streak != 2 || st.BufferedSamples == 0 {
		t.Fatalf("before breaker: %+v", st)
	}
	if err := f.flushSecond(t); err != nil {
		t.Fatalf("final flush: %v", err)
	}
	st := f.ctrl.Status()
	if st.BufferedSamples != 0 {
		t.Fatalf("buffer must be cleared by the repetition breaker, has %d", st.BufferedSamples)
	}
	if st.Streak != 0 {
		t.Fatalf("streak = %d, want 0", st.Streak)
	}
	if got := f.ctrl.Transcript(); got != "three four five six seven eight nine ten " {
		t.Fatalf("transcript = %q", got)
	}
}

func TestCadenceTriggersFlush(t *testing.T) {
	f := newFixture(t, Config{Buffer: audio.BufferConfig{
		SampleRate: rate,
		Interval:   time.Nanosecond,
		MinWindow:  time.Second,
		Overlap:    500 * time.Millisecond,
	}}, stt.Reply{Text: "automatic"})
	f.start(t)

	f.src.emit(rate / 2)
	time.Sleep(time.Millisecond)
	f.src.emit(rate / 2)
	time.Sleep(time.Millisecond)
	f.src.emit(rate / 2)

	eventually(t, "automatic flush", func() bool { return strings.HasPrefix(f.ctrl.Transcript(), "automatic ") })
}

func TestStopDuringStart(t *testing.T) {
	f := newFixture(t, Config{})
	hook := make(chan struct{})
	f.src.openHook = hook

	started := make(chan error, 1)
	go func() { started <- f.ctrl.Start(context.Background()) }()
	eventually(t, "starting", func() bool { return f.ctrl.State() == Starting })

	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(hook)
	if err := <-started; !errors.Is(err, ErrStartAborted) {
		t.Fatalf("start: got %v, want ErrStartAborted", err)
	}
	if _, closes := f.src.counts(); closes != 1 {
		t.Fatal("stream opened after stop must be released")
	}
}

func TestStateEventsRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	_ = f.ctrl.Stop(context.Background())

	var states []string
	for _, evt := range f.ring.Snapshot() {
		if evt.Kind == diag.KindState {
			states = append(states, evt.Message)
		}
	}
	want := []string{"starting", "recording", "stopped"}
	if strings.Join(states, ",") != strings.Join(want, ",") {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

var _ transcript.Sink = (*sinkLog)(nil)

func TestStopWithExpiredContextResetsDedup(t *testing.T) {
	f := newFixture(t, Config{},
		stt.Reply{Text: "alpha one"},
		stt.Reply{Text: "beta two"},
		stt.Reply{Text: "gamma three"},
		stt.Reply{Text: "delta four"},
		stt.Reply{Text: "never lands"},
		stt.Reply{Text: "delta four"},
	)
	entered := make(chan struct{})
	var calls int
	f.rec.Hook = func(ctx context.Context, _ []float32) error {
		calls++
		if calls != 5 {
			return nil
		}
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}
	f.start(t)
	for i := 0; i < 4; i++ {
		if err := f.flushSecond(t); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	if got := f.ctrl.Status().History; got != 4 {
		t.Fatalf("history = %d, want 4", got)
	}

	f.src.emit(rate)
	inflight := make(chan error, 1)
	go func() { inflight <- f.ctrl.Flush(context.Background()) }()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.ctrl.Stop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("stop: got %v, want context.Canceled", err)
	}
	if err := <-inflight; err == nil {
		t.Fatal("in-flight window should have been cancelled")
	}
	st := f.ctrl.Status()
	if st.State != "stopped" || st.History != 0 || st.Streak != 0 {
		t.Fatalf("status after interrupted stop = %+v", st)
	}

	f.start(t)
	if err := f.flushSecond(t); err != nil {
		t.Fatalf("flush after restart: %v", err)
	}
	if got := f.ctrl.Transcript(); got != "alpha one beta two gamma three delta four delta four " {
		t.Fatalf("transcript = %q", got)
	}
}

func TestStartRefusedWhileStopWindsDown(t *testing.T) {
	f := newFixture(t, Config{}, stt.Reply{Text: "slow result"}, stt.Reply{Text: "final words"})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.rec.Hook = func(ctx context.Context, _ []float32) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.start(t)
	f.src.emit(rate)
	inflight := make(chan error, 1)
	go func() { inflight <- f.ctrl.Flush(context.Background()) }()
	<-entered
	f.src.emit(rate)

	stopped := make(chan error, 1)
	go func() { stopped <- f.ctrl.Stop(context.Background()) }()
	eventually(t, "stop to begin", func() bool { return f.ctrl.State() == Stopped })

	if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("start during stop: got %v, want ErrAlreadyRecording", err)
	}
	if opens, _ := f.src.counts(); opens != 1 {
		t.Fatalf("opens = %d, want 1", opens)
	}

	close(release)
	if err := <-inflight; err != nil {
		t.Fatalf("in-flight flush: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := f.ctrl.Transcript(); got != "slow result final words " {
		t.Fatalf("transcript = %q", got)
	}
	if got := f.ctrl.Status().History; got != 0 {
		t.Fatalf("history after stop = %d, want 0", got)
	}
	f.start(t)
}
