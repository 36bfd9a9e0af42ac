package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/diag"
	"github.com/loqalabs/loqa-scribe/internal/recovery"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// runReplay feeds a WAV file through a session and prints the transcript.
func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	var (
		path     string
		realtime bool
	)
	fs.StringVar(&path, "file", "", "Path to a 16-bit mono WAV file")
	fs.BoolVar(&realtime, "realtime", false, "Pace playback at the file's sample rate")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("replay requires -file")
	}
	logger := newLogger(cfg.Telemetry.LogLevel)

	recognizer, err := stt.New(cfg.STT, cfg.Pipeline.SampleRate, nil, logger)
	if err != nil {
		return fmt.Errorf("build recognizer: %w", err)
	}

	sessCfg := runtime.SessionConfig(cfg)
	src := &windowedSource{
		Source: &capture.WAVSource{
			Path:       path,
			SampleRate: cfg.Pipeline.SampleRate,
			BlockSize:  cfg.Capture.BlockSize,
			Realtime:   realtime,
		},
		opened: make(chan capture.Stream, 1),
	}
	if !realtime {
		// Without pacing the cadence never elapses, so windows are cut by
		// sample count instead.
		src.every = int(sessCfg.Buffer.Interval.Seconds() * float64(cfg.Pipeline.SampleRate))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return replay(ctx, sessCfg, src, recognizer, transcript.NewWriterSink(os.Stdout), diag.NewLogRecorder(logger), logger)
}

// replay runs one session over src until the file ends or ctx is done.
// Files are played once: a capture restart would start over from the top,
// so it ends the replay with an error instead.
func replay(ctx context.Context, cfg session.Config, src *windowedSource, recognizer stt.Recognizer, sink transcript.Sink, recorder diag.Recorder, logger *slog.Logger) error {
	watch := &restartWatch{}
	ctrl := session.New(cfg, session.Deps{
		Source:     src,
		Recognizer: recognizer,
		Sink:       sink,
		Recorder:   diag.Multi{recorder, watch},
		Logger:     logger,
	})
	if src.every > 0 {
		src.flush = func() bool {
			return !errors.Is(ctrl.Flush(context.Background()), session.ErrNotRecording)
		}
	}

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	stream := <-src.opened
	if finite, ok := stream.(capture.Finite); ok {
		select {
		case <-finite.Done():
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	stopErr := ctrl.Stop(stopCtx)
	if n := watch.restarts.Load(); n > 0 {
		return fmt.Errorf("%w: replay interrupted after recognizer failures (%d restarts)", recovery.ErrRestartExhausted, n)
	}
	return stopErr
}

// restartWatch counts capture restarts scheduled during a replay.
type restartWatch struct {
	restarts atomic.Int32
}

func (w *restartWatch) Record(evt diag.Event) {
	if evt.Kind == diag.KindRestart {
		w.restarts.Add(1)
	}
}

// windowedSource hands the opened stream to the caller and, when every is
// set, runs a window after each every samples delivered.
type windowedSource struct {
	capture.Source
	every  int
	flush  func() bool
	opened chan capture.Stream
}

func (s *windowedSource) Open(ctx context.Context, deliver func([]float32)) (capture.Stream, error) {
	var pending int
	stream, err := s.Source.Open(ctx, func(block []float32) {
		deliver(block)
		pending += len(block)
		if s.every > 0 && pending >= s.every && s.flush() {
			pending = 0
		}
	})
	if err != nil {
		return nil, err
	}
	select {
	case s.opened <- stream:
	default:
	}
	return stream, nil
}
