package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/diag"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/recovery"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/telemetry"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetry  *telemetry.Provider
	nats       *natsserver.Server
	bus        *bus.Client
	store      *eventstore.Store
	ring       *diag.Ring
	session    *session.Controller
	httpServer *http.Server
	ready      atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// SessionConfig converts the pipeline, recovery and stt sections into
// controller settings.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Buffer: audio.BufferConfig{
			SampleRate: cfg.Pipeline.SampleRate,
			Interval:   time.Duration(cfg.Pipeline.IntervalMS) * time.Millisecond,
			MinWindow:  time.Duration(cfg.Pipeline.MinWindowMS) * time.Millisecond,
			Overlap:    time.Duration(cfg.Pipeline.OverlapMS) * time.Millisecond,
		},
		Recovery: recovery.Config{
			MaxErrors:    cfg.Recovery.MaxErrors,
			RestartDelay: time.Duration(cfg.Recovery.RestartDelayMS) * time.Millisecond,
		},
		Window: stt.WindowConfig{
			SampleRate: cfg.Pipeline.SampleRate,
			Timeout:    time.Duration(cfg.STT.TimeoutMS) * time.Millisecond,
			Options:    stt.DefaultOptions,
		},
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if r.cfg.Session.AutoStart {
		if err := r.session.Start(gctx); err != nil {
			r.logger.Warn("auto start failed", slog.String("error", err.Error()))
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err := g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.teardown(shutdownCtx)
	return err
}

// setup builds every collaborator in dependency order. On error the caller
// runs teardown to release whatever was already acquired.
func (r *Runtime) setup(ctx context.Context) error {
	provider, err := telemetry.Setup(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = provider

	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.nats = srv

		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	if err := store.Ensure(); err != nil {
		store.Close()
		return err
	}
	r.store = store

	r.ring = diag.NewRing(r.cfg.Transcript.DiagBufferSize)
	recorders := diag.Multi{
		diag.NewLogRecorder(r.logger),
		r.ring,
		eventstore.NewRecorder(store),
	}

	sinks := transcript.MultiSink{transcript.NewLogSink(r.logger)}
	if r.cfg.Transcript.Stdout {
		sinks = append(sinks, transcript.NewWriterSink(os.Stdout))
	}

	if r.bus != nil {
		recorders = append(recorders, diag.NewBusRecorder(r.bus, r.cfg.Transcript.DiagSubject))
		sinks = append(sinks, transcript.NewBusSink(r.bus, r.cfg.Transcript.Subject, r.sessionID))
	}

	source, err := capture.New(r.cfg.Capture, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to configure capture: %w", err)
	}
	recognizer, err := stt.New(r.cfg.STT, r.cfg.Pipeline.SampleRate, r.bus, r.logger)
	if err != nil {
		// Start reports the missing recognizer.
		r.logger.Warn("recognizer unavailable", slog.String("error", err.Error()))
		recognizer = nil
	}

	r.session = session.New(SessionConfig(r.cfg), session.Deps{
		Source:     source,
		Recognizer: recognizer,
		Sink:       sinks,
		Recorder:   recorders,
		Metrics:    provider.Metrics,
		Logger:     r.logger,
	})
	return nil
}

func (r *Runtime) sessionID() string {
	if r.session == nil {
		return ""
	}
	return r.session.SessionID()
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.session != nil {
		if err := r.session.Stop(ctx); err != nil {
			r.logger.Error("session stop error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Prune(ctx); err != nil {
			r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
		}
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
