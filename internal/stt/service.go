package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

const workerQueue = "scribe-stt"

// Worker serves recognize requests from the bus with a local recognizer.
// Workers share a queue group so each request is handled once.
type Worker struct {
	bus        *bus.Client
	subject    string
	recognizer Recognizer
	timeout    time.Duration
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

func NewWorker(parent context.Context, busClient *bus.Client, subject string, recognizer Recognizer, timeout time.Duration, log *slog.Logger) *Worker {
	if subject == "" {
		subject = protocol.SubjectRecognize
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		bus:        busClient,
		subject:    subject,
		recognizer: recognizer,
		timeout:    timeout,
		log:        log.With(slog.String("component", "stt-worker")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (w *Worker) Start() error {
	sub, err := w.bus.Conn().QueueSubscribe(w.subject, workerQueue, w.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe recognize requests: %w", err)
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	w.log.Info("stt worker listening", slog.String("subject", w.subject))
	return nil
}

func (w *Worker) Close() {
	w.cancel()
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	w.wg.Wait()
}

func (w *Worker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub != nil && w.sub.IsValid()
}

func (w *Worker) handleRequest(msg *nats.Msg) {
	w.wg.Add(1)
	defer w.wg.Done()

	var req protocol.RecognizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.log.Warn("failed to decode recognize request", slogError(err))
		w.respond(msg, protocol.RecognizeReply{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	opts := optionsFromWire(req.Options)
	if opts == (Options{}) {
		opts = DefaultOptions
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	text, err := w.recognizer.Transcribe(ctx, audio.PCM16ToFloat32(req.PCM), opts)
	if err != nil {
		w.log.Warn("stt transcription failed", slogError(err))
		w.respond(msg, protocol.RecognizeReply{Error: err.Error()})
		return
	}
	w.respond(msg, protocol.RecognizeReply{Text: text})
}

func (w *Worker) respond(msg *nats.Msg, reply protocol.RecognizeReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Warn("failed to marshal recognize reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		w.log.Warn("failed to send recognize reply", slogError(err))
	}
}
