package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Options are passed unchanged on every recognizer call.
type Options struct {
	ChunkLengthSeconds  int
	StrideLengthSeconds int
	Language            string
	Task                string
}

// DefaultOptions is the fixed option set used by the pipeline.
var DefaultOptions = Options{
	ChunkLengthSeconds:  30,
	StrideLengthSeconds: 5,
	Language:            "english",
	Task:                "transcribe",
}

func (o Options) wire() protocol.RecognizeOptions {
	return protocol.RecognizeOptions{
		ChunkLengthSeconds:  o.ChunkLengthSeconds,
		StrideLengthSeconds: o.StrideLengthSeconds,
		Language:            o.Language,
		Task:                o.Task,
	}
}

func optionsFromWire(o protocol.RecognizeOptions) Options {
	return Options{
		ChunkLengthSeconds:  o.ChunkLengthSeconds,
		StrideLengthSeconds: o.StrideLengthSeconds,
		Language:            o.Language,
		Task:                o.Task,
	}
}

// Recognizer abstracts STT backends. Samples are mono float32 in [-1, 1] at
// the pipeline sample rate.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) (string, error)
}

// New builds the recognizer selected by cfg.Mode. busClient is required for
// the bus mode only.
func New(cfg config.STTConfig, sampleRate int, busClient *bus.Client, log *slog.Logger) (Recognizer, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg, sampleRate)
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("stt mode bus requires a bus connection")
		}
		return NewBusRecognizer(busClient, cfg.Subject, sampleRate), nil
	case "whisper":
		return NewWhisperRecognizer(cfg, log)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
