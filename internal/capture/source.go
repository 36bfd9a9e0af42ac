// Package capture provides the audio sources that feed a recording session.
// Every source delivers mono float32 blocks at the pipeline sample rate.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ErrUnsupportedFormat is returned for audio the pipeline would have to
// resample or downmix.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Source acquires a capture stream. deliver is called from a single
// goroutine per stream, in capture order.
type Source interface {
	Open(ctx context.Context, deliver func([]float32)) (Stream, error)
}

// Stream is an open capture handle.
type Stream interface {
	Close() error
}

// Finite is implemented by streams that end on their own, such as file
// playback. Done closes after the last block was delivered.
type Finite interface {
	Done() <-chan struct{}
}

// New builds the source selected by cfg.Mode. It returns nil for mode none.
func New(cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) (Source, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "none":
		return nil, nil
	case "wav":
		return &WAVSource{
			Path:       cfg.Path,
			SampleRate: cfg.SampleRate,
			BlockSize:  cfg.BlockSize,
			Realtime:   cfg.Realtime,
		}, nil
	case "pcm":
		var r io.Reader = os.Stdin
		if cfg.Path != "" && cfg.Path != "-" {
			f, err := os.Open(cfg.Path)
			if err != nil {
				return nil, fmt.Errorf("open pcm input: %w", err)
			}
			r = f
		}
		return &PCMSource{Reader: r, SampleRate: cfg.SampleRate, BlockSize: cfg.BlockSize, Realtime: cfg.Realtime}, nil
	case "bus":
		if busClient == nil {
			return nil, errors.New("capture mode bus requires a bus connection")
		}
		return &BusSource{Bus: busClient, Subject: cfg.Subject, SampleRate: cfg.SampleRate, Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}
