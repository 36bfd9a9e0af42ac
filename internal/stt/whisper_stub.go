//go:build !whisper

package stt

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ErrWhisperUnavailable is returned when the binary was built without the
// whisper build tag.
var ErrWhisperUnavailable = errors.New("whisper recognizer not compiled in; rebuild with -tags whisper")

func NewWhisperRecognizer(_ config.STTConfig, _ *slog.Logger) (Recognizer, error) {
	return nil, ErrWhisperUnavailable
}
