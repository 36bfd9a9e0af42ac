//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// WhisperRecognizer runs whisper.cpp in process. The model is loaded once;
// each call gets a fresh context.
type WhisperRecognizer struct {
	model   whisperlib.Model
	threads uint
	log     *slog.Logger
	mu      sync.Mutex
}

func NewWhisperRecognizer(cfg config.STTConfig, log *slog.Logger) (Recognizer, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper recognizer requires stt.model_path")
	}
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	log = log.With(slog.String("component", "whisper"))
	log.Info("whisper model loaded",
		slog.String("path", cfg.ModelPath),
		slog.Bool("multilingual", model.IsMultilingual()))

	threads := uint(0)
	if cfg.Threads > 0 {
		threads = uint(cfg.Threads)
	}
	return &WhisperRecognizer{model: model, threads: threads, log: log}, nil
}

func (r *WhisperRecognizer) Transcribe(ctx context.Context, samples []float32, opts Options) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if r.model.IsMultilingual() {
		if err := wctx.SetLanguage(languageCode(opts.Language)); err != nil {
			r.log.Warn("failed to set language", slog.String("language", opts.Language), slogError(err))
		}
	}
	wctx.SetTranslate(opts.Task == "translate")
	if r.threads > 0 {
		wctx.SetThreads(r.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var text strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("get segment: %w", err)
		}
		text.WriteString(segment.Text)
	}
	return strings.TrimSpace(text.String()), nil
}

// Close releases the model.
func (r *WhisperRecognizer) Close() error {
	return r.model.Close()
}

var languageCodes = map[string]string{
	"english":    "en",
	"german":     "de",
	"french":     "fr",
	"spanish":    "es",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"japanese":   "ja",
	"chinese":    "zh",
}

func languageCode(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if code, ok := languageCodes[language]; ok {
		return code
	}
	if language == "" {
		return "auto"
	}
	return language
}
