package transcript

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Sink receives the full transcript after every change. An empty string
// means the transcript was cleared.
type Sink interface {
	Publish(text string)
}

// WriterSink prints only the newly appended part of each update, one line
// per accepted candidate.
type WriterSink struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Publish(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		s.last = ""
		fmt.Fprintln(s.w, "--- transcript cleared ---")
		return
	}
	delta := text
	if strings.HasPrefix(text, s.last) {
		delta = text[len(s.last):]
	}
	s.last = text
	if delta = strings.TrimSpace(delta); delta != "" {
		fmt.Fprintln(s.w, delta)
	}
}

// LogSink logs every update.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "transcript"))}
}

func (s *LogSink) Publish(text string) {
	if text == "" {
		s.log.Info("transcript cleared")
		return
	}
	s.log.Info("transcript updated", slog.Int("length", len(text)))
}

// BusSink publishes protocol.TranscriptUpdate messages.
type BusSink struct {
	bus       *bus.Client
	subject   string
	sessionID func() string
}

// NewBusSink publishes on subject. sessionID, when set, tags each update
// with the current session.
func NewBusSink(client *bus.Client, subject string, sessionID func() string) *BusSink {
	if subject == "" {
		subject = protocol.SubjectTranscript
	}
	return &BusSink{bus: client, subject: subject, sessionID: sessionID}
}

func (s *BusSink) Publish(text string) {
	update := protocol.TranscriptUpdate{
		Text:      text,
		Cleared:   text == "",
		Timestamp: time.Now().UTC(),
	}
	if s.sessionID != nil {
		update.SessionID = s.sessionID()
	}
	if err := s.bus.PublishJSON(s.subject, update); err != nil {
		s.bus.Logger().Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

// MultiSink fans updates out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(text string) {
	for _, s := range m {
		if s != nil {
			s.Publish(text)
		}
	}
}

// Latest remembers the most recent update.
type Latest struct {
	mu   sync.Mutex
	text string
}

func (l *Latest) Publish(text string) {
	l.mu.Lock()
	l.text = text
	l.mu.Unlock()
}

func (l *Latest) Text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.text
}
