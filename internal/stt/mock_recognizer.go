package stt

import (
	"context"
	"fmt"
	"sync"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes the window instead
// of transcribing it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, samples []float32, opts Options) (string, error) {
	return fmt.Sprintf("[%s transcript samples=%d]", opts.Task, len(samples)), nil
}

// Reply is one scripted recognizer outcome.
type Reply struct {
	Text string
	Err  error
}

// ScriptedRecognizer replays a fixed list of outcomes in order. Once the
// script is exhausted it keeps returning the last entry. Hook, when set,
// runs before each reply and may block.
type ScriptedRecognizer struct {
	Hook func(ctx context.Context, samples []float32) error

	mu      sync.Mutex
	replies []Reply
	calls   [][]float32
	opts    []Options
}

func NewScriptedRecognizer(replies ...Reply) *ScriptedRecognizer {
	return &ScriptedRecognizer{replies: replies}
}

func (s *ScriptedRecognizer) Transcribe(ctx context.Context, samples []float32, opts Options) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]float32(nil), samples...))
	s.opts = append(s.opts, opts)
	var reply Reply
	switch {
	case len(s.replies) > 1:
		reply = s.replies[0]
		s.replies = s.replies[1:]
	case len(s.replies) == 1:
		reply = s.replies[0]
	}
	hook := s.Hook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, samples); err != nil {
			return "", err
		}
	}
	return reply.Text, reply.Err
}

// Push appends outcomes to the script.
func (s *ScriptedRecognizer) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Calls returns a copy of every window received so far.
func (s *ScriptedRecognizer) Calls() [][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]float32(nil), s.calls...)
}

// Options returns the options of every call so far.
func (s *ScriptedRecognizer) Options() []Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Options(nil), s.opts...)
}
