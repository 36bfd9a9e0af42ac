package capture

import (
	"context"
	"sync"
	"time"
)

// loopStream runs a read loop in its own goroutine until the loop returns,
// the context ends, or Close is called.
type loopStream struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func startLoop(ctx context.Context, loop func(ctx context.Context) error) *loopStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &loopStream{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.err = loop(ctx)
	}()
	return s
}

func (s *loopStream) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (s *loopStream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the loop ended. Valid after Done closes.
func (s *loopStream) Err() error {
	<-s.done
	return s.err
}

// pacer sleeps so that blocks are delivered no faster than real time.
type pacer struct {
	enabled    bool
	sampleRate int
	start      time.Time
	delivered  int
}

func (p *pacer) wait(ctx context.Context, samples int) error {
	if !p.enabled || p.sampleRate <= 0 {
		return ctx.Err()
	}
	if p.start.IsZero() {
		p.start = time.Now()
	}
	p.delivered += samples
	due := p.start.Add(time.Duration(p.delivered) * time.Second / time.Duration(p.sampleRate))
	wait := time.Until(due)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
