package recovery

import (
	"sync"
	"time"
)

// Task is a cancellable delayed call.
type Task struct {
	mu       sync.Mutex
	timer    *time.Timer
	started  bool
	canceled bool
	done     chan struct{}
}

// Schedule runs fn once after delay.
func Schedule(delay time.Duration, fn func()) *Task {
	t := &Task{done: make(chan struct{})}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.canceled {
			t.mu.Unlock()
			return
		}
		t.started = true
		t.mu.Unlock()

		defer close(t.done)
		fn()
	})
	return t
}

// Cancel prevents fn from running. It returns false when fn already started;
// in that case fn runs to completion.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return false
	}
	if !t.canceled {
		t.canceled = true
		t.timer.Stop()
		close(t.done)
	}
	return true
}

// Done is closed once fn has returned or the task was cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
