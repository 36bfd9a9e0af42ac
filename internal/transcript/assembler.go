// Package transcript accumulates accepted text and publishes the running
// transcript to sinks.
package transcript

import (
	"strings"
	"sync"
)

// Assembler owns the accumulated transcript. The transcript only grows;
// Clear is the only way to shrink it.
type Assembler struct {
	mu   sync.Mutex
	text strings.Builder
	sink Sink
}

func NewAssembler(sink Sink) *Assembler {
	if sink == nil {
		sink = MultiSink{}
	}
	return &Assembler{sink: sink}
}

// Accept appends text followed by a single space and publishes the result.
func (a *Assembler) Accept(text string) {
	a.mu.Lock()
	a.text.WriteString(text)
	a.text.WriteByte(' ')
	full := a.text.String()
	a.sink.Publish(full)
	a.mu.Unlock()
}

// Clear empties the transcript and publishes the empty marker.
func (a *Assembler) Clear() {
	a.mu.Lock()
	a.text.Reset()
	a.sink.Publish("")
	a.mu.Unlock()
}

// Text returns the current transcript.
func (a *Assembler) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.String()
}
