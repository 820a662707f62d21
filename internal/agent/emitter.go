package agent

import (
	"sync"
	"time"

	"github.com/lacehq/lace/pkg/models"
)

// Sink receives agent lifecycle events. Sinks are called synchronously in
// emission order; slow sinks slow the agent down, so UIs should hand off to
// their own goroutine.
type Sink func(event models.AgentEvent)

// Emitter fans agent events out to subscribed sinks with a monotonic
// per-agent sequence number.
type Emitter struct {
	threadID string

	mu    sync.Mutex
	seq   uint64
	sinks map[int]Sink
	next  int
}

// NewEmitter creates an emitter for one agent's events.
func NewEmitter(threadID string) *Emitter {
	return &Emitter{threadID: threadID, sinks: map[int]Sink{}}
}

// Subscribe registers a sink and returns a function that removes it.
func (e *Emitter) Subscribe(sink Sink) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.sinks[id] = sink
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.sinks, id)
	}
}

// Emit stamps the event with time, thread id and the next sequence number,
// then delivers it to every sink.
func (e *Emitter) Emit(event models.AgentEvent) {
	e.mu.Lock()
	e.seq++
	event.Sequence = e.seq
	event.Time = time.Now().UTC()
	if event.ThreadID == "" {
		event.ThreadID = e.threadID
	}
	sinks := make([]Sink, 0, len(e.sinks))
	for _, sink := range e.sinks {
		sinks = append(sinks, sink)
	}
	e.mu.Unlock()

	for _, sink := range sinks {
		sink(event)
	}
}
