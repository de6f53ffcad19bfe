// Package signals is the in-process observer seam between the orchestrator
// and external collaborators (HTTP surface, log sinks, a future GUI shell).
// The orchestrator publishes lifecycle events here and never depends on any
// consumer type.
package signals

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the runtime.
const (
	TaskStatusChanged = "task.status"
	TaskSucceeded     = "task.succeeded"
	TaskFailed        = "task.failed"
	TaskLogLine       = "task.log"
	TasksUpdated      = "tasks.updated"
	TaskRenamed       = "task.renamed"
	BusStateChanged   = "bus.state"
	MessagePublished  = "bus.published"
	MessageReceived   = "bus.received"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// StatusChange is the Data payload for TaskStatusChanged.
type StatusChange struct {
	Task   string `json:"task"`
	Status string `json:"status"`
}

// TaskResult is the Data payload for TaskSucceeded / TaskFailed.
type TaskResult struct {
	Task     string    `json:"task"`
	RunID    string    `json:"run_id"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts"`
	Message  string    `json:"message,omitempty"`
}

// LogLine is the Data payload for TaskLogLine.
type LogLine struct {
	Task string `json:"task"`
	Line string `json:"line"`
}

// Rename is the Data payload for TaskRenamed.
type Rename struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// BusMessage is the Data payload for MessagePublished / MessageReceived.
type BusMessage struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type Hub interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout hub.
//
// It intentionally does not own any background goroutines.
func New() Hub {
	return &memHub{subs: map[uint64]chan Event{}}
}

type memHub struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (h *memHub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	h.mu.RLock()
	chs := make([]chan Event, 0, len(h.subs))
	for _, ch := range h.subs {
		chs = append(chs, ch)
	}
	h.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (h *memHub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := h.seq.Add(1)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
