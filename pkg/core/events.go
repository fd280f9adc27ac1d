package core

import (
	"sync"
	"time"
)

// Event is the interface for all scheduler events.
type Event interface {
	eventMarker()
}

// OccurrenceClaimed is emitted when the queue service claims a due job and enqueues its task.
type OccurrenceClaimed struct {
	JobID        string
	ScheduledFor time.Time
	Timestamp    time.Time
}

func (*OccurrenceClaimed) eventMarker() {}

// ExecutionRecorded is emitted after a worker appends an execution record.
type ExecutionRecorded struct {
	Execution *Execution
	Timestamp time.Time
}

func (*ExecutionRecorded) eventMarker() {}

// RetryScheduled is emitted when a failed attempt is requeued.
type RetryScheduled struct {
	JobID     string
	Attempt   int
	RunAt     time.Time
	Timestamp time.Time
}

func (*RetryScheduled) eventMarker() {}

// JobResolved is emitted when a worker releases a job after an occurrence.
type JobResolved struct {
	JobID     string
	Status    JobStatus
	NextRunAt *time.Time
	Timestamp time.Time
}

func (*JobResolved) eventMarker() {}

// JobPaused is emitted when a job is paused through external control.
type JobPaused struct {
	JobID     string
	Deferred  bool // pause applies once the in-flight occurrence resolves
	Timestamp time.Time
}

func (*JobPaused) eventMarker() {}

// JobResumed is emitted when a paused job is resumed.
type JobResumed struct {
	JobID     string
	Timestamp time.Time
}

func (*JobResumed) eventMarker() {}

// Emitter fans events out to subscribers without blocking the publisher.
type Emitter struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Events returns a channel for receiving events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (e *Emitter) Events() <-chan Event {
	ch := make(chan Event, 100)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
func (e *Emitter) Unsubscribe(ch <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.subs {
		if sub == ch {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit sends an event to all subscribers, dropping it for any that are full.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	subs := make([]chan Event, len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
