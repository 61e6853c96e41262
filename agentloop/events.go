package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventTaskStart          EventKind = "task_start"
	EventRouted             EventKind = "routed"
	EventPlan               EventKind = "plan"
	EventMemoryContext      EventKind = "memory_context"
	EventIteration          EventKind = "iteration"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventAssistantText      EventKind = "assistant_text"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventToolDenied         EventKind = "tool_denied"
	EventToolRetry          EventKind = "tool_retry"
	EventReflection         EventKind = "reflection"
	EventWarning            EventKind = "warning"
	EventError              EventKind = "error"
	EventTaskEnd            EventKind = "task_end"
)

// SessionEvent is a typed event emitted by the agent loop.
type SessionEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers events to the host over a buffered channel. The
// loop never blocks on it: events are dropped when the buffer is full.
type EventEmitter struct {
	mu        sync.Mutex
	sessionID string
	taskID    string
	ch        chan SessionEvent
	closed    bool
	dropped   int
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan SessionEvent, bufferSize),
	}
}

func (e *EventEmitter) setTask(taskID string) {
	e.mu.Lock()
	e.taskID = taskID
	e.mu.Unlock()
}

// Emit sends an event. It is a no-op after Close.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := SessionEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		TaskID:    e.taskID,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
		e.dropped++
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan SessionEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
