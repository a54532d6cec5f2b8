// Package events records and distributes workflow progress events. The log
// is append-only and lives in process memory for the duration of an
// execution; the hub fans events out to live subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// Appender is the write side of the event log, used by the FSMs and the
// controller to emit lifecycle events.
type Appender interface {
	Append(ctx context.Context, event *schema.Event) error
}

// Log is an in-memory append-only event log, sequenced per execution.
type Log struct {
	mu     sync.RWMutex
	seq    int64
	events map[string][]*schema.Event // execution ID -> ordered events
	hub    *Hub                       // optional fan-out, may be nil
}

// NewLog creates an empty event log. When hub is non-nil every appended
// event is also published to it.
func NewLog(hub *Hub) *Log {
	return &Log{
		events: make(map[string][]*schema.Event),
		hub:    hub,
	}
}

// Append records an event, stamping its sequence number and timestamp.
func (l *Log) Append(ctx context.Context, event *schema.Event) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeValidation, "event is nil")
	}
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no execution ID")
	}

	l.mu.Lock()
	l.seq++
	event.Seq = l.seq
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	l.events[event.ExecutionID] = append(l.events[event.ExecutionID], event)
	l.mu.Unlock()

	if l.hub != nil {
		// Best effort: slow subscribers never block the engine.
		_ = l.hub.Publish(ctx, *event)
	}
	return nil
}

// Events returns the ordered events for an execution with Seq > since.
func (l *Log) Events(executionID string, since int64) []*schema.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.events[executionID]
	out := make([]*schema.Event, 0, len(all))
	for _, e := range all {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out
}

// Drop discards the events of a finished execution.
func (l *Log) Drop(executionID string) {
	l.mu.Lock()
	delete(l.events, executionID)
	l.mu.Unlock()
}

var _ Appender = (*Log)(nil)
