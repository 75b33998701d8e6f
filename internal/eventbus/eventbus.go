// Package eventbus implements the process-wide ordered event log of
// spec.md §4.4: a capped ring buffer with monotonic ids, filtered
// subscription, and gap-best-effort replay via a "since" cursor.
package eventbus

import (
	"sync"

	"github.com/brigadehq/agentharness/internal/ids"
)

// EventType names one of the NormalizedEvent payload kinds of spec.md §3.
type EventType string

const (
	AgentStarted       EventType = "agent_started"
	StatusChanged      EventType = "status_changed"
	Output             EventType = "output"
	ToolUse            EventType = "tool_use"
	ToolResult         EventType = "tool_result"
	ErrorEvent         EventType = "error"
	AgentExited        EventType = "agent_exited"
	InputSent          EventType = "input_sent"
	PermissionRequested EventType = "permission_requested"
	QuestionAsked      EventType = "question_asked"
	Unknown            EventType = "unknown"
)

// Event is the common envelope shared by every NormalizedEvent, plus an
// untyped Payload carrying the type-specific fields.
type Event struct {
	ID      string
	Seq     uint64
	Ts      string
	Project string
	AgentID string
	Type    EventType
	Payload map[string]any
}

// Filter restricts subscription/replay to events matching every populated
// field (AND semantics); Types is OR'd internally, then AND'd with the rest.
type Filter struct {
	Project string
	AgentID string
	Types   []EventType
}

func (f Filter) matches(e Event) bool {
	if f.Project != "" && f.Project != e.Project {
		return false
	}
	if f.AgentID != "" && f.AgentID != e.AgentID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type subscription struct {
	id     uint64
	filter Filter
	fn     func(Event)
}

// Bus is the process-wide event log. The zero value is not usable; use New.
type Bus struct {
	mu       sync.Mutex
	ring     []Event
	capacity int
	counter  ids.EventIDCounter
	subs     []subscription
	nextSub  uint64
}

// New creates a Bus retaining up to capacity events.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{capacity: capacity}
}

// Emit appends event, assigning its id/seq, evicting the oldest entry if the
// ring is full, then synchronously notifies every matching subscriber in
// subscription order. A panic inside a callback is recovered so it cannot
// affect other subscribers.
func (b *Bus) Emit(project, agentID string, typ EventType, ts string, payload map[string]any) Event {
	b.mu.Lock()
	id, seq := b.counter.Next()
	e := Event{ID: id, Seq: seq, Ts: ts, Project: project, AgentID: agentID, Type: typ, Payload: payload}

	if len(b.ring) >= b.capacity {
		b.ring = append(b.ring[1:], e)
	} else {
		b.ring = append(b.ring, e)
	}
	subsCopy := make([]subscription, len(b.subs))
	copy(subsCopy, b.subs)
	b.mu.Unlock()

	for _, s := range subsCopy {
		if s.filter.matches(e) {
			invokeSafely(s.fn, e)
		}
	}
	return e
}

func invokeSafely(fn func(Event), e Event) {
	defer func() { _ = recover() }()
	fn(e)
}

// Subscribe registers fn to be called synchronously, in Emit-order, for
// every future event matching filter. The returned func unsubscribes.
func (b *Bus) Subscribe(filter Filter, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs = append(b.subs, subscription{id: id, filter: filter, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Since returns every event still in the ring strictly newer than the event
// numbered by sinceID, matching filter, in emit order. Resumption is
// best-effort: if sinceID has already been evicted the caller receives
// whatever remains.
func (b *Bus) Since(sinceID string, filter Filter) []Event {
	seq, _ := ids.ParseEventID(sinceID)
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, e := range b.ring {
		if e.Seq > seq && filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}
