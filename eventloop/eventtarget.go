package eventloop

import (
	"slices"
	"sync"
)

// ListenerID identifies a listener added to an [EventTarget]. The zero
// value is never assigned.
type ListenerID uint64

// Event is passed to each listener by [EventTarget.DispatchEvent].
type Event struct {
	Type   string
	Target *EventTarget
	detail any
}

// NewCustomEvent returns an event of the given type, carrying detail.
func NewCustomEvent(eventType string, detail any) *Event {
	return &Event{Type: eventType, detail: detail}
}

// Detail returns the value the event was created with.
func (e *Event) Detail() any { return e.detail }

type listener struct {
	fn func(*Event)
	id ListenerID
}

// EventTarget dispatches named events to listeners, synchronously and in the
// order they were added. Listeners may be added or removed from any
// goroutine, including from within a listener.
type EventTarget struct {
	mu     sync.Mutex
	byType map[string][]listener
	lastID ListenerID
}

func NewEventTarget() *EventTarget {
	return &EventTarget{byType: make(map[string][]listener)}
}

// AddEventListener adds fn for events of eventType. A nil fn is not added,
// and 0 is returned.
func (t *EventTarget) AddEventListener(eventType string, fn func(*Event)) ListenerID {
	if fn == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastID++
	// dispatch holds on to the old slice, never append in place
	current := t.byType[eventType]
	t.byType[eventType] = append(current[:len(current):len(current)], listener{fn: fn, id: t.lastID})
	return t.lastID
}

// RemoveEventListenerByID removes the listener, reporting whether it was
// present.
func (t *EventTarget) RemoveEventListenerByID(eventType string, id ListenerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.byType[eventType]
	i := slices.IndexFunc(current, func(l listener) bool { return l.id == id })
	if i < 0 {
		return false
	}
	if len(current) == 1 {
		delete(t.byType, eventType)
	} else {
		t.byType[eventType] = slices.Delete(slices.Clone(current), i, i+1)
	}
	return true
}

// DispatchEvent calls the listeners registered for event.Type at the time of
// the call. A listener removed mid-dispatch may still be called once.
func (t *EventTarget) DispatchEvent(event *Event) {
	if event == nil {
		return
	}
	event.Target = t
	t.mu.Lock()
	snapshot := t.byType[event.Type]
	t.mu.Unlock()
	for _, l := range snapshot {
		l.fn(event)
	}
}

func (t *EventTarget) HasEventListeners(eventType string) bool {
	return t.ListenerCount(eventType) != 0
}

func (t *EventTarget) ListenerCount(eventType string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byType[eventType])
}
