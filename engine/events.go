package engine

import (
	"sync"
	"time"
)

// EventType identifies the kind of event emitted on the EventBus.
type EventType int

const (
	// EventDetection carries a *Result after every completed detection.
	EventDetection EventType = iota + 1
	// EventGateClosed carries a GateClosedEvent for each rejected request.
	EventGateClosed
	// EventStatus carries a Status whenever the poller sees a change.
	EventStatus
	// EventCounterReset is emitted after an operator reset.
	EventCounterReset
)

func (t EventType) String() string {
	switch t {
	case EventDetection:
		return "detection"
	case EventGateClosed:
		return "gate-closed"
	case EventStatus:
		return "status"
	case EventCounterReset:
		return "counter-reset"
	default:
		return "unknown"
	}
}

// Event is the envelope emitted by the EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// GateClosedEvent is the payload for EventGateClosed.
type GateClosedEvent struct {
	Trigger int16
	Model   string
}

type subscriber struct {
	fn    func(Event)
	types map[EventType]bool // nil = all
}

// EventBus fans events out to subscribers synchronously. Subscribers must not
// block; slow consumers hand off to their own goroutines.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]subscriber)}
}

// Subscribe registers fn for every event and returns its id.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.SubscribeTypes(fn)
}

// SubscribeTypes registers fn for the listed event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	b.nextID++
	b.subs[b.nextID] = subscriber{fn: fn, types: filter}
	return b.nextID
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit delivers e to every matching subscriber. A nil bus discards events.
func (b *EventBus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[e.Type] {
			fns = append(fns, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
