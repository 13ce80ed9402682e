// Package events delivers sync lifecycle notifications to subscribers
// without ever blocking the publisher.
package events

import (
	"sync"
	"time"

	"github.com/robinjoseph08/golib/logger"
)

type Type string

const (
	SyncStarted          Type = "sync:started"
	SyncCompleted        Type = "sync:completed"
	SyncError            Type = "sync:error"
	SyncSkipped          Type = "sync:skipped"
	SyncTimeout          Type = "sync:timeout"
	SyncStateChanged     Type = "sync:state-changed"
	QueueOperationFailed Type = "queue:operation-failed"
)

type Event struct {
	Type   Type
	UserID string
	At     time.Time
	Data   map[string]any
}

// Notifier publishes events. Publish must return promptly regardless of what
// subscribers do.
type Notifier interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

type subscription struct {
	id int
	fn func(Event)
}

// Bus fans events out to subscribers on its own goroutine. Each orchestrator
// gets its own Bus; there is no process-wide instance.
type Bus struct {
	log    logger.Logger
	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	subs   []subscription
	nextID int
	closed bool
}

const defaultBuffer = 64

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b := &Bus{
		log:    logger.New(),
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers fn for every future event and returns a function that
// removes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues an event for delivery. When the buffer is full the event is
// dropped.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.log.Warn("dropping sync event, subscribers are too slow", logger.Data{"type": ev.Type})
	}
}

// Close stops delivery after draining queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for ev := range b.events {
		b.mu.RLock()
		subs := make([]subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.RUnlock()

		for _, s := range subs {
			b.deliver(s, ev)
		}
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("sync event subscriber panicked", logger.Data{"type": ev.Type, "panic": r})
		}
	}()
	s.fn(ev)
}
