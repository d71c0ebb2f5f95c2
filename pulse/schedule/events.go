package schedule

import (
	"sync"
	"time"

	"github.com/teranos/ingestd/pulse/job"
)

// EventType names a lease-protocol state change
type EventType string

const (
	EventCreated     EventType = "created"
	EventPromoted    EventType = "promoted"
	EventClaimed     EventType = "claimed"
	EventUnclaimed   EventType = "unclaimed"
	EventCheckpoint  EventType = "checkpoint"
	EventCompleted   EventType = "completed"
	EventCanceled    EventType = "canceled"
	EventInvalidated EventType = "invalidated"
	EventTimedOut    EventType = "timed_out"
)

// JobEvent is published after every successful transition
type JobEvent struct {
	Type     EventType     `json:"type"`
	Instance *job.Instance `json:"instance"`
	At       time.Time     `json:"at"`
}

// Broadcaster fans job events out to subscribers. Slow subscribers miss
// events rather than blocking the scheduler.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan JobEvent
	nextID int
	buffer int
	closed bool
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold buffer events
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{subs: make(map[int]chan JobEvent), buffer: buffer}
}

// Subscribe returns an event channel and the function that releases it
func (b *Broadcaster) Subscribe() (<-chan JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan JobEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer
func (b *Broadcaster) Publish(ev JobEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends every subscription
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribers returns the current subscriber count
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
