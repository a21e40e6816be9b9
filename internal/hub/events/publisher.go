package events

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives every published event. HandleEvent must not
// block; slow consumers queue internally.
type Subscriber interface {
	HandleEvent(Event)
}

// Publisher fans events out to subscribers. The subscriber list is
// copy-on-write: Publish reads an immutable snapshot, so subscribing
// and unsubscribing never contend with the hot path.
type Publisher struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]Subscriber]
}

func NewPublisher() *Publisher {
	p := &Publisher{}
	empty := make([]Subscriber, 0)
	p.subs.Store(&empty)
	return p
}

// Subscribe registers a subscriber and returns its unsubscribe func.
func (p *Publisher) Subscribe(sub Subscriber) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := *p.subs.Load()
	next := make([]Subscriber, len(current)+1)
	copy(next, current)
	next[len(current)] = sub
	p.subs.Store(&next)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		current := *p.subs.Load()
		next := make([]Subscriber, 0, len(current))
		for _, s := range current {
			if s != sub {
				next = append(next, s)
			}
		}
		p.subs.Store(&next)
	}
}

// Publish delivers the event to every current subscriber in order.
func (p *Publisher) Publish(ev Event) {
	for _, sub := range *p.subs.Load() {
		sub.HandleEvent(ev)
	}
}
