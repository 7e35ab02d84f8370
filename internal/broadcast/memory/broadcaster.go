// Package memory contains an in-memory broadcaster for tests.
package memory

import (
	"context"
	"sync"
)

// Broadcaster stores published events for inspection.
type Broadcaster struct {
	mu     sync.RWMutex
	events []PublishedEvent
	err    error
}

// PublishedEvent captures one publish call.
type PublishedEvent struct {
	Topic   string
	Payload any
}

// New returns a memory Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{}
}

// FailWith makes every subsequent Publish return err. Used to exercise
// the swallow-and-log side-effect policy.
func (b *Broadcaster) FailWith(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Publish records the event.
func (b *Broadcaster) Publish(_ context.Context, topic string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, PublishedEvent{Topic: topic, Payload: payload})
	return nil
}

// Events returns a copy of the recorded publishes.
func (b *Broadcaster) Events() []PublishedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PublishedEvent, len(b.events))
	copy(out, b.events)
	return out
}
