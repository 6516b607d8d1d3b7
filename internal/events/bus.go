// Package events is a small typed publish/subscribe bus.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

// Topic names a stream of payloads of type T.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name.
func (t Topic[T]) Name() string {
	return t.name
}

var (
	VerificationComplete = NewTopic[domain.VerificationResult]("verificationComplete")
	DiscrepancyDetected  = NewTopic[domain.Discrepancy]("discrepancyDetected")
)

type subscription struct {
	id      uint64
	handler func(any)
}

// Bus delivers payloads to handlers in subscription order. A panicking
// handler is logged and does not stop delivery to the others.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[string][]subscription)}
}

// Subscribe registers handler on topic and returns a func that removes it.
func Subscribe[T any](b *Bus, topic Topic[T], handler func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic.name] = append(b.subs[topic.name], subscription{
		id:      id,
		handler: func(v any) { handler(v.(T)) },
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic.name]
			for i, s := range subs {
				if s.id == id {
					b.subs[topic.name] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers payload synchronously to every current subscriber.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[topic.name]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(topic.name, s, payload)
	}
}

func (b *Bus) deliver(topic string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", topic, "panic", fmt.Sprint(r))
		}
	}()
	s.handler(payload)
}
