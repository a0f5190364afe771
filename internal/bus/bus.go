// Package bus is the in-process topic publish/subscribe hub that decouples
// stream producers from the cache, the execution system and strategies.
package bus

import (
	"fmt"
	"runtime/debug"
	"sync"

	"execflow/internal/metrics"
	"execflow/logger"
)

// Handler consumes one message published on a topic.
type Handler func(topic string, msg any)

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus delivers every published message synchronously, on the publisher's
// goroutine, to the handlers subscribed to its topic at publish time. A
// single topic therefore observes publish order; no order holds across topics.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string][]subscription
	byID    map[SubscriptionID]string
	nextID  SubscriptionID
	log     *logger.Log
	metrics *metrics.Collector
}

func New(log *logger.Log, m *metrics.Collector) *Bus {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Bus{
		topics:  make(map[string][]subscription),
		byID:    make(map[SubscriptionID]string),
		log:     log,
		metrics: m,
	}
}

// Subscribe registers handler on topic. A zero id is returned for a nil handler.
func (b *Bus) Subscribe(topic string, handler Handler) SubscriptionID {
	if handler == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	b.byID[id] = topic
	return id
}

func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	subs := b.topics[topic]
	kept := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = kept
}

// Publish hands msg to every current subscriber of topic. A handler that
// panics is logged and skipped; the remaining handlers still run.
func (b *Bus) Publish(topic string, msg any) {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(topic, s, msg)
	}
}

// HasSubscribers reports whether anything listens on topic.
func (b *Bus) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic]) > 0
}

func (b *Bus) deliver(topic string, s subscription, msg any) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.Inc(metrics.HandlerFailures, topic)
			b.log.WithComponent("bus").WithFields(logger.Fields{
				"topic":        topic,
				"subscription": s.id,
				"panic":        fmt.Sprint(r),
				"stack":        string(debug.Stack()),
			}).Error("bus handler failed")
		}
	}()
	s.handler(topic, msg)
}
