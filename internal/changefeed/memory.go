package changefeed

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerClosed is returned by operations on a closed broker
var ErrBrokerClosed = errors.New("changefeed: broker closed")

// MemoryBroker fans messages out to in-process subscriptions
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[Topic]map[*Subscription]struct{}
	seq    map[Topic]uint64
	buffer int
	closed bool
}

// NewMemoryBroker creates an in-process broker; buffer bounds each subscription's queue
func NewMemoryBroker(buffer int) *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[Topic]map[*Subscription]struct{}),
		seq:    make(map[Topic]uint64),
		buffer: buffer,
	}
}

// Publish delivers msg to every subscription on its topic. Offers never block,
// and the broker lock is held across the fan-out so per-topic order is kept.
func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	b.seq[msg.Topic]++
	msg.Sequence = b.seq[msg.Topic]
	for sub := range b.subs[msg.Topic] {
		sub.offer(msg)
	}
	return nil
}

// Subscribe registers a new subscription on topic
func (b *MemoryBroker) Subscribe(ctx context.Context, topic Topic, resourceFilter string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	var sub *Subscription
	sub = newSubscription(topic, resourceFilter, b.buffer, func() error {
		b.mu.Lock()
		delete(b.subs[topic], sub)
		b.mu.Unlock()
		return nil
	})

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on topic
func (b *MemoryBroker) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Disconnect simulates a dropped connection: every subscription on topic is told to resync
func (b *MemoryBroker) Disconnect(topic Topic) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		sub.requestResync()
	}
}

// Ping always succeeds unless the broker is closed
func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

// Close releases every subscription
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}
