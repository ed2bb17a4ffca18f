package changefeed

import (
	"sync"
	"time"
)

// Subscription is an explicit handle on one topic stream.
// It is released by Close; C is closed once the handle is released.
type Subscription struct {
	topic    Topic
	filter   string
	capacity int

	mu     sync.Mutex
	queue  []Message
	resync bool

	wake chan struct{}
	out  chan Message
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
	release   func() error
	onResync  func(Topic)
}

func newSubscription(topic Topic, filter string, capacity int, release func() error) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Subscription{
		topic:    topic,
		filter:   filter,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		out:      make(chan Message),
		done:     make(chan struct{}),
		release:  release,
	}
	go s.pump()
	return s
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() Topic {
	return s.topic
}

// ResourceFilter returns the resource the subscription is narrowed to, or ""
func (s *Subscription) ResourceFilter() string {
	return s.filter
}

// C returns the ordered message stream
func (s *Subscription) C() <-chan Message {
	return s.out
}

// Done is closed when the subscription is released
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// OnResync registers a hook called whenever a resync is raised
func (s *Subscription) OnResync(fn func(Topic)) {
	s.mu.Lock()
	s.onResync = fn
	s.mu.Unlock()
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// offer enqueues msg without blocking the transport. On overflow the queue is
// discarded and a resync is raised instead.
func (s *Subscription) offer(msg Message) {
	if msg.Topic != s.topic || !msg.matches(s.filter) || s.closed() {
		return
	}

	s.mu.Lock()
	var hook func(Topic)
	switch {
	case s.resync:
		// pending refetch already covers this change
	case len(s.queue) >= s.capacity:
		s.queue = nil
		s.resync = true
		hook = s.onResync
	default:
		s.queue = append(s.queue, msg)
	}
	s.mu.Unlock()

	if hook != nil {
		hook(s.topic)
	}
	s.signal()
}

// requestResync discards queued messages and schedules a resync
func (s *Subscription) requestResync() {
	s.mu.Lock()
	s.queue = nil
	already := s.resync
	s.resync = true
	hook := s.onResync
	s.mu.Unlock()

	if hook != nil && !already {
		hook(s.topic)
	}
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resync {
		s.resync = false
		return Message{Topic: s.topic, Operation: OpResync, PublishedAt: time.Now().UTC()}, true
	}
	if len(s.queue) > 0 {
		msg := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		return msg, true
	}
	return Message{}, false
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		msg, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
