package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medrex/clinic-timeline/pkg/logger"
)

// RedisBroker propagates changes over Redis pub/sub, one channel per topic
type RedisBroker struct {
	client *redis.Client
	prefix string
	buffer int
	logger *logger.Logger

	mu  sync.Mutex
	seq map[Topic]uint64
}

// NewRedisBroker connects to redisURL and verifies the connection
func NewRedisBroker(redisURL, prefix string, buffer int, log *logger.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBrokerWithClient(client, prefix, buffer, log), nil
}

// NewRedisBrokerWithClient creates a broker from an existing Redis client
func NewRedisBrokerWithClient(client *redis.Client, prefix string, buffer int, log *logger.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		prefix: prefix,
		buffer: buffer,
		logger: log,
		seq:    make(map[Topic]uint64),
	}
}

func (b *RedisBroker) channel(topic Topic) string {
	return b.prefix + string(topic)
}

// Publish sends msg to the topic channel. Sequence numbers are per publishing process.
func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	b.seq[msg.Topic]++
	msg.Sequence = b.seq[msg.Topic]
	b.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal change message: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel(msg.Topic), payload).Err(); err != nil {
		return fmt.Errorf("publish change message: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub connection for topic and waits for the subscription to be confirmed
func (b *RedisBroker) Subscribe(ctx context.Context, topic Topic, resourceFilter string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel(topic))

	// The first reply is the subscribe confirmation; anything published after it is delivered.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	sub := newSubscription(topic, resourceFilter, b.buffer, ps.Close)
	go b.receive(ps, sub)
	return sub, nil
}

// receive pumps pub/sub replies into sub. go-redis reconnects and re-subscribes
// on the next Receive after a failure; the resulting confirmation marks a gap.
func (b *RedisBroker) receive(ps *redis.PubSub, sub *Subscription) {
	log := b.logger.WithComponent("changefeed").WithField("topic", sub.Topic())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sub.Done()
		cancel()
	}()

	backoff := 50 * time.Millisecond
	for {
		reply, err := ps.Receive(ctx)
		if err != nil {
			if sub.closed() {
				return
			}
			if errors.Is(err, redis.ErrClosed) {
				sub.Close()
				return
			}
			log.WithError(err).Warn("Change feed receive failed, reconnecting")
			select {
			case <-time.After(backoff):
			case <-sub.Done():
				return
			}
			if backoff < 2*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 50 * time.Millisecond

		switch v := reply.(type) {
		case *redis.Subscription:
			if v.Kind == "subscribe" {
				log.Info("Change feed re-subscribed, requesting resync")
				sub.requestResync()
			}
		case *redis.Message:
			var msg Message
			if err := json.Unmarshal([]byte(v.Payload), &msg); err != nil {
				log.WithError(err).Warn("Dropping malformed change message")
				continue
			}
			sub.offer(msg)
		}
	}
}

// Ping checks if Redis is reachable
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client; open subscriptions observe the error and stop
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
