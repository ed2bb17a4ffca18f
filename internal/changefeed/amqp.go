package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/medrex/clinic-timeline/pkg/logger"
)

// AMQPBroker propagates changes over a RabbitMQ topic exchange.
// Routing keys are "<topic>.<resourceId>", so a subscription narrowed to one
// resource binds only that key.
type AMQPBroker struct {
	url      string
	exchange string
	buffer   int
	logger   *logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	seq  map[Topic]uint64
}

// NewAMQPBroker dials RabbitMQ and declares the exchange
func NewAMQPBroker(url, exchange string, buffer int, log *logger.Logger) (*AMQPBroker, error) {
	conn, ch, err := dialExchange(url, exchange)
	if err != nil {
		return nil, err
	}
	return &AMQPBroker{
		url:      url,
		exchange: exchange,
		buffer:   buffer,
		logger:   log,
		conn:     conn,
		ch:       ch,
		seq:      make(map[Topic]uint64),
	}, nil
}

func dialExchange(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, ch, nil
}

// routingKey builds the key a message is published under
func routingKey(msg Message) string {
	if msg.Row == nil || msg.Row.ResourceID == "" {
		return string(msg.Topic) + ".none"
	}
	return string(msg.Topic) + "." + msg.Row.ResourceID
}

// bindingKey builds the key a subscription binds with
func bindingKey(topic Topic, resourceFilter string) string {
	if resourceFilter == "" {
		return string(topic) + ".*"
	}
	return string(topic) + "." + resourceFilter
}

// Publish sends msg to the exchange, reopening the publishing channel if it was lost
func (b *AMQPBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		conn, ch, err := dialExchange(b.url, b.exchange)
		if err != nil {
			return err
		}
		b.conn, b.ch = conn, ch
	}

	b.seq[msg.Topic]++
	msg.Sequence = b.seq[msg.Topic]

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal change message: %w", err)
	}

	keys := []string{routingKey(msg)}
	// A row moved between resources must reach subscribers of the old resource too
	if msg.PreviousResourceID != "" && msg.Row != nil && msg.PreviousResourceID != msg.Row.ResourceID {
		keys = append(keys, string(msg.Topic)+"."+msg.PreviousResourceID)
	}

	for _, key := range keys {
		err := b.ch.PublishWithContext(ctx, b.exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			MessageId:    msg.ID,
			Timestamp:    msg.PublishedAt,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish change message: %w", err)
		}
	}
	return nil
}

// Subscribe binds an exclusive queue for topic. Each subscription owns its
// connection so a dropped consumer never affects publishers.
func (b *AMQPBroker) Subscribe(ctx context.Context, topic Topic, resourceFilter string) (*Subscription, error) {
	c := &amqpConsumer{
		broker: b,
		topic:  topic,
		key:    bindingKey(topic, resourceFilter),
	}
	deliveries, err := c.open(ctx)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(topic, resourceFilter, b.buffer, c.close)
	go c.run(sub, deliveries)
	return sub, nil
}

// Ping reports whether the publishing connection is open
func (b *AMQPBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

// Close closes the publishing connection
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type amqpConsumer struct {
	broker *AMQPBroker
	topic  Topic
	key    string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (c *amqpConsumer) open(ctx context.Context) (<-chan amqp.Delivery, error) {
	conn, ch, err := dialExchange(c.broker.url, c.broker.exchange)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (<-chan amqp.Delivery, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	if err := ch.QueueBind(q.Name, c.key, c.broker.exchange, false, nil); err != nil {
		return fail(fmt.Errorf("bind %s: %w", c.key, err))
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume %s: %w", q.Name, err))
	}

	c.mu.Lock()
	c.conn, c.ch = conn, ch
	c.mu.Unlock()
	return deliveries, nil
}

func (c *amqpConsumer) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// run drains deliveries; when the stream ends while the subscription is live,
// it redials with backoff and raises a resync once the new queue is bound.
func (c *amqpConsumer) run(sub *Subscription, deliveries <-chan amqp.Delivery) {
	log := c.broker.logger.WithComponent("changefeed").WithField("topic", c.topic)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sub.Done()
		cancel()
	}()

	for {
		for d := range deliveries {
			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				log.WithError(err).Warn("Dropping malformed change message")
				_ = d.Nack(false, false)
				continue
			}
			sub.offer(msg)
			_ = d.Ack(false)
		}

		if sub.closed() {
			return
		}
		log.Warn("Change feed consumer lost, reconnecting")

		backoff := 100 * time.Millisecond
		for {
			select {
			case <-time.After(backoff):
			case <-sub.Done():
				return
			}
			_ = c.close()
			next, err := c.open(ctx)
			if err == nil {
				deliveries = next
				sub.requestResync()
				break
			}
			log.WithError(err).Warn("Change feed reconnect failed")
			if backoff < 5*time.Second {
				backoff *= 2
			}
		}
	}
}
