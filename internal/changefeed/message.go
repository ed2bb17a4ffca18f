// Package changefeed pushes coarse invalidation messages about timeline rows to subscribers.
//
// Delivery is at-least-once with per-topic ordering and no cross-topic ordering.
// A subscriber that falls behind or reconnects receives a single OpResync message
// and must refetch the timeline; queued messages are superseded by that refetch.
package changefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/clinic-timeline/pkg/types"
)

// Topic is one logical stream per event kind
type Topic string

const (
	TopicAppointments Topic = "appointments"
	TopicSurgeries    Topic = "surgeries"
)

// AllTopics lists every topic a full-timeline viewer subscribes to
var AllTopics = []Topic{TopicAppointments, TopicSurgeries}

// TopicFor maps an event kind to its topic
func TopicFor(kind types.EventKind) Topic {
	if kind == types.KindSurgery {
		return TopicSurgeries
	}
	return TopicAppointments
}

// ParseTopic validates a topic name
func ParseTopic(s string) (Topic, error) {
	switch Topic(s) {
	case TopicAppointments, TopicSurgeries:
		return Topic(s), nil
	}
	return "", fmt.Errorf("unknown topic %q", s)
}

// Operation is the kind of row change
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"

	// OpResync is raised locally by a subscription after a gap; it is never published
	OpResync Operation = "resync"
)

// Message is a change hint, not an authoritative diff
type Message struct {
	ID          string                `json:"id"`
	Topic       Topic                 `json:"topic"`
	Operation   Operation             `json:"operation"`
	Row         *types.ScheduledEvent `json:"row,omitempty"`
	Sequence    uint64                `json:"sequence"`
	PublishedAt time.Time             `json:"published_at"`

	// PreviousResourceID is set when an update moved the row to another resource
	PreviousResourceID string `json:"previous_resource_id,omitempty"`
}

// NewMessage builds a message for a committed row change
func NewMessage(op Operation, row *types.ScheduledEvent) Message {
	return Message{
		ID:          uuid.New().String(),
		Topic:       TopicFor(row.Kind),
		Operation:   op,
		Row:         row.Clone(),
		PublishedAt: time.Now().UTC(),
	}
}

// matches reports whether the message concerns resourceFilter
func (m Message) matches(resourceFilter string) bool {
	if resourceFilter == "" || m.Row == nil {
		return true
	}
	return m.Row.ResourceID == resourceFilter || m.PreviousResourceID == resourceFilter
}

// Broker is a change propagation transport
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe acquires a subscription; the caller must Close it
	Subscribe(ctx context.Context, topic Topic, resourceFilter string) (*Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}
