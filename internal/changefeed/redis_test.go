package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/types"
)

func setupTestRedis(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	broker, err := NewRedisBroker("redis://"+s.Addr(), "timeline:", 16, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })
	return broker, s
}

func TestNewRedisBroker_BadURL(t *testing.T) {
	_, err := NewRedisBroker("not-a-url", "timeline:", 16, logger.Discard())
	assert.Error(t, err)
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	broker, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, broker.Ping(ctx))

	sub, err := broker.Subscribe(ctx, TopicSurgeries, "or-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, broker.Publish(ctx, NewMessage(OpInsert, row("s0", "or-2", types.KindSurgery))))
	require.NoError(t, broker.Publish(ctx, NewMessage(OpInsert, row("s1", "or-1", types.KindSurgery))))
	require.NoError(t, broker.Publish(ctx, NewMessage(OpDelete, row("s1", "or-1", types.KindSurgery))))

	first := receive(t, sub)
	assert.Equal(t, "s1", first.Row.ID)
	assert.Equal(t, OpInsert, first.Operation)
	assert.Equal(t, uint64(2), first.Sequence)

	second := receive(t, sub)
	assert.Equal(t, OpDelete, second.Operation)
	assert.Equal(t, uint64(3), second.Sequence)
}

func TestRedisBroker_ChannelPerTopic(t *testing.T) {
	broker, s := setupTestRedis(t)
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, TopicAppointments, "")
	require.NoError(t, err)
	defer sub.Close()

	assert.Contains(t, s.PubSubChannels(""), "timeline:appointments")

	require.NoError(t, broker.Publish(ctx, NewMessage(OpInsert, row("s1", "or-1", types.KindSurgery))))
	require.NoError(t, broker.Publish(ctx, NewMessage(OpInsert, row("a1", "dr-1", types.KindAppointment))))

	msg := receive(t, sub)
	assert.Equal(t, "a1", msg.Row.ID)
}

func TestRedisBroker_ResyncAfterReconnect(t *testing.T) {
	broker, s := setupTestRedis(t)
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, TopicAppointments, "")
	require.NoError(t, err)
	defer sub.Close()

	s.Close()
	require.NoError(t, s.Restart())

	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-sub.C():
			if msg.Operation == OpResync {
				assert.Equal(t, TopicAppointments, msg.Topic)
				return
			}
		case <-deadline:
			t.Fatal("no resync after reconnect")
		}
	}
}

func TestRedisBroker_CloseStopsSubscriptions(t *testing.T) {
	broker, _ := setupTestRedis(t)

	sub, err := broker.Subscribe(context.Background(), TopicAppointments, "")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not released")
	}
}

func TestAMQPKeys(t *testing.T) {
	msg := NewMessage(OpUpdate, row("a1", "dr-7", types.KindAppointment))
	assert.Equal(t, "appointments.dr-7", routingKey(msg))
	assert.Equal(t, "appointments.*", bindingKey(TopicAppointments, ""))
	assert.Equal(t, "surgeries.or-1", bindingKey(TopicSurgeries, "or-1"))
}
