package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/signalbus/core/messaging"
)

func TestTopic_States(t *testing.T) {
	t.Parallel()

	b := newBus(t)
	require.NoError(t, b.Publish(context.Background(), messaging.NewStringMessage("src", "a", "x")))

	topic, ok := b.Topic("a")
	require.True(t, ok)
	assert.Equal(t, messaging.TopicCreated, topic.State(), "publishing does not mark a topic as subscribed")

	h, err := b.Subscribe(messaging.NewSubscriber("c", "a"), "", newRecorder().callback, 0)
	require.NoError(t, err)
	assert.Equal(t, messaging.TopicHasSubscriptions, topic.State())
	assert.Equal(t, 1, topic.SubscriptionCount())

	h.Dispose()
	assert.Equal(t, 0, topic.SubscriptionCount())

	b.CollectGarbage()
	assert.Equal(t, messaging.TopicNoSubscriptions, topic.State())
	assert.Equal(t, "no_subscriptions", topic.State().String())

	// resubscribing revives an idle topic
	h, err = b.Subscribe(messaging.NewSubscriber("c", "a"), "", newRecorder().callback, 0)
	require.NoError(t, err)
	t.Cleanup(h.Dispose)
	assert.Equal(t, messaging.TopicHasSubscriptions, topic.State())
}

func TestTopic_RemoveOnlySameInstance(t *testing.T) {
	t.Parallel()

	b := newBus(t)
	first, err := b.Subscribe(messaging.NewSubscriber("conn", "a"), "", newRecorder().callback, 0)
	require.NoError(t, err)
	topic, _ := b.Topic("a")

	// a reconnect with the same identity replaces the entry
	second, err := b.Subscribe(messaging.NewSubscriber("conn", "a"), "", newRecorder().callback, 0)
	require.NoError(t, err)
	t.Cleanup(second.Dispose)

	first.Dispose()
	require.Len(t, topic.Subscriptions(), 1)
	assert.Same(t, second.Subscription(), topic.Subscriptions()[0])
}

func TestTopic_Expiry(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	b := newBus(t, messaging.WithClock(mock), messaging.WithTopicTTL(time.Minute))
	require.NoError(t, b.Publish(context.Background(), messaging.NewStringMessage("src", "a", "x")))
	topic, _ := b.Topic("a")

	mock.Add(time.Minute)
	assert.False(t, topic.IsExpired())
	mock.Add(time.Second)
	assert.True(t, topic.IsExpired())

	topic.MarkUsed()
	assert.False(t, topic.IsExpired())
	assert.True(t, mock.Now().Equal(topic.LastUsed()))
}

func TestTopicState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "created", messaging.TopicCreated.String())
	assert.Equal(t, "has_subscriptions", messaging.TopicHasSubscriptions.String())
	assert.Equal(t, "dead", messaging.TopicDead.String())
	assert.Equal(t, "unknown", messaging.TopicState(42).String())
}
