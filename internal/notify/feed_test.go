package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_BroadcastsToAllSubscribers(t *testing.T) {
	feed := NewFeed[int]("test")
	a, cancelA := feed.Subscribe(4)
	b, cancelB := feed.Subscribe(4)
	defer cancelA()
	defer cancelB()

	feed.Publish(1)
	feed.Publish(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-b)
	assert.Equal(t, 2, <-b)
}

func TestFeed_FullSubscriberDoesNotBlock(t *testing.T) {
	feed := NewFeed[int]("test")
	ch, cancel := feed.Subscribe(1)
	defer cancel()

	feed.Publish(1)
	feed.Publish(2)

	assert.Equal(t, 1, <-ch)
	assert.Len(t, ch, 0)
}

func TestFeed_UnsubscribeClosesChannel(t *testing.T) {
	feed := NewFeed[string]("test")
	ch, cancel := feed.Subscribe(1)

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, feed.Subscribers())

	feed.Publish("ignored")
}

func TestFeed_CloseEndsSubscriptions(t *testing.T) {
	feed := NewFeed[bool]("test")
	ch, cancel := feed.Subscribe(1)

	feed.Close()
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	late, _ := feed.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
