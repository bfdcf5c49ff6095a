package broadcast_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskfall-labs/corevault/internal/broadcast"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	hub := broadcast.NewHub()
	ch := hub.Subscribe(broadcast.KeySearchPaths, 4)

	hub.Publish(broadcast.KeySearchPaths, "/a/b")

	select {
	case ev := <-ch:
		require.Equal(t, broadcast.KeySearchPaths, ev.Key)
		require.Equal(t, "/a/b", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	hub := broadcast.NewHub()
	ch := hub.Subscribe(broadcast.KeyCreated, 1)

	hub.Publish(broadcast.KeyCreated, 1)
	hub.Publish(broadcast.KeyCreated, 2) // subscriber buffer full; must not block

	<-ch
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := broadcast.NewHub()
	ch := hub.Subscribe(broadcast.KeyCreated, 1)
	hub.Unsubscribe(broadcast.KeyCreated, ch)

	_, ok := <-ch
	require.False(t, ok)
}
