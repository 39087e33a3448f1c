package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberchain/go-blockfetch/client"
	"github.com/emberchain/go-blockfetch/message"
)

func assertReceive(t *testing.T, ch <-chan *Resolution, id uint64) *Resolution {
	t.Helper()
	select {
	case res := <-ch:
		require.NotNil(t, res)
		require.Equal(t, id, res.ID)
		return res
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for resolution %d", id)
	}
	return nil
}

func TestPublishSubscribe(t *testing.T) {
	n := New()
	defer n.Shutdown()

	ch := n.Subscribe(context.Background(), 1)
	n.Publish(&Resolution{ID: 1, From: "peerA", Response: &message.Response{ID: 1, Kind: message.KindBodies}})

	res := assertReceive(t, ch, 1)
	require.Equal(t, "peerA", string(res.From))
	require.NoError(t, res.Err)

	// One resolution per id, then the channel closes.
	_, ok := <-ch
	require.False(t, ok)
}

func TestSubscribeMany(t *testing.T) {
	n := New()
	defer n.Shutdown()

	ch := n.Subscribe(context.Background(), 1, 2)
	n.Publish(&Resolution{ID: 2, Err: client.ErrTimeout})
	n.Publish(&Resolution{ID: 1, Response: &message.Response{ID: 1}})

	first := assertReceive(t, ch, 2)
	require.ErrorIs(t, first.Err, client.ErrTimeout)
	assertReceive(t, ch, 1)

	_, ok := <-ch
	require.False(t, ok)
}

func TestDuplicateSubscribers(t *testing.T) {
	n := New()
	defer n.Shutdown()

	ch1 := n.Subscribe(context.Background(), 5)
	ch2 := n.Subscribe(context.Background(), 5)
	n.Publish(&Resolution{ID: 5})

	assertReceive(t, ch1, 5)
	assertReceive(t, ch2, 5)
}

func TestSubscribeNothing(t *testing.T) {
	n := New()
	defer n.Shutdown()

	ch := n.Subscribe(context.Background())
	_, ok := <-ch
	require.False(t, ok)
}

func TestCancelSubscription(t *testing.T) {
	n := New()
	defer n.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	ch := n.Subscribe(ctx, 9)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close on cancel")
	}

	// A publish after cancellation goes nowhere, and must not block.
	n.Publish(&Resolution{ID: 9})
}

func TestShutdownClosesSubscriptions(t *testing.T) {
	n := New()

	ch := n.Subscribe(context.Background(), 3)
	n.Shutdown()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close on shutdown")
	}

	// Publishing after shutdown is a no-op.
	n.Publish(&Resolution{ID: 3})
}
