package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberchain/go-blockfetch/types"
)

func TestAwaitResolved(t *testing.T) {
	fut := Resolved(Result[int]{Peer: "peerA", Data: 42})

	res := fut.Await(context.Background())
	require.NoError(t, res.Err)
	require.True(t, res.Ok())
	require.Equal(t, 42, res.Data)
	require.Equal(t, "peerA", string(res.Peer))
}

func TestAwaitFailure(t *testing.T) {
	fut := Resolved(Result[int]{Peer: "peerA", Err: ErrTimeout})

	res := fut.Await(context.Background())
	require.ErrorIs(t, res.Err, ErrTimeout)
	require.False(t, res.Ok())
	require.Equal(t, "peerA", string(res.Peer))
}

func TestAwaitContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan Result[int])
	res := Fut[int](ch).Await(ctx)
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestAwaitClosedChannel(t *testing.T) {
	ch := make(chan Result[int])
	close(ch)

	res := Fut[int](ch).Await(context.Background())
	require.ErrorIs(t, res.Err, ErrRequestClosed)
}

func TestAwaitDoesNotBlockAfterResolve(t *testing.T) {
	ch := make(chan Result[[]*types.Body], 1)
	ch <- Result[[]*types.Body]{Data: []*types.Body{}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res := Fut[[]*types.Body](ch).Await(ctx)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Data)
}

func TestResultErrorChaining(t *testing.T) {
	wrapped := errors.New("stream reset")
	res := Result[int]{Err: wrapped}
	require.False(t, res.Ok())
	require.ErrorIs(t, res.Err, wrapped)
}
