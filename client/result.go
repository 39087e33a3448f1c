package client

import (
	"context"

	"github.com/libp2p/go-libp2p-core/peer"
)

// Result is the outcome of one request: either a payload attributed to the
// peer that served it, or an error attributed to the peer that caused it.
// Peer is empty when no single peer was involved, as with ErrNoPeers.
type Result[T any] struct {
	Peer peer.ID
	Data T
	Err  error
}

// Ok reports whether the result carries a payload.
func (r Result[T]) Ok() bool { return r.Err == nil }

// Fut is a one-shot promise for a Result: the producer sends exactly one
// value and closes the channel. Receiving directly is fine for callers
// already in a select loop; everyone else should use Await.
type Fut[T any] <-chan Result[T]

// Await blocks until the result is available or ctx is done. Cancellation
// surfaces as a result carrying ctx.Err(); a future closed without a value
// yields ErrRequestClosed. Abandoning Await never cancels the underlying
// request.
func (f Fut[T]) Await(ctx context.Context) Result[T] {
	select {
	case r, ok := <-f:
		if !ok {
			return Result[T]{Err: ErrRequestClosed}
		}
		return r
	case <-ctx.Done():
		return Result[T]{Err: ctx.Err()}
	}
}

// Resolved returns an already-completed future carrying r.
func Resolved[T any](r Result[T]) Fut[T] {
	out := make(chan Result[T], 1)
	out <- r
	close(out)
	return out
}
