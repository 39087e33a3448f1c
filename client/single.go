package client

import "context"

// SingleRequest adapts a batch future into a single-item request. A
// successful batch with at least one element projects to its first
// element; a successful empty batch projects to the zero value of T,
// which is how a responding peer reports that it does not have the
// item. Failures pass through unchanged, peer attribution included.
//
// The adapter is a thin projection over the underlying future. It
// spawns no goroutines and copies no payload data. Await consumes the
// future, so call it at most once.
type SingleRequest[T any] struct {
	fut Fut[[]T]
}

// NewSingleRequest wraps a batch future that carries at most one
// element.
func NewSingleRequest[T any](fut Fut[[]T]) *SingleRequest[T] {
	return &SingleRequest[T]{fut: fut}
}

// Await blocks until the request resolves or ctx is done.
func (r *SingleRequest[T]) Await(ctx context.Context) Result[T] {
	br := r.fut.Await(ctx)
	out := Result[T]{Peer: br.Peer, Err: br.Err}
	if br.Err == nil && len(br.Data) > 0 {
		out.Data = br.Data[0]
	}
	return out
}
