package client

import (
	"context"

	"github.com/emberchain/go-blockfetch/types"
)

// FetchFunc is the fully-parameterized fetch entry point of a client.
// The simpler request forms are all derived from it.
type FetchFunc[T any] func(ctx context.Context, hashes []types.Hash, priority Priority, hint *RangeHint) Fut[[]T]

// Fetch requests hashes at Normal priority with no range hint.
func Fetch[T any](ctx context.Context, hashes []types.Hash, fetch FetchFunc[T]) Fut[[]T] {
	return fetch(ctx, hashes, Normal, nil)
}

// FetchWithPriority requests hashes at the given priority with no
// range hint.
func FetchWithPriority[T any](ctx context.Context, hashes []types.Hash, priority Priority, fetch FetchFunc[T]) Fut[[]T] {
	return fetch(ctx, hashes, priority, nil)
}

// FetchOne requests a single hash at Normal priority.
func FetchOne[T any](ctx context.Context, hash types.Hash, fetch FetchFunc[T]) *SingleRequest[T] {
	return NewSingleRequest(fetch(ctx, []types.Hash{hash}, Normal, nil))
}

// FetchOneWithPriority requests a single hash at the given priority.
func FetchOneWithPriority[T any](ctx context.Context, hash types.Hash, priority Priority, fetch FetchFunc[T]) *SingleRequest[T] {
	return NewSingleRequest(fetch(ctx, []types.Hash{hash}, priority, nil))
}
