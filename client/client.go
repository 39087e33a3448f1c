// Package client defines the contracts a peer data-retrieval client
// satisfies: batch fetch operations with priority and range-hint routing,
// peer-attributed results, and the adapter that turns a one-element batch
// request into a single-item request.
//
// Concrete clients implement only the *WithPriorityAndRangeHint primitive
// per item kind plus the DownloadClient base; every convenience operation
// is derived from the primitive through the helpers in this package, so
// the batch and single-item paths cannot diverge.
package client

import (
	"context"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/emberchain/go-blockfetch/types"
)

// DownloadClient is the base capability every retrieval client provides,
// independent of the item kind it serves.
type DownloadClient interface {
	// ReportBadMessage notes that p produced an invalid or unusable
	// response, for consumption by a reputation system outside this
	// package. It never blocks and never fails; reporting an unknown
	// peer is a no-op.
	ReportBadMessage(p peer.ID)

	// NumConnectedPeers returns how many peers are currently usable for
	// requests. Advisory only: the count may change between this call
	// and any request that follows it.
	NumConnectedPeers() int
}

// BodiesFut resolves to the bodies returned by one batch request.
type BodiesFut = Fut[[]*types.Body]

// HeadersFut resolves to the headers returned by one batch request.
type HeadersFut = Fut[[]*types.Header]

// ReceiptsFut resolves to per-block receipt lists, one per served hash.
type ReceiptsFut = Fut[[]types.Receipts]

// SingleBodyRequest adapts a one-hash bodies request to a single optional
// body.
type SingleBodyRequest = SingleRequest[*types.Body]

// SingleHeaderRequest adapts a one-hash headers request to a single
// optional header.
type SingleHeaderRequest = SingleRequest[*types.Header]

// BodiesClient fetches block bodies keyed by header hash.
type BodiesClient interface {
	DownloadClient

	// GetBlockBodies fetches hashes at Normal priority with no range
	// hint.
	GetBlockBodies(ctx context.Context, hashes []types.Hash) BodiesFut

	// GetBlockBodiesWithPriority fetches hashes at the given priority
	// with no range hint.
	GetBlockBodiesWithPriority(ctx context.Context, hashes []types.Hash, prio Priority) BodiesFut

	// GetBlockBodiesWithPriorityAndRangeHint is the primitive the other
	// fetch operations derive from. An empty hashes slice resolves
	// immediately to an empty success. Duplicate hashes are allowed.
	// The result carries at most len(hashes) bodies, ordered in an
	// implementation-defined but consistent way.
	GetBlockBodiesWithPriorityAndRangeHint(ctx context.Context, hashes []types.Hash, prio Priority, hint *RangeHint) BodiesFut

	// GetBlockBody fetches one body through the batch primitive.
	GetBlockBody(ctx context.Context, hash types.Hash) *SingleBodyRequest

	// GetBlockBodyWithPriority fetches one body at the given priority
	// through the batch primitive.
	GetBlockBodyWithPriority(ctx context.Context, hash types.Hash, prio Priority) *SingleBodyRequest
}

// HeadersClient fetches headers keyed by their hash.
type HeadersClient interface {
	DownloadClient

	GetHeaders(ctx context.Context, hashes []types.Hash) HeadersFut

	GetHeadersWithPriority(ctx context.Context, hashes []types.Hash, prio Priority) HeadersFut

	// GetHeadersWithPriorityAndRangeHint is the primitive; see
	// BodiesClient for its contract.
	GetHeadersWithPriorityAndRangeHint(ctx context.Context, hashes []types.Hash, prio Priority, hint *RangeHint) HeadersFut

	GetHeader(ctx context.Context, hash types.Hash) *SingleHeaderRequest

	GetHeaderWithPriority(ctx context.Context, hash types.Hash, prio Priority) *SingleHeaderRequest
}

// ReceiptsClient fetches per-block receipt lists keyed by header hash.
type ReceiptsClient interface {
	DownloadClient

	GetReceipts(ctx context.Context, hashes []types.Hash) ReceiptsFut

	GetReceiptsWithPriority(ctx context.Context, hashes []types.Hash, prio Priority) ReceiptsFut

	// GetReceiptsWithPriorityAndRangeHint is the primitive; see
	// BodiesClient for its contract.
	GetReceiptsWithPriorityAndRangeHint(ctx context.Context, hashes []types.Hash, prio Priority, hint *RangeHint) ReceiptsFut
}

// FullClient can assemble complete blocks from their parts.
type FullClient interface {
	HeadersClient
	BodiesClient
}
