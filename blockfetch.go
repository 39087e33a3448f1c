// Package blockfetch implements peer-to-peer retrieval of block data:
// headers, bodies and receipts are fetched from connected peers by hash,
// and the same node answers its peers' requests from a local store.
package blockfetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/ipfs/go-metrics-interface"
	process "github.com/jbenet/goprocess"
	procctx "github.com/jbenet/goprocess/context"
	"github.com/libp2p/go-libp2p-core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/emberchain/go-blockfetch/chainspec"
	"github.com/emberchain/go-blockfetch/client"
	"github.com/emberchain/go-blockfetch/internal"
	"github.com/emberchain/go-blockfetch/internal/defaults"
	"github.com/emberchain/go-blockfetch/internal/fetcher"
	"github.com/emberchain/go-blockfetch/internal/peertracker"
	"github.com/emberchain/go-blockfetch/internal/responder"
	"github.com/emberchain/go-blockfetch/message"
	bsnet "github.com/emberchain/go-blockfetch/network"
	"github.com/emberchain/go-blockfetch/store"
	"github.com/emberchain/go-blockfetch/tracer"
	"github.com/emberchain/go-blockfetch/types"
)

var log = logging.Logger("blockfetch")

var (
	_ client.FullClient     = (*Blockfetch)(nil)
	_ client.ReceiptsClient = (*Blockfetch)(nil)
	_ bsnet.Receiver        = (*Blockfetch)(nil)
)

// New initializes a blockfetch instance that communicates over the
// provided network and serves peers from bstore. This function registers
// the returned instance as the network delegate. Runs until the context
// is cancelled or blockfetch.Close is called.
func New(parent context.Context, network bsnet.Network, bstore *store.Store,
	spec *chainspec.Spec, options ...Option) *Blockfetch {

	ctx, cancelFunc := context.WithCancel(parent)
	ctx = metrics.CtxSubScope(ctx, "blockfetch")

	px := process.WithTeardown(func() error {
		return nil
	})

	bs := &Blockfetch{
		network:        network,
		store:          bstore,
		spec:           spec,
		process:        px,
		counters:       new(counters),
		requestTimeout: defaults.RequestTimeout,
		responderCfg:   responder.DefaultConfig(),
		storedBlocks: metrics.NewCtx(ctx, "stored_blocks_total",
			"Total blocks written through NotifyNewBlocks.").Counter(),
	}

	// apply functional options before starting and running blockfetch
	for _, option := range options {
		option(bs)
	}

	genesis := spec.GenesisHash()
	bs.tracker = peertracker.New(network.ConnectionManager(), genesis, bs.scoreParams)
	bs.fetcher = fetcher.New(ctx, network, bs.tracker, bs.requestTimeout, bs.tracer)
	bs.responder = responder.New(ctx, network, bstore, genesis, network.ConnectionManager(), bs.tracer, bs.responderCfg)

	network.SetDelegate(bs)

	bs.responder.StartWorkers(ctx, px)

	// bind the context and process.
	// do it over here to avoid closing before all setup is done.
	go func() {
		<-px.Closing() // process closes first
		_ = bs.fetcher.Close()
		cancelFunc()
		network.Stop()
	}()
	procctx.CloseAfterContext(px, ctx) // parent cancelled first

	return bs
}

// Blockfetch instances implement the block retrieval protocol: the
// client contracts on the fetching side and the responder that serves
// inbound requests from the local store.
type Blockfetch struct {
	// network delivers messages on behalf of the instance
	network bsnet.Network

	// store is the local block database, shared with the responder
	store *store.Store

	// spec identifies the chain this node participates in
	spec *chainspec.Spec

	process process.Process

	tracker   *peertracker.Tracker
	fetcher   *fetcher.Fetcher
	responder *responder.Responder

	// Counters for various statistics
	counterLk sync.Mutex
	counters  *counters

	storedBlocks metrics.Counter

	// External statistics interface
	tracer tracer.Tracer

	requestTimeout time.Duration
	responderCfg   responder.Config
	scoreParams    *peertracker.ScoreParams
}

type counters struct {
	messagesRecvd  uint64
	requestsRecvd  uint64
	responsesRecvd uint64
	statusRecvd    uint64
	blocksStored   uint64
}

// GetBlockBodies fetches the bodies for hashes from one selected peer at
// Normal priority.
func (bs *Blockfetch) GetBlockBodies(ctx context.Context, hashes []types.Hash) client.BodiesFut {
	return client.Fetch(ctx, hashes, bs.GetBlockBodiesWithPriorityAndRangeHint)
}

// GetBlockBodiesWithPriority fetches bodies at the given priority.
func (bs *Blockfetch) GetBlockBodiesWithPriority(ctx context.Context, hashes []types.Hash, prio client.Priority) client.BodiesFut {
	return client.FetchWithPriority(ctx, hashes, prio, bs.GetBlockBodiesWithPriorityAndRangeHint)
}

// GetBlockBodiesWithPriorityAndRangeHint is the bodies primitive; the
// other body operations derive from it.
func (bs *Blockfetch) GetBlockBodiesWithPriorityAndRangeHint(ctx context.Context, hashes []types.Hash, prio client.Priority, hint *client.RangeHint) client.BodiesFut {
	ctx, span := internal.StartSpan(ctx, "GetBlockBodies", trace.WithAttributes(attribute.Int("NumHashes", len(hashes))))
	defer span.End()
	return bs.fetcher.GetBodies(ctx, hashes, prio, hint)
}

// GetBlockBody fetches one body through the batch primitive.
func (bs *Blockfetch) GetBlockBody(ctx context.Context, hash types.Hash) *client.SingleBodyRequest {
	return client.FetchOne(ctx, hash, bs.GetBlockBodiesWithPriorityAndRangeHint)
}

// GetBlockBodyWithPriority fetches one body at the given priority.
func (bs *Blockfetch) GetBlockBodyWithPriority(ctx context.Context, hash types.Hash, prio client.Priority) *client.SingleBodyRequest {
	return client.FetchOneWithPriority(ctx, hash, prio, bs.GetBlockBodiesWithPriorityAndRangeHint)
}

// GetHeaders fetches the headers for hashes from one selected peer at
// Normal priority.
func (bs *Blockfetch) GetHeaders(ctx context.Context, hashes []types.Hash) client.HeadersFut {
	return client.Fetch(ctx, hashes, bs.GetHeadersWithPriorityAndRangeHint)
}

// GetHeadersWithPriority fetches headers at the given priority.
func (bs *Blockfetch) GetHeadersWithPriority(ctx context.Context, hashes []types.Hash, prio client.Priority) client.HeadersFut {
	return client.FetchWithPriority(ctx, hashes, prio, bs.GetHeadersWithPriorityAndRangeHint)
}

// GetHeadersWithPriorityAndRangeHint is the headers primitive; the other
// header operations derive from it.
func (bs *Blockfetch) GetHeadersWithPriorityAndRangeHint(ctx context.Context, hashes []types.Hash, prio client.Priority, hint *client.RangeHint) client.HeadersFut {
	ctx, span := internal.StartSpan(ctx, "GetHeaders", trace.WithAttributes(attribute.Int("NumHashes", len(hashes))))
	defer span.End()
	return bs.fetcher.GetHeaders(ctx, hashes, prio, hint)
}

// GetHeader fetches one header through the batch primitive.
func (bs *Blockfetch) GetHeader(ctx context.Context, hash types.Hash) *client.SingleHeaderRequest {
	return client.FetchOne(ctx, hash, bs.GetHeadersWithPriorityAndRangeHint)
}

// GetHeaderWithPriority fetches one header at the given priority.
func (bs *Blockfetch) GetHeaderWithPriority(ctx context.Context, hash types.Hash, prio client.Priority) *client.SingleHeaderRequest {
	return client.FetchOneWithPriority(ctx, hash, prio, bs.GetHeadersWithPriorityAndRangeHint)
}

// GetReceipts fetches per-block receipt lists for hashes from one
// selected peer at Normal priority.
func (bs *Blockfetch) GetReceipts(ctx context.Context, hashes []types.Hash) client.ReceiptsFut {
	return client.Fetch(ctx, hashes, bs.GetReceiptsWithPriorityAndRangeHint)
}

// GetReceiptsWithPriority fetches receipt lists at the given priority.
func (bs *Blockfetch) GetReceiptsWithPriority(ctx context.Context, hashes []types.Hash, prio client.Priority) client.ReceiptsFut {
	return client.FetchWithPriority(ctx, hashes, prio, bs.GetReceiptsWithPriorityAndRangeHint)
}

// GetReceiptsWithPriorityAndRangeHint is the receipts primitive; the
// other receipt operations derive from it.
func (bs *Blockfetch) GetReceiptsWithPriorityAndRangeHint(ctx context.Context, hashes []types.Hash, prio client.Priority, hint *client.RangeHint) client.ReceiptsFut {
	ctx, span := internal.StartSpan(ctx, "GetReceipts", trace.WithAttributes(attribute.Int("NumHashes", len(hashes))))
	defer span.End()
	return bs.fetcher.GetReceipts(ctx, hashes, prio, hint)
}

// GetFullBlock assembles one block from its header and body, fetched
// concurrently through the single-item adapters.
func (bs *Blockfetch) GetFullBlock(ctx context.Context, hash types.Hash) (*types.Block, error) {
	return bs.fetcher.GetFullBlock(ctx, hash)
}

// ReportBadMessage notes that p produced an invalid or unusable response.
// The peer's score drops; peers below the usable threshold are no longer
// selected.
func (bs *Blockfetch) ReportBadMessage(p peer.ID) {
	bs.fetcher.ReportBadMessage(p)
}

// NumConnectedPeers returns how many peers are currently usable for
// requests.
func (bs *Blockfetch) NumConnectedPeers() int {
	return bs.fetcher.NumConnectedPeers()
}

// NotifyNewBlocks stores freshly imported blocks and schedules a
// debounced status broadcast advertising the new coverage.
func (bs *Blockfetch) NotifyNewBlocks(ctx context.Context, blks ...*types.Block) error {
	return bs.NotifyNewBlocksWithReceipts(ctx, blks, nil)
}

// NotifyNewBlocksWithReceipts stores blocks together with their receipt
// lists. rcpts may be nil; otherwise it must hold one list per block.
func (bs *Blockfetch) NotifyNewBlocksWithReceipts(ctx context.Context, blks []*types.Block, rcpts []types.Receipts) error {
	ctx, span := internal.StartSpan(ctx, "NotifyNewBlocks", trace.WithAttributes(attribute.Int("NumBlocks", len(blks))))
	defer span.End()

	if rcpts != nil && len(rcpts) != len(blks) {
		return fmt.Errorf("got %d receipt lists for %d blocks", len(rcpts), len(blks))
	}
	for i, b := range blks {
		var r types.Receipts
		if rcpts != nil {
			r = rcpts[i]
		}
		if err := bs.store.Put(ctx, b, r); err != nil {
			return err
		}
		bs.storedBlocks.Inc()
	}

	bs.counterLk.Lock()
	bs.counters.blocksStored += uint64(len(blks))
	bs.counterLk.Unlock()

	if len(blks) > 0 {
		bs.responder.HeadUpdated()
	}
	return nil
}

// ReceiveMessage is called by the network interface when a new message is
// received.
func (bs *Blockfetch) ReceiveMessage(ctx context.Context, p peer.ID, incoming *message.Message) {
	bs.counterLk.Lock()
	bs.counters.messagesRecvd++
	if incoming.Request != nil {
		bs.counters.requestsRecvd++
	}
	if incoming.Response != nil {
		bs.counters.responsesRecvd++
	}
	if incoming.Status != nil {
		bs.counters.statusRecvd++
	}
	bs.counterLk.Unlock()

	if bs.tracer != nil {
		bs.tracer.MessageReceived(p, incoming)
	}

	if st := incoming.Status; st != nil {
		log.Debugf("[recv] status; peer=%s, head=%d", p, st.HeadHeight)
		bs.tracker.UpdateStatus(p, st)
	}
	if req := incoming.Request; req != nil {
		bs.responder.ReceiveRequest(p, req)
	}
	if resp := incoming.Response; resp != nil {
		bs.fetcher.HandleResponse(p, resp)
	}
}

// ReceiveError is called by the network interface when an error happens
// at the network layer. Currently just logs the error.
func (bs *Blockfetch) ReceiveError(err error) {
	log.Infof("Blockfetch ReceiveError: %s", err)
}

// PeerConnected is called by the network interface
// when a peer initiates a new connection to blockfetch.
func (bs *Blockfetch) PeerConnected(p peer.ID) {
	bs.fetcher.PeerConnected(p)
	bs.responder.PeerConnected(p)
}

// PeerDisconnected is called by the network interface when a peer
// closes a connection.
func (bs *Blockfetch) PeerDisconnected(p peer.ID) {
	bs.fetcher.PeerDisconnected(p)
	bs.responder.PeerDisconnected(p)
}

// Close is called to shutdown blockfetch. Pending fetches resolve with
// ErrRequestClosed.
func (bs *Blockfetch) Close() error {
	return bs.process.Close()
}
