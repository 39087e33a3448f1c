package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log"
	metrics "github.com/ipfs/go-metrics-interface"
	peer "github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multistream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/emberchain/go-blockfetch/client"
	"github.com/emberchain/go-blockfetch/internal"
	"github.com/emberchain/go-blockfetch/internal/peertracker"
	"github.com/emberchain/go-blockfetch/message"
	bsnet "github.com/emberchain/go-blockfetch/network"
	"github.com/emberchain/go-blockfetch/notifications"
	"github.com/emberchain/go-blockfetch/tracer"
	"github.com/emberchain/go-blockfetch/types"
)

var log = logging.Logger("bf:fetch")

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Fetcher issues block data requests to peers and resolves them into
// peer-attributed results. It is the concrete engine behind the public
// client contracts: each batch goes to exactly one peer, chosen by the
// tracker, and resolves exactly once with a response, a timeout, a
// disconnect or a shutdown.
type Fetcher struct {
	// nextID is accessed atomically and must stay 64-bit aligned.
	nextID uint64

	ctx     context.Context
	cancel  context.CancelFunc
	network bsnet.Network
	tracker *peertracker.Tracker
	notif   notifications.PubSub
	tracer  tracer.Tracer

	senders *senderCache
	table   *pendingTable

	closing   chan struct{}
	closeOnce sync.Once

	durationHist metrics.Histogram
	pendingGauge metrics.Gauge
}

// New creates a fetcher sending over network and selecting peers
// through tracker. requestTimeout is the fallback deadline for
// unanswered requests, zero meaning the package default. tr may be nil.
func New(parent context.Context, network bsnet.Network, tracker *peertracker.Tracker, requestTimeout time.Duration, tr tracer.Tracer) *Fetcher {
	ctx, cancel := context.WithCancel(parent)
	f := &Fetcher{
		ctx:     ctx,
		cancel:  cancel,
		network: network,
		tracker: tracker,
		notif:   notifications.New(),
		tracer:  tr,
		table:   newPendingTable(),
		closing: make(chan struct{}),
		durationHist: metrics.NewCtx(ctx, "request_duration_seconds",
			"Histogram of time taken to resolve an outgoing request.").Histogram(durationBuckets),
		pendingGauge: metrics.NewCtx(ctx, "pending_requests",
			"Total number of requests awaiting resolution.").Gauge(),
	}
	f.senders = newSenderCache(ctx, network, func(pc PeerConnection) *timeoutMgr {
		return newTimeoutMgr(pc, f.onTimeout, requestTimeout)
	})
	return f
}

// GetBodies fetches the block bodies for hashes from one selected peer.
func (f *Fetcher) GetBodies(ctx context.Context, hashes []types.Hash, prio client.Priority, hint *client.RangeHint) client.BodiesFut {
	return fetch(f, ctx, "GetBodies", message.KindBodies, hashes, prio, hint,
		func(r *message.Response) []*types.Body { return r.Bodies })
}

// GetHeaders fetches the headers for hashes from one selected peer.
func (f *Fetcher) GetHeaders(ctx context.Context, hashes []types.Hash, prio client.Priority, hint *client.RangeHint) client.HeadersFut {
	return fetch(f, ctx, "GetHeaders", message.KindHeaders, hashes, prio, hint,
		func(r *message.Response) []*types.Header { return r.Headers })
}

// GetReceipts fetches per-block receipt lists for hashes from one
// selected peer.
func (f *Fetcher) GetReceipts(ctx context.Context, hashes []types.Hash, prio client.Priority, hint *client.RangeHint) client.ReceiptsFut {
	return fetch(f, ctx, "GetReceipts", message.KindReceipts, hashes, prio, hint,
		func(r *message.Response) []types.Receipts { return r.Receipts })
}

// GetFullBlock assembles one block from its header and body, fetched
// concurrently through the single-item adapters. A peer that turns out
// to lack either part is an error here, since a block cannot be built
// from less.
func (f *Fetcher) GetFullBlock(ctx context.Context, hash types.Hash) (*types.Block, error) {
	ctx, span := internal.StartSpan(ctx, "GetFullBlock")
	defer span.End()

	headerReq := client.FetchOne(ctx, hash, f.GetHeaders)
	bodyReq := client.FetchOne(ctx, hash, f.GetBodies)

	header := headerReq.Await(ctx)
	if header.Err != nil {
		return nil, header.Err
	}
	body := bodyReq.Await(ctx)
	if body.Err != nil {
		return nil, body.Err
	}
	if header.Data == nil || body.Data == nil {
		return nil, fmt.Errorf("block %s not available from peer %s", hash.Short(), header.Peer)
	}
	return types.NewBlock(header.Data, body.Data), nil
}

// ReportBadMessage feeds an external judgement about p into the score
// ledger. Unknown peers are a no-op.
func (f *Fetcher) ReportBadMessage(p peer.ID) {
	f.tracker.RecordBadMessage(p)
}

// NumConnectedPeers returns how many peers are connected. Advisory
// only.
func (f *Fetcher) NumConnectedPeers() int {
	return f.tracker.CountConnected()
}

// PendingRequests returns the number of requests awaiting resolution.
func (f *Fetcher) PendingRequests() int {
	return f.table.len()
}

// fetch runs one batch request. It is a free function because methods
// cannot carry their own type parameters; the exported Get* methods
// pin T per payload kind.
func fetch[T any](f *Fetcher, ctx context.Context, spanName string, kind message.Kind, hashes []types.Hash, prio client.Priority, hint *client.RangeHint, extract func(*message.Response) []T) client.Fut[[]T] {
	if len(hashes) == 0 {
		return client.Resolved(client.Result[[]T]{Data: []T{}})
	}

	ctx, span := internal.StartSpan(ctx, spanName, trace.WithAttributes(
		attribute.Int("count", len(hashes))))

	select {
	case <-f.closing:
		span.End()
		return client.Resolved(client.Result[[]T]{Err: client.ErrRequestClosed})
	default:
	}

	p, ok := f.tracker.Select(hint)
	if !ok {
		span.End()
		return client.Resolved(client.Result[[]T]{Err: client.ErrNoPeers})
	}

	id := atomic.AddUint64(&f.nextID, 1)
	f.table.add(&pendingReq{id: id, peer: p, kind: kind, count: len(hashes), sent: time.Now()})
	if !f.tracker.AddInFlight(p, id) {
		// The peer went away between selection and registration.
		f.table.take(id)
		span.End()
		return client.Resolved(client.Result[[]T]{Peer: p, Err: client.ErrPeerDisconnected})
	}

	// Subscribe before sending so the response cannot slip past us.
	sub := f.notif.Subscribe(ctx, id)
	f.pendingGauge.Inc()

	out := make(chan client.Result[[]T], 1)
	go await(f, ctx, span, id, p, message.NewRequest(id, kind, hashes, int32(prio)), sub, out, extract)
	return out
}

// await sends the request and converts its resolution into the typed
// result. It owns the out channel.
func await[T any](f *Fetcher, ctx context.Context, span trace.Span, id uint64, p peer.ID, msg *message.Message, sub <-chan *notifications.Resolution, out chan<- client.Result[[]T], extract func(*message.Response) []T) {
	defer close(out)
	defer span.End()
	defer f.pendingGauge.Dec()

	f.send(p, id, msg)

	res, ok := <-sub
	if !ok {
		// The subscription died before a resolution arrived: the
		// caller's context ended, or the fetcher shut down.
		f.abandon(id)
		err := client.ErrRequestClosed
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		span.RecordError(err)
		out <- client.Result[[]T]{Peer: p, Err: err}
		return
	}

	if res.Err != nil {
		span.RecordError(res.Err)
		out <- client.Result[[]T]{Peer: res.From, Err: res.Err}
		return
	}
	out <- client.Result[[]T]{Peer: res.From, Data: extract(res.Response)}
}

// send hands the request to the peer's cached sender, dialing on first
// use. Failures resolve the request here; successes arm the peer's
// timeout manager.
func (f *Fetcher) send(p peer.ID, id uint64, msg *message.Message) {
	ps, err := f.senders.get(p)
	if err != nil {
		log.Infow("could not open sender", "peer", p, "error", err)
		f.fail(id, mapSendErr(err))
		return
	}
	if err := ps.sender.SendMsg(f.ctx, msg); err != nil {
		log.Infow("send failed", "peer", p, "error", err)
		f.senders.drop(p)
		f.fail(id, mapSendErr(err))
		return
	}
	if f.tracer != nil {
		f.tracer.MessageSent(p, msg)
	}
	ps.timeouts.AddPending([]uint64{id})
}

// mapSendErr folds transport errors into the client taxonomy.
func mapSendErr(err error) error {
	if errors.Is(err, multistream.ErrNotSupported) {
		return fmt.Errorf("%w: %s", client.ErrUnsupportedProtocol, err)
	}
	return fmt.Errorf("%w: %s", client.ErrPeerDisconnected, err)
}

// fail resolves a pending request with err, if nothing else resolved it
// first.
func (f *Fetcher) fail(id uint64, err error) {
	pr, ok := f.table.take(id)
	if !ok {
		return
	}
	f.tracker.RemoveInFlight(pr.peer, pr.id)
	f.notif.Publish(&notifications.Resolution{ID: pr.id, From: pr.peer, Err: err})
}

// abandon clears the bookkeeping for a request whose awaiter has gone
// away without a resolution.
func (f *Fetcher) abandon(id uint64) {
	pr, ok := f.table.take(id)
	if !ok {
		return
	}
	f.tracker.RemoveInFlight(pr.peer, pr.id)
	f.senders.cancelPending(pr.peer, pr.id)
}

// HandleResponse resolves the pending request a response answers.
// Responses for unknown IDs are dropped silently; they are usually late
// answers to requests that already timed out. Anything else that fails
// validation resolves the request as a bad response and costs the
// sender score.
func (f *Fetcher) HandleResponse(from peer.ID, resp *message.Response) {
	pr, ok := f.table.take(resp.ID)
	if !ok {
		log.Debugf("response from %s for unknown request %d", from, resp.ID)
		return
	}
	f.senders.cancelPending(pr.peer, pr.id)
	f.tracker.RemoveInFlight(pr.peer, pr.id)

	switch {
	case from != pr.peer:
		f.tracker.RecordBadMessage(from)
		f.notif.Publish(&notifications.Resolution{
			ID: pr.id, From: pr.peer,
			Err: fmt.Errorf("%w: answered by %s", client.ErrBadResponse, from),
		})
	case resp.Kind != pr.kind:
		f.tracker.RecordBadMessage(from)
		f.notif.Publish(&notifications.Resolution{
			ID: pr.id, From: from,
			Err: fmt.Errorf("%w: asked for %s, got %s", client.ErrBadResponse, pr.kind, resp.Kind),
		})
	case resp.Rejected:
		f.notif.Publish(&notifications.Resolution{
			ID: pr.id, From: from,
			Err: fmt.Errorf("%w: %s", client.ErrRequestRejected, resp.Reason),
		})
	case resp.Len() > pr.count:
		f.tracker.RecordBadMessage(from)
		f.notif.Publish(&notifications.Resolution{
			ID: pr.id, From: from,
			Err: fmt.Errorf("%w: %d items for %d hashes", client.ErrBadResponse, resp.Len(), pr.count),
		})
	default:
		f.tracker.RecordSuccess(from)
		f.durationHist.Observe(time.Since(pr.sent).Seconds())
		f.notif.Publish(&notifications.Resolution{ID: pr.id, From: from, Response: resp})
	}
}

// onTimeout resolves requests their peer never answered.
func (f *Fetcher) onTimeout(ids []uint64) {
	for _, id := range ids {
		pr, ok := f.table.take(id)
		if !ok {
			continue
		}
		log.Debugf("request %d to %s timed out", id, pr.peer)
		f.tracker.RemoveInFlight(pr.peer, pr.id)
		f.notif.Publish(&notifications.Resolution{ID: pr.id, From: pr.peer, Err: client.ErrTimeout})
	}
}

// PeerConnected adds the peer to the selection table.
func (f *Fetcher) PeerConnected(p peer.ID) {
	f.tracker.Connected(p)
}

// PeerDisconnected drops the peer's sender and fails every request
// still in flight to it.
func (f *Fetcher) PeerDisconnected(p peer.ID) {
	f.senders.drop(p)
	for _, id := range f.tracker.Disconnected(p) {
		pr, ok := f.table.take(id)
		if !ok {
			continue
		}
		f.notif.Publish(&notifications.Resolution{ID: pr.id, From: p, Err: client.ErrPeerDisconnected})
	}
}

// Close fails all pending requests with ErrRequestClosed and releases
// the senders. Safe to call more than once.
func (f *Fetcher) Close() error {
	f.closeOnce.Do(func() {
		close(f.closing)
		for _, pr := range f.table.takeAll() {
			f.tracker.RemoveInFlight(pr.peer, pr.id)
			f.notif.Publish(&notifications.Resolution{ID: pr.id, From: pr.peer, Err: client.ErrRequestClosed})
		}
		f.senders.shutdown()
		f.notif.Shutdown()
		f.cancel()
	})
	return nil
}
