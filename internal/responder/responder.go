// Package responder serves inbound payload requests from the local store
// and announces the store's coverage to connected peers.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-metrics-interface"
	"github.com/ipfs/go-peertaskqueue"
	"github.com/ipfs/go-peertaskqueue/peertask"
	process "github.com/jbenet/goprocess"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/emberchain/go-blockfetch/internal/defaults"
	"github.com/emberchain/go-blockfetch/internal/logutil"
	"github.com/emberchain/go-blockfetch/message"
	bsnet "github.com/emberchain/go-blockfetch/network"
	"github.com/emberchain/go-blockfetch/store"
	"github.com/emberchain/go-blockfetch/tracer"
	"github.com/emberchain/go-blockfetch/types"
)

var log = logutil.CreateLogger("bf:resp")

const (
	// tagFormat is the tag given to peers with work queued on their
	// behalf.
	tagFormat = "bf-resp-%s"

	// queuedTagWeight is the connection manager weight for peers with
	// queued work.
	queuedTagWeight = 10

	// sendTimeout bounds one outbound response or status send.
	sendTimeout = 10 * time.Second

	// thawInterval is how often the task queue is thawed so a cancelled
	// task cannot leave it stuck.
	thawInterval = 100 * time.Millisecond
)

var sizeBuckets = []float64{1 << 6, 1 << 10, 1 << 14, 1 << 18, 1 << 22}

// PeerTagger covers the connection manager methods used to protect peers
// with queued work from being pruned.
type PeerTagger interface {
	TagPeer(peer.ID, string, int)
	UntagPeer(p peer.ID, tag string)
}

// Config carries the facade-tunable serving limits.
type Config struct {
	MaxHashesPerRequest int
	ResponseByteBudget  int
	TaskWorkerCount     int
	StatusDebounce      time.Duration
	StatusMaxWait       time.Duration
}

// DefaultConfig returns the limits used when the facade does not override
// them.
func DefaultConfig() Config {
	return Config{
		MaxHashesPerRequest: defaults.MaxHashesPerRequest,
		ResponseByteBudget:  defaults.ResponseByteBudget,
		TaskWorkerCount:     defaults.TaskWorkerCount,
		StatusDebounce:      defaults.StatusDebounce,
		StatusMaxWait:       defaults.StatusMaxWait,
	}
}

// taskData rides on the queue with each request.
type taskData struct {
	request *message.Request

	// reject is set when the request failed validation; the worker
	// answers with a rejection instead of reading the store.
	reject message.RejectReason
}

// Responder queues inbound requests per peer and answers them from the
// store. Requests are popped one at a time, highest priority first within
// a peer, so every request gets exactly one response.
type Responder struct {
	ctx context.Context

	store   *store.Store
	network bsnet.Network
	tracer  tracer.Tracer
	genesis types.Hash

	queue      *peertaskqueue.PeerTaskQueue
	workSignal chan struct{}
	ticker     *time.Ticker

	peerTagger PeerTagger
	tagQueued  string

	announcer *statusAnnouncer

	maxHashes   int
	byteBudget  int
	workerCount int

	servedCounter metrics.Counter
	responseBytes metrics.Histogram
}

// New builds a responder serving from s. It is idle until StartWorkers is
// called.
func New(ctx context.Context, network bsnet.Network, s *store.Store, genesis types.Hash, tagger PeerTagger, tr tracer.Tracer, cfg Config) *Responder {
	r := &Responder{
		ctx:         ctx,
		store:       s,
		network:     network,
		tracer:      tr,
		genesis:     genesis,
		workSignal:  make(chan struct{}, 1),
		ticker:      time.NewTicker(thawInterval),
		peerTagger:  tagger,
		maxHashes:   cfg.MaxHashesPerRequest,
		byteBudget:  cfg.ResponseByteBudget,
		workerCount: cfg.TaskWorkerCount,
		servedCounter: metrics.NewCtx(ctx, "served_requests_total",
			"Total inbound requests answered, rejections included.").Counter(),
		responseBytes: metrics.NewCtx(ctx, "sent_response_bytes",
			"Histogram of encoded response sizes sent.").Histogram(sizeBuckets),
	}
	r.tagQueued = fmt.Sprintf(tagFormat, uuid.New().String())
	r.queue = peertaskqueue.New(
		peertaskqueue.OnPeerAddedHook(r.onPeerAdded),
		peertaskqueue.OnPeerRemovedHook(r.onPeerRemoved),
		peertaskqueue.IgnoreFreezing(true))
	r.announcer = newStatusAnnouncer(ctx, network, r.localStatus, cfg.StatusDebounce, cfg.StatusMaxWait)
	return r
}

// StartWorkers launches the serve workers and the status announcer.
func (r *Responder) StartWorkers(ctx context.Context, px process.Process) {
	px.Go(r.announcer.run)

	for i := 0; i < r.workerCount; i++ {
		px.Go(func(px process.Process) {
			r.taskWorker(ctx)
		})
	}
}

func (r *Responder) onPeerAdded(p peer.ID) {
	r.peerTagger.TagPeer(p, r.tagQueued, queuedTagWeight)
}

func (r *Responder) onPeerRemoved(p peer.ID) {
	r.peerTagger.UntagPeer(p, r.tagQueued)
}

// ReceiveRequest queues an inbound request for serving. Requests that
// break the protocol limits are answered with a rejection instead of
// being dropped, so the requester can fail fast.
func (r *Responder) ReceiveRequest(from peer.ID, req *message.Request) {
	task := peertask.Task{
		Topic:    req.ID,
		Priority: int(req.Priority),
		Work:     1,
		Data:     &taskData{request: req},
	}

	switch {
	case !req.Kind.Valid():
		log.Infof("rejecting request %d from %s: unknown kind %d", req.ID, from, req.Kind)
		task.Data = &taskData{request: req, reject: message.RejectUnknownKind}
	case len(req.Hashes) > r.maxHashes:
		log.Infof("rejecting request %d from %s: %d hashes over the %d cap", req.ID, from, len(req.Hashes), r.maxHashes)
		task.Data = &taskData{request: req, reject: message.RejectTooManyHashes}
	case len(req.Hashes) > 0:
		task.Work = len(req.Hashes)
	}

	r.queue.PushTasks(from, task)
	r.signalNewWork()
}

// PeerConnected is called when a new peer connects.
func (r *Responder) PeerConnected(p peer.ID) {
	r.announcer.Connected(p)
}

// PeerDisconnected is called when a peer disconnects. Work already queued
// for the peer is left to drain; sending it will fail and be dropped.
func (r *Responder) PeerDisconnected(p peer.ID) {
	r.announcer.Disconnected(p)
}

// HeadUpdated schedules a debounced status broadcast.
func (r *Responder) HeadUpdated() {
	r.announcer.HeadUpdated()
}

func (r *Responder) signalNewWork() {
	select {
	case r.workSignal <- struct{}{}:
	default:
	}
}

// Each taskWorker pops one request at a time off the queue, assembles the
// response and sends it.
func (r *Responder) taskWorker(ctx context.Context) {
	for {
		p, tasks, _ := r.queue.PopTasks(1)
		for len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-r.workSignal:
				p, tasks, _ = r.queue.PopTasks(1)
			case <-r.ticker.C:
				r.queue.ThawRound()
				p, tasks, _ = r.queue.PopTasks(1)
			}
		}

		for _, task := range tasks {
			r.serve(ctx, p, task.Data.(*taskData))
		}
		r.queue.TasksDone(p, tasks...)
	}
}

func (r *Responder) serve(ctx context.Context, p peer.ID, td *taskData) {
	req := td.request

	var msg *message.Message
	if td.reject != 0 {
		msg = message.NewRejection(req.ID, req.Kind, td.reject)
	} else {
		msg = r.buildResponse(ctx, req)
		if log.IsDebug() {
			log.Debugf("request %d from %s: built %d items for [%s]", req.ID, p, msg.Response.Len(), shortHashes(req.Hashes))
		}
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := r.network.SendMessage(sctx, p, msg); err != nil {
		log.Infof("send response %d to %s failed: %s", req.ID, p, err)
		return
	}

	if r.tracer != nil {
		r.tracer.MessageSent(p, msg)
	}
	r.servedCounter.Inc()
	r.responseBytes.Observe(float64(msg.Size()))
}

// buildResponse loads the requested payloads in request order, dropping
// misses, until the hashes run out or the byte budget is spent. A short
// response is a success; the requester re-asks elsewhere for the rest.
func (r *Responder) buildResponse(ctx context.Context, req *message.Request) *message.Message {
	msg := message.NewResponse(req.ID, req.Kind)
	resp := msg.Response

	used := 0
	for _, h := range req.Hashes {
		if used >= r.byteBudget {
			log.Debugf("response %d hit the byte budget at %d items, sending short", req.ID, resp.Len())
			break
		}
		switch req.Kind {
		case message.KindBodies:
			body, err := r.store.Body(ctx, h)
			if err != nil {
				r.logMiss(req, h, err)
				continue
			}
			resp.Bodies = append(resp.Bodies, body)
			used += encodedSize(body)
		case message.KindHeaders:
			header, err := r.store.Header(ctx, h)
			if err != nil {
				r.logMiss(req, h, err)
				continue
			}
			resp.Headers = append(resp.Headers, header)
			used += encodedSize(header)
		case message.KindReceipts:
			receipts, err := r.store.Receipts(ctx, h)
			if err != nil {
				r.logMiss(req, h, err)
				continue
			}
			resp.Receipts = append(resp.Receipts, receipts)
			used += encodedSize(receipts)
		}
	}
	return msg
}

func (r *Responder) logMiss(req *message.Request, h types.Hash, err error) {
	if !errors.Is(err, store.ErrNotFound) {
		log.Warnf("loading %s %s: %s", req.Kind, h.Short(), err)
	}
}

func shortHashes(hs []types.Hash) string {
	parts := make([]string, 0, len(hs))
	for _, h := range hs {
		parts = append(parts, h.Short())
	}
	return strings.Join(parts, " ")
}

// localStatus snapshots the store's coverage for a status announcement.
// ok is false while the store is empty; an empty node has nothing to
// advertise.
func (r *Responder) localStatus() (message.Status, bool) {
	lo, hi, ok := r.store.HeightRange()
	if !ok {
		return message.Status{}, false
	}
	head, err := r.store.HashByHeight(r.ctx, hi)
	if err != nil {
		return message.Status{}, false
	}
	return message.Status{
		HeadHeight: hi,
		HeadHash:   head,
		Earliest:   lo,
		Genesis:    r.genesis,
	}, true
}

func encodedSize(v interface{}) int {
	data, err := types.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
