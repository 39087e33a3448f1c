package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	"github.com/emberchain/go-blockfetch/internal/defaults"
)

const (
	// maxExpectedProcessTime is the maximum amount of time we expect a
	// peer takes to look up a batch and initiate sending a response.
	maxExpectedProcessTime = 2 * time.Second

	// latencyMultiplier is multiplied by the average ping time to get
	// an upper bound on how long we expect to wait for a peer's
	// response to arrive.
	latencyMultiplier = 3
)

// PeerConnection is a connection to a peer that can be pinged, and the
// average latency measured.
type PeerConnection interface {
	// Ping the peer
	Ping(context.Context) ping.Result
	// The average latency of all pings
	Latency() time.Duration
}

// pendingRequest keeps track of a request that has been sent and that
// we're waiting on a response or a timeout for.
type pendingRequest struct {
	id     uint64
	active bool
	sent   time.Time
}

// timeoutMgr fires a callback for requests a peer has not answered in
// time. It pings the peer to measure latency and derives the timeout
// from it, falling back to a fixed default when no measurement exists.
type timeoutMgr struct {
	ctx       context.Context
	shutdown  func()
	clock     clock.Clock
	peerConn  PeerConnection
	onTimeout func([]uint64)

	defaultTimeout         time.Duration
	latencyMultiplier      int
	maxExpectedProcessTime time.Duration

	// All variables below here must be protected by the lock
	lk sync.RWMutex
	// has the timeout manager started
	started bool
	// requests that are active (waiting for a response or timeout)
	active map[uint64]*pendingRequest
	// queue of requests, from oldest to newest
	queue []*pendingRequest
	// time to wait for a response (depends on latency)
	timeout time.Duration
	// timer used to wait until the request at the front of the queue
	// expires
	checkTimer *clock.Timer

	// used by the tests to observe timeout firings
	timeoutsTriggered chan struct{}
}

// newTimeoutMgr creates a manager that calls onTimeout with request IDs
// the peer has not answered before the deadline.
func newTimeoutMgr(pc PeerConnection, onTimeout func([]uint64), defaultTimeout time.Duration) *timeoutMgr {
	if defaultTimeout == 0 {
		defaultTimeout = defaults.RequestTimeout
	}
	return newTimeoutMgrWithParams(pc, onTimeout, defaultTimeout,
		latencyMultiplier, maxExpectedProcessTime, clock.New(), nil)
}

// newTimeoutMgrWithParams is used by the tests
func newTimeoutMgrWithParams(pc PeerConnection, onTimeout func([]uint64),
	defaultTimeout time.Duration, latencyMultiplier int,
	maxExpectedProcessTime time.Duration, clk clock.Clock,
	timeoutsTriggered chan struct{}) *timeoutMgr {

	ctx, shutdown := context.WithCancel(context.Background())
	return &timeoutMgr{
		ctx:                    ctx,
		shutdown:               shutdown,
		clock:                  clk,
		peerConn:               pc,
		onTimeout:              onTimeout,
		active:                 make(map[uint64]*pendingRequest),
		timeout:                defaultTimeout,
		defaultTimeout:         defaultTimeout,
		latencyMultiplier:      latencyMultiplier,
		maxExpectedProcessTime: maxExpectedProcessTime,
		timeoutsTriggered:      timeoutsTriggered,
	}
}

// Shutdown the timeoutMgr. Any subsequent call to Start() will be ignored
func (tm *timeoutMgr) Shutdown() {
	tm.shutdown()

	tm.lk.Lock()
	defer tm.lk.Unlock()

	// Clear any pending check for timeouts
	if tm.checkTimer != nil {
		tm.checkTimer.Stop()
	}
}

// Start the timeoutMgr. This method is idempotent
func (tm *timeoutMgr) Start() {
	tm.lk.Lock()
	defer tm.lk.Unlock()

	if tm.started {
		return
	}
	tm.started = true

	// If we already have a measure of latency to the peer, use it to
	// calculate a reasonable timeout
	latency := tm.peerConn.Latency()
	if latency.Nanoseconds() > 0 {
		tm.timeout = tm.calculateTimeoutFromLatency(latency)
		return
	}

	// Otherwise measure latency by pinging the peer
	go tm.measureLatency()
}

// measureLatency measures the latency to the peer by pinging it
func (tm *timeoutMgr) measureLatency() {
	// Wait up to defaultTimeout for a response to the ping
	ctx, cancel := context.WithTimeout(tm.ctx, tm.defaultTimeout)
	defer cancel()

	res := tm.peerConn.Ping(ctx)
	if res.Error != nil {
		// If there was an error, we'll just leave the timeout as
		// the default
		return
	}

	latency := tm.peerConn.Latency()

	tm.lk.Lock()
	defer tm.lk.Unlock()

	tm.timeout = tm.calculateTimeoutFromLatency(latency)

	// Check if after changing the timeout there are any pending
	// requests that are now over it
	tm.checkForTimeouts()
}

// checkForTimeouts checks pending requests to see if any are over the
// timeout.
// Note: this function should only be called within the lock.
func (tm *timeoutMgr) checkForTimeouts() {
	if len(tm.queue) == 0 {
		return
	}

	// Figure out which of the requests that were sent have not been
	// answered within the timeout
	expired := make([]uint64, 0, len(tm.active))
	for len(tm.queue) > 0 {
		pr := tm.queue[0]

		if pr.active {
			// The queue is in order from earliest to latest, so if we
			// didn't find an expired entry we can stop iterating
			if tm.clock.Since(pr.sent) < tm.timeout {
				break
			}

			expired = append(expired, pr.id)
			delete(tm.active, pr.id)
		}

		// Remove expired or cancelled requests from the queue
		tm.queue = tm.queue[1:]
	}

	// Fire the timeout event for the expired requests
	if len(expired) > 0 {
		go tm.fireTimeout(expired)
	}

	if len(tm.queue) == 0 {
		return
	}

	// Make sure the timeout manager is still running
	if tm.ctx.Err() != nil {
		return
	}

	// Schedule the next check for the moment when the oldest pending
	// request will time out
	oldestStart := tm.queue[0].sent
	until := oldestStart.Add(tm.timeout).Sub(tm.clock.Now())
	if tm.checkTimer == nil {
		tm.checkTimer = tm.clock.AfterFunc(until, func() {
			tm.lk.Lock()
			defer tm.lk.Unlock()

			tm.checkForTimeouts()
		})
	} else {
		tm.checkTimer.Stop()
		tm.checkTimer.Reset(until)
	}
}

// AddPending adds the given request IDs, which will expire if no
// response cancels them before the timeout
func (tm *timeoutMgr) AddPending(ids []uint64) {
	if len(ids) == 0 {
		return
	}

	start := tm.clock.Now()

	tm.lk.Lock()
	defer tm.lk.Unlock()

	queueWasEmpty := len(tm.active) == 0

	for _, id := range ids {
		if _, ok := tm.active[id]; !ok {
			pr := pendingRequest{
				id:     id,
				sent:   start,
				active: true,
			}
			tm.active[id] = &pr
			tm.queue = append(tm.queue, &pr)
		}
	}

	// If there was already an earlier pending item in the queue, then
	// there must already be a timeout check scheduled. If there is
	// nothing in the queue then we should make sure to schedule one.
	if queueWasEmpty {
		tm.checkForTimeouts()
	}
}

// CancelPending is called when we receive a response for a request
func (tm *timeoutMgr) CancelPending(ids []uint64) {
	tm.lk.Lock()
	defer tm.lk.Unlock()

	for _, id := range ids {
		if pr, ok := tm.active[id]; ok {
			pr.active = false
			delete(tm.active, id)
		}
	}
}

// fireTimeout fires the onTimeout method with the timed out request IDs
func (tm *timeoutMgr) fireTimeout(pending []uint64) {
	// Make sure the timeout manager has not been shut down
	if tm.ctx.Err() != nil {
		return
	}

	tm.onTimeout(pending)

	// signal a timeout fired
	if tm.timeoutsTriggered != nil {
		tm.timeoutsTriggered <- struct{}{}
	}
}

// calculateTimeoutFromLatency calculates a reasonable timeout derived
// from latency
func (tm *timeoutMgr) calculateTimeoutFromLatency(latency time.Duration) time.Duration {
	// The maximum expected time for a response is the expected time to
	// process the request + (latency * multiplier). The multiplier is to
	// provide some padding for variable latency.
	return tm.maxExpectedProcessTime + time.Duration(tm.latencyMultiplier)*latency
}
