package fetcher

import (
	"context"
	"sync"
	"time"

	peer "github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	bsnet "github.com/emberchain/go-blockfetch/network"
)

const (
	// maxRetries is the number of times to attempt to send a message
	// before giving up
	maxRetries  = 3
	sendTimeout = 30 * time.Second
	// sendErrorBackoff is the time to wait before retrying to connect
	// after an error when trying to send a message
	sendErrorBackoff = 100 * time.Millisecond
)

type peerConn struct {
	p       peer.ID
	network bsnet.Network
}

func newPeerConnection(p peer.ID, network bsnet.Network) *peerConn {
	return &peerConn{p, network}
}

func (pc *peerConn) Ping(ctx context.Context) ping.Result {
	return pc.network.Ping(ctx, pc.p)
}

func (pc *peerConn) Latency() time.Duration {
	return pc.network.Latency(pc.p)
}

// peerSender pairs the held stream to a peer with the timeout manager
// watching the requests outstanding on it.
type peerSender struct {
	sender   bsnet.MessageSender
	timeouts *timeoutMgr
}

// senderCache lazily opens one MessageSender per peer and keeps it for
// reuse across requests.
type senderCache struct {
	ctx         context.Context
	network     bsnet.Network
	newTimeouts func(PeerConnection) *timeoutMgr

	lk      sync.Mutex
	senders map[peer.ID]*peerSender
}

func newSenderCache(ctx context.Context, network bsnet.Network, newTimeouts func(PeerConnection) *timeoutMgr) *senderCache {
	return &senderCache{
		ctx:         ctx,
		network:     network,
		newTimeouts: newTimeouts,
		senders:     make(map[peer.ID]*peerSender),
	}
}

// get returns the sender for p, dialing it on first use. Concurrent
// first requests to the same peer may both dial; the loser's stream is
// closed and the winner's kept.
func (sc *senderCache) get(p peer.ID) (*peerSender, error) {
	sc.lk.Lock()
	if ps, ok := sc.senders[p]; ok {
		sc.lk.Unlock()
		return ps, nil
	}
	sc.lk.Unlock()

	opts := &bsnet.MessageSenderOpts{
		MaxRetries:       maxRetries,
		SendTimeout:      sendTimeout,
		SendErrorBackoff: sendErrorBackoff,
	}
	sender, err := sc.network.NewMessageSender(sc.ctx, p, opts)
	if err != nil {
		return nil, err
	}

	sc.lk.Lock()
	defer sc.lk.Unlock()
	if ps, ok := sc.senders[p]; ok {
		_ = sender.Close()
		return ps, nil
	}
	ps := &peerSender{
		sender:   sender,
		timeouts: sc.newTimeouts(newPeerConnection(p, sc.network)),
	}
	ps.timeouts.Start()
	sc.senders[p] = ps
	return ps, nil
}

// drop resets the peer's stream and stops its timeout manager. The next
// request to the peer dials afresh.
func (sc *senderCache) drop(p peer.ID) {
	sc.lk.Lock()
	ps, ok := sc.senders[p]
	if ok {
		delete(sc.senders, p)
	}
	sc.lk.Unlock()

	if ok {
		_ = ps.sender.Reset()
		ps.timeouts.Shutdown()
	}
}

// cancelPending clears a request from the peer's timeout manager, if the
// peer still has one.
func (sc *senderCache) cancelPending(p peer.ID, id uint64) {
	sc.lk.Lock()
	ps, ok := sc.senders[p]
	sc.lk.Unlock()

	if ok {
		ps.timeouts.CancelPending([]uint64{id})
	}
}

func (sc *senderCache) shutdown() {
	sc.lk.Lock()
	senders := sc.senders
	sc.senders = make(map[peer.ID]*peerSender)
	sc.lk.Unlock()

	for _, ps := range senders {
		_ = ps.sender.Close()
		ps.timeouts.Shutdown()
	}
}
