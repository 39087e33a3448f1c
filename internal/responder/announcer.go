package responder

import (
	"context"
	"sync"
	"time"

	process "github.com/jbenet/goprocess"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/emberchain/go-blockfetch/message"
	bsnet "github.com/emberchain/go-blockfetch/network"
)

// statusAnnouncer broadcasts the local status to connected peers. Head
// updates arrive in bursts during sync, so broadcasts are debounced: a
// quiet period triggers one send, and a busy head cannot delay the send
// past maxWait.
type statusAnnouncer struct {
	ctx     context.Context
	network bsnet.Network
	status  func() (message.Status, bool)

	wait    time.Duration
	maxWait time.Duration

	poke chan struct{}

	lk    sync.Mutex
	peers map[peer.ID]struct{}
}

func newStatusAnnouncer(ctx context.Context, network bsnet.Network, status func() (message.Status, bool), wait, maxWait time.Duration) *statusAnnouncer {
	return &statusAnnouncer{
		ctx:     ctx,
		network: network,
		status:  status,
		wait:    wait,
		maxWait: maxWait,
		poke:    make(chan struct{}, 1),
		peers:   make(map[peer.ID]struct{}),
	}
}

// Connected adds the peer to the broadcast set and greets it with the
// current status so it can route to us right away.
func (a *statusAnnouncer) Connected(p peer.ID) {
	a.lk.Lock()
	a.peers[p] = struct{}{}
	a.lk.Unlock()

	st, ok := a.status()
	if !ok {
		return
	}
	go a.announceTo(p, st)
}

func (a *statusAnnouncer) Disconnected(p peer.ID) {
	a.lk.Lock()
	delete(a.peers, p)
	a.lk.Unlock()
}

// HeadUpdated schedules a debounced broadcast. Calls collapse while one
// is already scheduled.
func (a *statusAnnouncer) HeadUpdated() {
	select {
	case a.poke <- struct{}{}:
	default:
	}
}

func (a *statusAnnouncer) run(px process.Process) {
	for {
		select {
		case <-px.Closing():
			return
		case <-a.poke:
		}

		waitTimer := time.NewTimer(a.wait)
		maxWaitTimer := time.NewTimer(a.maxWait)
	debounce:
		for {
			select {
			case <-px.Closing():
				waitTimer.Stop()
				maxWaitTimer.Stop()
				return
			case <-a.poke:
				// the timer has not fired, so Reset is safe
				waitTimer.Reset(a.wait)
			case <-waitTimer.C:
				maxWaitTimer.Stop()
				break debounce
			case <-maxWaitTimer.C:
				waitTimer.Stop()
				break debounce
			}
		}

		a.broadcast()
	}
}

func (a *statusAnnouncer) broadcast() {
	st, ok := a.status()
	if !ok {
		return
	}
	for _, p := range a.peerList() {
		a.announceTo(p, st)
	}
}

func (a *statusAnnouncer) peerList() []peer.ID {
	a.lk.Lock()
	defer a.lk.Unlock()

	peers := make([]peer.ID, 0, len(a.peers))
	for p := range a.peers {
		peers = append(peers, p)
	}
	return peers
}

func (a *statusAnnouncer) announceTo(p peer.ID, st message.Status) {
	ctx, cancel := context.WithTimeout(a.ctx, sendTimeout)
	defer cancel()

	if err := a.network.SendMessage(ctx, p, message.NewStatus(st)); err != nil {
		log.Debugf("status announce to %s failed: %s", p, err)
	}
}
