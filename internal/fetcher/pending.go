package fetcher

import (
	"sync"
	"time"

	peer "github.com/libp2p/go-libp2p-core/peer"

	"github.com/emberchain/go-blockfetch/message"
)

// pendingReq records one request that has been handed to a peer and not
// yet resolved.
type pendingReq struct {
	id    uint64
	peer  peer.ID
	kind  message.Kind
	count int
	sent  time.Time
}

// pendingTable arbitrates request resolution. Every producer of an
// outcome (response, timeout, disconnect, shutdown) must take the entry
// before publishing; only one take per ID succeeds, so each request
// resolves exactly once no matter how the producers race.
type pendingTable struct {
	lk   sync.Mutex
	reqs map[uint64]*pendingReq
}

func newPendingTable() *pendingTable {
	return &pendingTable{reqs: make(map[uint64]*pendingReq)}
}

func (pt *pendingTable) add(pr *pendingReq) {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	pt.reqs[pr.id] = pr
}

// take removes and returns the entry for id. It reports false when the
// request was already resolved by another producer.
func (pt *pendingTable) take(id uint64) (*pendingReq, bool) {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	pr, ok := pt.reqs[id]
	if ok {
		delete(pt.reqs, id)
	}
	return pr, ok
}

// takeAll drains the table. Used on shutdown.
func (pt *pendingTable) takeAll() []*pendingReq {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	prs := make([]*pendingReq, 0, len(pt.reqs))
	for _, pr := range pt.reqs {
		prs = append(prs, pr)
	}
	pt.reqs = make(map[uint64]*pendingReq)
	return prs
}

func (pt *pendingTable) len() int {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	return len(pt.reqs)
}
