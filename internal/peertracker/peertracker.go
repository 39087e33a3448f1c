package peertracker

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log"
	peer "github.com/libp2p/go-libp2p-core/peer"

	"github.com/emberchain/go-blockfetch/client"
	"github.com/emberchain/go-blockfetch/message"
	"github.com/emberchain/go-blockfetch/types"
)

var log = logging.Logger("bf:peers")

const (
	// tagFormat is the tag given to peers the tracker knows about.
	tagFormat = "bf-peer-%s"

	// connectedTagWeight is the connection manager weight for peers we
	// exchange block data with.
	connectedTagWeight = 10

	// maxScore caps the ledger so long-lived peers cannot bank an
	// unbounded buffer of goodwill.
	maxScore = 100
)

// scoreFloor marks peers on a different chain. A floored peer is never
// selected again for the lifetime of the connection.
const scoreFloor = math.MinInt32

// PeerTagger covers the methods on the connection manager used by the
// tracker to mark peers that carry block traffic.
type PeerTagger interface {
	TagPeer(peer.ID, string, int)
	UntagPeer(p peer.ID, tag string)
}

// ScoreParams tunes the per-peer score ledger.
type ScoreParams struct {
	// StartScore is the score given to a freshly connected peer.
	StartScore int
	// SuccessReward is added each time the peer answers a request with
	// a well-formed response.
	SuccessReward int
	// BadMessagePenalty is subtracted each time the peer sends a
	// response that fails validation.
	BadMessagePenalty int
	// UsableThreshold is the minimum score at which a peer is
	// considered for selection.
	UsableThreshold int
}

// DefaultScoreParams returns the ledger tuning used when the caller
// supplies none. A fresh peer starts usable and survives one bad
// message before it drops below the threshold.
func DefaultScoreParams() ScoreParams {
	return ScoreParams{
		StartScore:        10,
		SuccessReward:     1,
		BadMessagePenalty: 8,
		UsableThreshold:   1,
	}
}

type peerInfo struct {
	// status is the peer's last Status announcement, nil until one
	// arrives. Legacy peers never send one.
	status   *message.Status
	score    int
	inFlight map[uint64]struct{}
}

// Tracker maintains the table of connected peers: their advertised
// chain coverage, a score ledger, and the request IDs currently in
// flight to each. It decides which peer serves which request.
type Tracker struct {
	tagger PeerTagger
	tag    string

	genesis types.Hash
	params  ScoreParams

	lk    sync.RWMutex
	peers map[peer.ID]*peerInfo
}

// New creates a tracker guarding the chain identified by genesis.
// A nil params uses DefaultScoreParams.
func New(tagger PeerTagger, genesis types.Hash, params *ScoreParams) *Tracker {
	ps := DefaultScoreParams()
	if params != nil {
		ps = *params
	}
	return &Tracker{
		tagger:  tagger,
		tag:     fmt.Sprintf(tagFormat, uuid.New().String()[:8]),
		genesis: genesis,
		params:  ps,
		peers:   make(map[peer.ID]*peerInfo),
	}
}

// Caller must hold lk. Messages can arrive before the connect
// notification is delivered, so table entries are created on demand.
func (t *Tracker) findOrCreate(p peer.ID) *peerInfo {
	info, ok := t.peers[p]
	if !ok {
		info = &peerInfo{
			score:    t.params.StartScore,
			inFlight: make(map[uint64]struct{}),
		}
		t.peers[p] = info
		t.tagger.TagPeer(p, t.tag, connectedTagWeight)
	}
	return info
}

// Connected adds the peer to the table with the starting score.
func (t *Tracker) Connected(p peer.ID) {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.findOrCreate(p)
}

// Disconnected drops the peer and returns the request IDs that were
// still in flight to it, so the caller can fail them.
func (t *Tracker) Disconnected(p peer.ID) []uint64 {
	t.lk.Lock()
	defer t.lk.Unlock()

	info, ok := t.peers[p]
	if !ok {
		return nil
	}
	delete(t.peers, p)
	t.tagger.UntagPeer(p, t.tag)

	if len(info.inFlight) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(info.inFlight))
	for id := range info.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// UpdateStatus records the peer's advertised coverage. A status naming
// a different genesis floors the peer's score: it is on another chain
// and must never serve us, however well-behaved it looks.
func (t *Tracker) UpdateStatus(p peer.ID, st *message.Status) {
	t.lk.Lock()
	defer t.lk.Unlock()

	info := t.findOrCreate(p)
	if st.Genesis != t.genesis {
		log.Warnf("peer %s announced genesis %s, ours is %s", p, st.Genesis, t.genesis)
		info.score = scoreFloor
		info.status = nil
		return
	}
	if info.score == scoreFloor {
		return
	}
	info.status = st
}

// RecordSuccess rewards the peer for a well-formed response.
func (t *Tracker) RecordSuccess(p peer.ID) {
	t.lk.Lock()
	defer t.lk.Unlock()

	info, ok := t.peers[p]
	if !ok || info.score == scoreFloor {
		return
	}
	info.score += t.params.SuccessReward
	if info.score > maxScore {
		info.score = maxScore
	}
}

// RecordBadMessage penalizes the peer for a response that failed
// validation.
func (t *Tracker) RecordBadMessage(p peer.ID) {
	t.lk.Lock()
	defer t.lk.Unlock()

	info, ok := t.peers[p]
	if !ok || info.score == scoreFloor {
		return
	}
	info.score -= t.params.BadMessagePenalty
	if info.score < t.params.UsableThreshold {
		log.Infof("peer %s dropped below usable score (%d)", p, info.score)
	}
}

// AddInFlight records an outstanding request ID against the peer. It
// reports false when the peer has disconnected since selection.
func (t *Tracker) AddInFlight(p peer.ID, id uint64) bool {
	t.lk.Lock()
	defer t.lk.Unlock()

	info, ok := t.peers[p]
	if !ok {
		return false
	}
	info.inFlight[id] = struct{}{}
	return true
}

// RemoveInFlight clears a request ID once it resolves.
func (t *Tracker) RemoveInFlight(p peer.ID, id uint64) {
	t.lk.Lock()
	defer t.lk.Unlock()

	if info, ok := t.peers[p]; ok {
		delete(info.inFlight, id)
	}
}

// Select picks the peer to serve a request expected to fall in hint.
// Peers that announced coverage must contain the hinted range. Legacy
// peers advertise nothing, so they are eligible only for hintless
// requests. Ties on score go to the least loaded peer; map order
// breaks the rest, which spreads load across equals.
func (t *Tracker) Select(hint *client.RangeHint) (peer.ID, bool) {
	t.lk.RLock()
	defer t.lk.RUnlock()

	var (
		best      peer.ID
		bestScore int
		bestLoad  int
		found     bool
	)
	for p, info := range t.peers {
		if info.score < t.params.UsableThreshold {
			continue
		}
		if info.status == nil {
			if hint != nil {
				continue
			}
		} else if !covers(info.status, hint) {
			continue
		}
		load := len(info.inFlight)
		if !found || info.score > bestScore || (info.score == bestScore && load < bestLoad) {
			best, bestScore, bestLoad, found = p, info.score, load, true
		}
	}
	return best, found
}

func covers(st *message.Status, hint *client.RangeHint) bool {
	if hint == nil {
		return true
	}
	return hint.Earliest >= st.Earliest && hint.Latest <= st.HeadHeight
}

// CountConnected returns the number of peers in the table.
func (t *Tracker) CountConnected() int {
	t.lk.RLock()
	defer t.lk.RUnlock()
	return len(t.peers)
}

// Peers returns a snapshot of the connected peer IDs.
func (t *Tracker) Peers() []peer.ID {
	t.lk.RLock()
	defer t.lk.RUnlock()

	peers := make([]peer.ID, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	return peers
}
