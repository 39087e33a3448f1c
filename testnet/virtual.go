package testnet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	delay "github.com/ipfs/go-ipfs-delay"
	"github.com/libp2p/go-libp2p-core/connmgr"
	"github.com/libp2p/go-libp2p-core/peer"
	protocol "github.com/libp2p/go-libp2p-core/protocol"
	tnet "github.com/libp2p/go-libp2p-testing/net"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	bsmsg "github.com/emberchain/go-blockfetch/message"
	bsnet "github.com/emberchain/go-blockfetch/network"
)

// VirtualNetwork returns an in-process network that hands messages
// between adapters directly, applying a per-link latency drawn from d
// the first time a message crosses the link.
func VirtualNetwork(d delay.D) Network {
	return &virtualNetwork{
		wires:   make(map[route]*wire),
		inboxes: make(map[peer.ID]*inbox),
		conns:   make(map[route]struct{}),
		delay:   d,
	}
}

// RateLimitGenerator hands out bandwidth limits for new links.
type RateLimitGenerator interface {
	NextRateLimit() float64
}

// RateLimitedVirtualNetwork is like VirtualNetwork, except each link is
// also throttled to a bandwidth drawn from gen, so bigger messages take
// proportionally longer to arrive.
func RateLimitedVirtualNetwork(d delay.D, gen RateLimitGenerator) Network {
	return &virtualNetwork{
		wires:   make(map[route]*wire),
		inboxes: make(map[peer.ID]*inbox),
		conns:   make(map[route]struct{}),
		delay:   d,
		rates:   gen,
	}
}

// route identifies a directed sender-to-receiver pair.
type route struct {
	src, dst peer.ID
}

// normalized orders the endpoints so both directions map to the same
// key. Connection tracking is undirected; wires are not.
func (r route) normalized() route {
	if r.dst < r.src {
		return route{src: r.dst, dst: r.src}
	}
	return r
}

// wire holds the simulation parameters of one directed link. They are
// fixed the first time a message crosses the link and reused afterward,
// so a slow peer stays consistently slow.
type wire struct {
	latency time.Duration
	limiter *mocknet.RateLimiter // nil when bandwidth is unlimited
}

type virtualNetwork struct {
	mu      sync.Mutex
	wires   map[route]*wire
	inboxes map[peer.ID]*inbox
	conns   map[route]struct{}
	delay   delay.D
	rates   RateLimitGenerator // nil when bandwidth is unlimited
}

// wireFor returns the directed link from src to dst, creating it with a
// fresh latency and rate limit on first use. Callers must hold n.mu.
func (n *virtualNetwork) wireFor(src, dst peer.ID) *wire {
	r := route{src: src, dst: dst}
	w, ok := n.wires[r]
	if !ok {
		w = &wire{latency: n.delay.NextWaitTime()}
		if n.rates != nil {
			w.limiter = mocknet.NewRateLimiter(n.rates.NextRateLimit())
		}
		n.wires[r] = w
	}
	return w
}

func (n *virtualNetwork) Adapter(p tnet.Identity, opts ...bsnet.NetOpt) bsnet.Network {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := bsnet.Settings{
		SupportedProtocols: []protocol.ID{
			bsnet.ProtocolBlockfetch,
			bsnet.ProtocolBlockfetchGzip,
			bsnet.ProtocolBlockfetchOneZero,
		},
	}
	for _, opt := range opts {
		opt(&s)
	}

	host := &virtualHost{
		local:     p.ID(),
		net:       n,
		protocols: s.SupportedProtocols,
	}
	n.inboxes[p.ID()] = &inbox{owner: host}
	return host
}

func (n *virtualNetwork) HasPeer(p peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, found := n.inboxes[p]
	return found
}

// send queues mes for delivery after the link's latency plus whatever
// the bandwidth limit adds for a message of this size.
func (n *virtualNetwork) send(from, to peer.ID, mes *bsmsg.Message) error {
	// The sender keeps mutating its message, the receiver gets a copy.
	mes = mes.Clone()

	n.mu.Lock()
	defer n.mu.Unlock()

	box, ok := n.inboxes[to]
	if !ok {
		return errors.New("cannot locate peer on network")
	}

	w := n.wireFor(from, to)
	transit := w.latency
	if w.limiter != nil {
		transit += w.limiter.Limit(mes.Size())
	}

	// A link with a legacy-only endpoint negotiates the 1.0.0 codec,
	// which has no status frame.
	if mes.Status != nil {
		sender, ok := n.inboxes[from]
		if !ok || !statusCapable(sender.owner.protocols) || !statusCapable(box.owner.protocols) {
			mes.Status = nil
			if mes.Empty() {
				return nil
			}
		}
	}

	box.put(&envelope{
		sender:  from,
		payload: mes,
		due:     time.Now().Add(transit),
	})
	return nil
}

// statusCapable reports whether a peer advertising protos can carry
// chain status frames, i.e. speaks anything newer than 1.0.0.
func statusCapable(protos []protocol.ID) bool {
	for _, proto := range protos {
		if proto != bsnet.ProtocolBlockfetchOneZero {
			return true
		}
	}
	return false
}

// virtualHost is the bsnet.Network handed to a test instance. It counts
// its own traffic and routes everything through the shared network.
type virtualHost struct {
	// Stats first keeps its uint64 fields 8-byte aligned on 32bit
	// platforms.
	stats bsnet.Stats

	local peer.ID
	bsnet.Receiver
	net       *virtualNetwork
	protocols []protocol.ID
}

var _ bsnet.Network = (*virtualHost)(nil)

func (vh *virtualHost) Self() peer.ID {
	return vh.local
}

func (vh *virtualHost) Ping(ctx context.Context, p peer.ID) ping.Result {
	return ping.Result{RTT: vh.Latency(p)}
}

// Latency reports the link's latency once a message has fixed it, and
// zero before that, mirroring how a live host has no RTT estimate for
// a peer it has never talked to.
func (vh *virtualHost) Latency(p peer.ID) time.Duration {
	vh.net.mu.Lock()
	defer vh.net.mu.Unlock()
	if w, ok := vh.net.wires[route{src: vh.local, dst: p}]; ok {
		return w.latency
	}
	return 0
}

func (vh *virtualHost) SendMessage(ctx context.Context, to peer.ID, msg *bsmsg.Message) error {
	if err := vh.net.send(vh.local, to, msg); err != nil {
		return err
	}
	atomic.AddUint64(&vh.stats.MessagesSent, 1)
	return nil
}

func (vh *virtualHost) SupportsStatus(proto protocol.ID) bool {
	return proto != bsnet.ProtocolBlockfetchOneZero
}

func (vh *virtualHost) Stats() bsnet.Stats {
	return bsnet.Stats{
		MessagesRecvd: atomic.LoadUint64(&vh.stats.MessagesRecvd),
		MessagesSent:  atomic.LoadUint64(&vh.stats.MessagesSent),
	}
}

func (vh *virtualHost) ConnectionManager() connmgr.ConnManager {
	return &connmgr.NullConnMgr{}
}

func (vh *virtualHost) NewMessageSender(ctx context.Context, p peer.ID, opts *bsnet.MessageSenderOpts) (bsnet.MessageSender, error) {
	return &virtualSender{host: vh, target: p}, nil
}

func (vh *virtualHost) SetDelegate(r bsnet.Receiver) {
	vh.Receiver = r
}

func (vh *virtualHost) Stop() {
}

func (vh *virtualHost) ConnectTo(_ context.Context, p peer.ID) error {
	vh.net.mu.Lock()
	other, ok := vh.net.inboxes[p]
	if !ok {
		vh.net.mu.Unlock()
		return errors.New("no such peer in network")
	}

	conn := route{src: vh.local, dst: p}.normalized()
	if _, ok := vh.net.conns[conn]; ok {
		vh.net.mu.Unlock()
		return nil
	}
	vh.net.conns[conn] = struct{}{}
	vh.net.mu.Unlock()

	// Notify synchronously, so the connection is visible to both sides
	// the moment ConnectTo returns.
	other.owner.PeerConnected(vh.local)
	vh.Receiver.PeerConnected(p)
	return nil
}

func (vh *virtualHost) DisconnectFrom(_ context.Context, p peer.ID) error {
	vh.net.mu.Lock()
	other, ok := vh.net.inboxes[p]
	if !ok {
		vh.net.mu.Unlock()
		return errors.New("no such peer in network")
	}

	conn := route{src: vh.local, dst: p}.normalized()
	if _, ok := vh.net.conns[conn]; !ok {
		// Already disconnected.
		vh.net.mu.Unlock()
		return nil
	}
	delete(vh.net.conns, conn)
	vh.net.mu.Unlock()

	other.owner.PeerDisconnected(vh.local)
	vh.Receiver.PeerDisconnected(p)
	return nil
}

// virtualSender implements bsnet.MessageSender on top of the shared
// queue. There is no stream to close or reset.
type virtualSender struct {
	host   *virtualHost
	target peer.ID
}

func (s *virtualSender) SendMsg(ctx context.Context, m *bsmsg.Message) error {
	return s.host.SendMessage(ctx, s.target, m)
}

func (s *virtualSender) Close() error {
	return nil
}

func (s *virtualSender) Reset() error {
	return nil
}

func (s *virtualSender) SupportsStatus() bool {
	s.host.net.mu.Lock()
	box, ok := s.host.net.inboxes[s.target]
	s.host.net.mu.Unlock()
	return ok && statusCapable(box.owner.protocols)
}

// envelope is a message in flight, due for delivery at a fixed time.
type envelope struct {
	sender  peer.ID
	payload *bsmsg.Message
	due     time.Time
}

// inbox collects envelopes addressed to one host and delivers them in
// due order. Ordering wins over exact timing: a message is never
// delivered ahead of an earlier-due one, even once its own delay has
// elapsed.
type inbox struct {
	owner *virtualHost

	lk       sync.Mutex
	pending  []*envelope
	draining bool
}

func (b *inbox) put(e *envelope) {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.pending = append(b.pending, e)
	if !b.draining {
		b.draining = true
		go b.drain()
	}
}

func (b *inbox) drain() {
	for {
		b.lk.Lock()
		sort.Slice(b.pending, func(i, j int) bool {
			return b.pending[i].due.Before(b.pending[j].due)
		})
		if len(b.pending) == 0 {
			b.draining = false
			b.lk.Unlock()
			return
		}

		next := b.pending[0]
		if time.Until(next.due) < 100*time.Millisecond {
			b.pending = b.pending[1:]
			b.lk.Unlock()
			time.Sleep(time.Until(next.due))
			atomic.AddUint64(&b.owner.stats.MessagesRecvd, 1)
			b.owner.ReceiveMessage(context.TODO(), next.sender, next.payload)
		} else {
			// Nothing due soon. Sleep a beat and re-sort, in case a
			// later arrival carries an earlier due time.
			b.lk.Unlock()
			time.Sleep(100 * time.Millisecond)
		}
	}
}
