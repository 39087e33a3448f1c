package network

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/connmgr"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	msgio "github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/emberchain/go-blockfetch/internal/defaults"
	"github.com/emberchain/go-blockfetch/message"
)

var log = logging.Logger("bf:net")

var connectTimeout = time.Second * 5

const (
	// Timeout for write deadline on a stream
	minSendTimeout = 10 * time.Second
	maxSendTimeout = 2 * time.Minute
	sendLatency    = 2 * time.Second
	minSendRate    = (100 * 1000) / 8 // 100kbit/s
)

// sendTimeout calculates a timeout to write a message of the given
// size on a stream, assuming a minimum sending rate.
func sendTimeout(size int) time.Duration {
	timeout := sendLatency
	timeout += time.Duration((uint64(size) * uint64(time.Second)) / minSendRate)
	if timeout > maxSendTimeout {
		timeout = maxSendTimeout
	} else if timeout < minSendTimeout {
		timeout = minSendTimeout
	}
	return timeout
}

// NewFromHost returns a Network backed by the given libp2p host.
func NewFromHost(host host.Host, opts ...NetOpt) Network {
	s := processSettings(opts...)

	blockfetchNetwork := impl{
		host: host,

		protocolBlockfetchOneZero: s.ProtocolPrefix + ProtocolBlockfetchOneZero,
		protocolBlockfetch:        s.ProtocolPrefix + ProtocolBlockfetch,
		protocolBlockfetchGzip:    s.ProtocolPrefix + ProtocolBlockfetchGzip,

		supportedProtocols: s.SupportedProtocols,
	}
	blockfetchNetwork.inboundProtocols = inboundProtocols(&blockfetchNetwork)
	blockfetchNetwork.connectEvtMgr = newConnectEventManager(&blockfetchNetwork)

	return &blockfetchNetwork
}

func processSettings(opts ...NetOpt) Settings {
	s := Settings{}
	for _, opt := range opts {
		opt(&s)
	}
	if len(s.SupportedProtocols) == 0 {
		// Dial preference, most capable first.
		if s.Compression {
			s.SupportedProtocols = []protocol.ID{
				ProtocolBlockfetchGzip,
				ProtocolBlockfetch,
				ProtocolBlockfetchOneZero,
			}
		} else {
			s.SupportedProtocols = []protocol.ID{
				ProtocolBlockfetch,
				ProtocolBlockfetchOneZero,
			}
		}
	}
	for i, proto := range s.SupportedProtocols {
		s.SupportedProtocols[i] = s.ProtocolPrefix + proto
	}
	return s
}

// Compressed streams are accepted inbound even when we do not dial
// them ourselves.
func inboundProtocols(bsnet *impl) []protocol.ID {
	protos := append([]protocol.ID(nil), bsnet.supportedProtocols...)
	for _, proto := range protos {
		if proto == bsnet.protocolBlockfetchGzip {
			return protos
		}
	}
	return append(protos, bsnet.protocolBlockfetchGzip)
}

// impl transforms the libp2p host interface, which sends and receives
// streams, into the blockfetch network interface.
type impl struct {
	// NOTE: Stats must be at the top of the heap allocation to ensure 64bit
	// alignment.
	stats Stats

	host          host.Host
	connectEvtMgr *connectEventManager

	protocolBlockfetchOneZero protocol.ID
	protocolBlockfetch        protocol.ID
	protocolBlockfetchGzip    protocol.ID

	supportedProtocols []protocol.ID
	inboundProtocols   []protocol.ID

	// inbound messages from the network are forwarded to the receiver
	receiver Receiver
}

type streamMessageSender struct {
	to     peer.ID
	stream network.Stream
	bsnet  *impl
	opts   *MessageSenderOpts
	done   chan struct{}
}

// Open a stream to the remote peer
func (s *streamMessageSender) Connect(ctx context.Context) (network.Stream, error) {
	if s.stream != nil {
		return s.stream, nil
	}

	tctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()

	if err := s.bsnet.ConnectTo(tctx, s.to); err != nil {
		return nil, err
	}

	stream, err := s.bsnet.newStreamToPeer(tctx, s.to)
	if err != nil {
		return nil, err
	}

	s.stream = stream
	return s.stream, nil
}

// Reset the stream
func (s *streamMessageSender) Reset() error {
	if s.stream != nil {
		err := s.stream.Reset()
		s.stream = nil
		return err
	}
	return nil
}

// Close the stream
func (s *streamMessageSender) Close() error {
	close(s.done)
	if s.stream != nil {
		return s.stream.Close()
	}
	return nil
}

// Indicates whether the peer's protocol carries status announcements
func (s *streamMessageSender) SupportsStatus() bool {
	return s.bsnet.SupportsStatus(s.stream.Protocol())
}

// Send a message to the peer, attempting multiple times
func (s *streamMessageSender) SendMsg(ctx context.Context, msg *message.Message) error {
	return s.multiAttempt(ctx, func() error {
		return s.send(ctx, msg)
	})
}

// Perform a function with multiple attempts, and a timeout
func (s *streamMessageSender) multiAttempt(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < s.opts.MaxRetries; i++ {
		if err = fn(); err == nil {
			// Attempt was successful
			return nil
		}

		// Attempt failed

		// If the sender has been closed or the context cancelled, just bail out
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return err
		default:
		}

		// Failed to send so reset stream and try again
		_ = s.Reset()

		// Failed too many times so mark the peer as unresponsive and return an error
		if i == s.opts.MaxRetries-1 {
			s.bsnet.connectEvtMgr.MarkUnresponsive(s.to)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return err
		case <-time.After(s.opts.SendErrorBackoff):
			// wait a short time in case disconnect notifications are still propagating
			log.Infof("send message to %s failed but context was not Done: %s", s.to, err)
		}
	}
	return err
}

// Send a message to the peer
func (s *streamMessageSender) send(ctx context.Context, msg *message.Message) error {
	start := time.Now()
	stream, err := s.Connect(ctx)
	if err != nil {
		log.Infof("failed to open stream to %s: %s", s.to, err)
		return err
	}

	// The send timeout includes the time required to connect
	// (although usually they will already be connected - we only need to
	// connect after a failed attempt to send)
	timeout := sendTimeout(msg.Size())
	if err := s.bsnet.msgToStream(ctx, stream, msg, timeout-time.Since(start)); err != nil {
		log.Infof("failed to send message to %s: %s", s.to, err)
		return err
	}

	return nil
}

func (bsnet *impl) Self() peer.ID {
	return bsnet.host.ID()
}

func (bsnet *impl) Ping(ctx context.Context, p peer.ID) ping.Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	res := <-ping.Ping(ctx, bsnet.host, p)
	return res
}

func (bsnet *impl) Latency(p peer.ID) time.Duration {
	return bsnet.host.Peerstore().LatencyEWMA(p)
}

// Indicates whether the given protocol carries status announcements
func (bsnet *impl) SupportsStatus(proto protocol.ID) bool {
	switch proto {
	case bsnet.protocolBlockfetchOneZero:
		return false
	}
	return true
}

func (bsnet *impl) msgToStream(ctx context.Context, s network.Stream, msg *message.Message, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	if err := s.SetWriteDeadline(deadline); err != nil {
		log.Warnf("error setting deadline: %s", err)
	}

	switch s.Protocol() {
	case bsnet.protocolBlockfetch, bsnet.protocolBlockfetchGzip:
		if err := msg.ToMsgio(s); err != nil {
			log.Debugf("error: %s", err)
			return err
		}
	case bsnet.protocolBlockfetchOneZero:
		if err := msg.ToMsgioV0(s); err != nil {
			log.Debugf("error: %s", err)
			return err
		}
	default:
		return fmt.Errorf("unrecognized protocol on remote: %s", s.Protocol())
	}

	if err := s.SetWriteDeadline(time.Time{}); err != nil {
		log.Warnf("error resetting deadline: %s", err)
	}
	return nil
}

func (bsnet *impl) NewMessageSender(ctx context.Context, p peer.ID, opts *MessageSenderOpts) (MessageSender, error) {
	opts = setDefaultOpts(opts)

	sender := &streamMessageSender{
		to:    p,
		bsnet: bsnet,
		opts:  opts,
		done:  make(chan struct{}),
	}

	err := sender.multiAttempt(ctx, func() error {
		_, err := sender.Connect(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	return sender, nil
}

func setDefaultOpts(opts *MessageSenderOpts) *MessageSenderOpts {
	copy := *opts
	if opts.MaxRetries == 0 {
		copy.MaxRetries = 3
	}
	if opts.SendTimeout == 0 {
		copy.SendTimeout = maxSendTimeout
	}
	if opts.SendErrorBackoff == 0 {
		copy.SendErrorBackoff = 100 * time.Millisecond
	}
	return &copy
}

func (bsnet *impl) SendMessage(
	ctx context.Context,
	p peer.ID,
	outgoing *message.Message) error {

	tctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	s, err := bsnet.newStreamToPeer(tctx, p)
	if err != nil {
		return err
	}

	if err = bsnet.msgToStream(ctx, s, outgoing, sendTimeout(outgoing.Size())); err != nil {
		_ = s.Reset()
		return err
	}
	atomic.AddUint64(&bsnet.stats.MessagesSent, 1)

	return s.Close()
}

func (bsnet *impl) newStreamToPeer(ctx context.Context, p peer.ID) (network.Stream, error) {
	s, err := bsnet.host.NewStream(ctx, p, bsnet.supportedProtocols...)
	if err != nil {
		return nil, err
	}
	return bsnet.wrapStream(s), nil
}

func (bsnet *impl) wrapStream(s network.Stream) network.Stream {
	if s.Protocol() == bsnet.protocolBlockfetchGzip {
		return compressStream(s)
	}
	return s
}

func (bsnet *impl) SetDelegate(r Receiver) {
	bsnet.receiver = r
	bsnet.connectEvtMgr.Start()
	for _, proto := range bsnet.inboundProtocols {
		bsnet.host.SetStreamHandler(proto, bsnet.handleNewStream)
	}
	bsnet.host.Network().Notify((*netNotifiee)(bsnet))
}

func (bsnet *impl) Stop() {
	bsnet.connectEvtMgr.Stop()
	bsnet.host.Network().StopNotify((*netNotifiee)(bsnet))
}

// Connection events surfaced by the connect event manager are
// forwarded to the receiver.
func (bsnet *impl) PeerConnected(p peer.ID) {
	bsnet.receiver.PeerConnected(p)
}

func (bsnet *impl) PeerDisconnected(p peer.ID) {
	bsnet.receiver.PeerDisconnected(p)
}

func (bsnet *impl) ConnectTo(ctx context.Context, p peer.ID) error {
	return bsnet.host.Connect(ctx, peer.AddrInfo{ID: p})
}

func (bsnet *impl) DisconnectFrom(ctx context.Context, p peer.ID) error {
	panic("Not implemented: DisconnectFrom() is only used by tests")
}

// handleNewStream receives a new stream from the network.
func (bsnet *impl) handleNewStream(s network.Stream) {
	defer s.Close()

	if bsnet.receiver == nil {
		_ = s.Reset()
		return
	}

	s = bsnet.wrapStream(s)
	reader := msgio.NewVarintReaderSize(s, defaults.MaxMessageSize)
	for {
		received, err := message.FromMsgReader(reader)
		if err != nil {
			if err != io.EOF {
				_ = s.Reset()
				bsnet.receiver.ReceiveError(err)
				log.Debugf("blockfetch net handleNewStream from %s error: %s", s.Conn().RemotePeer(), err)
			}
			return
		}

		p := s.Conn().RemotePeer()
		ctx := context.Background()
		log.Debugf("blockfetch net handleNewStream from %s", s.Conn().RemotePeer())
		bsnet.connectEvtMgr.OnMessage(s.Conn().RemotePeer())
		bsnet.receiver.ReceiveMessage(ctx, p, received)
		atomic.AddUint64(&bsnet.stats.MessagesRecvd, 1)
	}
}

func (bsnet *impl) ConnectionManager() connmgr.ConnManager {
	return bsnet.host.ConnManager()
}

func (bsnet *impl) Stats() Stats {
	return Stats{
		MessagesRecvd: atomic.LoadUint64(&bsnet.stats.MessagesRecvd),
		MessagesSent:  atomic.LoadUint64(&bsnet.stats.MessagesSent),
	}
}

type netNotifiee impl

func (nn *netNotifiee) impl() *impl {
	return (*impl)(nn)
}

func (nn *netNotifiee) Connected(n network.Network, v network.Conn) {
	// ignore transient connections
	if v.Stat().Transient {
		return
	}

	nn.impl().connectEvtMgr.Connected(v.RemotePeer())
}

func (nn *netNotifiee) Disconnected(n network.Network, v network.Conn) {
	// Only record a "disconnect" when we actually disconnect.
	if n.Connectedness(v.RemotePeer()) == network.Connected {
		return
	}

	nn.impl().connectEvtMgr.Disconnected(v.RemotePeer())
}

func (nn *netNotifiee) OpenedStream(n network.Network, s network.Stream) {}
func (nn *netNotifiee) ClosedStream(n network.Network, v network.Stream) {}
func (nn *netNotifiee) Listen(n network.Network, a ma.Multiaddr)         {}
func (nn *netNotifiee) ListenClose(n network.Network, a ma.Multiaddr)    {}
