package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/connmgr"
	peer "github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/multiformats/go-multistream"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/go-blockfetch/client"
	"github.com/emberchain/go-blockfetch/internal/peertracker"
	"github.com/emberchain/go-blockfetch/message"
	bsnet "github.com/emberchain/go-blockfetch/network"
	"github.com/emberchain/go-blockfetch/testutil"
	"github.com/emberchain/go-blockfetch/types"
)

var testGenesis = testutil.TestGenesis().Hash()

type sentMessage struct {
	to  peer.ID
	msg *message.Message
}

type fakeMessageSender struct {
	net     *fakeNetwork
	to      peer.ID
	sendErr error
}

func (s *fakeMessageSender) SendMsg(ctx context.Context, msg *message.Message) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.net.sent <- sentMessage{s.to, msg}
	return nil
}

func (s *fakeMessageSender) Close() error         { return nil }
func (s *fakeMessageSender) Reset() error         { return nil }
func (s *fakeMessageSender) SupportsStatus() bool { return true }

type fakeNetwork struct {
	self         peer.ID
	newSenderErr error
	sendErr      error
	sent         chan sentMessage
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{sent: make(chan sentMessage, 16)}
}

func (n *fakeNetwork) Self() peer.ID { return n.self }

func (n *fakeNetwork) SendMessage(ctx context.Context, to peer.ID, msg *message.Message) error {
	n.sent <- sentMessage{to, msg}
	return nil
}

func (n *fakeNetwork) NewMessageSender(ctx context.Context, to peer.ID, opts *bsnet.MessageSenderOpts) (bsnet.MessageSender, error) {
	if n.newSenderErr != nil {
		return nil, n.newSenderErr
	}
	return &fakeMessageSender{net: n, to: to, sendErr: n.sendErr}, nil
}

func (n *fakeNetwork) SetDelegate(bsnet.Receiver) {}

func (n *fakeNetwork) Stop() {}

func (n *fakeNetwork) ConnectTo(context.Context, peer.ID) error {
	return nil
}

func (n *fakeNetwork) DisconnectFrom(context.Context, peer.ID) error {
	return nil
}

func (n *fakeNetwork) Latency(peer.ID) time.Duration {
	return 0
}

func (n *fakeNetwork) Ping(context.Context, peer.ID) ping.Result {
	return ping.Result{Error: errors.New("no ping in tests")}
}

func (n *fakeNetwork) SupportsStatus(protocol.ID) bool {
	return true
}

func (n *fakeNetwork) ConnectionManager() connmgr.ConnManager {
	return &connmgr.NullConnMgr{}
}

func (n *fakeNetwork) Stats() bsnet.Stats {
	return bsnet.Stats{}
}

type fakeTagger struct{}

func (fakeTagger) TagPeer(peer.ID, string, int) {}
func (fakeTagger) UntagPeer(peer.ID, string)    {}

type harness struct {
	f       *Fetcher
	net     *fakeNetwork
	tracker *peertracker.Tracker
	peers   []peer.ID
}

func newHarness(t *testing.T, npeers int) *harness {
	return newHarnessWithTimeout(t, npeers, time.Second)
}

func newHarnessWithTimeout(t *testing.T, npeers int, timeout time.Duration) *harness {
	net := newFakeNetwork()
	tracker := peertracker.New(fakeTagger{}, testGenesis, nil)
	f := New(context.Background(), net, tracker, timeout, nil)
	t.Cleanup(func() { _ = f.Close() })

	peers := testutil.GeneratePeers(npeers)
	for _, p := range peers {
		f.PeerConnected(p)
	}
	return &harness{f: f, net: net, tracker: tracker, peers: peers}
}

func TestGetBodiesResolvesOnResponse(t *testing.T) {
	h := newHarness(t, 1)
	blocks := testutil.GenerateChain(3)
	hashes := testutil.HashesOf(blocks)

	fut := h.f.GetBodies(context.Background(), hashes, client.High, nil)

	sent := <-h.net.sent
	require.Equal(t, h.peers[0], sent.to)
	req := sent.msg.Request
	require.NotNil(t, req)
	require.Equal(t, message.KindBodies, req.Kind)
	require.Equal(t, hashes, req.Hashes)
	require.Equal(t, int32(client.High), req.Priority)

	resp := &message.Response{ID: req.ID, Kind: message.KindBodies}
	for _, b := range blocks {
		resp.Bodies = append(resp.Bodies, b.Body)
	}
	h.f.HandleResponse(h.peers[0], resp)

	res := fut.Await(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, h.peers[0], res.Peer)
	require.Len(t, res.Data, 3)
	require.Zero(t, h.f.PendingRequests())
}

func TestPartialResponseIsSuccess(t *testing.T) {
	h := newHarness(t, 1)
	blocks := testutil.GenerateChain(3)
	hashes := testutil.HashesOf(blocks)

	fut := h.f.GetBodies(context.Background(), hashes, client.Normal, nil)
	sent := <-h.net.sent

	// The peer only has the first two blocks.
	resp := &message.Response{
		ID:     sent.msg.Request.ID,
		Kind:   message.KindBodies,
		Bodies: []*types.Body{blocks[0].Body, blocks[1].Body},
	}
	h.f.HandleResponse(h.peers[0], resp)

	res := fut.Await(context.Background())
	require.NoError(t, res.Err)
	require.Len(t, res.Data, 2)
}

func TestEmptyRequestResolvesImmediately(t *testing.T) {
	h := newHarness(t, 1)

	res := h.f.GetHeaders(context.Background(), nil, client.Normal, nil).Await(context.Background())
	require.NoError(t, res.Err)
	require.Empty(t, res.Data)
	require.Equal(t, peer.ID(""), res.Peer)
	require.Zero(t, len(h.net.sent))
}

func TestConcurrentBatchesResolveIndependently(t *testing.T) {
	h := newHarness(t, 1)
	blocks := testutil.GenerateChain(2)

	futA := h.f.GetBodies(context.Background(), testutil.HashesOf(blocks[:1]), client.Normal, nil)
	sentA := <-h.net.sent
	futB := h.f.GetBodies(context.Background(), testutil.HashesOf(blocks[1:]), client.Normal, nil)
	sentB := <-h.net.sent
	require.NotEqual(t, sentA.msg.Request.ID, sentB.msg.Request.ID)

	// Answer out of order; each future still gets its own payload.
	h.f.HandleResponse(h.peers[0], &message.Response{
		ID:     sentB.msg.Request.ID,
		Kind:   message.KindBodies,
		Bodies: []*types.Body{blocks[1].Body},
	})
	h.f.HandleResponse(h.peers[0], &message.Response{
		ID:     sentA.msg.Request.ID,
		Kind:   message.KindBodies,
		Bodies: []*types.Body{blocks[0].Body},
	})

	resB := futB.Await(context.Background())
	resA := futA.Await(context.Background())
	require.NoError(t, resA.Err)
	require.NoError(t, resB.Err)
	require.Equal(t, blocks[0].Body, resA.Data[0])
	require.Equal(t, blocks[1].Body, resB.Data[0])
	require.Zero(t, h.f.PendingRequests())
}

func TestNoPeers(t *testing.T) {
	h := newHarness(t, 0)

	res := h.f.GetBodies(context.Background(), testutil.GenerateHashes(1), client.Normal, nil).Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrNoPeers)
	require.Equal(t, peer.ID(""), res.Peer)
}

func TestRejectionResolvesError(t *testing.T) {
	h := newHarness(t, 1)

	fut := h.f.GetBodies(context.Background(), testutil.GenerateHashes(2), client.Normal, nil)
	sent := <-h.net.sent

	h.f.HandleResponse(h.peers[0], &message.Response{
		ID:       sent.msg.Request.ID,
		Kind:     message.KindBodies,
		Rejected: true,
		Reason:   message.RejectTooManyHashes,
	})

	res := fut.Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrRequestRejected)
	require.Equal(t, h.peers[0], res.Peer)
}

func TestWrongKindIsBadResponse(t *testing.T) {
	h := newHarness(t, 1)
	blocks := testutil.GenerateChain(1)

	fut := h.f.GetBodies(context.Background(), testutil.HashesOf(blocks), client.Normal, nil)
	sent := <-h.net.sent

	h.f.HandleResponse(h.peers[0], &message.Response{
		ID:      sent.msg.Request.ID,
		Kind:    message.KindHeaders,
		Headers: []*types.Header{blocks[0].Header},
	})

	res := fut.Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrBadResponse)
}

func TestOversizedResponseIsBadResponse(t *testing.T) {
	h := newHarness(t, 1)
	blocks := testutil.GenerateChain(2)

	fut := h.f.GetBodies(context.Background(), testutil.HashesOf(blocks[:1]), client.Normal, nil)
	sent := <-h.net.sent

	h.f.HandleResponse(h.peers[0], &message.Response{
		ID:     sent.msg.Request.ID,
		Kind:   message.KindBodies,
		Bodies: []*types.Body{blocks[0].Body, blocks[1].Body},
	})

	res := fut.Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrBadResponse)
}

func TestBadResponsesDisqualifyPeer(t *testing.T) {
	h := newHarness(t, 1)

	// Burn the peer's score with garbage answers.
	for i := 0; i < 2; i++ {
		fut := h.f.GetBodies(context.Background(), testutil.GenerateHashes(1), client.Normal, nil)
		sent := <-h.net.sent
		h.f.HandleResponse(h.peers[0], &message.Response{
			ID:   sent.msg.Request.ID,
			Kind: message.KindReceipts,
		})
		res := fut.Await(context.Background())
		require.ErrorIs(t, res.Err, client.ErrBadResponse)
	}

	res := h.f.GetBodies(context.Background(), testutil.GenerateHashes(1), client.Normal, nil).Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrNoPeers)
}

func TestLateResponseDropped(t *testing.T) {
	h := newHarness(t, 1)

	h.f.HandleResponse(h.peers[0], &message.Response{ID: 999, Kind: message.KindBodies})
	require.Zero(t, h.f.PendingRequests())
}

func TestTimeout(t *testing.T) {
	h := newHarnessWithTimeout(t, 1, 100*time.Millisecond)

	fut := h.f.GetReceipts(context.Background(), testutil.GenerateHashes(1), client.Normal, nil)
	<-h.net.sent

	res := fut.Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrTimeout)
	require.Equal(t, h.peers[0], res.Peer)
	require.Zero(t, h.f.PendingRequests())
}

func TestPeerDisconnectedFailsInflight(t *testing.T) {
	h := newHarness(t, 1)

	fut := h.f.GetBodies(context.Background(), testutil.GenerateHashes(2), client.Normal, nil)
	<-h.net.sent

	h.f.PeerDisconnected(h.peers[0])

	res := fut.Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrPeerDisconnected)
	require.Equal(t, h.peers[0], res.Peer)
	require.Zero(t, h.f.NumConnectedPeers())
}

func TestCloseFailsInflight(t *testing.T) {
	h := newHarness(t, 1)

	fut := h.f.GetBodies(context.Background(), testutil.GenerateHashes(1), client.Normal, nil)
	<-h.net.sent

	require.NoError(t, h.f.Close())

	res := fut.Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrRequestClosed)

	// New requests fail immediately once closed.
	res = h.f.GetBodies(context.Background(), testutil.GenerateHashes(1), client.Normal, nil).Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrRequestClosed)
}

func TestContextCancelResolves(t *testing.T) {
	h := newHarness(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	fut := h.f.GetBodies(ctx, testutil.GenerateHashes(1), client.Normal, nil)
	<-h.net.sent

	cancel()

	res := fut.Await(context.Background())
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Zero(t, h.f.PendingRequests())
}

func TestUnsupportedProtocol(t *testing.T) {
	h := newHarness(t, 1)
	h.net.newSenderErr = multistream.ErrNotSupported

	res := h.f.GetBodies(context.Background(), testutil.GenerateHashes(1), client.Normal, nil).Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrUnsupportedProtocol)
	require.Equal(t, h.peers[0], res.Peer)
}

func TestSendFailureIsDisconnect(t *testing.T) {
	h := newHarness(t, 1)
	h.net.sendErr = errors.New("stream broke")

	res := h.f.GetBodies(context.Background(), testutil.GenerateHashes(1), client.Normal, nil).Await(context.Background())
	require.ErrorIs(t, res.Err, client.ErrPeerDisconnected)
}

func TestRangeHintRoutesToCoveringPeer(t *testing.T) {
	h := newHarness(t, 2)
	h.tracker.UpdateStatus(h.peers[0], &message.Status{HeadHeight: 100, Earliest: 0, Genesis: testGenesis})
	h.tracker.UpdateStatus(h.peers[1], &message.Status{HeadHeight: 5000, Earliest: 4000, Genesis: testGenesis})

	fut := h.f.GetBodies(context.Background(), testutil.GenerateHashes(1), client.Normal,
		&client.RangeHint{Earliest: 4500, Latest: 4600})

	sent := <-h.net.sent
	require.Equal(t, h.peers[1], sent.to)

	h.f.HandleResponse(h.peers[1], &message.Response{ID: sent.msg.Request.ID, Kind: message.KindBodies})
	res := fut.Await(context.Background())
	require.NoError(t, res.Err)
}

func TestGetFullBlock(t *testing.T) {
	h := newHarness(t, 1)
	blk := testutil.GenerateChain(1)[0]

	type result struct {
		b   *types.Block
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := h.f.GetFullBlock(context.Background(), blk.Hash())
		done <- result{b, err}
	}()

	// Header and body requests are issued concurrently, in either
	// order.
	for i := 0; i < 2; i++ {
		sent := <-h.net.sent
		req := sent.msg.Request
		require.Equal(t, []types.Hash{blk.Hash()}, req.Hashes)
		resp := &message.Response{ID: req.ID, Kind: req.Kind}
		switch req.Kind {
		case message.KindHeaders:
			resp.Headers = []*types.Header{blk.Header}
		case message.KindBodies:
			resp.Bodies = []*types.Body{blk.Body}
		}
		h.f.HandleResponse(h.peers[0], resp)
	}

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, blk.Hash(), res.b.Hash())
	require.Len(t, res.b.Body.Transactions, len(blk.Body.Transactions))
}

func TestGetFullBlockMissingPart(t *testing.T) {
	h := newHarness(t, 1)
	blk := testutil.GenerateChain(1)[0]

	done := make(chan error, 1)
	go func() {
		_, err := h.f.GetFullBlock(context.Background(), blk.Hash())
		done <- err
	}()

	for i := 0; i < 2; i++ {
		sent := <-h.net.sent
		req := sent.msg.Request
		resp := &message.Response{ID: req.ID, Kind: req.Kind}
		if req.Kind == message.KindHeaders {
			resp.Headers = []*types.Header{blk.Header}
		}
		// The bodies response stays empty: the peer does not have it.
		h.f.HandleResponse(h.peers[0], resp)
	}

	require.Error(t, <-done)
}
