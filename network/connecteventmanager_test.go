package network

import (
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/go-blockfetch/testutil"
)

type connEvent struct {
	connected bool
	peer      peer.ID
}

// recordingListener collects the connect/disconnect events fired by the
// manager. Holding its lock stalls the manager's worker, which the tests
// use to pile up state changes before any event fires.
type recordingListener struct {
	sync.Mutex
	events []connEvent
}

func (l *recordingListener) PeerConnected(p peer.ID) {
	l.Lock()
	defer l.Unlock()
	l.events = append(l.events, connEvent{connected: true, peer: p})
}

func (l *recordingListener) PeerDisconnected(p peer.ID) {
	l.Lock()
	defer l.Unlock()
	l.events = append(l.events, connEvent{connected: false, peer: p})
}

func flushed(t *testing.T, c *connectEventManager) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.lk.RLock()
		defer c.lk.RUnlock()
		return len(c.changeQueue) == 0
	}, time.Second, time.Millisecond, "event manager never drained its queue")
}

func TestConnectEventManagerConnectDisconnect(t *testing.T) {
	listener := &recordingListener{}
	peers := testutil.GeneratePeers(2)
	cem := newConnectEventManager(listener)
	cem.Start()
	t.Cleanup(cem.Stop)

	var expected []connEvent

	// A second connection to the same peer must not fire a second event.
	cem.Connected(peers[0])
	cem.Connected(peers[0])
	expected = append(expected, connEvent{peer: peers[0], connected: true})

	flushed(t, cem)
	require.Equal(t, expected, listener.events)

	// Stall the worker, then bounce peer 0. The disconnect and reconnect
	// cancel out while queued, so only peer 1's event comes through.
	listener.Lock()
	cem.Connected(peers[1])
	expected = append(expected, connEvent{peer: peers[1], connected: true})

	cem.Disconnected(peers[0])
	cem.Connected(peers[0])

	listener.Unlock()

	flushed(t, cem)
	require.Equal(t, expected, listener.events)
}

func TestConnectEventManagerMarkUnresponsive(t *testing.T) {
	listener := &recordingListener{}
	p := testutil.GeneratePeers(1)[0]
	cem := newConnectEventManager(listener)
	cem.Start()
	t.Cleanup(cem.Stop)

	var expected []connEvent

	// A message from a peer we never saw connect proves nothing (it may
	// have been in flight across a disconnect), so no event.
	cem.OnMessage(p)
	flushed(t, cem)
	require.Equal(t, expected, listener.events)

	cem.Connected(p)
	flushed(t, cem)

	expected = append(expected, connEvent{peer: p, connected: true})
	require.Equal(t, expected, listener.events)

	// Going unresponsive reads as a disconnect to the listener.
	cem.MarkUnresponsive(p)
	flushed(t, cem)

	expected = append(expected, connEvent{peer: p, connected: false})
	require.Equal(t, expected, listener.events)

	// A fresh connection restores the peer.
	cem.Connected(p)
	flushed(t, cem)
	expected = append(expected, connEvent{peer: p, connected: true})
	require.Equal(t, expected, listener.events)

	// Messages from a responsive peer fire nothing.
	cem.OnMessage(p)
	flushed(t, cem)
	require.Equal(t, expected, listener.events)
}

func TestConnectEventManagerMessageRevivesUnresponsive(t *testing.T) {
	listener := &recordingListener{}
	p := testutil.GeneratePeers(1)[0]
	cem := newConnectEventManager(listener)
	cem.Start()
	t.Cleanup(cem.Stop)

	cem.Connected(p)
	cem.MarkUnresponsive(p)
	flushed(t, cem)

	// A message while unresponsive means the peer is alive after all.
	cem.OnMessage(p)
	flushed(t, cem)

	require.Equal(t, []connEvent{
		{peer: p, connected: true},
		{peer: p, connected: false},
		{peer: p, connected: true},
	}, listener.events)
}

func TestConnectEventManagerDisconnectAfterMarkUnresponsive(t *testing.T) {
	listener := &recordingListener{}
	p := testutil.GeneratePeers(1)[0]
	cem := newConnectEventManager(listener)
	cem.Start()
	t.Cleanup(cem.Stop)

	var expected []connEvent

	cem.Connected(p)
	flushed(t, cem)

	expected = append(expected, connEvent{peer: p, connected: true})
	require.Equal(t, expected, listener.events)

	cem.MarkUnresponsive(p)
	flushed(t, cem)

	expected = append(expected, connEvent{peer: p, connected: false})
	require.Equal(t, expected, listener.events)

	// The peer was already reported gone; the real disconnect only
	// removes the bookkeeping.
	cem.Disconnected(p)
	flushed(t, cem)
	require.Empty(t, cem.peers)
	require.Equal(t, expected, listener.events)
}
