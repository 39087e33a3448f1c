package network

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p-core/connmgr"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	"github.com/emberchain/go-blockfetch/message"
)

var (
	// ProtocolBlockfetchOneZero is the legacy protocol without status
	// announcements.
	ProtocolBlockfetchOneZero protocol.ID = "/emberchain/blockfetch/1.0.0"
	// ProtocolBlockfetch is the current protocol.
	ProtocolBlockfetch protocol.ID = "/emberchain/blockfetch/1.1.0"
	// ProtocolBlockfetchGzip is the current protocol over a gzip
	// compressed stream. Only offered when compression is enabled.
	ProtocolBlockfetchGzip protocol.ID = "/emberchain/blockfetch/1.1.0/gzip"
)

// Network provides network connectivity for blockfetch.
type Network interface {
	Self() peer.ID

	// SendMessage opens a fresh stream, writes a single message and
	// closes the stream.
	SendMessage(
		context.Context,
		peer.ID,
		*message.Message) error

	// NewMessageSender returns a sender that holds one stream open to
	// the peer for repeated sends.
	NewMessageSender(context.Context, peer.ID, *MessageSenderOpts) (MessageSender, error)

	// SetDelegate registers the receiver that handles inbound messages
	// and connection events, and starts listening for streams.
	SetDelegate(Receiver)

	// Stop detaches the network from the host.
	Stop()

	ConnectTo(context.Context, peer.ID) error
	DisconnectFrom(context.Context, peer.ID) error

	// Latency returns the EWMA round trip time for the peer.
	Latency(peer.ID) time.Duration

	Ping(context.Context, peer.ID) ping.Result

	// SupportsStatus reports whether the protocol carries status
	// announcements.
	SupportsStatus(protocol.ID) bool

	ConnectionManager() connmgr.ConnManager

	Stats() Stats
}

// MessageSender sends messages to a single peer over a held stream.
type MessageSender interface {
	SendMsg(context.Context, *message.Message) error
	Close() error
	Reset() error

	// SupportsStatus reports whether the negotiated protocol carries
	// status announcements.
	SupportsStatus() bool
}

type MessageSenderOpts struct {
	MaxRetries       int
	SendTimeout      time.Duration
	SendErrorBackoff time.Duration
}

// Implement Receiver to handle messages from the Network.
type Receiver interface {
	ReceiveMessage(
		ctx context.Context,
		sender peer.ID,
		incoming *message.Message)

	ReceiveError(error)

	// Connected/Disconnected warns blockfetch about peer connections.
	PeerConnected(peer.ID)
	PeerDisconnected(peer.ID)
}

// Stats is a container for statistics about the blockfetch network.
// All fields only grow.
type Stats struct {
	MessagesRecvd uint64
	MessagesSent  uint64
}
