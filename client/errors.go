package client

import "errors"

var (
	// ErrNoPeers means no connected peer could plausibly serve the
	// request. The failure is attributed to no peer in particular.
	ErrNoPeers = errors.New("no connected peers")

	// ErrTimeout means the peer did not answer before the deadline.
	ErrTimeout = errors.New("peer request timed out")

	// ErrBadResponse means the peer answered with something malformed,
	// mismatched or larger than requested. Callers are expected to pair
	// it with ReportBadMessage.
	ErrBadResponse = errors.New("invalid response from peer")

	// ErrPeerDisconnected means the peer dropped before answering.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrUnsupportedProtocol means the remote shares no retrieval
	// protocol with us.
	ErrUnsupportedProtocol = errors.New("peer does not speak any shared protocol")

	// ErrRequestRejected means the peer refused to serve the request,
	// usually because it exceeded the peer's advertised limits.
	ErrRequestRejected = errors.New("request rejected by peer")

	// ErrRequestClosed means the client shut down before the request
	// completed, or the promise was closed without a value.
	ErrRequestClosed = errors.New("request channel closed")
)
