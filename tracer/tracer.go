package tracer

import (
	peer "github.com/libp2p/go-libp2p-core/peer"

	"github.com/emberchain/go-blockfetch/message"
)

// Tracer provides methods to access all messages sent and received by
// blockfetch. This interface can be used to implement various
// statistics (this is the original intent).
type Tracer interface {
	MessageReceived(peer.ID, *message.Message)
	MessageSent(peer.ID, *message.Message)
}
