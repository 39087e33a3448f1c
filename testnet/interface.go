package testnet

import (
	"github.com/libp2p/go-libp2p-core/peer"
	tnet "github.com/libp2p/go-libp2p-testing/net"

	bsnet "github.com/emberchain/go-blockfetch/network"
)

// Network hands out blockfetch network adapters wired to a shared test
// transport, either the virtual delivery queue or a libp2p mocknet.
type Network interface {
	// Adapter creates a network bound to the given identity.
	Adapter(tnet.Identity, ...bsnet.NetOpt) bsnet.Network

	HasPeer(peer.ID) bool
}
