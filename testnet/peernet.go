package testnet

import (
	"context"

	"github.com/libp2p/go-libp2p-core/peer"
	tnet "github.com/libp2p/go-libp2p-testing/net"
	mockpeernet "github.com/libp2p/go-libp2p/p2p/net/mock"

	bsnet "github.com/emberchain/go-blockfetch/network"
)

// streamNet builds adapters on top of libp2p's mocknet, so messages
// travel over real in-memory streams with protocol negotiation instead
// of the virtual delivery queue.
type streamNet struct {
	mockpeernet.Mocknet
}

// StreamNet wraps a mocknet in the testnet Network interface.
func StreamNet(_ context.Context, net mockpeernet.Mocknet) (Network, error) {
	return &streamNet{net}, nil
}

func (sn *streamNet) Adapter(p tnet.Identity, opts ...bsnet.NetOpt) bsnet.Network {
	host, err := sn.Mocknet.AddPeer(p.PrivateKey(), p.Address())
	if err != nil {
		panic(err.Error())
	}
	return bsnet.NewFromHost(host, opts...)
}

func (sn *streamNet) HasPeer(p peer.ID) bool {
	for _, member := range sn.Mocknet.Peers() {
		if p == member {
			return true
		}
	}
	return false
}

var _ Network = (*streamNet)(nil)
