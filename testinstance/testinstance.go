// Package testinstance provides ready-wired blockfetch nodes for
// integration tests: a fetcher, its store and a network adapter on a
// shared test transport.
package testinstance

import (
	"context"
	"time"

	ds "github.com/ipfs/go-datastore"
	delayed "github.com/ipfs/go-datastore/delayed"
	ds_sync "github.com/ipfs/go-datastore/sync"
	delay "github.com/ipfs/go-ipfs-delay"
	peer "github.com/libp2p/go-libp2p-core/peer"
	tnet "github.com/libp2p/go-libp2p-testing/net"

	blockfetch "github.com/emberchain/go-blockfetch"
	"github.com/emberchain/go-blockfetch/chainspec"
	bsnet "github.com/emberchain/go-blockfetch/network"
	"github.com/emberchain/go-blockfetch/store"
	tn "github.com/emberchain/go-blockfetch/testnet"
)

// Instance is one blockfetch node on the test network.
type Instance struct {
	Peer    peer.ID
	Fetch   *blockfetch.Blockfetch
	Store   *store.Store
	Adapter bsnet.Network

	storeDelay delay.D
}

// SetStoreLatency sets the artificial delay applied to every datastore
// read and write, and returns the previous value. Handy for making a
// peer slow to answer without touching the network.
func (i *Instance) SetStoreLatency(d time.Duration) time.Duration {
	return i.storeDelay.Set(d)
}

// InstanceGenerator creates instances that share one test network and
// one chain spec, each under a fresh random identity.
type InstanceGenerator struct {
	net        tn.Network
	ctx        context.Context
	cancel     context.CancelFunc
	spec       *chainspec.Spec
	bsOptions  []blockfetch.Option
	netOptions []bsnet.NetOpt
}

// NewTestInstanceGenerator makes an InstanceGenerator for the given
// testnet. Instances share the Dev chain spec.
func NewTestInstanceGenerator(net tn.Network, netOptions []bsnet.NetOpt, bsOptions []blockfetch.Option) InstanceGenerator {
	ctx, cancel := context.WithCancel(context.Background())
	return InstanceGenerator{
		net:        net,
		ctx:        ctx,
		cancel:     cancel,
		spec:       chainspec.Dev,
		bsOptions:  bsOptions,
		netOptions: netOptions,
	}
}

// Close shuts down every instance created by this generator.
func (g *InstanceGenerator) Close() error {
	g.cancel()
	return nil // for io.Closer
}

// Next creates an instance under a fresh identity.
func (g *InstanceGenerator) Next() Instance {
	p, err := tnet.RandIdentity()
	if err != nil {
		panic(err)
	}
	return NewInstance(g.ctx, g.net, g.spec, p, g.netOptions, g.bsOptions)
}

// Instances creates n instances and connects them all to each other.
func (g *InstanceGenerator) Instances(n int) []Instance {
	var instances []Instance
	for j := 0; j < n; j++ {
		instances = append(instances, g.Next())
	}
	ConnectInstances(instances)
	return instances
}

// ConnectInstances joins every pair of instances on the underlying
// network.
func ConnectInstances(instances []Instance) {
	for i, inst := range instances {
		for j := i + 1; j < len(instances); j++ {
			if err := inst.Adapter.ConnectTo(context.Background(), instances[j].Peer); err != nil {
				panic(err.Error())
			}
		}
	}
}

// NewInstance wires a blockfetch node by hand: a delayed in-memory
// datastore, a store over it and a fetcher bound to the given network
// identity. Prefer the generator, which guarantees distinct identities.
func NewInstance(ctx context.Context, net tn.Network, spec *chainspec.Spec, p tnet.Identity, netOptions []bsnet.NetOpt, bsOptions []blockfetch.Option) Instance {
	storeDelay := delay.Fixed(0)

	adapter := net.Adapter(p, netOptions...)
	dstore := ds_sync.MutexWrap(delayed.New(ds.NewMapDatastore(), storeDelay))

	bstore, err := store.New(ctx, dstore)
	if err != nil {
		panic(err.Error())
	}

	return Instance{
		Adapter:    adapter,
		Peer:       p.ID(),
		Fetch:      blockfetch.New(ctx, adapter, bstore, spec, bsOptions...),
		Store:      bstore,
		storeDelay: storeDelay,
	}
}
