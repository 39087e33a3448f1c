package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	datastore "github.com/ipfs/go-datastore"
	dstoresync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"

	blockfetch "github.com/emberchain/go-blockfetch"
	"github.com/emberchain/go-blockfetch/chainspec"
	bsnet "github.com/emberchain/go-blockfetch/network"
	"github.com/emberchain/go-blockfetch/store"
	"github.com/emberchain/go-blockfetch/testutil"
	"github.com/emberchain/go-blockfetch/types"
)

func main() {
	blockCountFlag := flag.Int("blocks", 1000, "number of blocks to seed")
	batchSizeFlag := flag.Int("batch", 64, "hashes per request")
	concReqsFlag := flag.Int("conc", 10, "max concurrent requests")
	compressFlag := flag.Bool("compress", false, "dial the compressed protocol")
	flag.Parse()

	ctx := context.Background()

	provider := makeProvider(ctx)
	requester := makeRequester(ctx, *compressFlag)

	err := requester.ConnectTo(ctx, provider.AddrInfo())
	if err != nil {
		log.Panic(err)
	}

	hashes, err := provider.PublishChain(ctx, *blockCountFlag)
	if err != nil {
		log.Panic(err)
	}

	err = requester.RequestBodies(ctx, *concReqsFlag, *batchSizeFlag, hashes)
	if err != nil {
		log.Panic(err.Error())
	}
}

func makeProvider(ctx context.Context) *provider {
	listen, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/3333")
	if err != nil {
		log.Panic(err.Error())
	}
	h, err := libp2p.New(libp2p.ListenAddrs(listen))
	if err != nil {
		log.Panic(err)
	}
	for _, a := range h.Addrs() {
		log.Printf("provider listening on addr: %s", a)
	}
	bstore, err := store.New(ctx, dstoresync.MutexWrap(datastore.NewMapDatastore()))
	if err != nil {
		log.Panic(err)
	}
	fetch := blockfetch.New(ctx, bsnet.NewFromHost(h), bstore, chainspec.Dev)
	return &provider{
		host:  h,
		fetch: fetch,
	}
}

func makeRequester(ctx context.Context, compress bool) *requester {
	listen, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/3334")
	if err != nil {
		log.Panic(err)
	}
	h, err := libp2p.New(libp2p.ListenAddrs(listen))
	if err != nil {
		log.Panic(err)
	}
	for _, a := range h.Addrs() {
		log.Printf("requester listening on addr: %s", a.String())
	}
	bstore, err := store.New(ctx, dstoresync.MutexWrap(datastore.NewMapDatastore()))
	if err != nil {
		log.Panic(err)
	}

	var net bsnet.Network
	if compress {
		log.Printf("dialing with compression")
		net = bsnet.NewFromHost(h, bsnet.Compression())
	} else {
		net = bsnet.NewFromHost(h)
	}
	fetch := blockfetch.New(ctx, net, bstore, chainspec.Dev)

	return &requester{
		host:  h,
		fetch: fetch,
	}
}

type provider struct {
	host  host.Host
	fetch *blockfetch.Blockfetch
}

func (p *provider) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{
		ID:    p.host.ID(),
		Addrs: p.host.Addrs(),
	}
}

type publishResult struct {
	hash types.Hash
	err  error
}

func (p *provider) PublishChain(ctx context.Context, blockCount int) ([]types.Hash, error) {
	log.Printf("generating a chain of %d blocks", blockCount)
	blocks := testutil.GenerateChain(blockCount)

	wg := sync.WaitGroup{}
	workChan := make(chan *types.Block)
	resultChan := make(chan publishResult)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for blk := range workChan {
				receipts := testutil.GenerateReceipts(blk.Header, blk.Body)
				err := p.fetch.NotifyNewBlocksWithReceipts(ctx, []*types.Block{blk}, []types.Receipts{receipts})
				if err != nil {
					resultChan <- publishResult{err: err}
					return
				}
				resultChan <- publishResult{hash: blk.Hash()}
			}
		}()
	}
	go func() {
		for _, blk := range blocks {
			workChan <- blk
		}
		close(workChan)
		wg.Wait()
		close(resultChan)
	}()

	hashes := []types.Hash{}
	for result := range resultChan {
		if result.err != nil {
			return nil, result.err
		}
		hashes = append(hashes, result.hash)
	}

	return hashes, nil
}

type requester struct {
	host  host.Host
	fetch *blockfetch.Blockfetch
}

func (r *requester) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{
		ID:    r.host.ID(),
		Addrs: r.host.Addrs(),
	}
}

func (r *requester) ConnectTo(ctx context.Context, ai peer.AddrInfo) error {
	log.Printf("connecting to provider: %s", ai)
	err := r.host.Connect(ctx, ai)
	if err != nil {
		return fmt.Errorf("could not connect to provider: %w", err)
	}
	log.Printf("connected to %s", ai)
	return nil
}

type result struct {
	bodies   int
	err      error
	duration time.Duration
}

func (r *requester) RequestBodies(ctx context.Context, workers int, batchSize int, hashes []types.Hash) error {
	dls := []time.Duration{}

	batchChan := make(chan []types.Hash)
	resultChan := make(chan result)
	wg := sync.WaitGroup{}

	batches := (len(hashes) + batchSize - 1) / batchSize
	log.Printf("requesting %d bodies in %d batches with %d workers", len(hashes), batches, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batchChan {
				downloadStart := time.Now()
				res := r.fetch.GetBlockBodies(ctx, batch).Await(ctx)
				if res.Err != nil {
					resultChan <- result{err: fmt.Errorf("error fetching batch of %d from %s: %w", len(batch), res.Peer, res.Err)}
					return
				}
				resultChan <- result{bodies: len(res.Data), duration: time.Since(downloadStart)}
			}
		}()
	}

	go func() {
		rest := hashes
		for len(rest) > 0 {
			n := batchSize
			if n > len(rest) {
				n = len(rest)
			}
			batchChan <- rest[:n]
			rest = rest[n:]
		}
		close(batchChan)
		wg.Wait()
		close(resultChan)
	}()

	start := time.Now()

	bodies := 0
	for result := range resultChan {
		if result.err != nil {
			return result.err
		}
		bodies += result.bodies
		dls = append(dls, result.duration)
	}

	duration := time.Since(start)

	log.Printf("Requested %d bodies in %d ms", bodies, duration.Milliseconds())
	sort.Slice(dls, func(i, j int) bool { return dls[i].Nanoseconds() < dls[j].Nanoseconds() })

	count := len(dls)
	sum := 0
	for _, d := range dls {
		sum += int(d.Milliseconds())
	}
	log.Printf("Min: %d ms", dls[0].Milliseconds())
	log.Printf("Max: %d ms", dls[len(dls)-1].Milliseconds())
	log.Printf("Median: %d ms", dls[len(dls)/2].Milliseconds())
	log.Printf("Avg: %d ms", sum/count)

	if bodies != len(hashes) {
		return fmt.Errorf("requested %d bodies but received %d", len(hashes), bodies)
	}

	return nil
}
