package testutil

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	peer "github.com/libp2p/go-libp2p-core/peer"

	"github.com/emberchain/go-blockfetch/types"
)

var genLk sync.Mutex
var gen = rand.New(rand.NewSource(0x626c6f636b66))
var hashSeq uint64

// GenerateHashes produces n distinct hashes.
func GenerateHashes(n int) []types.Hash {
	genLk.Lock()
	defer genLk.Unlock()

	hashes := make([]types.Hash, 0, n)
	for i := 0; i < n; i++ {
		hashSeq++
		var seed [8]byte
		binary.BigEndian.PutUint64(seed[:], hashSeq)
		hashes = append(hashes, types.HashData(seed[:]))
	}
	return hashes
}

var peerSeq int
var peerSeqLk sync.Mutex

// GeneratePeers creates n peer ids.
func GeneratePeers(n int) []peer.ID {
	peerSeqLk.Lock()
	defer peerSeqLk.Unlock()

	peerIds := make([]peer.ID, 0, n)
	for i := 0; i < n; i++ {
		peerSeq++
		p := peer.ID(fmt.Sprint(peerSeq))
		peerIds = append(peerIds, p)
	}
	return peerIds
}

// TestGenesis is the header the generated chains descend from.
func TestGenesis() *types.Header {
	return &types.Header{
		Number:   0,
		Time:     1670000000,
		GasLimit: 30_000_000,
		BaseFee:  1_000_000_000,
		Extra:    []byte("blockfetch test genesis"),
	}
}

// GenerateChain builds n linked blocks descending from TestGenesis,
// heights 1 through n.
func GenerateChain(n int) []*types.Block {
	return GenerateChainFrom(TestGenesis(), n)
}

// GenerateChainFrom builds n linked blocks descending from parent.
// Every block carries a small body so payload fetches have something
// to return.
func GenerateChainFrom(parent *types.Header, n int) []*types.Block {
	genLk.Lock()
	defer genLk.Unlock()

	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		body := &types.Body{}
		for t := 0; t < 1+gen.Intn(3); t++ {
			tx := make([]byte, 32+gen.Intn(96))
			gen.Read(tx)
			body.Transactions = append(body.Transactions, tx)
		}

		var txRoot, stateRoot types.Hash
		gen.Read(txRoot[:])
		gen.Read(stateRoot[:])

		header := &types.Header{
			ParentHash:   parent.Hash(),
			Number:       parent.Number + 1,
			Time:         parent.Time + 12,
			GasLimit:     parent.GasLimit,
			GasUsed:      uint64(gen.Int63n(int64(parent.GasLimit))),
			BaseFee:      parent.BaseFee,
			StateRoot:    stateRoot,
			TxRoot:       txRoot,
			ReceiptsRoot: types.HashData(txRoot[:]),
		}

		blocks = append(blocks, types.NewBlock(header, body))
		parent = header
	}
	return blocks
}

// GenerateReceipts makes one receipt per transaction in the body.
func GenerateReceipts(header *types.Header, body *types.Body) types.Receipts {
	genLk.Lock()
	defer genLk.Unlock()

	receipts := make(types.Receipts, 0, len(body.Transactions))
	var cumulative uint64
	for range body.Transactions {
		cumulative += 21000 + uint64(gen.Intn(50000))
		rcpt := &types.Receipt{
			Status:            1,
			CumulativeGasUsed: cumulative,
		}
		if gen.Intn(2) == 0 {
			data := make([]byte, 32)
			gen.Read(data)
			rcpt.Logs = append(rcpt.Logs, &types.Log{
				Topics: []types.Hash{types.HashData(data)},
				Data:   data,
			})
		}
		receipts = append(receipts, rcpt)
	}
	return receipts
}

// HashesOf returns the block hashes in order.
func HashesOf(blocks []*types.Block) []types.Hash {
	hashes := make([]types.Hash, 0, len(blocks))
	for _, b := range blocks {
		hashes = append(hashes, b.Hash())
	}
	return hashes
}

// ContainsPeer returns true if a peer is found in a list of peers.
func ContainsPeer(peers []peer.ID, p peer.ID) bool {
	for _, n := range peers {
		if p == n {
			return true
		}
	}
	return false
}

// IndexOf returns the position of the block with the given hash, or -1.
func IndexOf(blocks []*types.Block, h types.Hash) int {
	for i, b := range blocks {
		if b.Hash() == h {
			return i
		}
	}
	return -1
}
