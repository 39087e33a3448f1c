package types

import (
	"fmt"
	"sync/atomic"
)

// Header is the consensus header of one block. Headers are identified by
// the keccak-256 digest of their canonical CBOR encoding.
type Header struct {
	ParentHash   Hash   `cbor:"1,keyasint"`
	Number       uint64 `cbor:"2,keyasint"`
	Time         uint64 `cbor:"3,keyasint"`
	GasLimit     uint64 `cbor:"4,keyasint"`
	GasUsed      uint64 `cbor:"5,keyasint"`
	BaseFee      uint64 `cbor:"6,keyasint,omitempty"`
	StateRoot    Hash   `cbor:"7,keyasint"`
	TxRoot       Hash   `cbor:"8,keyasint"`
	ReceiptsRoot Hash   `cbor:"9,keyasint"`
	Extra        []byte `cbor:"10,keyasint,omitempty"`

	// Blob fields are nil before the fork that introduces them.
	BlobGasUsed   *uint64 `cbor:"11,keyasint,omitempty"`
	ExcessBlobGas *uint64 `cbor:"12,keyasint,omitempty"`

	hash atomic.Value // Hash, computed lazily
}

// Hash returns the header's identifying digest. The value is cached; a
// header must not be mutated after Hash has been called.
func (h *Header) Hash() Hash {
	if v := h.hash.Load(); v != nil {
		return v.(Hash)
	}
	enc, err := Marshal(h)
	if err != nil {
		// every header field has a total CBOR encoding
		panic(fmt.Sprintf("encode header: %s", err))
	}
	hh := HashData(enc)
	h.hash.Store(hh)
	return hh
}

// Body holds the payload of one block, fetched separately from its header
// and keyed by the header hash.
type Body struct {
	// Transactions are opaque encoded transactions in block order.
	Transactions [][]byte     `cbor:"1,keyasint"`
	Withdrawals  []Withdrawal `cbor:"2,keyasint,omitempty"`
}

// Withdrawal is a validator withdrawal included in a block body.
type Withdrawal struct {
	Index     uint64  `cbor:"1,keyasint"`
	Validator uint64  `cbor:"2,keyasint"`
	Address   Address `cbor:"3,keyasint"`
	Amount    uint64  `cbor:"4,keyasint"`
}

// Receipt records the outcome of one transaction.
type Receipt struct {
	Status            uint64 `cbor:"1,keyasint"`
	CumulativeGasUsed uint64 `cbor:"2,keyasint"`
	Logs              []*Log `cbor:"3,keyasint,omitempty"`
}

// Log is one event emitted during transaction execution.
type Log struct {
	Address Address `cbor:"1,keyasint"`
	Topics  []Hash  `cbor:"2,keyasint,omitempty"`
	Data    []byte  `cbor:"3,keyasint,omitempty"`
}

// Receipts is the receipt list of one block, in transaction order.
type Receipts []*Receipt

// Block pairs a header with its body.
type Block struct {
	Header *Header `cbor:"1,keyasint"`
	Body   *Body   `cbor:"2,keyasint"`
}

// NewBlock assembles a block from its parts.
func NewBlock(header *Header, body *Body) *Block {
	return &Block{Header: header, Body: body}
}

// Hash returns the block's identifying digest, which is its header hash.
func (b *Block) Hash() Hash { return b.Header.Hash() }

// Number returns the block height.
func (b *Block) Number() uint64 { return b.Header.Number }

func (b *Block) String() string {
	return fmt.Sprintf("block #%d %s", b.Number(), b.Hash().Short())
}
