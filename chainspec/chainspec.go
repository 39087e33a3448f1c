// Package chainspec describes a chain: its identity, genesis, fork
// schedule and operational limits. Specs are read-only; every component
// that needs chain-level configuration consumes one.
package chainspec

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/emberchain/go-blockfetch/types"
)

// BaseFeeParams is the fee market configuration of one fork.
type BaseFeeParams struct {
	// MaxChangeDenominator bounds the base fee change between blocks.
	MaxChangeDenominator uint64
	// ElasticityMultiplier relates the gas target to the gas limit.
	ElasticityMultiplier uint64
}

// DefaultBaseFeeParams applies when no fork overrides the fee market.
var DefaultBaseFeeParams = BaseFeeParams{
	MaxChangeDenominator: 8,
	ElasticityMultiplier: 2,
}

// BlobParams is the blob gas configuration of one fork.
type BlobParams struct {
	// Target is the blob count the fee mechanism steers towards.
	Target uint64
	// Max is the hard blob count cap per block.
	Max uint64
	// UpdateFraction controls how fast the blob fee reacts to excess
	// blob gas.
	UpdateFraction uint64
}

// Fork is one scheduled protocol upgrade, activating at a unix time.
// Nil parameter sets mean the fork leaves that mechanism unchanged.
type Fork struct {
	Name        string
	ActivatesAt uint64

	BaseFee *BaseFeeParams
	Blob    *BlobParams
}

// Spec is the read-only description of one chain. Specs are shared and
// never mutated after construction.
type Spec struct {
	Name    string
	ChainID uint64

	Genesis *types.Header

	// Forks is ordered by activation time.
	Forks []Fork

	// PruneDeleteLimit caps entries deleted per pruner run.
	PruneDeleteLimit int

	// Bootnodes are multiaddrs with peer IDs used to join the network.
	Bootnodes []string
}

// GenesisHash returns the hash of the genesis header. The header caches
// the value after the first call.
func (s *Spec) GenesisHash() types.Hash {
	return s.Genesis.Hash()
}

// BaseFeeParamsAt returns the fee market parameters active at the given
// unix time.
func (s *Spec) BaseFeeParamsAt(time uint64) BaseFeeParams {
	for i := len(s.Forks) - 1; i >= 0; i-- {
		f := s.Forks[i]
		if f.ActivatesAt <= time && f.BaseFee != nil {
			return *f.BaseFee
		}
	}
	return DefaultBaseFeeParams
}

// BlobParamsAt returns the blob parameters active at the given unix time.
// ok is false before the first blob fork.
func (s *Spec) BlobParamsAt(time uint64) (BlobParams, bool) {
	for i := len(s.Forks) - 1; i >= 0; i-- {
		f := s.Forks[i]
		if f.ActivatesAt <= time && f.Blob != nil {
			return *f.Blob, true
		}
	}
	return BlobParams{}, false
}

// NextBlockBaseFee computes the base fee of the block following parent,
// under the fee market active at targetTime. Increases are floored at one
// wei so a congested chain always moves; the result saturates at the
// uint64 range. ok is false when parent predates the fee market.
func (s *Spec) NextBlockBaseFee(parent *types.Header, targetTime uint64) (uint64, bool) {
	if parent.BaseFee == 0 {
		return 0, false
	}
	params := s.BaseFeeParamsAt(targetTime)
	gasTarget := parent.GasLimit / params.ElasticityMultiplier
	if gasTarget == 0 {
		return parent.BaseFee, true
	}

	baseFee := new(big.Int).SetUint64(parent.BaseFee)
	switch {
	case parent.GasUsed == gasTarget:
		return parent.BaseFee, true

	case parent.GasUsed > gasTarget:
		delta := new(big.Int).SetUint64(parent.GasUsed - gasTarget)
		delta.Mul(delta, baseFee)
		delta.Div(delta, new(big.Int).SetUint64(gasTarget))
		delta.Div(delta, new(big.Int).SetUint64(params.MaxChangeDenominator))
		if delta.Sign() == 0 {
			delta.SetUint64(1)
		}
		next := delta.Add(delta, baseFee)
		if !next.IsUint64() {
			return math.MaxUint64, true
		}
		return next.Uint64(), true

	default:
		delta := new(big.Int).SetUint64(gasTarget - parent.GasUsed)
		delta.Mul(delta, baseFee)
		delta.Div(delta, new(big.Int).SetUint64(gasTarget))
		delta.Div(delta, new(big.Int).SetUint64(params.MaxChangeDenominator))
		next := baseFee.Sub(baseFee, delta)
		if next.Sign() <= 0 {
			return 0, true
		}
		return next.Uint64(), true
	}
}

// BootnodeInfos parses the configured bootnode multiaddrs.
func (s *Spec) BootnodeInfos() ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(s.Bootnodes))
	for _, addr := range s.Bootnodes {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("bootnode %q: %w", addr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("bootnode %q: %w", addr, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// Hardforks renders the fork schedule for startup logs.
func (s *Spec) Hardforks() string {
	if len(s.Forks) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(s.Forks))
	for _, f := range s.Forks {
		parts = append(parts, fmt.Sprintf("%s@%d", f.Name, f.ActivatesAt))
	}
	return strings.Join(parts, ", ")
}

func (s *Spec) String() string {
	return fmt.Sprintf("%s (chain %d)", s.Name, s.ChainID)
}
