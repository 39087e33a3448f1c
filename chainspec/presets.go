package chainspec

import "github.com/emberchain/go-blockfetch/types"

// Mainnet is the production chain.
var Mainnet = &Spec{
	Name:    "emberchain",
	ChainID: 4473,
	Genesis: &types.Header{
		Number:   0,
		Time:     1662940800,
		GasLimit: 30_000_000,
		BaseFee:  1_000_000_000,
		Extra:    []byte("emberchain mainnet genesis"),
	},
	Forks: []Fork{
		{
			Name:        "ignition",
			ActivatesAt: 0,
			BaseFee:     &BaseFeeParams{MaxChangeDenominator: 8, ElasticityMultiplier: 2},
		},
		{
			Name:        "glow",
			ActivatesAt: 1693526400,
			Blob:        &BlobParams{Target: 3, Max: 6, UpdateFraction: 3_338_477},
		},
	},
	PruneDeleteLimit: 20000,
	Bootnodes: []string{
		"/dns4/boot-0.emberchain.io/tcp/30311/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ",
		"/dns4/boot-1.emberchain.io/tcp/30311/p2p/QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa",
	},
}

// Dev is a single-node development chain with the fee market active from
// genesis and no bootnodes. Tests and the demo CLI run on Dev; its
// genesis matches the header the test chain generators descend from.
var Dev = &Spec{
	Name:    "ember-dev",
	ChainID: 44731,
	Genesis: &types.Header{
		Number:   0,
		Time:     1670000000,
		GasLimit: 30_000_000,
		BaseFee:  1_000_000_000,
		Extra:    []byte("blockfetch test genesis"),
	},
	Forks: []Fork{
		{
			Name:        "ignition",
			ActivatesAt: 0,
			BaseFee:     &BaseFeeParams{MaxChangeDenominator: 8, ElasticityMultiplier: 2},
		},
	},
	PruneDeleteLimit: 1000,
}
