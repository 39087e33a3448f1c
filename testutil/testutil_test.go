package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateChainLinks(t *testing.T) {
	chain := GenerateChain(10)
	require.Len(t, chain, 10)

	parent := TestGenesis()
	for i, b := range chain {
		require.Equal(t, parent.Number+1, b.Number())
		require.Equal(t, parent.Hash(), b.Header.ParentHash)
		require.NotEmpty(t, b.Body.Transactions, "block %d has no transactions", i)
		parent = b.Header
	}
}

func TestGenerateHashesDistinct(t *testing.T) {
	hashes := GenerateHashes(100)
	seen := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		require.False(t, seen[h.String()])
		seen[h.String()] = true
	}
}

func TestGenerateReceiptsPerTransaction(t *testing.T) {
	chain := GenerateChain(3)
	for _, b := range chain {
		receipts := GenerateReceipts(b.Header, b.Body)
		require.Len(t, receipts, len(b.Body.Transactions))
	}
}
