package store

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/go-blockfetch/message"
	"github.com/emberchain/go-blockfetch/testutil"
	"github.com/emberchain/go-blockfetch/types"
)

func newTestStore(t *testing.T) (*Store, ds.Batching) {
	t.Helper()
	dstore := ds_sync.MutexWrap(ds.NewMapDatastore())
	s, err := New(context.Background(), dstore)
	require.NoError(t, err)
	return s, dstore
}

func seed(t *testing.T, s *Store, blocks []*types.Block) []types.Receipts {
	t.Helper()
	ctx := context.Background()
	receipts := make([]types.Receipts, 0, len(blocks))
	for _, b := range blocks {
		rcpts := testutil.GenerateReceipts(b.Header, b.Body)
		require.NoError(t, s.Put(ctx, b, rcpts))
		receipts = append(receipts, rcpts)
	}
	return receipts
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	blocks := testutil.GenerateChain(3)
	receipts := seed(t, s, blocks)

	for i, b := range blocks {
		header, err := s.Header(ctx, b.Hash())
		require.NoError(t, err)
		require.Equal(t, b.Hash(), header.Hash())

		body, err := s.Body(ctx, b.Hash())
		require.NoError(t, err)
		require.Equal(t, b.Body, body)

		rcpts, err := s.Receipts(ctx, b.Hash())
		require.NoError(t, err)
		require.Equal(t, receipts[i], rcpts)

		have, err := s.Have(ctx, b.Hash())
		require.NoError(t, err)
		require.True(t, have)

		hash, err := s.HashByHeight(ctx, b.Number())
		require.NoError(t, err)
		require.Equal(t, b.Hash(), hash)
	}

	lo, hi, ok := s.HeightRange()
	require.True(t, ok)
	require.Equal(t, uint64(1), lo)
	require.Equal(t, uint64(3), hi)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	unknown := testutil.GenerateHashes(1)[0]

	_, err := s.Header(ctx, unknown)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Body(ctx, unknown)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Receipts(ctx, unknown)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.HashByHeight(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)

	have, err := s.Have(ctx, unknown)
	require.NoError(t, err)
	require.False(t, have)

	_, _, ok := s.HeightRange()
	require.False(t, ok)
}

func TestReindexOnOpen(t *testing.T) {
	ctx := context.Background()
	s, dstore := newTestStore(t)
	blocks := testutil.GenerateChain(4)
	seed(t, s, blocks)

	reopened, err := New(ctx, dstore)
	require.NoError(t, err)

	lo, hi, ok := reopened.HeightRange()
	require.True(t, ok)
	require.Equal(t, uint64(1), lo)
	require.Equal(t, uint64(4), hi)

	body, err := reopened.Body(ctx, blocks[2].Hash())
	require.NoError(t, err)
	require.Equal(t, blocks[2].Body, body)
}

func TestDeleteRangeBodies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	blocks := testutil.GenerateChain(10)
	seed(t, s, blocks)

	deleted, resume, err := s.DeleteRange(ctx, message.KindBodies, 1, 5, 100)
	require.NoError(t, err)
	require.Equal(t, 5, deleted)
	require.Equal(t, uint64(6), resume)

	_, err = s.Body(ctx, blocks[0].Hash())
	require.ErrorIs(t, err, ErrNotFound)

	// headers and receipts survive a bodies prune
	_, err = s.Header(ctx, blocks[0].Hash())
	require.NoError(t, err)
	_, err = s.Receipts(ctx, blocks[0].Hash())
	require.NoError(t, err)

	lo, hi, ok := s.HeightRange()
	require.True(t, ok)
	require.Equal(t, uint64(6), lo)
	require.Equal(t, uint64(10), hi)
}

func TestDeleteRangeLimit(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	blocks := testutil.GenerateChain(6)
	seed(t, s, blocks)

	deleted, resume, err := s.DeleteRange(ctx, message.KindBodies, 1, 6, 2)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
	require.Equal(t, uint64(3), resume)

	lo, _, ok := s.HeightRange()
	require.True(t, ok)
	require.Equal(t, uint64(3), lo)

	deleted, resume, err = s.DeleteRange(ctx, message.KindBodies, resume, 6, 100)
	require.NoError(t, err)
	require.Equal(t, 4, deleted)
	require.Equal(t, uint64(7), resume)

	_, _, ok = s.HeightRange()
	require.False(t, ok)
}

func TestDeleteRangeReceipts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	blocks := testutil.GenerateChain(5)
	seed(t, s, blocks)

	deleted, resume, err := s.DeleteRange(ctx, message.KindReceipts, 1, 3, 100)
	require.NoError(t, err)
	require.Equal(t, 3, deleted)
	require.Equal(t, uint64(4), resume)

	_, err = s.Receipts(ctx, blocks[1].Hash())
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Body(ctx, blocks[1].Hash())
	require.NoError(t, err)

	// body coverage is untouched by a receipts prune
	lo, hi, ok := s.HeightRange()
	require.True(t, ok)
	require.Equal(t, uint64(1), lo)
	require.Equal(t, uint64(5), hi)
}

func TestDeleteRangeSkipsGaps(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	blocks := testutil.GenerateChain(4)
	seed(t, s, blocks)

	// heights 10..20 hold nothing; the call is a no-op that completes
	deleted, resume, err := s.DeleteRange(ctx, message.KindBodies, 10, 20, 5)
	require.NoError(t, err)
	require.Equal(t, 0, deleted)
	require.Equal(t, uint64(21), resume)
}

func TestDeleteRangeRejectsHeaders(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.DeleteRange(context.Background(), message.KindHeaders, 1, 10, 5)
	require.Error(t, err)
}

func TestCanonicalOverwrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	first := testutil.GenerateChain(1)[0]
	second := testutil.GenerateChain(1)[0]
	require.NotEqual(t, first.Hash(), second.Hash())
	require.Equal(t, first.Number(), second.Number())

	require.NoError(t, s.Put(ctx, first, nil))
	require.NoError(t, s.Put(ctx, second, nil))

	hash, err := s.HashByHeight(ctx, first.Number())
	require.NoError(t, err)
	require.Equal(t, second.Hash(), hash)

	// the losing block stays readable by hash
	body, err := s.Body(ctx, first.Hash())
	require.NoError(t, err)
	require.Equal(t, first.Body, body)
}

func TestReindexSkipsPrunedHeights(t *testing.T) {
	ctx := context.Background()
	s, dstore := newTestStore(t)
	seed(t, s, testutil.GenerateChain(5))

	_, _, err := s.DeleteRange(ctx, message.KindBodies, 1, 2, 100)
	require.NoError(t, err)

	reopened, err := New(ctx, dstore)
	require.NoError(t, err)

	lo, hi, ok := reopened.HeightRange()
	require.True(t, ok)
	require.Equal(t, uint64(3), lo)
	require.Equal(t, uint64(5), hi)
}
