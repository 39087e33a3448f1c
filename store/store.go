// Package store persists headers, bodies and receipts in a datastore and
// answers the reads the responder serves from. Payloads are keyed by header
// hash under per-kind namespaces, with a height-to-hash index for canonical
// lookups and pruning.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	lru "github.com/hashicorp/golang-lru"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log"

	"github.com/emberchain/go-blockfetch/message"
	"github.com/emberchain/go-blockfetch/types"
)

var log = logging.Logger("bf:store")

// ErrNotFound is returned by the typed getters when the store does not hold
// the requested payload.
var ErrNotFound = errors.New("not found in store")

const (
	headerCacheSize = 2048
	bodyCacheSize   = 512
)

var (
	headersPrefix  = ds.NewKey("headers")
	bodiesPrefix   = ds.NewKey("bodies")
	receiptsPrefix = ds.NewKey("receipts")
	heightsPrefix  = ds.NewKey("byheight")
)

// Store is a datastore-backed payload store. A roaring bitmap mirrors the
// set of heights with stored bodies so coverage queries stay off the
// datastore; it is rebuilt from the height index on open.
type Store struct {
	headers  ds.Datastore
	bodies   ds.Datastore
	receipts ds.Datastore
	byHeight ds.Datastore

	lk      sync.RWMutex
	heights *roaring64.Bitmap

	headerCache *lru.Cache
	bodyCache   *lru.Cache
}

// New wraps d with the store's namespaces and rebuilds the height index
// from what d already holds.
func New(ctx context.Context, d ds.Batching) (*Store, error) {
	headerCache, err := lru.New(headerCacheSize)
	if err != nil {
		return nil, err
	}
	bodyCache, err := lru.New(bodyCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		headers:     namespace.Wrap(d, headersPrefix),
		bodies:      namespace.Wrap(d, bodiesPrefix),
		receipts:    namespace.Wrap(d, receiptsPrefix),
		byHeight:    namespace.Wrap(d, heightsPrefix),
		heights:     roaring64.New(),
		headerCache: headerCache,
		bodyCache:   bodyCache,
	}
	if err := s.reindex(ctx); err != nil {
		return nil, fmt.Errorf("rebuild height index: %w", err)
	}
	return s, nil
}

// reindex scans the height index and records every height whose body is
// still present. Heights whose bodies were pruned stay out of the bitmap.
func (s *Store) reindex(ctx context.Context) error {
	res, err := s.byHeight.Query(ctx, dsq.Query{})
	if err != nil {
		return err
	}
	defer res.Close()

	for {
		e, ok := res.NextSync()
		if !ok {
			break
		}
		if e.Error != nil {
			return e.Error
		}
		height, err := strconv.ParseUint(strings.TrimPrefix(e.Key, "/"), 10, 64)
		if err != nil {
			return fmt.Errorf("bad height key %q: %w", e.Key, err)
		}
		have, err := s.bodies.Has(ctx, hashKey(types.BytesToHash(e.Value)))
		if err != nil {
			return err
		}
		if have {
			s.heights.Add(height)
		}
	}

	if c := s.heights.GetCardinality(); c > 0 {
		log.Debugf("indexed %d heights in [%d, %d]", c, s.heights.Minimum(), s.heights.Maximum())
	}
	return nil
}

// Put stores a block's header and body, its receipts when given, and the
// height-to-hash mapping. A later put at the same height overwrites the
// mapping, so the newest block at a height is canonical.
func (s *Store) Put(ctx context.Context, block *types.Block, receipts types.Receipts) error {
	hash := block.Hash()
	key := hashKey(hash)

	enc, err := types.Marshal(block.Header)
	if err != nil {
		return fmt.Errorf("encode header %s: %w", hash.Short(), err)
	}
	if err := s.headers.Put(ctx, key, enc); err != nil {
		return err
	}

	enc, err = types.Marshal(block.Body)
	if err != nil {
		return fmt.Errorf("encode body %s: %w", hash.Short(), err)
	}
	if err := s.bodies.Put(ctx, key, enc); err != nil {
		return err
	}

	if receipts != nil {
		enc, err = types.Marshal(receipts)
		if err != nil {
			return fmt.Errorf("encode receipts %s: %w", hash.Short(), err)
		}
		if err := s.receipts.Put(ctx, key, enc); err != nil {
			return err
		}
	}

	if err := s.byHeight.Put(ctx, heightKey(block.Number()), hash.Bytes()); err != nil {
		return err
	}

	s.headerCache.Add(hash, block.Header)
	s.bodyCache.Add(hash, block.Body)

	s.lk.Lock()
	s.heights.Add(block.Number())
	s.lk.Unlock()
	return nil
}

// Header returns the header with the given hash. Returned headers are
// shared and must not be mutated.
func (s *Store) Header(ctx context.Context, h types.Hash) (*types.Header, error) {
	if v, ok := s.headerCache.Get(h); ok {
		return v.(*types.Header), nil
	}
	data, err := s.headers.Get(ctx, hashKey(h))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	header := new(types.Header)
	if err := types.Unmarshal(data, header); err != nil {
		return nil, fmt.Errorf("decode header %s: %w", h.Short(), err)
	}
	s.headerCache.Add(h, header)
	return header, nil
}

// Body returns the body of the block with the given header hash.
func (s *Store) Body(ctx context.Context, h types.Hash) (*types.Body, error) {
	if v, ok := s.bodyCache.Get(h); ok {
		return v.(*types.Body), nil
	}
	data, err := s.bodies.Get(ctx, hashKey(h))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	body := new(types.Body)
	if err := types.Unmarshal(data, body); err != nil {
		return nil, fmt.Errorf("decode body %s: %w", h.Short(), err)
	}
	s.bodyCache.Add(h, body)
	return body, nil
}

// Receipts returns the receipts of the block with the given header hash.
func (s *Store) Receipts(ctx context.Context, h types.Hash) (types.Receipts, error) {
	data, err := s.receipts.Get(ctx, hashKey(h))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	var receipts types.Receipts
	if err := types.Unmarshal(data, &receipts); err != nil {
		return nil, fmt.Errorf("decode receipts %s: %w", h.Short(), err)
	}
	return receipts, nil
}

// Have reports whether the store holds the header with the given hash.
func (s *Store) Have(ctx context.Context, h types.Hash) (bool, error) {
	if s.headerCache.Contains(h) {
		return true, nil
	}
	return s.headers.Has(ctx, hashKey(h))
}

// HashByHeight returns the canonical block hash at the given height.
func (s *Store) HashByHeight(ctx context.Context, height uint64) (types.Hash, error) {
	data, err := s.byHeight.Get(ctx, heightKey(height))
	if err != nil {
		return types.Hash{}, wrapNotFound(err)
	}
	return types.BytesToHash(data), nil
}

// HeightRange returns the span of heights with stored bodies. ok is false
// when the store holds none.
func (s *Store) HeightRange() (lo, hi uint64, ok bool) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	if s.heights.IsEmpty() {
		return 0, 0, false
	}
	return s.heights.Minimum(), s.heights.Maximum(), true
}

// DeleteRange removes stored payloads of the given kind for heights in
// [from, to], oldest first, stopping after limit deletions. It returns the
// number deleted and the height at which a later call should resume; the
// range is done once the resume height passes to. Headers and the height
// index are never deleted.
func (s *Store) DeleteRange(ctx context.Context, kind message.Kind, from, to uint64, limit int) (int, uint64, error) {
	var target ds.Datastore
	switch kind {
	case message.KindBodies:
		target = s.bodies
	case message.KindReceipts:
		target = s.receipts
	default:
		return 0, from, fmt.Errorf("cannot delete %s", kind)
	}

	deleted := 0
	height := from
	for ; height <= to; height++ {
		if deleted >= limit {
			break
		}
		hash, err := s.HashByHeight(ctx, height)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, height, err
		}
		exists, err := target.Has(ctx, hashKey(hash))
		if err != nil {
			return deleted, height, err
		}
		if !exists {
			continue
		}
		if err := target.Delete(ctx, hashKey(hash)); err != nil {
			return deleted, height, err
		}
		if kind == message.KindBodies {
			s.bodyCache.Remove(hash)
		}
		deleted++
	}

	if kind == message.KindBodies && height > from {
		s.lk.Lock()
		s.heights.RemoveRange(from, height)
		s.lk.Unlock()
	}
	return deleted, height, nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, ds.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func hashKey(h types.Hash) ds.Key {
	return ds.NewKey(h.String())
}

func heightKey(n uint64) ds.Key {
	return ds.NewKey(strconv.FormatUint(n, 10))
}
