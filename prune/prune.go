// Package prune drops historical block payloads that have fallen out of
// the configured retention window. Headers and the height index survive
// every mode, so hash-by-height lookups keep working after bodies and
// receipts are gone.
package prune

import (
	"context"
	"errors"
	"fmt"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log"
	"go.uber.org/multierr"

	"github.com/emberchain/go-blockfetch/message"
	"github.com/emberchain/go-blockfetch/store"
	"github.com/emberchain/go-blockfetch/types"
)

var log = logging.Logger("bf:prune")

// Input bounds a single segment run.
type Input struct {
	// Resume is the first height to consider, one past the last
	// checkpointed height.
	Resume uint64
	// Target is the highest height the segment may prune.
	Target uint64
	// Limit caps deletions for this run.
	Limit int
}

// Output reports what a segment run accomplished.
type Output struct {
	// Pruned is the number of entries deleted.
	Pruned int
	// Done is false when the limit interrupted the run short of Target.
	Done bool
	// Checkpoint is the height a later run should resume from.
	Checkpoint uint64
}

// A Segment prunes one class of stored data.
type Segment interface {
	Kind() message.Kind
	Mode() Mode
	Prune(ctx context.Context, in Input) (Output, error)
}

type storeSegment struct {
	kind  message.Kind
	mode  Mode
	store *store.Store
}

// Bodies returns a segment that prunes block bodies from s.
func Bodies(s *store.Store, mode Mode) Segment {
	return &storeSegment{kind: message.KindBodies, mode: mode, store: s}
}

// Receipts returns a segment that prunes receipts from s.
func Receipts(s *store.Store, mode Mode) Segment {
	return &storeSegment{kind: message.KindReceipts, mode: mode, store: s}
}

func (s *storeSegment) Kind() message.Kind {
	return s.kind
}

func (s *storeSegment) Mode() Mode {
	return s.mode
}

func (s *storeSegment) Prune(ctx context.Context, in Input) (Output, error) {
	deleted, resume, err := s.store.DeleteRange(ctx, s.kind, in.Resume, in.Target, in.Limit)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Pruned:     deleted,
		Done:       resume > in.Target,
		Checkpoint: resume,
	}, nil
}

// checkpoint records the next height a segment run should consider.
type checkpoint struct {
	Resume uint64 `cbor:"1,keyasint"`
}

type checkpointStore struct {
	d ds.Datastore
}

func newCheckpointStore(d ds.Datastore) *checkpointStore {
	return &checkpointStore{d: namespace.Wrap(d, ds.NewKey("/prune"))}
}

func (c *checkpointStore) load(ctx context.Context, kind message.Kind) (uint64, bool, error) {
	data, err := c.d.Get(ctx, ds.NewKey(kind.String()))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var cp checkpoint
	if err := types.Unmarshal(data, &cp); err != nil {
		return 0, false, err
	}
	return cp.Resume, true, nil
}

func (c *checkpointStore) save(ctx context.Context, kind message.Kind, resume uint64) error {
	data, err := types.Marshal(&checkpoint{Resume: resume})
	if err != nil {
		return err
	}
	return c.d.Put(ctx, ds.NewKey(kind.String()), data)
}

// Progress summarizes a Run across segments.
type Progress struct {
	// Pruned counts deleted entries by segment kind.
	Pruned map[message.Kind]int
	// Done is false when at least one segment has more heights to prune.
	Done bool
}

// Pruner walks its segments on demand, typically after the canonical tip
// advances.
type Pruner struct {
	checkpoints *checkpointStore
	segments    []Segment
	deleteLimit int
}

// NewPruner returns a pruner that persists per-segment checkpoints in d.
// deleteLimit caps deletions across all segments in one Run.
func NewPruner(d ds.Datastore, deleteLimit int, segments ...Segment) *Pruner {
	return &Pruner{
		checkpoints: newCheckpointStore(d),
		segments:    segments,
		deleteLimit: deleteLimit,
	}
}

// Run prunes every segment whose mode allows work at the given tip. It
// reports how much was deleted and whether all segments caught up, along
// with the combined errors of any segments that failed.
func (p *Pruner) Run(ctx context.Context, tip uint64) (Progress, error) {
	progress := Progress{Pruned: make(map[message.Kind]int), Done: true}
	var errs error
	budget := p.deleteLimit
	started := time.Now()
	for i, seg := range p.segments {
		if budget <= 0 {
			log.Debugf("delete limit hit with %d segments left", len(p.segments)-i)
			progress.Done = false
			break
		}
		target, ok := seg.Mode().PruneTarget(tip)
		if !ok {
			continue
		}
		resume, found, err := p.checkpoints.load(ctx, seg.Kind())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s checkpoint: %w", seg.Kind(), err))
			continue
		}
		if found && resume > target {
			continue
		}
		in := Input{Resume: resume, Target: target, Limit: budget}
		segStart := time.Now()
		out, err := seg.Prune(ctx, in)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s segment: %w", seg.Kind(), err))
			continue
		}
		log.Debugw("segment pruned",
			"kind", seg.Kind().String(),
			"mode", seg.Mode().String(),
			"pruned", out.Pruned,
			"resume", out.Checkpoint,
			"done", out.Done,
			"took", time.Since(segStart))
		if out.Checkpoint > in.Resume {
			if err := p.checkpoints.save(ctx, seg.Kind(), out.Checkpoint); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s checkpoint: %w", seg.Kind(), err))
			}
		}
		budget -= out.Pruned
		progress.Pruned[seg.Kind()] += out.Pruned
		if !out.Done {
			progress.Done = false
		}
	}
	log.Debugw("prune run finished", "tip", tip, "done", progress.Done, "took", time.Since(started))
	return progress, errs
}
