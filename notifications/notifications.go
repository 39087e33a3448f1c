package notifications

import (
	"context"
	"strconv"
	"sync"

	pubsub "github.com/cskr/pubsub"
	peer "github.com/libp2p/go-libp2p-core/peer"

	"github.com/emberchain/go-blockfetch/message"
)

// busBuffer is the per-subscriber channel depth inside the pubsub bus.
const busBuffer = 16

// Resolution is the terminal event of a request: either a validated
// response from a peer or a failure.
type Resolution struct {
	ID   uint64
	From peer.ID
	// Response is the payload-bearing answer. Nil when Err is set.
	Response *message.Response
	Err      error
}

// PubSub routes request resolutions to the goroutines awaiting them.
// Each subscriber sees at most one resolution per request ID.
type PubSub interface {
	Publish(res *Resolution)
	Subscribe(ctx context.Context, ids ...uint64) <-chan *Resolution
	Shutdown()
}

func New() PubSub {
	return &resolutionBus{
		bus: pubsub.New(busBuffer),
	}
}

type resolutionBus struct {
	// lk guards closed and orders Publish and Subscribe against
	// Shutdown.
	lk     sync.RWMutex
	bus    *pubsub.PubSub
	closed bool
}

func (b *resolutionBus) Publish(res *Resolution) {
	b.lk.RLock()
	defer b.lk.RUnlock()
	if b.closed {
		return
	}

	b.bus.Pub(res, topic(res.ID))
}

func (b *resolutionBus) Shutdown() {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.closed {
		return
	}
	b.bus.Shutdown()
	b.closed = true
}

// Subscribe returns a channel carrying resolutions for the given
// request ids, at most one per id. The channel closes once every id
// has resolved, when ctx ends, or on Shutdown.
func (b *resolutionBus) Subscribe(ctx context.Context, ids ...uint64) <-chan *Resolution {
	out := make(chan *Resolution, len(ids))
	if len(ids) == 0 {
		close(out)
		return out
	}

	b.lk.RLock()
	defer b.lk.RUnlock()
	if b.closed {
		close(out)
		return out
	}

	// Our own buffered channel keeps a slow reader from stalling the
	// bus between publication and the forwarding loop.
	raw := make(chan interface{}, len(ids))
	b.bus.AddSubOnceEach(raw, topics(ids)...)

	go b.forward(ctx, raw, out)

	return out
}

// forward copies resolutions from the bus subscription to out until the
// subscription is exhausted or ctx ends, then tears both down.
func (b *resolutionBus) forward(ctx context.Context, raw chan interface{}, out chan<- *Resolution) {
	defer func() {
		close(out)

		b.lk.RLock()
		defer b.lk.RUnlock()
		// After Shutdown the bus's internals are gone and Unsub would
		// hang.
		if b.closed {
			return
		}
		b.bus.Unsub(raw)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case val, ok := <-raw:
			if !ok {
				return
			}
			res, ok := val.(*Resolution)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- res:
			}
		}
	}
}

func topic(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func topics(ids []uint64) []string {
	ts := make([]string, 0, len(ids))
	for _, id := range ids {
		ts = append(ts, topic(id))
	}
	return ts
}
