package blockfetch

import (
	"fmt"
	"time"

	"github.com/emberchain/go-blockfetch/internal/peertracker"
	"github.com/emberchain/go-blockfetch/tracer"
)

// Option defines the functional option type that can be used to configure
// blockfetch instances
type Option func(*Blockfetch)

// ScoreParams tunes the peer score ledger; see the field docs for what
// each knob does.
type ScoreParams = peertracker.ScoreParams

// RequestTimeout sets how long an unanswered request may wait before it
// fails, absent a latency measurement for the peer.
func RequestTimeout(d time.Duration) Option {
	if d <= 0 {
		panic(fmt.Sprintf("request timeout is %s but must be > 0", d))
	}
	return func(bs *Blockfetch) {
		bs.requestTimeout = d
	}
}

// MaxHashesPerRequest caps how many hashes one inbound request may carry.
// Larger requests are rejected rather than served.
func MaxHashesPerRequest(count int) Option {
	if count <= 0 {
		panic(fmt.Sprintf("max hashes per request is %d but must be > 0", count))
	}
	return func(bs *Blockfetch) {
		bs.responderCfg.MaxHashesPerRequest = count
	}
}

// TaskWorkerCount sets the number of worker threads serving inbound
// requests.
func TaskWorkerCount(count int) Option {
	if count <= 0 {
		panic(fmt.Sprintf("task worker count is %d but must be > 0", count))
	}
	return func(bs *Blockfetch) {
		bs.responderCfg.TaskWorkerCount = count
	}
}

// ResponseByteBudget bounds the payload bytes packed into one response.
// Assembly stops at the budget and the response goes out short.
func ResponseByteBudget(n int) Option {
	if n <= 0 {
		panic(fmt.Sprintf("response byte budget is %d but must be > 0", n))
	}
	return func(bs *Blockfetch) {
		bs.responderCfg.ResponseByteBudget = n
	}
}

// WithScoreParams configures the score ledger used to pick peers.
func WithScoreParams(params ScoreParams) Option {
	return func(bs *Blockfetch) {
		bs.scoreParams = &params
	}
}

// WithTracer provides a tracer that receives every message sent and
// received by this node.
func WithTracer(tap tracer.Tracer) Option {
	return func(bs *Blockfetch) {
		bs.tracer = tap
	}
}
