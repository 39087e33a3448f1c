package defaults

import "time"

const (
	// RequestTimeout is how long a request may stay unanswered before
	// it fails with a timeout, absent a latency measurement for the
	// peer.
	RequestTimeout = 10 * time.Second

	// MaxHashesPerRequest caps the batch size a single request may
	// carry. Responders reject requests above the cap.
	MaxHashesPerRequest = 512

	// MaxMessageSize is the largest wire message either side will
	// read.
	MaxMessageSize = 4 << 20

	// ResponseByteBudget bounds the payload bytes packed into one
	// response. Assembly stops at the budget and the response goes
	// out short.
	ResponseByteBudget = 2 << 20

	// TaskWorkerCount is the number of workers serving queued
	// requests.
	TaskWorkerCount = 8

	// StatusDebounce batches head updates into at most one status
	// broadcast per interval.
	StatusDebounce = 500 * time.Millisecond

	// StatusMaxWait forces a status broadcast after this long even if
	// head updates keep arriving.
	StatusMaxWait = 5 * time.Second
)
