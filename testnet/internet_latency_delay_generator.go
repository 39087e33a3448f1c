package testnet

import (
	"math/rand"
	"time"

	delay "github.com/ipfs/go-ipfs-delay"
)

var sharedRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// InternetLatencyDelayGenerator models the latency spread seen across
// internet peers. Waits are normally distributed (deviation std) around
// the base delay handed to NextWaitTime, except that a slice of calls
// lands one tier up: percentMedium of them add mediumDelay on top and
// percentLarge add largeDelay, roughly the nearby/continental/
// intercontinental split. A nil rng falls back to a process-wide
// source.
func InternetLatencyDelayGenerator(
	mediumDelay time.Duration,
	largeDelay time.Duration,
	percentMedium float64,
	percentLarge float64,
	std time.Duration,
	rng *rand.Rand) delay.Generator {
	if rng == nil {
		rng = sharedRNG
	}

	return &tieredLatency{
		medium:        mediumDelay,
		large:         largeDelay,
		percentMedium: percentMedium,
		percentLarge:  percentLarge,
		std:           std,
		rng:           rng,
	}
}

type tieredLatency struct {
	medium        time.Duration
	large         time.Duration
	percentMedium float64
	percentLarge  float64
	std           time.Duration
	rng           *rand.Rand
}

func (g *tieredLatency) NextWaitTime(t time.Duration) time.Duration {
	tier := g.rng.Float64()
	wait := t + time.Duration(g.rng.NormFloat64()*float64(g.std))
	switch {
	case tier < g.percentLarge:
		return wait + g.large
	case tier < g.percentLarge+g.percentMedium:
		return wait + g.medium
	default:
		return wait
	}
}
