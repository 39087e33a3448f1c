package testnet

import (
	"math/rand"
)

type fixedRate struct {
	limit float64
}

// FixedRateLimitGenerator gives every link the same bandwidth, in bytes
// per second.
func FixedRateLimitGenerator(rateLimit float64) RateLimitGenerator {
	return &fixedRate{limit: rateLimit}
}

func (g *fixedRate) NextRateLimit() float64 {
	return g.limit
}

type normalRate struct {
	mean float64
	std  float64
	rng  *rand.Rand
}

// VariableRateLimitGenerator draws each link's bandwidth from a normal
// distribution, in bytes per second. A nil rng falls back to the
// process-wide source.
func VariableRateLimitGenerator(rateLimit float64, std float64, rng *rand.Rand) RateLimitGenerator {
	if rng == nil {
		rng = sharedRNG
	}

	return &normalRate{
		mean: rateLimit,
		std:  std,
		rng:  rng,
	}
}

func (g *normalRate) NextRateLimit() float64 {
	return g.rng.NormFloat64()*g.std + g.mean
}
