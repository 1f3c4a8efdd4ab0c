// Package noise implements the impression-noise machinery: counting the
// report states a source can produce, deriving the randomized-response flip
// probability, bounding channel capacity, and decoding a uniformly drawn
// state index into concrete fake report configurations.
package noise

import (
	"fmt"
	"math"
	"math/big"
)

// BinomialCoefficient computes C(n, k) and fails when the exact value does
// not fit in int64. Overflow here means the registration declared a report
// topology too large to admit.
func BinomialCoefficient(n, k int64) (int64, error) {
	if k < 0 || n < 0 {
		return 0, fmt.Errorf("binomial coefficient undefined for n=%d k=%d", n, k)
	}
	if k > n {
		return 0, nil
	}
	z := new(big.Int).Binomial(n, k)
	if !z.IsInt64() {
		return 0, fmt.Errorf("binomial coefficient C(%d, %d) overflows int64", n, k)
	}
	return z.Int64(), nil
}

// NumberOfStates counts the distinct report outcomes a source can produce:
// stars-and-bars over maxReports reports distributed across
// windows x triggerDataCardinality x destinationMultiplier buckets.
func NumberOfStates(maxReports, windows, triggerDataCardinality, destinationMultiplier int) (int64, error) {
	if maxReports <= 0 || windows <= 0 || triggerDataCardinality <= 0 || destinationMultiplier <= 0 {
		return 0, fmt.Errorf("invalid report topology: reports=%d windows=%d cardinality=%d destinations=%d",
			maxReports, windows, triggerDataCardinality, destinationMultiplier)
	}
	numStars := int64(maxReports)
	numBars := int64(windows) * int64(triggerDataCardinality) * int64(destinationMultiplier)
	return BinomialCoefficient(numStars+numBars, numStars)
}

// FlipProbability is the randomized-response probability that a source's
// true output is replaced with a uniformly drawn state.
func FlipProbability(numStates int64, epsilon float64) float64 {
	k := float64(numStates)
	return k / (k + math.Exp(epsilon) - 1)
}

// MaxInformationGain computes the channel capacity in bits of the noised
// reporting channel with numStates symbols and the given flip probability.
func MaxInformationGain(numStates int64, flipProbability float64) float64 {
	if numStates <= 1 {
		return 0
	}
	k := float64(numStates)
	p := flipProbability
	q := p / k
	a := 1 - p + q
	capacity := math.Log2(k)
	if a > 0 {
		capacity += a * math.Log2(a)
	}
	if p-q > 0 && q > 0 {
		capacity += (p - q) * math.Log2(q)
	}
	return capacity
}
