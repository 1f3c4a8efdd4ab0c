package noise

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinomialCoefficient(t *testing.T) {
	tests := []struct {
		n, k, want int64
	}{
		{0, 0, 1},
		{5, 0, 1},
		{5, 5, 1},
		{5, 2, 10},
		{27, 3, 2925},
		{3, 1, 3},
		{2, 5, 0},
		{62, 31, 465428353255261088},
	}
	for _, tt := range tests {
		got, err := BinomialCoefficient(tt.n, tt.k)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "C(%d, %d)", tt.n, tt.k)
	}
}

func TestBinomialCoefficientOverflow(t *testing.T) {
	_, err := BinomialCoefficient(128, 64)
	require.Error(t, err)
}

func TestBinomialCoefficientRejectsNegative(t *testing.T) {
	_, err := BinomialCoefficient(-1, 2)
	require.Error(t, err)
	_, err = BinomialCoefficient(5, -2)
	require.Error(t, err)
}

func TestNumberOfStatesDefaults(t *testing.T) {
	// Navigation default: 3 reports, 3 windows, cardinality 8.
	got, err := NumberOfStates(3, 3, 8, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2925), got)

	// Event default: 1 report, 1 window, cardinality 2.
	got, err = NumberOfStates(1, 1, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	// Dual destinations double the bucket count.
	got, err = NumberOfStates(1, 1, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

func TestNumberOfStatesRejectsDegenerateTopology(t *testing.T) {
	_, err := NumberOfStates(0, 1, 2, 1)
	require.Error(t, err)
	_, err = NumberOfStates(1, 0, 2, 1)
	require.Error(t, err)
}

func TestFlipProbabilityKnownConstants(t *testing.T) {
	// The privacy epsilon of 14 yields the well-known per-source-type
	// randomized response rates.
	assert.InDelta(t, 0.0024263, FlipProbability(2925, 14), 1e-7)
	assert.InDelta(t, 0.0000025, FlipProbability(3, 14), 1e-7)
}

func TestMaxInformationGainBoundaries(t *testing.T) {
	// No noise: capacity is log2 of the state count.
	assert.InDelta(t, math.Log2(2925), MaxInformationGain(2925, 0), 1e-12)

	// Full noise: the channel carries nothing.
	assert.InDelta(t, 0, MaxInformationGain(2925, 1), 1e-9)

	// A single state carries nothing regardless of noise.
	assert.Equal(t, 0.0, MaxInformationGain(1, 0.5))
}

func TestMaxInformationGainNavigationDefaultUnderBound(t *testing.T) {
	p := FlipProbability(2925, 14)
	gain := MaxInformationGain(2925, p)
	assert.Greater(t, gain, 11.0)
	assert.Less(t, gain, 11.5)
}
