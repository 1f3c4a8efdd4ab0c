package noise

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/attribution/internal/model"
)

// stubRand returns scripted values so tests can force each branch of the
// randomized response.
type stubRand struct {
	float float64
	index int64
}

func (s *stubRand) Float64() float64     { return s.float }
func (s *stubRand) Int63n(n int64) int64 { return s.index % n }

func navTopology() Topology {
	return Topology{
		MaxReports:             3,
		WindowEnds:             []int64{1000, 2000, 3000},
		TriggerDataCardinality: 8,
		AppDestinations:        []string{"android-app://com.example.store"},
	}
}

func TestEvaluateNavigationDefaults(t *testing.T) {
	eval, err := Evaluate(navTopology(), 14)
	require.NoError(t, err)
	assert.Equal(t, int64(2925), eval.NumStates)
	assert.InDelta(t, 0.0024263, eval.FlipProbability, 1e-7)
	assert.Less(t, eval.InformationGain, 11.5)
}

func TestAssignAttributionModeTruthful(t *testing.T) {
	h := NewHandler(14, &stubRand{float: 0.5})
	mode, reports, err := h.AssignAttributionMode(navTopology())
	require.NoError(t, err)
	assert.Equal(t, model.AttributionModeTruthfully, mode)
	assert.Empty(t, reports)
}

func TestAssignAttributionModeNever(t *testing.T) {
	// Flip, then draw the empty state (index 0).
	h := NewHandler(14, &stubRand{float: 0, index: 0})
	mode, reports, err := h.AssignAttributionMode(navTopology())
	require.NoError(t, err)
	assert.Equal(t, model.AttributionModeNever, mode)
	assert.Empty(t, reports)
}

func TestAssignAttributionModeFalsely(t *testing.T) {
	h := NewHandler(14, &stubRand{float: 0, index: 42})
	top := navTopology()
	mode, reports, err := h.AssignAttributionMode(top)
	require.NoError(t, err)
	assert.Equal(t, model.AttributionModeFalsely, mode)
	require.NotEmpty(t, reports)
	for _, r := range reports {
		assert.Less(t, r.TriggerData, uint64(8))
		assert.Contains(t, top.WindowEnds, r.ReportingTime)
		assert.Equal(t, top.AppDestinations, r.Destinations)
	}
}

func TestAssignAttributionModeDualDestination(t *testing.T) {
	top := Topology{
		MaxReports:             1,
		WindowEnds:             []int64{1000},
		TriggerDataCardinality: 2,
		AppDestinations:        []string{"android-app://com.example.store"},
		WebDestinations:        []string{"https://destination.example"},
	}

	// 5 states: empty plus 4 single-report buckets. Indices 3 and 4 land on
	// the web destination surface.
	h := NewHandler(14, &stubRand{float: 0, index: 4})
	mode, reports, err := h.AssignAttributionMode(top)
	require.NoError(t, err)
	assert.Equal(t, model.AttributionModeFalsely, mode)
	require.Len(t, reports, 1)
	assert.Equal(t, top.WebDestinations, reports[0].Destinations)
}

func TestAssignAttributionModeCoarseDestinations(t *testing.T) {
	top := Topology{
		MaxReports:             1,
		WindowEnds:             []int64{1000},
		TriggerDataCardinality: 2,
		AppDestinations:        []string{"android-app://com.example.store"},
		WebDestinations:        []string{"https://destination.example"},
		CoarseDestinations:     true,
	}

	h := NewHandler(14, &stubRand{float: 0, index: 1})
	mode, reports, err := h.AssignAttributionMode(top)
	require.NoError(t, err)
	assert.Equal(t, model.AttributionModeFalsely, mode)
	require.Len(t, reports, 1)
	assert.Equal(t,
		[]string{"android-app://com.example.store", "https://destination.example"},
		reports[0].Destinations)
}

func TestAssignAttributionModeDistribution(t *testing.T) {
	// With a real RNG and the default epsilon nearly every draw is truthful.
	h := NewHandler(14, rand.New(rand.NewSource(1)))
	top := navTopology()
	truthful := 0
	for i := 0; i < 1000; i++ {
		mode, _, err := h.AssignAttributionMode(top)
		require.NoError(t, err)
		if mode == model.AttributionModeTruthfully {
			truthful++
		}
	}
	assert.Greater(t, truthful, 950)
}
