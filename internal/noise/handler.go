package noise

import (
	"fmt"

	"github.com/roach88/attribution/internal/model"
)

// Rand is the randomness the handler draws from. math/rand.Rand satisfies
// it; tests inject a seeded source.
type Rand interface {
	Float64() float64
	Int63n(n int64) int64
}

// Topology describes the report space of a source after validation: how many
// event reports it may emit, the end timestamps of its reporting windows, the
// trigger data cardinality, and the destination surfaces reports can name.
type Topology struct {
	MaxReports             int
	WindowEnds             []int64
	TriggerDataCardinality int
	AppDestinations        []string
	WebDestinations        []string
	CoarseDestinations     bool
}

// destinationMultiplier is 2 when reports distinguish the app and web
// destination surfaces, 1 otherwise.
func (t *Topology) destinationMultiplier() int {
	if t.CoarseDestinations {
		return 1
	}
	if len(t.AppDestinations) > 0 && len(t.WebDestinations) > 0 {
		return 2
	}
	return 1
}

func (t *Topology) destinationsForIndex(i int) []string {
	if t.destinationMultiplier() == 1 {
		var all []string
		all = append(all, t.AppDestinations...)
		all = append(all, t.WebDestinations...)
		return all
	}
	if i == 0 {
		return t.AppDestinations
	}
	return t.WebDestinations
}

// Evaluation is the privacy arithmetic for a topology, used both by source
// admission (information gain bound) and by fake report generation.
type Evaluation struct {
	NumStates       int64
	FlipProbability float64
	InformationGain float64
}

// Evaluate computes the report-state count and derived privacy quantities.
// Overflow in the state count is an admission failure, not a crash.
func Evaluate(t Topology, epsilon float64) (Evaluation, error) {
	numStates, err := NumberOfStates(
		t.MaxReports, len(t.WindowEnds), t.TriggerDataCardinality, t.destinationMultiplier())
	if err != nil {
		return Evaluation{}, err
	}
	p := FlipProbability(numStates, epsilon)
	return Evaluation{
		NumStates:       numStates,
		FlipProbability: p,
		InformationGain: MaxInformationGain(numStates, p),
	}, nil
}

// Handler assigns attribution modes and generates fake reports.
type Handler struct {
	epsilon float64
	rand    Rand
}

// NewHandler wires a handler with the privacy epsilon and a randomness
// source.
func NewHandler(epsilon float64, rnd Rand) *Handler {
	return &Handler{epsilon: epsilon, rand: rnd}
}

// AssignAttributionMode runs randomized response over the source's report
// space. With probability 1-p the source reports truthfully. Otherwise a
// state is drawn uniformly: the empty state yields mode NEVER, any other
// yields FALSELY plus the fake reports realizing the drawn state.
func (h *Handler) AssignAttributionMode(t Topology) (model.AttributionMode, []model.FakeReport, error) {
	eval, err := Evaluate(t, h.epsilon)
	if err != nil {
		return model.AttributionModeUnassigned, nil, err
	}
	if h.rand.Float64() >= eval.FlipProbability {
		return model.AttributionModeTruthfully, nil, nil
	}

	sequenceIndex := h.rand.Int63n(eval.NumStates)
	configs, err := ReportConfigsForSequenceIndex(
		sequenceIndex, t.MaxReports, t.TriggerDataCardinality, t.destinationMultiplier())
	if err != nil {
		return model.AttributionModeUnassigned, nil, err
	}
	if len(configs) == 0 {
		return model.AttributionModeNever, nil, nil
	}

	reports := make([]model.FakeReport, 0, len(configs))
	for _, cfg := range configs {
		if cfg.WindowIndex >= len(t.WindowEnds) {
			return model.AttributionModeUnassigned, nil,
				fmt.Errorf("decoded window index %d beyond %d windows", cfg.WindowIndex, len(t.WindowEnds))
		}
		reports = append(reports, model.FakeReport{
			TriggerData:   cfg.TriggerData,
			ReportingTime: t.WindowEnds[cfg.WindowIndex],
			Destinations:  t.destinationsForIndex(cfg.DestinationTypeIndex),
		})
	}
	return model.AttributionModeFalsely, reports, nil
}
