package noise

import "fmt"

// FakeReportConfig is one decoded fake report: which trigger data it carries
// and which reporting window it lands in. DestinationTypeIndex splits the
// bucket space when a source has both app and web destinations and reports
// are generated per destination type.
type FakeReportConfig struct {
	TriggerData          uint64
	WindowIndex          int
	DestinationTypeIndex int
}

// starIndices decodes a sequence index into star positions using the
// combinatorial number system: the index is the rank of the star-position
// combination, decoded greedily from the largest star down.
func starIndices(numStars, sequenceIndex int64) ([]int64, error) {
	indices := make([]int64, 0, numStars)
	index := sequenceIndex
	for star := numStars; star >= 1; star-- {
		pos := star - 1
		for {
			c, err := BinomialCoefficient(pos+1, star)
			if err != nil {
				return nil, err
			}
			if c > index {
				break
			}
			pos++
		}
		c, err := BinomialCoefficient(pos, star)
		if err != nil {
			return nil, err
		}
		index -= c
		indices = append(indices, pos)
	}
	return indices, nil
}

// barsPrecedingEachStar converts star positions (decreasing order) into the
// number of bars before each star in the stars-and-bars sequence.
func barsPrecedingEachStar(stars []int64) []int64 {
	bars := make([]int64, len(stars))
	for i, starIndex := range stars {
		starsBefore := int64(len(stars) - 1 - i)
		bars[i] = starIndex - starsBefore
	}
	return bars
}

// ReportConfigsForSequenceIndex decodes a uniformly drawn state index into
// fake report configurations. A star preceded by zero bars produces no
// report; otherwise the bar count selects the (trigger data, window,
// destination type) bucket.
func ReportConfigsForSequenceIndex(
	sequenceIndex int64,
	maxReports, triggerDataCardinality, destinationMultiplier int,
) ([]FakeReportConfig, error) {
	if sequenceIndex < 0 {
		return nil, fmt.Errorf("sequence index %d is negative", sequenceIndex)
	}
	stars, err := starIndices(int64(maxReports), sequenceIndex)
	if err != nil {
		return nil, err
	}
	var configs []FakeReportConfig
	for _, bars := range barsPrecedingEachStar(stars) {
		if bars == 0 {
			continue
		}
		bucket := bars - 1
		perWindow := int64(triggerDataCardinality) * int64(destinationMultiplier)
		withinWindow := bucket % perWindow
		configs = append(configs, FakeReportConfig{
			TriggerData:          uint64(withinWindow % int64(triggerDataCardinality)),
			DestinationTypeIndex: int(withinWindow / int64(triggerDataCardinality)),
			WindowIndex:          int(bucket / perWindow),
		})
	}
	return configs, nil
}
