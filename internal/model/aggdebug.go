package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Debug report types a source or trigger registration can subscribe to via
// its aggregatable_debug_reporting declaration.
const (
	DebugTypeUnspecified = "unspecified"

	DebugTypeSourceDestinationLimit              = "source-destination-limit"
	DebugTypeSourceDestinationRateLimit          = "source-destination-rate-limit"
	DebugTypeSourceDestinationPerDayRateLimit    = "source-destination-per-day-rate-limit"
	DebugTypeSourceStorageLimit                  = "source-storage-limit"
	DebugTypeSourceNoised                        = "source-noised"
	DebugTypeSourceSuccess                       = "source-success"
	DebugTypeSourceUnknownError                  = "source-unknown-error"
	DebugTypeSourceReportingOriginLimit          = "source-reporting-origin-limit"
	DebugTypeSourceReportingOriginPerSiteLimit   = "source-reporting-origin-per-site-limit"
	DebugTypeSourceFlexibleEventValueError       = "source-flexible-event-report-value-error"
	DebugTypeSourceMaxEventStatesLimit           = "source-max-event-states-limit"
	DebugTypeSourceScopesChannelCapacityLimit    = "source-scopes-channel-capacity-limit"
	DebugTypeSourceChannelCapacityLimit          = "source-channel-capacity-limit"
	DebugTypeTriggerNoMatchingSource             = "trigger-no-matching-source"
	DebugTypeTriggerUnknownError                 = "trigger-unknown-error"
	DebugTypeTriggerEventNoMatchingConfiguration = "trigger-event-no-matching-configurations"
	DebugTypeHeaderParsingError                  = "header-parsing-error"
)

// AggregateDebugReportData is one declared debug-data entry: the contribution
// to emit when one of its report types fires.
type AggregateDebugReportData struct {
	ReportTypes map[string]struct{}
	KeyPiece    *big.Int
	Value       int
}

// Matches reports whether this entry subscribes to the given report type,
// either explicitly or through the unspecified wildcard.
func (d *AggregateDebugReportData) Matches(reportType string) bool {
	if _, ok := d.ReportTypes[reportType]; ok {
		return true
	}
	_, ok := d.ReportTypes[DebugTypeUnspecified]
	return ok
}

// AggregateDebugReportingConfig is the parsed aggregatable_debug_reporting
// declaration carried on a source or trigger.
type AggregateDebugReportingConfig struct {
	Budget                       int
	KeyPiece                     *big.Int
	DebugData                    []AggregateDebugReportData
	AggregationCoordinatorOrigin string
}

// DataForType returns the first declared entry matching the report type, or
// nil when the registration did not subscribe to it.
func (c *AggregateDebugReportingConfig) DataForType(reportType string) *AggregateDebugReportData {
	for i := range c.DebugData {
		if c.DebugData[i].Matches(reportType) {
			return &c.DebugData[i]
		}
	}
	return nil
}

type rawAggregateDebugReporting struct {
	Budget    int    `json:"budget"`
	KeyPiece  string `json:"key_piece"`
	DebugData []struct {
		Types    []string `json:"types"`
		KeyPiece string   `json:"key_piece"`
		Value    int      `json:"value"`
	} `json:"debug_data"`
	AggregationCoordinatorOrigin string `json:"aggregation_coordinator_origin"`
}

// ParseAggregateDebugKeyPiece parses a "0x..." hex key piece of at most 128
// bits.
func ParseAggregateDebugKeyPiece(s string) (*big.Int, error) {
	if len(s) < 3 || len(s) > 34 {
		return nil, fmt.Errorf("key piece %q has invalid length", s)
	}
	if s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return nil, fmt.Errorf("key piece %q missing 0x prefix", s)
	}
	hex := s[2:]
	for _, r := range hex {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return nil, fmt.Errorf("key piece %q has non-hex digit", s)
		}
	}
	v := new(big.Int)
	v.SetString(hex, 16)
	return v, nil
}

// ParseAggregateDebugReporting decodes a stored aggregatable_debug_reporting
// JSON fragment. An empty fragment yields nil.
func ParseAggregateDebugReporting(raw string) (*AggregateDebugReportingConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var r rawAggregateDebugReporting
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode aggregatable_debug_reporting: %w", err)
	}
	keyPiece, err := ParseAggregateDebugKeyPiece(r.KeyPiece)
	if err != nil {
		return nil, err
	}
	cfg := &AggregateDebugReportingConfig{
		Budget:                       r.Budget,
		KeyPiece:                     keyPiece,
		AggregationCoordinatorOrigin: r.AggregationCoordinatorOrigin,
	}
	for _, d := range r.DebugData {
		piece, err := ParseAggregateDebugKeyPiece(d.KeyPiece)
		if err != nil {
			return nil, err
		}
		types := make(map[string]struct{}, len(d.Types))
		for _, t := range d.Types {
			types[t] = struct{}{}
		}
		cfg.DebugData = append(cfg.DebugData, AggregateDebugReportData{
			ReportTypes: types,
			KeyPiece:    piece,
			Value:       d.Value,
		})
	}
	return cfg, nil
}
