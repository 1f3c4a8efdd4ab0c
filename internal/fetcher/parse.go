// Package fetcher performs the network fetch and header validation for
// source and trigger registrations. Responses carry their payloads in HTTP
// response headers as JSON; everything here parses strictly, clamps numeric
// fields into configured ranges, and rejects structurally invalid payloads
// before anything touches the datastore.
package fetcher

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/roach88/attribution/internal/model"
)

const secondsPerDay = int64(86400)

var keyPiecePattern = regexp.MustCompile(`^0[xX][0-9A-Fa-f]{1,32}$`)

// extractUint64 reads a string-encoded unsigned 64-bit field. Numbers that
// arrive as JSON numbers are rejected: the wire format requires strings so
// values above 2^53 survive JavaScript JSON handling.
func extractUint64(obj map[string]any, key string) (*uint64, error) {
	raw, ok := obj[key]
	if !ok {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, model.NewValidationError(key, "must be a string-encoded unsigned integer")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, model.NewValidationError(key, "invalid unsigned integer %q", s)
	}
	return &v, nil
}

// extractInt64 reads a string-encoded signed 64-bit field.
func extractInt64(obj map[string]any, key string) (*int64, error) {
	raw, ok := obj[key]
	if !ok {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, model.NewValidationError(key, "must be a string-encoded integer")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, model.NewValidationError(key, "invalid integer %q", s)
	}
	return &v, nil
}

// extractClampedSeconds reads a string-encoded (or, leniently, numeric)
// seconds field and clamps it into [min, max].
func extractClampedSeconds(obj map[string]any, key string, min, max int64) (*int64, error) {
	raw, ok := obj[key]
	if !ok {
		return nil, nil
	}
	var v int64
	switch val := raw.(type) {
	case string:
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, model.NewValidationError(key, "invalid integer %q", val)
		}
		v = parsed
	case float64:
		if val != math.Trunc(val) {
			return nil, model.NewValidationError(key, "must be an integer")
		}
		v = int64(val)
	default:
		return nil, model.NewValidationError(key, "must be an integer")
	}
	v = clampInt64(v, min, max)
	return &v, nil
}

func clampInt64(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// roundSecondsToWholeDays rounds a seconds value to the nearest whole day,
// with a remainder of at least half a day rounding up. EVENT-type source
// expiry uses this so the reporting window grid stays day-aligned.
func roundSecondsToWholeDays(seconds int64) int64 {
	remainder := seconds % secondsPerDay
	rounded := seconds - remainder
	if remainder >= secondsPerDay/2 {
		rounded += secondsPerDay
	}
	return rounded
}

// extractBool reads an optional JSON boolean.
func extractBool(obj map[string]any, key string) (bool, error) {
	raw, ok := obj[key]
	if !ok {
		return false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, model.NewValidationError(key, "must be a boolean")
	}
	return b, nil
}

// extractString reads an optional JSON string.
func extractString(obj map[string]any, key string) (string, error) {
	raw, ok := obj[key]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", model.NewValidationError(key, "must be a string")
	}
	return s, nil
}

// validKeyPiece reports whether s matches the aggregation key-piece grammar:
// 0x or 0X prefix followed by 1 to 32 hex digits.
func validKeyPiece(s string) bool {
	return keyPiecePattern.MatchString(s)
}

// filterLimits bounds attribution filter maps.
type filterLimits struct {
	MaxFilters          int
	MaxStringBytes      int
	MaxValuesPerFilter  int
	MaxFilterMaps       int
	AllowLookbackWindow bool
}

const lookbackWindowKey = "_lookback_window"

// validateFilterMap checks one attribution filter map: bounded key count,
// bounded key byte-length, bounded value lists, and no reserved keys except
// the lookback window when enabled.
func validateFilterMap(field string, filters map[string]any, lim filterLimits) error {
	if len(filters) > lim.MaxFilters {
		return model.NewValidationError(field, "has %d filters, max %d", len(filters), lim.MaxFilters)
	}
	for key, raw := range filters {
		// Reserved keys are checked before the byte-length bound: the
		// lookback window key itself is longer than the default key limit.
		if strings.HasPrefix(key, "_") {
			if !lim.AllowLookbackWindow || key != lookbackWindowKey {
				return model.NewValidationError(field, "filter key %q uses the reserved prefix", key)
			}
			// The lookback window is a positive integer count of seconds,
			// not a value list.
			switch v := raw.(type) {
			case string:
				if n, err := strconv.ParseInt(v, 10, 64); err != nil || n <= 0 {
					return model.NewValidationError(field, "lookback window must be a positive integer")
				}
			case float64:
				if v <= 0 || v != math.Trunc(v) {
					return model.NewValidationError(field, "lookback window must be a positive integer")
				}
			default:
				return model.NewValidationError(field, "lookback window must be a positive integer")
			}
			continue
		}
		if len(key) > lim.MaxStringBytes {
			return model.NewValidationError(field, "filter key %q exceeds %d bytes", key, lim.MaxStringBytes)
		}
		values, ok := raw.([]any)
		if !ok {
			return model.NewValidationError(field, "filter %q must map to a list", key)
		}
		if len(values) > lim.MaxValuesPerFilter {
			return model.NewValidationError(field, "filter %q has %d values, max %d", key, len(values), lim.MaxValuesPerFilter)
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				return model.NewValidationError(field, "filter %q values must be strings", key)
			}
			if len(s) > lim.MaxStringBytes {
				return model.NewValidationError(field, "filter %q value exceeds %d bytes", key, lim.MaxStringBytes)
			}
		}
	}
	return nil
}

// validateFilterSet checks a filters / not_filters field, which is either a
// single filter map or a bounded list of them.
func validateFilterSet(field string, raw any, lim filterLimits) error {
	switch v := raw.(type) {
	case map[string]any:
		return validateFilterMap(field, v, lim)
	case []any:
		if len(v) > lim.MaxFilterMaps {
			return model.NewValidationError(field, "has %d filter maps, max %d", len(v), lim.MaxFilterMaps)
		}
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return model.NewValidationError(field, "filter list entries must be objects")
			}
			if err := validateFilterMap(field, m, lim); err != nil {
				return err
			}
		}
		return nil
	default:
		return model.NewValidationError(field, "must be an object or a list of objects")
	}
}
