package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/attribution/internal/model"
)

func TestExtractUint64(t *testing.T) {
	t.Run("missing key returns nil", func(t *testing.T) {
		v, err := extractUint64(map[string]any{}, "source_event_id")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("string-encoded value parses", func(t *testing.T) {
		v, err := extractUint64(map[string]any{"source_event_id": "18446744073709551615"}, "source_event_id")
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, uint64(18446744073709551615), *v)
	})

	t.Run("json number is rejected", func(t *testing.T) {
		_, err := extractUint64(map[string]any{"source_event_id": float64(123)}, "source_event_id")
		assert.True(t, model.IsValidationError(err))
	})

	t.Run("negative is rejected", func(t *testing.T) {
		_, err := extractUint64(map[string]any{"source_event_id": "-1"}, "source_event_id")
		assert.True(t, model.IsValidationError(err))
	})
}

func TestExtractClampedSeconds(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want int64
	}{
		{"string in range", "172800", 172800},
		{"string below min clamps up", "100", 86400},
		{"string above max clamps down", "9999999999", 2592000},
		{"integral number accepted", float64(172800), 172800},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractClampedSeconds(map[string]any{"expiry": tc.raw}, "expiry", 86400, 2592000)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, *got)
		})
	}

	t.Run("fractional number rejected", func(t *testing.T) {
		_, err := extractClampedSeconds(map[string]any{"expiry": 1.5}, "expiry", 0, 100)
		assert.True(t, model.IsValidationError(err))
	})

	t.Run("missing key returns nil", func(t *testing.T) {
		got, err := extractClampedSeconds(map[string]any{}, "expiry", 0, 100)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestRoundSecondsToWholeDays(t *testing.T) {
	cases := []struct {
		name    string
		seconds int64
		want    int64
	}{
		{"exact day unchanged", 2 * 86400, 2 * 86400},
		{"just under half day rounds down", 2*86400 + 43199, 2 * 86400},
		{"exactly half day rounds up", 2*86400 + 43200, 3 * 86400},
		{"over half day rounds up", 2*86400 + 80000, 3 * 86400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, roundSecondsToWholeDays(tc.seconds))
		})
	}
}

func TestValidKeyPiece(t *testing.T) {
	valid := []string{"0x1", "0X1", "0xAbCdEf0123456789", "0x" + "f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0"}
	for _, s := range valid {
		assert.True(t, validKeyPiece(s), s)
	}
	invalid := []string{"", "0x", "1234", "0xG", "0x" + "f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f00"}
	for _, s := range invalid {
		assert.False(t, validKeyPiece(s), s)
	}
}

func TestValidateFilterMap(t *testing.T) {
	lim := filterLimits{
		MaxFilters:          3,
		MaxStringBytes:      10,
		MaxValuesPerFilter:  2,
		MaxFilterMaps:       2,
		AllowLookbackWindow: true,
	}

	t.Run("valid map passes", func(t *testing.T) {
		m := map[string]any{
			"product": []any{"shoe", "bag"},
			"ctid":    []any{},
		}
		assert.NoError(t, validateFilterMap("filter_data", m, lim))
	})

	t.Run("too many filters", func(t *testing.T) {
		m := map[string]any{"a": []any{}, "b": []any{}, "c": []any{}, "d": []any{}}
		assert.True(t, model.IsValidationError(validateFilterMap("filter_data", m, lim)))
	})

	t.Run("reserved prefix rejected", func(t *testing.T) {
		m := map[string]any{"_internal": []any{"x"}}
		assert.True(t, model.IsValidationError(validateFilterMap("filter_data", m, lim)))
	})

	t.Run("lookback window accepted when enabled", func(t *testing.T) {
		m := map[string]any{"_lookback_window": "3600"}
		assert.NoError(t, validateFilterMap("filters", m, lim))
	})

	t.Run("lookback window key exempt from key length bound", func(t *testing.T) {
		assert.Greater(t, len(lookbackWindowKey), lim.MaxStringBytes)
		m := map[string]any{"_lookback_window": "3600"}
		assert.NoError(t, validateFilterMap("filters", m, lim))
	})

	t.Run("lookback window rejected when disabled", func(t *testing.T) {
		strict := lim
		strict.AllowLookbackWindow = false
		m := map[string]any{"_lookback_window": "3600"}
		assert.True(t, model.IsValidationError(validateFilterMap("filters", m, strict)))
	})

	t.Run("non-positive lookback rejected", func(t *testing.T) {
		m := map[string]any{"_lookback_window": "0"}
		assert.True(t, model.IsValidationError(validateFilterMap("filters", m, lim)))
	})

	t.Run("too many values", func(t *testing.T) {
		m := map[string]any{"product": []any{"a", "b", "c"}}
		assert.True(t, model.IsValidationError(validateFilterMap("filter_data", m, lim)))
	})

	t.Run("oversized value string", func(t *testing.T) {
		m := map[string]any{"product": []any{"waytoolongvalue"}}
		assert.True(t, model.IsValidationError(validateFilterMap("filter_data", m, lim)))
	})

	t.Run("non-list value rejected", func(t *testing.T) {
		m := map[string]any{"product": "shoe"}
		assert.True(t, model.IsValidationError(validateFilterMap("filter_data", m, lim)))
	})
}

func TestValidateFilterSet(t *testing.T) {
	lim := filterLimits{MaxFilters: 5, MaxStringBytes: 25, MaxValuesPerFilter: 5, MaxFilterMaps: 2}

	t.Run("single map accepted", func(t *testing.T) {
		assert.NoError(t, validateFilterSet("filters", map[string]any{"k": []any{"v"}}, lim))
	})

	t.Run("list of maps accepted", func(t *testing.T) {
		raw := []any{
			map[string]any{"k": []any{"v"}},
			map[string]any{"k2": []any{}},
		}
		assert.NoError(t, validateFilterSet("filters", raw, lim))
	})

	t.Run("too many maps rejected", func(t *testing.T) {
		raw := []any{map[string]any{}, map[string]any{}, map[string]any{}}
		assert.True(t, model.IsValidationError(validateFilterSet("filters", raw, lim)))
	})

	t.Run("scalar rejected", func(t *testing.T) {
		assert.True(t, model.IsValidationError(validateFilterSet("filters", "nope", lim)))
	})
}
