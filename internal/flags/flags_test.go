package flags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), f)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), f)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
record_service_limit: 10
max_registration_redirects: 5
max_sources_per_publisher: 8
default_destination_limit_algorithm: FIFO
enable_destination_rate_limit: false
`), 0o644))

	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, f.RecordServiceLimit)
	assert.Equal(t, 5, f.MaxRegistrationRedirects)
	assert.Equal(t, int64(8), f.MaxSourcesPerPublisher)
	assert.Equal(t, "FIFO", f.DefaultDestinationLimitAlgorithm)
	assert.False(t, f.EnableDestinationRateLimit)

	// Untouched fields keep their defaults.
	assert.Equal(t, Default().RegistrationRetryLimit, f.RegistrationRetryLimit)
	assert.Equal(t, Default().PrivacyEpsilon, f.PrivacyEpsilon)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero retry limit", "registration_retry_limit: 0"},
		{"negative record limit", "record_service_limit: -1"},
		{"bad algorithm", "default_destination_limit_algorithm: NEWEST"},
		{"min expiry above max", "min_reporting_register_source_expiration_seconds: 9999999\nmax_reporting_register_source_expiration_seconds: 86400"},
		{"malformed yaml", "record_service_limit: [not, a, number]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "flags.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestPerSourceTypeAccessors(t *testing.T) {
	f := Default()
	assert.Equal(t, f.NavigationTriggerDataCardinality, f.TriggerDataCardinality("navigation"))
	assert.Equal(t, f.EventTriggerDataCardinality, f.TriggerDataCardinality("event"))
	assert.Equal(t, f.MaxInformationGainNavigation, f.MaxInformationGain("navigation"))
	assert.Equal(t, f.MaxInformationGainEvent, f.MaxInformationGain("event"))
}
