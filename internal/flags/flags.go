// Package flags holds the configuration surface for the attribution
// pipeline. Every numeric bound the fetchers, admission engine and debug
// reporting consult lives here so tests and operators can tune them without
// code changes. Values load from YAML over compiled-in defaults and are
// validated before use.
package flags

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const day = int64(24 * time.Hour / time.Millisecond)

// Flags is the full option set. All durations are milliseconds unless the
// field name says otherwise; seconds-valued registration fields mirror the
// wire format, which expresses windows in seconds.
type Flags struct {
	// Queue runner.
	RecordServiceLimit            int `yaml:"record_service_limit" validate:"gt=0"`
	RegistrationRetryLimit        int `yaml:"registration_retry_limit" validate:"gt=0"`
	MaxRegistrationRedirects      int `yaml:"max_registration_redirects" validate:"gt=0"`
	RegistrationJobQueueKickDelay int `yaml:"registration_job_queue_kick_delay_ms" validate:"gte=0"`

	// Outbound fetch.
	FetchConnectTimeoutMS                 int   `yaml:"fetch_connect_timeout_ms" validate:"gt=0"`
	FetchReadTimeoutMS                    int   `yaml:"fetch_read_timeout_ms" validate:"gt=0"`
	MaxRegistrationHeaderSizeBytes        int64 `yaml:"max_registration_header_size_bytes" validate:"gt=0"`
	MaxTriggerRegistrationHeaderSizeBytes int64 `yaml:"max_trigger_registration_header_size_bytes" validate:"gt=0"`
	EnableUpdateTriggerHeaderLimit        bool  `yaml:"enable_update_trigger_header_limit"`

	// Source registration bounds. Seconds mirror the wire format.
	MinReportingRegisterSourceExpirationSeconds int64 `yaml:"min_reporting_register_source_expiration_seconds" validate:"gt=0"`
	MaxReportingRegisterSourceExpirationSeconds int64 `yaml:"max_reporting_register_source_expiration_seconds" validate:"gt=0"`
	MinEventReportWindowSeconds                 int64 `yaml:"min_event_report_window_seconds" validate:"gt=0"`
	MinAggregatableReportWindowSeconds          int64 `yaml:"min_aggregatable_report_window_seconds" validate:"gt=0"`
	MinInstallAttributionWindowSeconds          int64 `yaml:"min_install_attribution_window_seconds" validate:"gte=0"`
	MaxInstallAttributionWindowSeconds          int64 `yaml:"max_install_attribution_window_seconds" validate:"gt=0"`
	MinPostInstallExclusivityWindowSeconds      int64 `yaml:"min_post_install_exclusivity_window_seconds" validate:"gte=0"`
	MaxPostInstallExclusivityWindowSeconds      int64 `yaml:"max_post_install_exclusivity_window_seconds" validate:"gt=0"`

	MaxDistinctWebDestinationsInSourceRegistration int `yaml:"max_distinct_web_destinations_in_source_registration" validate:"gt=0"`
	MaxAggregateKeysPerSourceRegistration          int `yaml:"max_aggregate_keys_per_source_registration" validate:"gt=0"`
	MaxAggregateKeysPerTriggerRegistration         int `yaml:"max_aggregate_keys_per_trigger_registration" validate:"gt=0"`

	// Attribution filters.
	MaxAttributionFilters              int  `yaml:"max_attribution_filters" validate:"gt=0"`
	MaxBytesPerAttributionFilterString int  `yaml:"max_bytes_per_attribution_filter_string" validate:"gt=0"`
	MaxValuesPerAttributionFilter      int  `yaml:"max_values_per_attribution_filter" validate:"gt=0"`
	MaxFilterMapsPerFilterSet          int  `yaml:"max_filter_maps_per_filter_set" validate:"gt=0"`
	EnableLookbackWindowFilter         bool `yaml:"enable_lookback_window_filter"`

	// Flexible event API.
	FlexAPIMaxEventReports               int   `yaml:"flex_api_max_event_reports" validate:"gt=0"`
	FlexAPIMaxEventReportWindows         int   `yaml:"flex_api_max_event_report_windows" validate:"gt=0"`
	FlexAPIMaxTriggerDataCardinality     int   `yaml:"flex_api_max_trigger_data_cardinality" validate:"gt=0"`
	MaxReportStatesPerSourceRegistration int64 `yaml:"max_report_states_per_source_registration" validate:"gt=0"`

	// Noise.
	PrivacyEpsilon                    float64 `yaml:"privacy_epsilon" validate:"gt=0"`
	MaxInformationGainEvent           float64 `yaml:"max_information_gain_event" validate:"gt=0"`
	MaxInformationGainNavigation      float64 `yaml:"max_information_gain_navigation" validate:"gt=0"`
	EventTriggerDataCardinality       int     `yaml:"event_trigger_data_cardinality" validate:"gt=0"`
	NavigationTriggerDataCardinality  int     `yaml:"navigation_trigger_data_cardinality" validate:"gt=0"`
	DefaultEventMaxReports            int     `yaml:"default_event_max_reports" validate:"gt=0"`
	DefaultNavigationMaxReports       int     `yaml:"default_navigation_max_reports" validate:"gt=0"`
	InstallAttributionEventMaxReports int     `yaml:"install_attribution_event_max_reports" validate:"gt=0"`

	// Admission / rate limits.
	MaxSourcesPerPublisher                           int64  `yaml:"max_sources_per_publisher" validate:"gt=0"`
	MaxTriggersPerDestination                        int64  `yaml:"max_triggers_per_destination" validate:"gt=0"`
	MaxDistinctDestinationsInActiveSource            int64  `yaml:"max_distinct_destinations_in_active_source" validate:"gt=0"`
	MaxReportingOriginsPerSourceReportingSite        int64  `yaml:"max_reporting_origins_per_source_reporting_site" validate:"gt=0"`
	MaxDistinctRepOrigPerPublisherXDestInSource      int64  `yaml:"max_distinct_reporting_origins_per_publisher_x_dest_in_source" validate:"gt=0"`
	MaxDestPerPublisherXEnrollmentPerRateLimitWindow int64  `yaml:"max_dest_per_publisher_x_enrollment_per_rate_limit_window" validate:"gt=0"`
	MaxDestinationsPerPublisherPerRateLimitWindow    int64  `yaml:"max_destinations_per_publisher_per_rate_limit_window" validate:"gt=0"`
	DestinationRateLimitWindowMS                     int64  `yaml:"destination_rate_limit_window_ms" validate:"gt=0"`
	RateLimitWindowMS                                int64  `yaml:"rate_limit_window_ms" validate:"gt=0"`
	MinReportingOriginUpdateWindowMS                 int64  `yaml:"min_reporting_origin_update_window_ms" validate:"gt=0"`
	EnableDestinationRateLimit                       bool   `yaml:"enable_destination_rate_limit"`
	EnableNavigationReportingOriginCheck             bool   `yaml:"enable_navigation_reporting_origin_check"`
	EnableDestinationLimitPriority                   bool   `yaml:"enable_destination_limit_priority"`
	EnableDestinationLimitAlgorithmField             bool   `yaml:"enable_destination_limit_algorithm_field"`
	DefaultDestinationLimitAlgorithm                 string `yaml:"default_destination_limit_algorithm" validate:"oneof=LIFO FIFO"`
	EnableSourceDestinationLimitWindowedCount        bool   `yaml:"enable_source_destination_limit_windowed_count"`
	DeleteAggregateReportsOnSourceEviction           bool   `yaml:"delete_aggregate_reports_on_source_eviction"`
	EnablePreinstallCheck                            bool   `yaml:"enable_preinstall_check"`
	EnableCoarseEventReportDestinations              bool   `yaml:"enable_coarse_event_report_destinations"`
	EnableSharedSourceDebugKey                       bool   `yaml:"enable_shared_source_debug_key"`

	// Verbose debug reports.
	EnableDebugReports            bool `yaml:"enable_debug_reports"`
	EnableSourceDebugReports      bool `yaml:"enable_source_debug_reports"`
	EnableTriggerDebugReports     bool `yaml:"enable_trigger_debug_reports"`
	EnableHeaderErrorDebugReports bool `yaml:"enable_header_error_debug_reports"`

	// Aggregate debug reports.
	EnableAggregateDebugReporting       bool   `yaml:"enable_aggregate_debug_reporting"`
	AdrPerSourceBudget                  int    `yaml:"adr_per_source_budget" validate:"gt=0"`
	AdrBudgetPerOriginXPublisherXWindow int    `yaml:"adr_budget_per_origin_x_publisher_x_window" validate:"gt=0"`
	AdrBudgetPerPublisherXWindow        int    `yaml:"adr_budget_per_publisher_x_window" validate:"gt=0"`
	AdrBudgetWindowLengthMS             int64  `yaml:"adr_budget_window_length_ms" validate:"gt=0"`
	MaxAdrCountPerSource                int64  `yaml:"max_adr_count_per_source" validate:"gt=0"`
	DefaultAggregationCoordinatorOrigin string `yaml:"default_aggregation_coordinator_origin" validate:"url"`
}

// Default returns the compiled-in option set.
func Default() *Flags {
	return &Flags{
		RecordServiceLimit:            100,
		RegistrationRetryLimit:        5,
		MaxRegistrationRedirects:      20,
		RegistrationJobQueueKickDelay: int(2 * time.Minute / time.Millisecond),

		FetchConnectTimeoutMS:                 5000,
		FetchReadTimeoutMS:                    30000,
		MaxRegistrationHeaderSizeBytes:        250 * 1024,
		MaxTriggerRegistrationHeaderSizeBytes: 250 * 1024,
		EnableUpdateTriggerHeaderLimit:        false,

		MinReportingRegisterSourceExpirationSeconds: 86400,      // 1 day
		MaxReportingRegisterSourceExpirationSeconds: 30 * 86400, // 30 days
		MinEventReportWindowSeconds:                 3600,       // 1 hour
		MinAggregatableReportWindowSeconds:          3600,
		MinInstallAttributionWindowSeconds:          86400,
		MaxInstallAttributionWindowSeconds:          30 * 86400,
		MinPostInstallExclusivityWindowSeconds:      0,
		MaxPostInstallExclusivityWindowSeconds:      30 * 86400,

		MaxDistinctWebDestinationsInSourceRegistration: 3,
		MaxAggregateKeysPerSourceRegistration:          50,
		MaxAggregateKeysPerTriggerRegistration:         50,

		MaxAttributionFilters:              50,
		MaxBytesPerAttributionFilterString: 25,
		MaxValuesPerAttributionFilter:      50,
		MaxFilterMapsPerFilterSet:          20,
		EnableLookbackWindowFilter:         true,

		FlexAPIMaxEventReports:               20,
		FlexAPIMaxEventReportWindows:         5,
		FlexAPIMaxTriggerDataCardinality:     32,
		MaxReportStatesPerSourceRegistration: (1 << 32) - 1,

		PrivacyEpsilon:                    14,
		MaxInformationGainEvent:           6.5,
		MaxInformationGainNavigation:      11.5,
		EventTriggerDataCardinality:       2,
		NavigationTriggerDataCardinality:  8,
		DefaultEventMaxReports:            1,
		DefaultNavigationMaxReports:       3,
		InstallAttributionEventMaxReports: 2,

		MaxSourcesPerPublisher:                           1024,
		MaxTriggersPerDestination:                        1024,
		MaxDistinctDestinationsInActiveSource:            100,
		MaxReportingOriginsPerSourceReportingSite:        1,
		MaxDistinctRepOrigPerPublisherXDestInSource:      100,
		MaxDestPerPublisherXEnrollmentPerRateLimitWindow: 50,
		MaxDestinationsPerPublisherPerRateLimitWindow:    200,
		DestinationRateLimitWindowMS:                     day,
		RateLimitWindowMS:                                30 * day,
		MinReportingOriginUpdateWindowMS:                 day,
		EnableDestinationRateLimit:                       true,
		EnableNavigationReportingOriginCheck:             true,
		EnableDestinationLimitPriority:                   true,
		EnableDestinationLimitAlgorithmField:             true,
		DefaultDestinationLimitAlgorithm:                 "LIFO",
		EnableSourceDestinationLimitWindowedCount:        false,
		DeleteAggregateReportsOnSourceEviction:           true,
		EnablePreinstallCheck:                            false,
		EnableCoarseEventReportDestinations:              true,
		EnableSharedSourceDebugKey:                       true,

		EnableDebugReports:            true,
		EnableSourceDebugReports:      true,
		EnableTriggerDebugReports:     true,
		EnableHeaderErrorDebugReports: true,

		EnableAggregateDebugReporting:       true,
		AdrPerSourceBudget:                  65536,
		AdrBudgetPerOriginXPublisherXWindow: 65536,
		AdrBudgetPerPublisherXWindow:        1048576,
		AdrBudgetWindowLengthMS:             day,
		MaxAdrCountPerSource:                5,
		DefaultAggregationCoordinatorOrigin: "https://publickeyservice.msmt.aws.privacysandboxservices.com",
	}
}

// Load reads YAML from path over the defaults and validates the result. A
// missing file is fine: callers get the pure defaults.
func Load(path string) (*Flags, error) {
	f := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return f, f.Validate()
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks structural constraints on the loaded options.
func (f *Flags) Validate() error {
	if err := validator.New().Struct(f); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if f.MinReportingRegisterSourceExpirationSeconds > f.MaxReportingRegisterSourceExpirationSeconds {
		return fmt.Errorf("invalid config: source expiration min %d exceeds max %d",
			f.MinReportingRegisterSourceExpirationSeconds, f.MaxReportingRegisterSourceExpirationSeconds)
	}
	if f.MinInstallAttributionWindowSeconds > f.MaxInstallAttributionWindowSeconds {
		return fmt.Errorf("invalid config: install attribution window min %d exceeds max %d",
			f.MinInstallAttributionWindowSeconds, f.MaxInstallAttributionWindowSeconds)
	}
	if f.MinPostInstallExclusivityWindowSeconds > f.MaxPostInstallExclusivityWindowSeconds {
		return fmt.Errorf("invalid config: post-install exclusivity window min %d exceeds max %d",
			f.MinPostInstallExclusivityWindowSeconds, f.MaxPostInstallExclusivityWindowSeconds)
	}
	return nil
}

// TriggerDataCardinality returns the trigger data cardinality for a source
// type when no explicit trigger specs are declared.
func (f *Flags) TriggerDataCardinality(sourceType string) int {
	if sourceType == "navigation" {
		return f.NavigationTriggerDataCardinality
	}
	return f.EventTriggerDataCardinality
}

// MaxInformationGain returns the channel capacity bound for a source type.
func (f *Flags) MaxInformationGain(sourceType string) float64 {
	if sourceType == "navigation" {
		return f.MaxInformationGainNavigation
	}
	return f.MaxInformationGainEvent
}
