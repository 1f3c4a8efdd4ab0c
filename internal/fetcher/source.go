package fetcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/web"
)

// SourceFetcher fetches and validates source registrations.
type SourceFetcher struct {
	client     *Client
	flags      *flags.Flags
	enrollment EnrollmentResolver
	logger     *slog.Logger
	clock      func() time.Time
}

// NewSourceFetcher wires a source fetcher.
func NewSourceFetcher(client *Client, f *flags.Flags, enrollment EnrollmentResolver, logger *slog.Logger, clock func() time.Time) *SourceFetcher {
	return &SourceFetcher{
		client:     client,
		flags:      f,
		enrollment: enrollment,
		logger:     logger,
		clock:      clock,
	}
}

// Enrollment exposes the resolver for callers that need an enrollment id
// outside a fetch, such as header-error debug reporting.
func (f *SourceFetcher) Enrollment() EnrollmentResolver {
	return f.enrollment
}

// Fetch performs the registration POST and parses the
// Attribution-Reporting-Register-Source response header into a Source. The
// returned status always describes the attempt; the source is nil unless
// both transport and validation succeeded. Redirects are collected
// independently of payload validity.
func (f *SourceFetcher) Fetch(ctx context.Context, reg *model.AsyncRegistration) (*model.Source, *model.AsyncRedirects, *model.AsyncFetchStatus) {
	status := &model.AsyncFetchStatus{}
	redirects := &model.AsyncRedirects{}

	resp, err := f.client.Fetch(ctx, reg, status)
	if err != nil {
		f.logger.Debug("source fetch failed",
			"registration", reg.ID, "status", status.ResponseStatus.String(), "error", err)
		return nil, redirects, status
	}
	defer resp.Body.Close()

	status.ResponseSize = headerSizeBytes(resp.Header)
	if status.ResponseSize > f.flags.MaxRegistrationHeaderSizeBytes {
		status.ResponseStatus = model.ResponseStatusHeaderSizeLimitExceeded
		return nil, redirects, status
	}

	if reg.ShouldProcessRedirects() {
		redirects = ParseRedirects(resp.Header, reg.RedirectBehavior, f.flags.MaxRegistrationRedirects)
	}

	headers := resp.Header.Values(headerRegisterSource)
	if len(headers) == 0 {
		status.EntityStatus = model.EntityStatusHeaderMissing
		status.RedirectOnly = !redirects.Empty()
		return nil, redirects, status
	}
	if len(headers) > 1 {
		status.EntityStatus = model.EntityStatusHeaderError
		return nil, redirects, status
	}

	enrollmentID, ok := f.enrollment.Resolve(reg.RegistrationURI)
	if !ok {
		status.ResponseStatus = model.ResponseStatusInvalidEnrollment
		status.EntityStatus = model.EntityStatusInvalidEnrollment
		return nil, redirects, status
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(headers[0]), &payload); err != nil {
		status.EntityStatus = model.EntityStatusParsingError
		status.FailedHeaderName = headerRegisterSource
		status.FailedHeaderValue = headers[0]
		return nil, redirects, status
	}

	source, err := f.parseSource(reg, enrollmentID, payload)
	if err != nil {
		f.logger.Debug("source validation failed", "registration", reg.ID, "error", err)
		status.EntityStatus = model.EntityStatusValidationError
		status.FailedHeaderName = headerRegisterSource
		status.FailedHeaderValue = headers[0]
		return nil, redirects, status
	}

	status.EntityStatus = model.EntityStatusSuccess
	return source, redirects, status
}

func (f *SourceFetcher) parseSource(reg *model.AsyncRegistration, enrollmentID string, payload map[string]any) (*model.Source, error) {
	now := f.clock().UnixMilli()

	registrationOrigin, err := web.OriginAndScheme(reg.RegistrationURI)
	if err != nil {
		return nil, err
	}

	source := &model.Source{
		ID:                 uuid.NewString(),
		Publisher:          reg.TopOrigin,
		PublisherType:      reg.SurfaceType(),
		EnrollmentID:       enrollmentID,
		RegistrationOrigin: registrationOrigin,
		Registrant:         reg.Registrant,
		RegistrationID:     reg.RegistrationID,
		SourceType:         reg.SourceType,
		EventTime:          now,
		Status:             model.SourceStatusActive,
		AttributionMode:    model.AttributionModeUnassigned,
		AdIDPermission:     reg.AdIDPermission,
		ArDebugPermission:  reg.DebugKeyAllowed,
	}

	eventID, err := extractUint64(payload, "source_event_id")
	if err != nil {
		return nil, err
	}
	if eventID != nil {
		source.EventID = *eventID
	}

	if err := f.parseDestinations(reg, payload, source); err != nil {
		return nil, err
	}

	if err := f.parseWindows(payload, source, now); err != nil {
		return nil, err
	}

	priority, err := extractInt64(payload, "priority")
	if err != nil {
		return nil, err
	}
	if priority != nil {
		source.Priority = *priority
	}

	if err := f.parseFilterData(payload, source); err != nil {
		return nil, err
	}
	if err := f.parseAggregationKeys(payload, source); err != nil {
		return nil, err
	}
	if err := f.parseFlexibleEventConfig(payload, source, now); err != nil {
		return nil, err
	}
	if err := f.parseDebugFields(payload, source); err != nil {
		return nil, err
	}
	if err := f.parseDestinationLimitFields(payload, source); err != nil {
		return nil, err
	}

	if raw, ok := payload["aggregatable_debug_reporting"]; ok {
		fragment, err := canonicalFragment("aggregatable_debug_reporting", raw)
		if err != nil {
			return nil, err
		}
		if _, err := model.ParseAggregateDebugReporting(fragment); err != nil {
			return nil, model.NewValidationError("aggregatable_debug_reporting", "%s", err)
		}
		source.AggregateDebugReporting = fragment
	}

	return source, source.Validate()
}

func (f *SourceFetcher) parseDestinations(reg *model.AsyncRegistration, payload map[string]any, source *model.Source) error {
	if raw, ok := payload["destination"]; ok {
		dest, ok := raw.(string)
		if !ok {
			return model.NewValidationError("destination", "must be a string")
		}
		if !web.IsAppURI(dest) {
			return model.NewValidationError("destination", "must be an android-app URI")
		}
		base, err := web.BaseURI(dest)
		if err != nil {
			return model.NewValidationError("destination", "%s", err)
		}
		// A verified install destination from the intake caller overrides a
		// mismatched claim.
		if reg.OSDestination != "" && reg.OSDestination != base {
			base = reg.OSDestination
		}
		source.AppDestinations = []string{base}
	}

	raw, ok := payload["web_destination"]
	if !ok {
		return nil
	}
	var rawList []any
	switch v := raw.(type) {
	case string:
		rawList = []any{v}
	case []any:
		rawList = v
	default:
		return model.NewValidationError("web_destination", "must be a string or list of strings")
	}

	seen := make(map[string]struct{})
	for _, item := range rawList {
		s, ok := item.(string)
		if !ok {
			return model.NewValidationError("web_destination", "entries must be strings")
		}
		site, err := web.TopPrivateDomainAndScheme(s)
		if err != nil {
			return model.NewValidationError("web_destination", "%s", err)
		}
		if _, dup := seen[site]; dup {
			continue
		}
		seen[site] = struct{}{}
		source.WebDestinations = append(source.WebDestinations, site)
	}
	if len(source.WebDestinations) > f.flags.MaxDistinctWebDestinationsInSourceRegistration {
		return model.NewValidationError("web_destination",
			"has %d distinct sites, max %d", len(source.WebDestinations), f.flags.MaxDistinctWebDestinationsInSourceRegistration)
	}
	sort.Strings(source.WebDestinations)
	return nil
}

func (f *SourceFetcher) parseWindows(payload map[string]any, source *model.Source, now int64) error {
	expirySeconds := f.flags.MaxReportingRegisterSourceExpirationSeconds
	if parsed, err := extractClampedSeconds(payload, "expiry",
		f.flags.MinReportingRegisterSourceExpirationSeconds,
		f.flags.MaxReportingRegisterSourceExpirationSeconds); err != nil {
		return err
	} else if parsed != nil {
		expirySeconds = *parsed
	}
	if source.SourceType == model.SourceTypeEvent {
		expirySeconds = roundSecondsToWholeDays(expirySeconds)
	}
	source.ExpiryTime = now + expirySeconds*1000

	// Report windows clamp to [configured minimum, expiry].
	eventWindowSeconds := expirySeconds
	if parsed, err := extractClampedSeconds(payload, "event_report_window",
		f.flags.MinEventReportWindowSeconds, expirySeconds); err != nil {
		return err
	} else if parsed != nil {
		eventWindowSeconds = *parsed
	}
	source.EventReportWindow = now + eventWindowSeconds*1000

	aggWindowSeconds := expirySeconds
	if parsed, err := extractClampedSeconds(payload, "aggregatable_report_window",
		f.flags.MinAggregatableReportWindowSeconds, expirySeconds); err != nil {
		return err
	} else if parsed != nil {
		aggWindowSeconds = *parsed
	}
	source.AggregatableReportWindow = now + aggWindowSeconds*1000

	if parsed, err := extractClampedSeconds(payload, "install_attribution_window",
		f.flags.MinInstallAttributionWindowSeconds,
		f.flags.MaxInstallAttributionWindowSeconds); err != nil {
		return err
	} else if parsed != nil {
		source.InstallAttributionWindow = *parsed * 1000
	}

	if parsed, err := extractClampedSeconds(payload, "post_install_exclusivity_window",
		f.flags.MinPostInstallExclusivityWindowSeconds,
		f.flags.MaxPostInstallExclusivityWindowSeconds); err != nil {
		return err
	} else if parsed != nil {
		source.InstallCooldownWindow = *parsed * 1000
	}
	return nil
}

func (f *SourceFetcher) parseFilterData(payload map[string]any, source *model.Source) error {
	raw, ok := payload["filter_data"]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return model.NewValidationError("filter_data", "must be an object")
	}
	// source_type is populated implicitly at matching time and cannot be
	// declared by the registration.
	if _, reserved := m["source_type"]; reserved {
		return model.NewValidationError("filter_data", "key source_type is reserved")
	}
	if err := validateFilterMap("filter_data", m, f.filterLimits(false)); err != nil {
		return err
	}
	fragment, err := canonicalFragment("filter_data", raw)
	if err != nil {
		return err
	}
	source.FilterData = fragment
	return nil
}

func (f *SourceFetcher) parseAggregationKeys(payload map[string]any, source *model.Source) error {
	raw, ok := payload["aggregation_keys"]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return model.NewValidationError("aggregation_keys", "must be an object")
	}
	if len(m) > f.flags.MaxAggregateKeysPerSourceRegistration {
		return model.NewValidationError("aggregation_keys",
			"has %d keys, max %d", len(m), f.flags.MaxAggregateKeysPerSourceRegistration)
	}
	for id, piece := range m {
		if len(id) > f.flags.MaxBytesPerAttributionFilterString {
			return model.NewValidationError("aggregation_keys",
				"key id %q exceeds %d bytes", id, f.flags.MaxBytesPerAttributionFilterString)
		}
		s, ok := piece.(string)
		if !ok || !validKeyPiece(s) {
			return model.NewValidationError("aggregation_keys",
				"key %q has an invalid key piece", id)
		}
	}
	fragment, err := canonicalFragment("aggregation_keys", raw)
	if err != nil {
		return err
	}
	source.AggregationKeys = fragment
	return nil
}

// parseFlexibleEventConfig handles max_event_level_reports, the
// event_report_windows object, the trigger_data shorthand and the full
// trigger_specs declaration. The shorthand and trigger_specs are mutually
// exclusive.
func (f *SourceFetcher) parseFlexibleEventConfig(payload map[string]any, source *model.Source, now int64) error {
	if raw, ok := payload["max_event_level_reports"]; ok {
		n, ok := raw.(float64)
		if !ok || n != float64(int(n)) || n < 0 {
			return model.NewValidationError("max_event_level_reports", "must be a non-negative integer")
		}
		if int(n) > f.flags.FlexAPIMaxEventReports {
			return model.NewValidationError("max_event_level_reports",
				"%d exceeds max %d", int(n), f.flags.FlexAPIMaxEventReports)
		}
		source.MaxEventLevelReports = int(n)
	}

	_, hasShorthand := payload["trigger_data"]
	_, hasSpecs := payload["trigger_specs"]
	if hasShorthand && hasSpecs {
		return model.NewValidationError("trigger_specs", "trigger_data and trigger_specs are mutually exclusive")
	}

	if raw, ok := payload["event_report_windows"]; ok {
		if _, single := payload["event_report_window"]; single {
			return model.NewValidationError("event_report_windows",
				"event_report_window and event_report_windows are mutually exclusive")
		}
		if err := f.validateEventReportWindows(raw, source, now); err != nil {
			return err
		}
		fragment, err := canonicalFragment("event_report_windows", raw)
		if err != nil {
			return err
		}
		source.EventReportWindows = fragment
	}

	if hasShorthand {
		if err := f.validateTriggerDataList(payload["trigger_data"]); err != nil {
			return err
		}
	}
	if hasSpecs {
		if err := f.validateTriggerSpecs(payload["trigger_specs"]); err != nil {
			return err
		}
		fragment, err := canonicalFragment("trigger_specs", payload["trigger_specs"])
		if err != nil {
			return err
		}
		source.TriggerSpecs = fragment
	}
	return nil
}

func (f *SourceFetcher) validateEventReportWindows(raw any, source *model.Source, now int64) error {
	obj, ok := raw.(map[string]any)
	if !ok {
		return model.NewValidationError("event_report_windows", "must be an object")
	}
	rawEnds, ok := obj["end_times"].([]any)
	if !ok || len(rawEnds) == 0 {
		return model.NewValidationError("event_report_windows", "end_times must be a non-empty list")
	}
	if len(rawEnds) > f.flags.FlexAPIMaxEventReportWindows {
		return model.NewValidationError("event_report_windows",
			"has %d windows, max %d", len(rawEnds), f.flags.FlexAPIMaxEventReportWindows)
	}
	expirySeconds := (source.ExpiryTime - now) / 1000
	prev := int64(0)
	for _, rawEnd := range rawEnds {
		n, ok := rawEnd.(float64)
		if !ok || n != math.Trunc(n) {
			return model.NewValidationError("event_report_windows", "end_times must be integers")
		}
		end := clampInt64(int64(n), f.flags.MinEventReportWindowSeconds, expirySeconds)
		if end <= prev {
			return model.NewValidationError("event_report_windows", "end_times must be strictly ascending")
		}
		prev = end
	}
	return nil
}

func (f *SourceFetcher) validateTriggerDataList(raw any) error {
	list, ok := raw.([]any)
	if !ok {
		return model.NewValidationError("trigger_data", "must be a list")
	}
	return f.validateTriggerDataCardinality("trigger_data", list)
}

func (f *SourceFetcher) validateTriggerSpecs(raw any) error {
	list, ok := raw.([]any)
	if !ok {
		return model.NewValidationError("trigger_specs", "must be a list")
	}
	var allTriggerData []any
	for _, item := range list {
		spec, ok := item.(map[string]any)
		if !ok {
			return model.NewValidationError("trigger_specs", "entries must be objects")
		}
		data, ok := spec["trigger_data"].([]any)
		if !ok || len(data) == 0 {
			return model.NewValidationError("trigger_specs", "each spec needs non-empty trigger_data")
		}
		allTriggerData = append(allTriggerData, data...)
	}
	return f.validateTriggerDataCardinality("trigger_specs", allTriggerData)
}

// validateTriggerDataCardinality bounds the distinct trigger data values
// and, under modulus matching, requires them to be contiguous from zero.
func (f *SourceFetcher) validateTriggerDataCardinality(field string, list []any) error {
	seen := make(map[int64]struct{}, len(list))
	for _, item := range list {
		n, ok := item.(float64)
		if !ok || n != math.Trunc(n) || n < 0 {
			return model.NewValidationError(field, "trigger data values must be non-negative integers")
		}
		if _, dup := seen[int64(n)]; dup {
			return model.NewValidationError(field, "trigger data values must be distinct")
		}
		seen[int64(n)] = struct{}{}
	}
	if len(seen) > f.flags.FlexAPIMaxTriggerDataCardinality {
		return model.NewValidationError(field,
			"has %d trigger data values, max %d", len(seen), f.flags.FlexAPIMaxTriggerDataCardinality)
	}
	// Modulus matching requires values 0..n-1.
	for i := int64(0); i < int64(len(seen)); i++ {
		if _, ok := seen[i]; !ok {
			return model.NewValidationError(field, "trigger data must be contiguous starting at zero")
		}
	}
	return nil
}

func (f *SourceFetcher) parseDebugFields(payload map[string]any, source *model.Source) error {
	// A malformed debug key degrades to no debug key rather than failing
	// the whole registration.
	if key, err := extractUint64(payload, "debug_key"); err == nil && key != nil {
		source.DebugKey = key
	}

	debugReporting, err := extractBool(payload, "debug_reporting")
	if err != nil {
		return err
	}
	source.IsDebugReporting = debugReporting

	if source.DebugJoinKey, err = extractString(payload, "debug_join_key"); err != nil {
		return err
	}
	if source.DebugAdID, err = extractString(payload, "debug_ad_id"); err != nil {
		return err
	}

	if f.flags.EnableSharedSourceDebugKey {
		if key, err := extractUint64(payload, "shared_debug_key"); err == nil && key != nil {
			source.SharedDebugKey = key
		}
	}

	if f.flags.EnableCoarseEventReportDestinations {
		coarse, err := extractBool(payload, "coarse_event_report_destinations")
		if err != nil {
			return err
		}
		source.CoarseEventReportDestinations = coarse
	}
	return nil
}

func (f *SourceFetcher) parseDestinationLimitFields(payload map[string]any, source *model.Source) error {
	source.DestinationLimitAlgorithm = model.DestinationLimitAlgorithmLIFO
	if f.flags.DefaultDestinationLimitAlgorithm == "FIFO" {
		source.DestinationLimitAlgorithm = model.DestinationLimitAlgorithmFIFO
	}

	if f.flags.EnableDestinationLimitPriority {
		priority, err := extractInt64(payload, "destination_limit_priority")
		if err != nil {
			return err
		}
		if priority != nil {
			source.DestinationLimitPriority = *priority
		}
	}

	if f.flags.EnableDestinationLimitAlgorithmField {
		algorithm, err := extractString(payload, "destination_limit_algorithm")
		if err != nil {
			return err
		}
		switch algorithm {
		case "":
		case "fifo":
			source.DestinationLimitAlgorithm = model.DestinationLimitAlgorithmFIFO
		case "lifo":
			source.DestinationLimitAlgorithm = model.DestinationLimitAlgorithmLIFO
		default:
			return model.NewValidationError("destination_limit_algorithm",
				"unknown algorithm %q", algorithm)
		}
	}

	if f.flags.EnablePreinstallCheck {
		drop, err := extractBool(payload, "drop_source_if_installed")
		if err != nil {
			return err
		}
		source.DropSourceIfInstalled = drop
	}
	return nil
}

func (f *SourceFetcher) filterLimits(allowLookback bool) filterLimits {
	return filterLimits{
		MaxFilters:          f.flags.MaxAttributionFilters,
		MaxStringBytes:      f.flags.MaxBytesPerAttributionFilterString,
		MaxValuesPerFilter:  f.flags.MaxValuesPerAttributionFilter,
		MaxFilterMaps:       f.flags.MaxFilterMapsPerFilterSet,
		AllowLookbackWindow: allowLookback && f.flags.EnableLookbackWindowFilter,
	}
}

// canonicalFragment re-encodes a validated payload fragment into canonical
// JSON for storage.
func canonicalFragment(field string, raw any) (string, error) {
	b, err := model.MarshalCanonical(normalizeNumbers(raw))
	if err != nil {
		return "", model.NewValidationError(field, "%s", err)
	}
	return string(b), nil
}

// normalizeNumbers converts float64 values that hold exact integers (the
// only numeric shape that survives validation) into int64 so the canonical
// encoder accepts them.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) {
			return int64(val)
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeNumbers(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeNumbers(item)
		}
		return out
	default:
		return v
	}
}
