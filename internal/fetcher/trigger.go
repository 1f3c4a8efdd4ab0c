package fetcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/web"
)

// TriggerFetcher fetches and validates trigger registrations.
type TriggerFetcher struct {
	client     *Client
	flags      *flags.Flags
	enrollment EnrollmentResolver
	logger     *slog.Logger
	clock      func() time.Time
}

// NewTriggerFetcher wires a trigger fetcher.
func NewTriggerFetcher(client *Client, f *flags.Flags, enrollment EnrollmentResolver, logger *slog.Logger, clock func() time.Time) *TriggerFetcher {
	return &TriggerFetcher{
		client:     client,
		flags:      f,
		enrollment: enrollment,
		logger:     logger,
		clock:      clock,
	}
}

// Fetch performs the registration POST and parses the
// Attribution-Reporting-Register-Trigger response header into a Trigger. The
// returned status always describes the attempt.
func (f *TriggerFetcher) Fetch(ctx context.Context, reg *model.AsyncRegistration) (*model.Trigger, *model.AsyncRedirects, *model.AsyncFetchStatus) {
	status := &model.AsyncFetchStatus{}
	redirects := &model.AsyncRedirects{}

	resp, err := f.client.Fetch(ctx, reg, status)
	if err != nil {
		f.logger.Debug("trigger fetch failed",
			"registration", reg.ID, "status", status.ResponseStatus.String(), "error", err)
		return nil, redirects, status
	}
	defer resp.Body.Close()

	status.ResponseSize = headerSizeBytes(resp.Header)
	if f.flags.EnableUpdateTriggerHeaderLimit &&
		status.ResponseSize > f.flags.MaxTriggerRegistrationHeaderSizeBytes {
		status.ResponseStatus = model.ResponseStatusHeaderSizeLimitExceeded
		return nil, redirects, status
	}

	if reg.ShouldProcessRedirects() {
		redirects = ParseRedirects(resp.Header, reg.RedirectBehavior, f.flags.MaxRegistrationRedirects)
	}

	headers := resp.Header.Values(headerRegisterTrigger)
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
		status.FailedHeaderName = headerRegisterTrigger
		status.FailedHeaderValue = headers[0]
		return nil, redirects, status
	}

	trigger, err := f.parseTrigger(reg, enrollmentID, payload)
	if err != nil {
		f.logger.Debug("trigger validation failed", "registration", reg.ID, "error", err)
		status.EntityStatus = model.EntityStatusValidationError
		status.FailedHeaderName = headerRegisterTrigger
		status.FailedHeaderValue = headers[0]
		return nil, redirects, status
	}

	status.EntityStatus = model.EntityStatusSuccess
	return trigger, redirects, status
}

func (f *TriggerFetcher) parseTrigger(reg *model.AsyncRegistration, enrollmentID string, payload map[string]any) (*model.Trigger, error) {
	registrationOrigin, err := web.OriginAndScheme(reg.RegistrationURI)
	if err != nil {
		return nil, err
	}

	trigger := &model.Trigger{
		ID:                     uuid.NewString(),
		AttributionDestination: reg.TopOrigin,
		DestinationType:        reg.SurfaceType(),
		EnrollmentID:           enrollmentID,
		RegistrationOrigin:     registrationOrigin,
		Registrant:             reg.Registrant,
		TriggerTime:            f.clock().UnixMilli(),
		Status:                 model.TriggerStatusPending,
		AdIDPermission:         reg.AdIDPermission,
		ArDebugPermission:      reg.DebugKeyAllowed,

		AggregationCoordinatorOrigin: f.flags.DefaultAggregationCoordinatorOrigin,
	}

	if err := f.parseEventTriggers(payload, trigger); err != nil {
		return nil, err
	}
	if err := f.parseAggregatable(payload, trigger); err != nil {
		return nil, err
	}
	if err := f.parseTopLevelFilters(payload, trigger); err != nil {
		return nil, err
	}
	if err := f.parseTriggerDebugFields(payload, trigger); err != nil {
		return nil, err
	}

	if raw, ok := payload["attribution_scopes"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, model.NewValidationError("attribution_scopes", "must be a list of strings")
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, model.NewValidationError("attribution_scopes", "entries must be strings")
			}
			trigger.AttributionScopes = append(trigger.AttributionScopes, s)
		}
	}

	if trigger.TriggerContextID, err = extractString(payload, "trigger_context_id"); err != nil {
		return nil, err
	}

	if raw, ok := payload["aggregation_coordinator_origin"]; ok {
		origin, ok := raw.(string)
		if !ok {
			return nil, model.NewValidationError("aggregation_coordinator_origin", "must be a string")
		}
		if err := web.ValidateRegistrationURI(origin); err != nil {
			return nil, model.NewValidationError("aggregation_coordinator_origin", "%s", err)
		}
		trigger.AggregationCoordinatorOrigin = origin
	}

	if raw, ok := payload["aggregatable_debug_reporting"]; ok {
		fragment, err := canonicalFragment("aggregatable_debug_reporting", raw)
		if err != nil {
			return nil, err
		}
		if _, err := model.ParseAggregateDebugReporting(fragment); err != nil {
			return nil, model.NewValidationError("aggregatable_debug_reporting", "%s", err)
		}
		trigger.AggregateDebugReporting = fragment
	}

	return trigger, nil
}

func (f *TriggerFetcher) parseEventTriggers(payload map[string]any, trigger *model.Trigger) error {
	raw, ok := payload["event_trigger_data"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return model.NewValidationError("event_trigger_data", "must be a list")
	}
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return model.NewValidationError("event_trigger_data", "entries must be objects")
		}
		if _, err := extractUint64(obj, "trigger_data"); err != nil {
			return err
		}
		if _, err := extractInt64(obj, "priority"); err != nil {
			return err
		}
		if _, err := extractUint64(obj, "deduplication_key"); err != nil {
			return err
		}
		for _, field := range []string{"filters", "not_filters"} {
			if sub, present := obj[field]; present {
				if err := validateFilterSet("event_trigger_data."+field, sub, f.filterLimits(true)); err != nil {
					return err
				}
			}
		}
	}
	fragment, err := canonicalFragment("event_trigger_data", raw)
	if err != nil {
		return err
	}
	trigger.EventTriggers = fragment
	return nil
}

func (f *TriggerFetcher) parseAggregatable(payload map[string]any, trigger *model.Trigger) error {
	if raw, ok := payload["aggregatable_trigger_data"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return model.NewValidationError("aggregatable_trigger_data", "must be a list")
		}
		for _, item := range list {
			obj, ok := item.(map[string]any)
			if !ok {
				return model.NewValidationError("aggregatable_trigger_data", "entries must be objects")
			}
			piece, ok := obj["key_piece"].(string)
			if !ok || !validKeyPiece(piece) {
				return model.NewValidationError("aggregatable_trigger_data", "entries need a valid key_piece")
			}
			if rawKeys, present := obj["source_keys"]; present {
				keys, ok := rawKeys.([]any)
				if !ok {
					return model.NewValidationError("aggregatable_trigger_data", "source_keys must be a list")
				}
				if len(keys) > f.flags.MaxAggregateKeysPerTriggerRegistration {
					return model.NewValidationError("aggregatable_trigger_data",
						"has %d source keys, max %d", len(keys), f.flags.MaxAggregateKeysPerTriggerRegistration)
				}
				for _, k := range keys {
					id, ok := k.(string)
					if !ok || len(id) > f.flags.MaxBytesPerAttributionFilterString {
						return model.NewValidationError("aggregatable_trigger_data", "source_keys entries must be bounded strings")
					}
				}
			}
			for _, field := range []string{"filters", "not_filters"} {
				if sub, present := obj[field]; present {
					if err := validateFilterSet("aggregatable_trigger_data."+field, sub, f.filterLimits(true)); err != nil {
						return err
					}
				}
			}
		}
		fragment, err := canonicalFragment("aggregatable_trigger_data", raw)
		if err != nil {
			return err
		}
		trigger.AggregateTriggerData = fragment
	}

	if raw, ok := payload["aggregatable_values"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return model.NewValidationError("aggregatable_values", "must be an object")
		}
		if len(m) > f.flags.MaxAggregateKeysPerTriggerRegistration {
			return model.NewValidationError("aggregatable_values",
				"has %d keys, max %d", len(m), f.flags.MaxAggregateKeysPerTriggerRegistration)
		}
		for id, rawValue := range m {
			n, ok := rawValue.(float64)
			if !ok || n != float64(int64(n)) || n < 1 || int64(n) > maxAggregatableValue {
				return model.NewValidationError("aggregatable_values",
					"key %q must be an integer in [1, %d]", id, maxAggregatableValue)
			}
		}
		fragment, err := canonicalFragment("aggregatable_values", raw)
		if err != nil {
			return err
		}
		trigger.AggregateValues = fragment
	}

	if raw, ok := payload["aggregatable_deduplication_keys"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return model.NewValidationError("aggregatable_deduplication_keys", "must be a list")
		}
		for _, item := range list {
			obj, ok := item.(map[string]any)
			if !ok {
				return model.NewValidationError("aggregatable_deduplication_keys", "entries must be objects")
			}
			if _, err := extractUint64(obj, "deduplication_key"); err != nil {
				return err
			}
			for _, field := range []string{"filters", "not_filters"} {
				if sub, present := obj[field]; present {
					if err := validateFilterSet("aggregatable_deduplication_keys."+field, sub, f.filterLimits(true)); err != nil {
						return err
					}
				}
			}
		}
		fragment, err := canonicalFragment("aggregatable_deduplication_keys", raw)
		if err != nil {
			return err
		}
		trigger.AggregateDedupKeys = fragment
	}
	return nil
}

func (f *TriggerFetcher) parseTopLevelFilters(payload map[string]any, trigger *model.Trigger) error {
	if raw, ok := payload["filters"]; ok {
		if err := validateFilterSet("filters", raw, f.filterLimits(true)); err != nil {
			return err
		}
		fragment, err := canonicalFragment("filters", raw)
		if err != nil {
			return err
		}
		trigger.Filters = fragment
	}
	if raw, ok := payload["not_filters"]; ok {
		if err := validateFilterSet("not_filters", raw, f.filterLimits(true)); err != nil {
			return err
		}
		fragment, err := canonicalFragment("not_filters", raw)
		if err != nil {
			return err
		}
		trigger.NotFilters = fragment
	}
	return nil
}

func (f *TriggerFetcher) parseTriggerDebugFields(payload map[string]any, trigger *model.Trigger) error {
	// A malformed debug key degrades to no debug key rather than failing
	// the whole registration.
	if key, err := extractUint64(payload, "debug_key"); err == nil && key != nil {
		trigger.DebugKey = key
	}

	debugReporting, err := extractBool(payload, "debug_reporting")
	if err != nil {
		return err
	}
	trigger.IsDebugReporting = debugReporting

	if trigger.DebugJoinKey, err = extractString(payload, "debug_join_key"); err != nil {
		return err
	}
	if trigger.DebugAdID, err = extractString(payload, "debug_ad_id"); err != nil {
		return err
	}
	return nil
}

func (f *TriggerFetcher) filterLimits(allowLookback bool) filterLimits {
	return filterLimits{
		MaxFilters:          f.flags.MaxAttributionFilters,
		MaxStringBytes:      f.flags.MaxBytesPerAttributionFilterString,
		MaxValuesPerFilter:  f.flags.MaxValuesPerAttributionFilter,
		MaxFilterMaps:       f.flags.MaxFilterMapsPerFilterSet,
		AllowLookbackWindow: allowLookback && f.flags.EnableLookbackWindowFilter,
	}
}

// maxAggregatableValue is the inclusive per-trigger contribution budget for
// one histogram key.
const maxAggregatableValue = int64(65536)
