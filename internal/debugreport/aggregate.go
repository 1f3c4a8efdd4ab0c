package debugreport

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/store"
	"github.com/roach88/attribution/internal/web"
)

const aggregateAPIVersion = "1.0"

// AggregateAPI schedules aggregate debug reports. An outcome that cannot
// produce a real contribution (no matching declaration, exhausted budget,
// rate limit hit) still produces a null placeholder report so delivery-side
// counting observes the same cardinality either way.
type AggregateAPI struct {
	flags  *flags.Flags
	logger *slog.Logger
	clock  func() time.Time
}

// NewAggregateAPI wires the aggregate debug report producer.
func NewAggregateAPI(f *flags.Flags, logger *slog.Logger, clock func() time.Time) *AggregateAPI {
	return &AggregateAPI{flags: f, logger: logger, clock: clock}
}

// ScheduleSourceReport emits the aggregate debug contribution declared for
// reportType by the source's aggregatable_debug_reporting, applying the
// per-source contribution budget, the per-source report-count cap, and the
// origin and site rate limits. Sources with no declaration are skipped
// entirely.
func (a *AggregateAPI) ScheduleSourceReport(ctx context.Context, dao *store.DAO, s *model.Source, reportType string) error {
	if !a.flags.EnableAggregateDebugReporting {
		return nil
	}
	cfg, err := model.ParseAggregateDebugReporting(s.AggregateDebugReporting)
	if err != nil || cfg == nil {
		return err
	}

	topLevelSite, err := web.TopPrivateDomainAndScheme(s.Publisher)
	if err != nil {
		return fmt.Errorf("resolve publisher site: %w", err)
	}
	ref := reportRef{
		publisher:          s.Publisher,
		topLevelSite:       topLevelSite,
		topLevelSiteType:   s.PublisherType,
		destination:        firstDestination(s.AppDestinations, s.WebDestinations),
		enrollmentID:       s.EnrollmentID,
		registrationOrigin: s.RegistrationOrigin,
		registrant:         s.Registrant,
		sourceID:           s.ID,
		coordinatorOrigin:  a.coordinatorOrigin(cfg),
	}

	data := cfg.DataForType(reportType)
	if data == nil {
		return a.insertNullReport(ctx, dao, ref)
	}

	budget := cfg.Budget
	if budget > a.flags.AdrPerSourceBudget {
		budget = a.flags.AdrPerSourceBudget
	}
	if s.AggregateDebugReportContributions+data.Value > budget {
		a.logger.Debug("adr source budget exhausted", "source", s.ID, "type", reportType)
		return a.insertNullReport(ctx, dao, ref)
	}

	count, err := dao.CountAggregateReportsPerSource(ctx, s.ID, model.AggregateDebugReportAPI)
	if err != nil {
		return err
	}
	if count >= a.flags.MaxAdrCountPerSource {
		return a.insertNullReport(ctx, dao, ref)
	}

	ok, err := a.withinRateLimits(ctx, dao, ref, data.Value)
	if err != nil {
		return err
	}
	if !ok {
		return a.insertNullReport(ctx, dao, ref)
	}

	keyPiece := new(big.Int).Or(cfg.KeyPiece, data.KeyPiece)
	if err := a.insertReport(ctx, dao, ref, keyPiece, data.Value); err != nil {
		return err
	}
	return dao.UpdateSourceAggregateDebugContributions(ctx, s.ID, s.AggregateDebugReportContributions+data.Value)
}

// ScheduleTriggerReport emits the aggregate debug contribution declared for
// reportType by the trigger's aggregatable_debug_reporting. Trigger reports
// carry no per-source budget; only the origin and site rate limits apply.
func (a *AggregateAPI) ScheduleTriggerReport(ctx context.Context, dao *store.DAO, t *model.Trigger, reportType string) error {
	if !a.flags.EnableAggregateDebugReporting {
		return nil
	}
	cfg, err := model.ParseAggregateDebugReporting(t.AggregateDebugReporting)
	if err != nil || cfg == nil {
		return err
	}

	topLevelSite, err := web.TopPrivateDomainAndScheme(t.AttributionDestination)
	if err != nil {
		return fmt.Errorf("resolve destination site: %w", err)
	}
	ref := reportRef{
		publisher:          t.AttributionDestination,
		topLevelSite:       topLevelSite,
		topLevelSiteType:   t.DestinationType,
		destination:        t.AttributionDestination,
		enrollmentID:       t.EnrollmentID,
		registrationOrigin: t.RegistrationOrigin,
		registrant:         t.Registrant,
		triggerID:          t.ID,
		coordinatorOrigin:  a.coordinatorOrigin(cfg),
	}

	data := cfg.DataForType(reportType)
	if data == nil {
		return a.insertNullReport(ctx, dao, ref)
	}

	ok, err := a.withinRateLimits(ctx, dao, ref, data.Value)
	if err != nil {
		return err
	}
	if !ok {
		return a.insertNullReport(ctx, dao, ref)
	}

	keyPiece := new(big.Int).Or(cfg.KeyPiece, data.KeyPiece)
	return a.insertReport(ctx, dao, ref, keyPiece, data.Value)
}

// reportRef carries the identity fields shared by the real and null report
// paths.
type reportRef struct {
	publisher          string
	topLevelSite       string
	topLevelSiteType   model.SurfaceType
	destination        string
	enrollmentID       string
	registrationOrigin string
	registrant         string
	sourceID           string
	triggerID          string
	coordinatorOrigin  string
}

func (a *AggregateAPI) coordinatorOrigin(cfg *model.AggregateDebugReportingConfig) string {
	if cfg.AggregationCoordinatorOrigin != "" {
		return cfg.AggregationCoordinatorOrigin
	}
	return a.flags.DefaultAggregationCoordinatorOrigin
}

// withinRateLimits checks the nested budget windows: first the reporting
// origin's share of the top-level site budget, then the whole-site budget.
func (a *AggregateAPI) withinRateLimits(ctx context.Context, dao *store.DAO, ref reportRef, value int) (bool, error) {
	now := a.clock().UnixMilli()
	windowStart := now - a.flags.AdrBudgetWindowLengthMS

	perOrigin, err := dao.SumAggregateDebugContributionsPerOriginXSite(ctx, ref.registrationOrigin, ref.topLevelSite, windowStart, now)
	if err != nil {
		return false, err
	}
	if perOrigin+int64(value) > int64(a.flags.AdrBudgetPerOriginXPublisherXWindow) {
		a.logger.Debug("adr origin rate limit hit", "origin", ref.registrationOrigin, "site", ref.topLevelSite)
		return false, nil
	}

	perSite, err := dao.SumAggregateDebugContributionsPerSite(ctx, ref.topLevelSite, windowStart, now)
	if err != nil {
		return false, err
	}
	if perSite+int64(value) > int64(a.flags.AdrBudgetPerPublisherXWindow) {
		a.logger.Debug("adr site rate limit hit", "site", ref.topLevelSite)
		return false, nil
	}
	return true, nil
}

func (a *AggregateAPI) insertReport(ctx context.Context, dao *store.DAO, ref reportRef, keyPiece *big.Int, value int) error {
	now := a.clock().UnixMilli()
	payload, err := histogramPayload(keyPiece, value)
	if err != nil {
		return err
	}
	report := &model.AggregateReport{
		ID:                           uuid.NewString(),
		Publisher:                    ref.publisher,
		AttributionDestination:       ref.destination,
		ScheduledReportTime:          now,
		EnrollmentID:                 ref.enrollmentID,
		DebugCleartextPayload:        payload,
		SourceID:                     ref.sourceID,
		TriggerID:                    ref.triggerID,
		Status:                       model.AggregateReportStatusMarkedToDelete,
		DebugReportStatus:            model.DebugReportStatusPending,
		APIVersion:                   aggregateAPIVersion,
		API:                          model.AggregateDebugReportAPI,
		RegistrationOrigin:           ref.registrationOrigin,
		AggregationCoordinatorOrigin: ref.coordinatorOrigin,
	}
	if err := dao.InsertAggregateReport(ctx, report); err != nil {
		return err
	}
	return dao.InsertAggregateDebugReportRecord(ctx, &model.AggregateDebugReportRecord{
		ReportGenerationTime: now,
		TopLevelSite:         ref.topLevelSite,
		TopLevelSiteType:     ref.topLevelSiteType,
		RegistrantApp:        ref.registrant,
		ReportingOrigin:      ref.registrationOrigin,
		ContributionValue:    value,
		SourceID:             ref.sourceID,
		TriggerID:            ref.triggerID,
	})
}

// insertNullReport persists a zero-contribution placeholder so downstream
// delivery sees one report per outcome regardless of budget state. Null
// reports consume no ledger budget.
func (a *AggregateAPI) insertNullReport(ctx context.Context, dao *store.DAO, ref reportRef) error {
	payload, err := histogramPayload(big.NewInt(0), 0)
	if err != nil {
		return err
	}
	report := &model.AggregateReport{
		ID:                           uuid.NewString(),
		Publisher:                    ref.publisher,
		AttributionDestination:       ref.destination,
		ScheduledReportTime:          a.clock().UnixMilli(),
		EnrollmentID:                 ref.enrollmentID,
		DebugCleartextPayload:        payload,
		SourceID:                     ref.sourceID,
		TriggerID:                    ref.triggerID,
		Status:                       model.AggregateReportStatusMarkedToDelete,
		DebugReportStatus:            model.DebugReportStatusPending,
		APIVersion:                   aggregateAPIVersion,
		API:                          model.AggregateDebugReportAPI,
		RegistrationOrigin:           ref.registrationOrigin,
		AggregationCoordinatorOrigin: ref.coordinatorOrigin,
		IsFakeReport:                 true,
	}
	return dao.InsertAggregateReport(ctx, report)
}

// histogramPayload renders the cleartext histogram with one contribution.
func histogramPayload(keyPiece *big.Int, value int) (string, error) {
	encoded, err := model.MarshalCanonical(map[string]any{
		"operation": "histogram",
		"data": []any{
			map[string]any{
				"bucket": "0x" + keyPiece.Text(16),
				"value":  value,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode histogram payload: %w", err)
	}
	return string(encoded), nil
}

func firstDestination(app, webDests []string) string {
	if len(app) > 0 {
		return app[0]
	}
	if len(webDests) > 0 {
		return webDests[0]
	}
	return ""
}
