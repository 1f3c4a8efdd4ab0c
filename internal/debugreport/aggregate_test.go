package debugreport

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/store"
)

const storageLimitDeclaration = `{"budget":1024,"key_piece":"0x100","debug_data":[{"types":["source-storage-limit"],"key_piece":"0x59","value":100}]}`

func newAggregateAPI(f *flags.Flags) *AggregateAPI {
	return NewAggregateAPI(f, slog.New(slog.NewTextHandler(io.Discard, nil)), func() time.Time { return fixedNow })
}

func adrSource(t *testing.T, s *store.Store) *model.Source {
	t.Helper()
	src := debugSource()
	src.EventTime = fixedNow.UnixMilli()
	src.ExpiryTime = fixedNow.UnixMilli() + 86400*1000
	src.EventReportWindow = src.ExpiryTime
	src.AggregatableReportWindow = src.ExpiryTime
	src.AggregateDebugReporting = storageLimitDeclaration
	_, err := s.DAO().InsertSource(context.Background(), src)
	require.NoError(t, err)
	return src
}

func TestAggregateSourceReportSuccess(t *testing.T) {
	s := newTestStore(t)
	api := newAggregateAPI(flags.Default())
	src := adrSource(t, s)

	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), src, model.DebugTypeSourceStorageLimit))

	reports, err := s.DAO().ListAggregateReportsForSource(context.Background(), src.ID, model.AggregateDebugReportAPI)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].IsFakeReport)
	// Declaration key piece 0x100 OR entry key piece 0x59.
	assert.Equal(t, `{"data":[{"bucket":"0x159","value":100}],"operation":"histogram"}`, reports[0].DebugCleartextPayload)
	assert.Equal(t, model.AggregateReportStatusMarkedToDelete, reports[0].Status)
	assert.Equal(t, model.DebugReportStatusPending, reports[0].DebugReportStatus)
	assert.Equal(t, flags.Default().DefaultAggregationCoordinatorOrigin, reports[0].AggregationCoordinatorOrigin)

	sum, err := s.DAO().SumAggregateDebugContributionsPerSite(context.Background(),
		"android-app://com.example.publisher", 0, fixedNow.UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)

	stored, err := s.DAO().GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, stored.AggregateDebugReportContributions)
}

func TestAggregateSourceReportUnmatchedTypeInsertsNull(t *testing.T) {
	s := newTestStore(t)
	api := newAggregateAPI(flags.Default())
	src := adrSource(t, s)

	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), src, model.DebugTypeSourceNoised))

	reports, err := s.DAO().ListAggregateReportsForSource(context.Background(), src.ID, model.AggregateDebugReportAPI)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].IsFakeReport)
	assert.Equal(t, `{"data":[{"bucket":"0x0","value":0}],"operation":"histogram"}`, reports[0].DebugCleartextPayload)

	// Null reports consume no budget.
	sum, err := s.DAO().SumAggregateDebugContributionsPerSite(context.Background(),
		"android-app://com.example.publisher", 0, fixedNow.UnixMilli())
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestAggregateSourceReportNoDeclarationSkips(t *testing.T) {
	s := newTestStore(t)
	api := newAggregateAPI(flags.Default())
	src := adrSource(t, s)
	src.AggregateDebugReporting = ""

	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), src, model.DebugTypeSourceStorageLimit))

	reports, err := s.DAO().ListAggregateReportsForSource(context.Background(), src.ID, model.AggregateDebugReportAPI)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestAggregateSourceReportBudgetExhaustedInsertsNull(t *testing.T) {
	s := newTestStore(t)
	api := newAggregateAPI(flags.Default())
	src := adrSource(t, s)
	// Declared budget is 1024; 950 consumed + 100 incoming exceeds it.
	src.AggregateDebugReportContributions = 950

	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), src, model.DebugTypeSourceStorageLimit))

	reports, err := s.DAO().ListAggregateReportsForSource(context.Background(), src.ID, model.AggregateDebugReportAPI)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].IsFakeReport)
}

func TestAggregateSourceReportOriginRateLimitInsertsNull(t *testing.T) {
	s := newTestStore(t)
	f := flags.Default()
	f.AdrBudgetPerOriginXPublisherXWindow = 150
	api := newAggregateAPI(f)
	src := adrSource(t, s)

	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), src, model.DebugTypeSourceStorageLimit))
	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), src, model.DebugTypeSourceStorageLimit))

	reports, err := s.DAO().ListAggregateReportsForSource(context.Background(), src.ID, model.AggregateDebugReportAPI)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.False(t, reports[0].IsFakeReport)
	assert.True(t, reports[1].IsFakeReport)
}

func TestAggregateSourceReportCountCapInsertsNull(t *testing.T) {
	s := newTestStore(t)
	f := flags.Default()
	f.MaxAdrCountPerSource = 1
	api := newAggregateAPI(f)
	src := adrSource(t, s)

	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), src, model.DebugTypeSourceStorageLimit))
	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), src, model.DebugTypeSourceStorageLimit))

	reports, err := s.DAO().ListAggregateReportsForSource(context.Background(), src.ID, model.AggregateDebugReportAPI)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.True(t, reports[1].IsFakeReport)
}

func TestAggregateSourceReportDisabledByFlag(t *testing.T) {
	s := newTestStore(t)
	f := flags.Default()
	f.EnableAggregateDebugReporting = false
	api := newAggregateAPI(f)
	src := adrSource(t, s)

	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), src, model.DebugTypeSourceStorageLimit))

	reports, err := s.DAO().ListAggregateReportsForSource(context.Background(), src.ID, model.AggregateDebugReportAPI)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestAggregateTriggerReportSuccess(t *testing.T) {
	s := newTestStore(t)
	api := newAggregateAPI(flags.Default())

	trigger := &model.Trigger{
		ID:                     "trg-1",
		AttributionDestination: "android-app://com.example.store",
		DestinationType:        model.SurfaceTypeApp,
		EnrollmentID:           "enrollment-1",
		RegistrationOrigin:     "https://ads.example.com",
		Registrant:             "android-app://com.example.store",
		TriggerTime:            fixedNow.UnixMilli(),
		AggregateDebugReporting: `{"budget":1024,"key_piece":"0x200","debug_data":[` +
			`{"types":["trigger-no-matching-source"],"key_piece":"0x4","value":64}]}`,
	}
	_, err := s.DAO().InsertTrigger(context.Background(), trigger)
	require.NoError(t, err)

	require.NoError(t, api.ScheduleTriggerReport(context.Background(), s.DAO(), trigger, model.DebugTypeTriggerNoMatchingSource))

	// Trigger reports carry no source id; find them through the ledger.
	sum, err := s.DAO().SumAggregateDebugContributionsPerSite(context.Background(),
		"android-app://com.example.store", 0, fixedNow.UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, int64(64), sum)
}
