package debugreport

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/store"
)

var fixedNow = time.UnixMilli(1700000000000)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "attribution.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newVerboseAPI(f *flags.Flags) *VerboseAPI {
	return NewVerboseAPI(f, slog.New(slog.NewTextHandler(io.Discard, nil)), func() time.Time { return fixedNow })
}

func debugSource() *model.Source {
	key := uint64(555)
	return &model.Source{
		ID:                 "src-1",
		EventID:            123,
		Publisher:          "android-app://com.example.publisher",
		PublisherType:      model.SurfaceTypeApp,
		AppDestinations:    []string{"android-app://com.example.store"},
		EnrollmentID:       "enrollment-1",
		RegistrationOrigin: "https://ads.example.com",
		Registrant:         "android-app://com.example.caller",
		SourceType:         model.SourceTypeNavigation,
		DebugKey:           &key,
		AdIDPermission:     true,
		IsDebugReporting:   true,
	}
}

func TestVerboseSourceReportBody(t *testing.T) {
	s := newTestStore(t)
	api := newVerboseAPI(flags.Default())

	limit := int64(100)
	err := api.ScheduleSourceReport(context.Background(), s.DAO(), SourceReport{
		Type:   model.DebugTypeSourceStorageLimit,
		Source: debugSource(),
		Limit:  &limit,
	})
	require.NoError(t, err)

	reports, err := s.DAO().ListDebugReports(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, model.DebugTypeSourceStorageLimit, reports[0].Type)
	assert.Equal(t, "enrollment-1", reports[0].EnrollmentID)
	assert.Equal(t, "https://ads.example.com", reports[0].RegistrationOrigin)
	assert.Equal(t, fixedNow.UnixMilli(), reports[0].InsertionTime)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"))
	g.Assert(t, "source_storage_limit_body", []byte(reports[0].Body))
}

func TestVerboseSourceReportRequiresOptIn(t *testing.T) {
	s := newTestStore(t)
	api := newVerboseAPI(flags.Default())

	src := debugSource()
	src.IsDebugReporting = false
	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), SourceReport{
		Type:   model.DebugTypeSourceSuccess,
		Source: src,
	}))

	reports, err := s.DAO().ListDebugReports(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestVerboseSourceReportRequiresPermission(t *testing.T) {
	s := newTestStore(t)
	api := newVerboseAPI(flags.Default())

	// App surface without ad-id permission.
	src := debugSource()
	src.AdIDPermission = false
	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), SourceReport{
		Type:   model.DebugTypeSourceSuccess,
		Source: src,
	}))

	// Web surface checks ar-debug instead, which this source carries.
	webSrc := debugSource()
	webSrc.AdIDPermission = false
	webSrc.ArDebugPermission = true
	webSrc.PublisherType = model.SurfaceTypeWeb
	webSrc.Publisher = "https://publisher.example.com"
	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), SourceReport{
		Type:   model.DebugTypeSourceSuccess,
		Source: webSrc,
	}))

	reports, err := s.DAO().ListDebugReports(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, model.DebugTypeSourceSuccess, reports[0].Type)
}

func TestVerboseSourceReportGatedByFlags(t *testing.T) {
	s := newTestStore(t)
	f := flags.Default()
	f.EnableSourceDebugReports = false
	api := newVerboseAPI(f)

	require.NoError(t, api.ScheduleSourceReport(context.Background(), s.DAO(), SourceReport{
		Type:   model.DebugTypeSourceSuccess,
		Source: debugSource(),
	}))

	reports, err := s.DAO().ListDebugReports(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestVerboseTriggerReportBody(t *testing.T) {
	s := newTestStore(t)
	api := newVerboseAPI(flags.Default())

	key := uint64(444)
	trigger := &model.Trigger{
		ID:                     "trg-1",
		AttributionDestination: "android-app://com.example.store",
		DestinationType:        model.SurfaceTypeApp,
		EnrollmentID:           "enrollment-1",
		RegistrationOrigin:     "https://ads.example.com",
		Registrant:             "android-app://com.example.store",
		DebugKey:               &key,
		AdIDPermission:         true,
		IsDebugReporting:       true,
	}
	require.NoError(t, api.ScheduleTriggerReport(context.Background(), s.DAO(),
		model.DebugTypeTriggerNoMatchingSource, trigger))

	reports, err := s.DAO().ListDebugReports(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, model.DebugTypeTriggerNoMatchingSource, reports[0].Type)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"))
	g.Assert(t, "trigger_no_matching_source_body", []byte(reports[0].Body))
}

func TestVerboseHeaderErrorReport(t *testing.T) {
	s := newTestStore(t)
	api := newVerboseAPI(flags.Default())

	reg := &model.AsyncRegistration{
		ID:              "reg-1",
		RegistrationURI: "https://ads.example.com/register",
		Registrant:      "android-app://com.example.caller",
		TopOrigin:       "android-app://com.example.caller",
		Type:            model.RegistrationTypeAppSource,
	}
	require.NoError(t, api.ScheduleHeaderErrorReport(context.Background(), s.DAO(),
		reg, "enrollment-1", "Attribution-Reporting-Register-Source", "{not json"))

	reports, err := s.DAO().ListDebugReports(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, model.DebugTypeHeaderParsingError, reports[0].Type)
	assert.Equal(t, "https://ads.example.com", reports[0].RegistrationOrigin)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"))
	g.Assert(t, "header_parsing_error_body", []byte(reports[0].Body))
}
