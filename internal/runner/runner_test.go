package runner

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/attribution/internal/fetcher"
	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/noise"
	"github.com/roach88/attribution/internal/store"
	"github.com/roach88/attribution/internal/testutil"
)

type staticEnrollment struct{ id string }

func (e staticEnrollment) Resolve(string) (string, bool) { return e.id, e.id != "" }

type stubRand struct {
	float float64
	index int64
}

func (r *stubRand) Float64() float64     { return r.float }
func (r *stubRand) Int63n(n int64) int64 { return r.index % n }

var truthfulRand = &stubRand{float: 1}

func newTestRunner(t *testing.T, st *store.Store, f *flags.Flags, handler http.Handler, rnd noise.Rand) (*Runner, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	client := fetcher.NewClientWithHTTP(srv.Client())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewClock(fixedNow).Now
	enrollment := staticEnrollment{id: "enrollment-a"}

	r := New(Config{
		Store:          st,
		Flags:          f,
		SourceFetcher:  fetcher.NewSourceFetcher(client, f, enrollment, logger, clock),
		TriggerFetcher: fetcher.NewTriggerFetcher(client, f, enrollment, logger, clock),
		Noise:          noise.NewHandler(f.PrivacyEpsilon, rnd),
		Logger:         logger,
		Clock:          clock,
	})
	return r, srv
}

func queuedSourceRegistration(uri string) *model.AsyncRegistration {
	return &model.AsyncRegistration{
		ID:               uuid.NewString(),
		RegistrationURI:  uri,
		Registrant:       "android-app://com.example.publisher",
		TopOrigin:        "android-app://com.example.publisher",
		Type:             model.RegistrationTypeAppSource,
		SourceType:       model.SourceTypeEvent,
		RequestTime:      fixedNow.UnixMilli(),
		RedirectBehavior: model.RedirectBehaviorAsIs,
		AdIDPermission:   true,
		RegistrationID:   uuid.NewString(),
	}
}

func queuedTriggerRegistration(uri string) *model.AsyncRegistration {
	reg := queuedSourceRegistration(uri)
	reg.Type = model.RegistrationTypeAppTrigger
	reg.SourceType = ""
	return reg
}

const validSourceHeader = `{"source_event_id":"123","destination":"android-app://com.example.store"}`

func sourceHeaderHandler(header string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Attribution-Reporting-Register-Source", header)
	})
}

func TestRunInsertsSourceAndDrainsQueue(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	r, srv := newTestRunner(t, st, f, sourceHeaderHandler(validSourceHeader), truthfulRand)
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/register")))

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccessAllRecordsProcessed, result)

	ids, err := st.DAO().ListSourceIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	source, err := st.DAO().GetSource(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(123), source.EventID)
	assert.Equal(t, []string{"android-app://com.example.store"}, source.AppDestinations)
	assert.Equal(t, model.AttributionModeTruthfully, source.AttributionMode)

	pending, err := st.DAO().CountPendingRegistrations(ctx, f.RegistrationRetryLimit)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRunRetryableFailureKeepsRecord(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	r, srv := newTestRunner(t, st, f, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}), truthfulRand)
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/register")))

	result, err := r.Run(ctx)
	require.NoError(t, err)
	// The failing origin is excluded for the rest of the pass, so the run
	// reports a drained queue even though the record survived.
	assert.Equal(t, ResultSuccessAllRecordsProcessed, result)

	reg, err := st.DAO().FetchNextQueuedRegistration(ctx, f.RegistrationRetryLimit, nil)
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, int64(1), reg.RetryCount)
}

func TestRunStorageErrorKeepsRecordForRetry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "attribution.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := flags.Default()
	r, srv := newTestRunner(t, st, f, sourceHeaderHandler(validSourceHeader), truthfulRand)
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/register")))

	// Break persistence out from under the runner: the fetch succeeds but the
	// transaction inserting the source cannot commit.
	raw, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = raw.Exec("DROP TABLE source")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccessAllRecordsProcessed, result)

	// The record survives the storage error with its retry count bumped.
	reg, err := st.DAO().FetchNextQueuedRegistration(ctx, f.RegistrationRetryLimit, nil)
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, int64(1), reg.RetryCount)
}

func TestRunTerminalFailureDropsRecord(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	r, _ := newTestRunner(t, st, f, sourceHeaderHandler(validSourceHeader), truthfulRand)
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration("http://insecure.example/register")))

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccessAllRecordsProcessed, result)

	pending, err := st.DAO().CountPendingRegistrations(ctx, f.RegistrationRetryLimit)
	require.NoError(t, err)
	assert.Zero(t, pending)

	ids, err := st.DAO().ListSourceIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRunRedirectChainBoundedByBudget(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	f.MaxRegistrationRedirects = 3

	var baseURL string
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Attribution-Reporting-Register-Source", validSourceHeader)
		w.Header().Set("Attribution-Reporting-Redirect", baseURL+"/next")
	})
	r, srv := newTestRunner(t, st, f, handler, truthfulRand)
	baseURL = srv.URL
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/register")))

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccessAllRecordsProcessed, result)

	// The chain stops minting follow-ups once the durable budget is spent:
	// the initial registration consumes the first slot.
	ids, err := st.DAO().ListSourceIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestRunRedirectOnlyResponse(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()

	var baseURL string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/first" {
			w.Header().Set("Attribution-Reporting-Redirect", baseURL+"/next")
			return
		}
		w.Header().Set("Attribution-Reporting-Register-Source", validSourceHeader)
	})
	r, srv := newTestRunner(t, st, f, handler, truthfulRand)
	baseURL = srv.URL
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/first")))

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccessAllRecordsProcessed, result)

	ids, err := st.DAO().ListSourceIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestRunHeaderParsingErrorDebugReport(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	r, srv := newTestRunner(t, st, f, sourceHeaderHandler("{not json"), truthfulRand)
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/register")))

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccessAllRecordsProcessed, result)

	ids, err := st.DAO().ListSourceIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	requireDebugReportTypes(t, st.DAO(), model.DebugTypeHeaderParsingError)

	pending, err := st.DAO().CountPendingRegistrations(ctx, f.RegistrationRetryLimit)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRunInsertsTrigger(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Attribution-Reporting-Register-Trigger",
			`{"event_trigger_data":[{"trigger_data":"1","priority":"10"}]}`)
	})
	r, srv := newTestRunner(t, st, f, handler, truthfulRand)
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedTriggerRegistration(srv.URL+"/register")))

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccessAllRecordsProcessed, result)

	count, err := st.DAO().NumTriggersPerDestination(ctx, "android-app://com.example.publisher", model.SurfaceTypeApp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRunContextCancelled(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	r, srv := newTestRunner(t, st, f, sourceHeaderHandler(validSourceHeader), truthfulRand)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/register")))
	cancel()

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultThreadInterrupted, result)

	pending, err := st.DAO().CountPendingRegistrations(context.Background(), f.RegistrationRetryLimit)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestRunReportsPendingRecords(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	f.RecordServiceLimit = 1
	r, srv := newTestRunner(t, st, f, sourceHeaderHandler(validSourceHeader), truthfulRand)
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/a")))
	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/b")))

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccessWithPendingRecords, result)
}

func TestRunNeverModeSource(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	r, srv := newTestRunner(t, st, f, sourceHeaderHandler(validSourceHeader), &stubRand{float: 0, index: 0})
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/register")))

	_, err := r.Run(ctx)
	require.NoError(t, err)

	ids, err := st.DAO().ListSourceIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	source, err := st.DAO().GetSource(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.AttributionModeNever, source.AttributionMode)

	reports, err := st.DAO().ListEventReportsForSource(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, reports)

	attributions, err := st.DAO().ListAttributionsForSource(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, attributions, 1)
	assert.Equal(t, model.FakeReportID, attributions[0].ReportID)
}

func TestRunFalselyModeSourceGeneratesFakeReports(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	r, srv := newTestRunner(t, st, f, sourceHeaderHandler(validSourceHeader), &stubRand{float: 0, index: 1})
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/register")))

	_, err := r.Run(ctx)
	require.NoError(t, err)

	ids, err := st.DAO().ListSourceIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	source, err := st.DAO().GetSource(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.AttributionModeFalsely, source.AttributionMode)

	reports, err := st.DAO().ListEventReportsForSource(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].IsFake)
	assert.Equal(t, source.EventReportWindow, reports[0].ReportTime)
	assert.Equal(t, source.EventID, reports[0].SourceEventID)

	attributions, err := st.DAO().ListAttributionsForSource(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, attributions, 1)
	assert.Equal(t, model.FakeReportID, attributions[0].ReportID)
}

func TestRunPreinstalledDestinationDropsSource(t *testing.T) {
	st := newTestStore(t)
	f := flags.Default()
	f.EnablePreinstallCheck = true

	handler := sourceHeaderHandler(
		`{"source_event_id":"123","destination":"android-app://com.example.store","drop_source_if_installed":true}`)
	r, srv := newTestRunner(t, st, f, handler, truthfulRand)
	r.installed = installedSet{"android-app://com.example.store": struct{}{}}
	ctx := context.Background()

	require.NoError(t, st.DAO().InsertAsyncRegistration(ctx, queuedSourceRegistration(srv.URL+"/register")))

	_, err := r.Run(ctx)
	require.NoError(t, err)

	ids, err := st.DAO().ListSourceIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	source, err := st.DAO().GetSource(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusMarkedToDelete, source.Status)
}

type installedSet map[string]struct{}

func (s installedSet) IsInstalled(uri string) bool {
	_, ok := s[uri]
	return ok
}
