package model

// EventReportStatus is the delivery state of an event report.
type EventReportStatus int

const (
	// EventReportStatusPending reports await delivery.
	EventReportStatusPending EventReportStatus = iota
	// EventReportStatusDelivered reports were sent successfully.
	EventReportStatusDelivered
	// EventReportStatusMarkedToDelete reports await the expiry sweep.
	EventReportStatusMarkedToDelete
)

// EventReport is an event-level attribution report, real or fake.
type EventReport struct {
	ID                      string
	SourceID                string
	SourceEventID           uint64
	EnrollmentID            string
	AttributionDestinations []string
	ReportTime              int64
	TriggerData             uint64
	TriggerTime             int64
	TriggerPriority         int64
	TriggerDedupKey         *uint64
	SourceType              SourceType
	Status                  EventReportStatus
	RandomizedTriggerRate   float64
	RegistrationOrigin      string
	SourceDebugKey          *uint64
	TriggerDebugKey         *uint64
	IsFake                  bool
}

// AggregateReportStatus is the delivery state of an aggregate report.
type AggregateReportStatus int

const (
	// AggregateReportStatusPending reports await delivery.
	AggregateReportStatusPending AggregateReportStatus = iota
	// AggregateReportStatusDelivered reports were sent successfully.
	AggregateReportStatusDelivered
	// AggregateReportStatusMarkedToDelete reports must not be delivered on
	// the regular aggregate path (used by aggregate debug reports).
	AggregateReportStatusMarkedToDelete
)

// DebugReportStatus is the delivery state of the debug flavor of an
// aggregate report.
type DebugReportStatus int

const (
	// DebugReportStatusNone means the report has no debug flavor.
	DebugReportStatusNone DebugReportStatus = iota
	// DebugReportStatusPending means the debug flavor awaits delivery.
	DebugReportStatusPending
	// DebugReportStatusDelivered means the debug flavor was sent.
	DebugReportStatusDelivered
)

// AggregateDebugReportAPI tags aggregate reports produced by the debug
// reporting path so delivery jobs can tell them apart from regular ones.
const AggregateDebugReportAPI = "attribution-reporting-debug"

// AggregateReport is an aggregatable attribution report. The cleartext
// payload is an opaque serialized histogram; encryption happens at delivery.
type AggregateReport struct {
	ID                           string
	Publisher                    string
	AttributionDestination       string
	SourceRegistrationTime       *int64
	ScheduledReportTime          int64
	EnrollmentID                 string
	DebugCleartextPayload        string
	SourceID                     string
	TriggerID                    string
	Status                       AggregateReportStatus
	DebugReportStatus            DebugReportStatus
	APIVersion                   string
	API                          string
	RegistrationOrigin           string
	AggregationCoordinatorOrigin string
	IsFakeReport                 bool
	TriggerContextID             string
}

// DebugReport is a verbose debug report payload awaiting delivery to the
// ad-tech's well-known endpoint.
type DebugReport struct {
	ID                 string
	Type               string
	Body               string
	EnrollmentID       string
	RegistrationOrigin string
	Registrant         string
	InsertionTime      int64
}

// AttributionScope distinguishes which rate-limit ledger an Attribution row
// counts against.
type AttributionScope int

const (
	// AttributionScopeEvent rows count against event-level rate limits.
	AttributionScopeEvent AttributionScope = iota
	// AttributionScopeAggregate rows count against aggregate rate limits.
	AttributionScopeAggregate
)

// Attribution is a rate-limit ledger row. Fake-report attributions carry a
// sentinel report id so real attribution flows can exclude them.
type Attribution struct {
	ID                 string
	Scope              AttributionScope
	SourceSite         string
	SourceOrigin       string
	DestinationSite    string
	DestinationOrigin  string
	EnrollmentID       string
	TriggerTime        int64
	Registrant         string
	SourceID           string
	TriggerID          string
	RegistrationOrigin string
	ReportID           string
}

// FakeReportID is the sentinel report id marking an Attribution row created
// for a fake report rather than a real attribution.
const FakeReportID = "fake-report-id"

// AggregateDebugReportRecord is a budget-ledger row recording the
// contribution value an aggregate debug report consumed.
type AggregateDebugReportRecord struct {
	ReportGenerationTime int64
	TopLevelSite         string
	TopLevelSiteType     SurfaceType
	RegistrantApp        string
	ReportingOrigin      string
	ContributionValue    int
	SourceID             string
	TriggerID            string
}
