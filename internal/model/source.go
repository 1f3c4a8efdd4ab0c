package model

// SourceStatus is the lifecycle state of a persisted source.
type SourceStatus int

const (
	// SourceStatusActive sources are eligible for attribution.
	SourceStatusActive SourceStatus = iota
	// SourceStatusIgnored sources lost a destination eviction but keep their
	// rate-limit footprint.
	SourceStatusIgnored
	// SourceStatusMarkedToDelete sources await the expiry sweep; they no
	// longer count toward publisher caps.
	SourceStatusMarkedToDelete
)

// AttributionMode records the noise decision taken at registration time.
type AttributionMode int

const (
	// AttributionModeUnassigned means the noise policy has not run yet.
	AttributionModeUnassigned AttributionMode = iota
	// AttributionModeTruthfully means real attribution proceeds normally.
	AttributionModeTruthfully
	// AttributionModeNever means the source will never produce real reports.
	AttributionModeNever
	// AttributionModeFalsely means fake reports were generated instead.
	AttributionModeFalsely
)

// DestinationLimitAlgorithm selects the eviction policy applied when a new
// source would exceed the distinct-destination cap.
type DestinationLimitAlgorithm int

const (
	// DestinationLimitAlgorithmLIFO rejects the incoming source.
	DestinationLimitAlgorithmLIFO DestinationLimitAlgorithm = iota
	// DestinationLimitAlgorithmFIFO evicts the lowest-priority existing
	// destination group to make room.
	DestinationLimitAlgorithmFIFO
)

// Source is a durable attribution source record.
//
// JSON-typed fields (FilterData, AggregationKeys, EventTriggerSpecs,
// EventReportWindows, AggregateDebugReporting) hold canonicalized JSON text
// that already passed header validation; they are stored verbatim.
type Source struct {
	ID                            string
	EventID                       uint64
	Publisher                     string
	PublisherType                 SurfaceType
	AppDestinations               []string
	WebDestinations               []string
	EnrollmentID                  string
	RegistrationOrigin            string
	Registrant                    string
	RegistrationID                string
	SourceType                    SourceType
	Priority                      int64
	EventTime                     int64
	ExpiryTime                    int64
	EventReportWindow             int64 // 0 when event_report_windows supplies the schedule
	EventReportWindows            string
	AggregatableReportWindow      int64
	InstallAttributionWindow      int64
	InstallCooldownWindow         int64
	FilterData                    string
	AggregationKeys               string
	TriggerSpecs                  string
	MaxEventLevelReports          int
	CoarseEventReportDestinations bool
	Status                        SourceStatus
	AttributionMode               AttributionMode
	DestinationLimitPriority      int64
	DestinationLimitAlgorithm     DestinationLimitAlgorithm
	DropSourceIfInstalled         bool

	DebugKey          *uint64
	SharedDebugKey    *uint64
	DebugJoinKey      string
	DebugAdID         string
	AdIDPermission    bool
	ArDebugPermission bool
	IsDebugReporting  bool

	AggregateDebugReporting           string
	AggregateDebugReportContributions int
}

// Validate checks the construction invariants that do not depend on
// configuration: at least one destination must be set.
func (s *Source) Validate() error {
	if len(s.AppDestinations) == 0 && len(s.WebDestinations) == 0 {
		return NewValidationError("destination", "source requires at least one app or web destination")
	}
	return nil
}

// AllDestinations returns app then web destinations in one slice.
func (s *Source) AllDestinations() []string {
	out := make([]string, 0, len(s.AppDestinations)+len(s.WebDestinations))
	out = append(out, s.AppDestinations...)
	out = append(out, s.WebDestinations...)
	return out
}

// DestinationsForSurface returns the destination list for one surface type.
func (s *Source) DestinationsForSurface(t SurfaceType) []string {
	if t == SurfaceTypeApp {
		return s.AppDestinations
	}
	return s.WebDestinations
}

// DebugKeyForNoisedReport returns the debug key when the caller's debug
// permissions allow attaching it to a fake report, else nil.
func (s *Source) DebugKeyForNoisedReport() *uint64 {
	if (s.PublisherType == SurfaceTypeApp && s.AdIDPermission) ||
		(s.PublisherType == SurfaceTypeWeb && s.ArDebugPermission) {
		return s.DebugKey
	}
	return nil
}

// FakeReport is a synthetically generated event report configuration
// produced by the noise policy. Reports built from it are indistinguishable
// from real ones downstream.
type FakeReport struct {
	TriggerData   uint64
	ReportingTime int64
	Destinations  []string
}
