package model

// TriggerStatus is the lifecycle state of a persisted trigger.
type TriggerStatus int

const (
	// TriggerStatusPending triggers await attribution.
	TriggerStatusPending TriggerStatus = iota
	// TriggerStatusIgnored triggers were rejected during attribution.
	TriggerStatusIgnored
	// TriggerStatusAttributed triggers produced a report.
	TriggerStatusAttributed
	// TriggerStatusMarkedToDelete triggers await the expiry sweep.
	TriggerStatusMarkedToDelete
)

// Trigger is a durable conversion record. The JSON-typed fields hold
// canonicalized JSON text that already passed header validation.
type Trigger struct {
	ID                     string
	AttributionDestination string
	DestinationType        SurfaceType
	EnrollmentID           string
	RegistrationOrigin     string
	Registrant             string
	TriggerTime            int64
	EventTriggers          string
	AggregateTriggerData   string
	AggregateValues        string
	AggregateDedupKeys     string
	Filters                string
	NotFilters             string
	AttributionScopes      []string
	TriggerContextID       string
	Status                 TriggerStatus

	DebugKey          *uint64
	DebugJoinKey      string
	DebugAdID         string
	AdIDPermission    bool
	ArDebugPermission bool
	IsDebugReporting  bool

	AggregationCoordinatorOrigin string
	AggregateDebugReporting      string
}
