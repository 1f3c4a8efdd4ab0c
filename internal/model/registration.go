package model

// RegistrationType distinguishes the four intake surfaces for a queued
// registration.
type RegistrationType int

const (
	// RegistrationTypeAppSource is a source registered from an app context.
	RegistrationTypeAppSource RegistrationType = iota + 1
	// RegistrationTypeAppTrigger is a trigger registered from an app context.
	RegistrationTypeAppTrigger
	// RegistrationTypeWebSource is a source registered from a web context.
	RegistrationTypeWebSource
	// RegistrationTypeWebTrigger is a trigger registered from a web context.
	RegistrationTypeWebTrigger
)

// String returns the storage name of the registration type.
func (t RegistrationType) String() string {
	switch t {
	case RegistrationTypeAppSource:
		return "APP_SOURCE"
	case RegistrationTypeAppTrigger:
		return "APP_TRIGGER"
	case RegistrationTypeWebSource:
		return "WEB_SOURCE"
	case RegistrationTypeWebTrigger:
		return "WEB_TRIGGER"
	default:
		return "UNKNOWN"
	}
}

// SourceType classifies how the ad exposure happened. Navigation (click)
// sources get more reporting windows and trigger-data cardinality than
// event (view) sources.
type SourceType string

const (
	// SourceTypeEvent is a view-through source.
	SourceTypeEvent SourceType = "event"
	// SourceTypeNavigation is a click-through source.
	SourceTypeNavigation SourceType = "navigation"
)

// SurfaceType identifies whether a publisher or destination is an app or a
// web site. The two surfaces are counted separately by every rate limit.
type SurfaceType int

const (
	// SurfaceTypeApp marks an android-app:// surface.
	SurfaceTypeApp SurfaceType = iota + 1
	// SurfaceTypeWeb marks an https:// surface.
	SurfaceTypeWeb
)

// RedirectBehavior controls how a redirect URI inherits the original
// registration context.
type RedirectBehavior string

const (
	// RedirectBehaviorAsIs processes the redirect URI exactly as received.
	RedirectBehaviorAsIs RedirectBehavior = "AS_IS"
	// RedirectBehaviorLocationToWellKnown rewrites a Location redirect to the
	// well-known path for cross-app-and-web attribution.
	RedirectBehaviorLocationToWellKnown RedirectBehavior = "LOCATION_TO_WELL_KNOWN"
)

// AsyncRegistration is one pending unit of registration work. Rows live in
// the queue table from intake (or redirect discovery) until terminal success
// or exhausted retries.
type AsyncRegistration struct {
	ID                  string
	RegistrationURI     string
	Registrant          string
	TopOrigin           string
	Type                RegistrationType
	SourceType          SourceType // only meaningful for source requests
	OSDestination       string     // optional, web registrations only
	WebDestination      string     // optional, web registrations only
	VerifiedDestination string     // optional
	RequestTime         int64
	RetryCount          int64
	RedirectBehavior    RedirectBehavior
	AdIDPermission      bool
	DebugKeyAllowed     bool
	// RegistrationID correlates every registration in one redirect chain.
	RegistrationID string
}

// IsSourceRequest reports whether the registration expects a source header.
func (r *AsyncRegistration) IsSourceRequest() bool {
	return r.Type == RegistrationTypeAppSource || r.Type == RegistrationTypeWebSource
}

// IsWebRequest reports whether the registration came from a web context.
func (r *AsyncRegistration) IsWebRequest() bool {
	return r.Type == RegistrationTypeWebSource || r.Type == RegistrationTypeWebTrigger
}

// ShouldProcessRedirects reports whether redirect headers on the response
// should spawn follow-up registrations. App registrations follow redirects;
// web registrations carry their own chain semantics and do not.
func (r *AsyncRegistration) ShouldProcessRedirects() bool {
	return r.Type == RegistrationTypeAppSource || r.Type == RegistrationTypeAppTrigger
}

// SurfaceType returns the publisher surface implied by the registration type.
func (r *AsyncRegistration) SurfaceType() SurfaceType {
	if r.IsWebRequest() {
		return SurfaceTypeWeb
	}
	return SurfaceTypeApp
}
