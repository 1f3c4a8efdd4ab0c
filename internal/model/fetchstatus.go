package model

// ResponseStatus classifies the transport outcome of one fetch attempt.
type ResponseStatus int

const (
	// ResponseStatusUnknown is the zero value before any attempt.
	ResponseStatusUnknown ResponseStatus = iota
	// ResponseStatusSuccess covers 2xx and redirect-eligible 3xx responses.
	ResponseStatusSuccess
	// ResponseStatusServerUnavailable covers any other HTTP status.
	ResponseStatusServerUnavailable
	// ResponseStatusNetworkError covers I/O failures before a status arrived.
	ResponseStatusNetworkError
	// ResponseStatusParsingError covers malformed transport-level data.
	ResponseStatusParsingError
	// ResponseStatusInvalidURL covers non-https or unparseable registration URIs.
	ResponseStatusInvalidURL
	// ResponseStatusInvalidEnrollment covers unresolvable enrollment ids.
	ResponseStatusInvalidEnrollment
	// ResponseStatusHeaderSizeLimitExceeded covers oversized response headers.
	ResponseStatusHeaderSizeLimitExceeded
)

// String returns the metrics name of the response status.
func (s ResponseStatus) String() string {
	switch s {
	case ResponseStatusSuccess:
		return "SUCCESS"
	case ResponseStatusServerUnavailable:
		return "SERVER_UNAVAILABLE"
	case ResponseStatusNetworkError:
		return "NETWORK_ERROR"
	case ResponseStatusParsingError:
		return "PARSING_ERROR"
	case ResponseStatusInvalidURL:
		return "INVALID_URL"
	case ResponseStatusInvalidEnrollment:
		return "INVALID_ENROLLMENT"
	case ResponseStatusHeaderSizeLimitExceeded:
		return "HEADER_SIZE_LIMIT_EXCEEDED"
	default:
		return "UNKNOWN"
	}
}

// EntityStatus classifies the payload outcome of one fetch attempt.
type EntityStatus int

const (
	// EntityStatusUnknown is the zero value before parsing.
	EntityStatusUnknown EntityStatus = iota
	// EntityStatusSuccess means a valid source/trigger was produced.
	EntityStatusSuccess
	// EntityStatusHeaderError means the registration header was duplicated.
	EntityStatusHeaderError
	// EntityStatusHeaderMissing means no registration header was present.
	EntityStatusHeaderMissing
	// EntityStatusValidationError means a structural or numeric constraint failed.
	EntityStatusValidationError
	// EntityStatusParsingError means the header was not valid JSON.
	EntityStatusParsingError
	// EntityStatusInvalidEnrollment means the enrollment lookup failed.
	EntityStatusInvalidEnrollment
	// EntityStatusStorageError means the persistence transaction failed.
	EntityStatusStorageError
)

// String returns the metrics name of the entity status.
func (s EntityStatus) String() string {
	switch s {
	case EntityStatusSuccess:
		return "SUCCESS"
	case EntityStatusHeaderError:
		return "HEADER_ERROR"
	case EntityStatusHeaderMissing:
		return "HEADER_MISSING"
	case EntityStatusValidationError:
		return "VALIDATION_ERROR"
	case EntityStatusParsingError:
		return "PARSING_ERROR"
	case EntityStatusInvalidEnrollment:
		return "INVALID_ENROLLMENT"
	case EntityStatusStorageError:
		return "STORAGE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// AsyncFetchStatus is the transient per-attempt result consumed for metrics
// and retry decisions within one processing pass. It is never persisted.
type AsyncFetchStatus struct {
	ResponseStatus    ResponseStatus
	EntityStatus      EntityStatus
	ResponseSize      int64
	RegistrationDelay int64
	RetryCount        int
	RedirectOnly      bool
	RedirectError     bool

	// FailedHeaderName and FailedHeaderValue carry the offending header
	// verbatim when EntityStatus is a parsing or validation error, so the
	// processor can emit a header-parsing-error debug report.
	FailedHeaderName  string
	FailedHeaderValue string
}

// IsRequestSuccess reports whether the transport attempt reached a usable
// response.
func (s *AsyncFetchStatus) IsRequestSuccess() bool {
	return s.ResponseStatus == ResponseStatusSuccess
}

// CanRetry reports whether the failure is a transient network-class error.
// Payload and enrollment failures are terminal.
func (s *AsyncFetchStatus) CanRetry() bool {
	return s.ResponseStatus == ResponseStatusNetworkError ||
		s.ResponseStatus == ResponseStatusServerUnavailable
}

// RedirectType distinguishes the two redirect header styles.
type RedirectType int

const (
	// RedirectTypeList is the Attribution-Reporting-Redirect list header.
	RedirectTypeList RedirectType = iota + 1
	// RedirectTypeLocation is the HTTP Location header.
	RedirectTypeLocation
)

// Redirect is one discovered follow-up registration URI.
type Redirect struct {
	URI      string
	Type     RedirectType
	Behavior RedirectBehavior
}

// AsyncRedirects accumulates the redirects discovered while processing a
// single response. The list and location styles are collected independently;
// each is bounded by configuration before it gets here.
type AsyncRedirects struct {
	Redirects []Redirect
}

// Add appends a redirect.
func (a *AsyncRedirects) Add(r Redirect) {
	a.Redirects = append(a.Redirects, r)
}

// Empty reports whether no redirects were collected.
func (a *AsyncRedirects) Empty() bool {
	return len(a.Redirects) == 0
}
