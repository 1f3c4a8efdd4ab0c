package fetcher

import (
	"github.com/roach88/attribution/internal/web"
)

// EnrollmentResolver maps a registration URI to the enrollment id of the
// ad-tech operating it. Registrations from origins with no enrollment are
// dropped without retry.
type EnrollmentResolver interface {
	Resolve(registrationURI string) (enrollmentID string, ok bool)
}

// SiteEnrollmentResolver resolves enrollment by the reporting site
// (scheme + eTLD+1) of the registration URI against a static table.
type SiteEnrollmentResolver struct {
	bySite map[string]string
}

// NewSiteEnrollmentResolver builds a resolver from site → enrollment id.
func NewSiteEnrollmentResolver(bySite map[string]string) *SiteEnrollmentResolver {
	return &SiteEnrollmentResolver{bySite: bySite}
}

// Resolve implements EnrollmentResolver.
func (r *SiteEnrollmentResolver) Resolve(registrationURI string) (string, bool) {
	site, err := web.TopPrivateDomainAndScheme(registrationURI)
	if err != nil {
		return "", false
	}
	id, ok := r.bySite[site]
	return id, ok
}

// PassthroughEnrollmentResolver treats the reporting site itself as the
// enrollment id. Useful for tests and single-tenant deployments.
type PassthroughEnrollmentResolver struct{}

// Resolve implements EnrollmentResolver.
func (PassthroughEnrollmentResolver) Resolve(registrationURI string) (string, bool) {
	site, err := web.TopPrivateDomainAndScheme(registrationURI)
	if err != nil {
		return "", false
	}
	return site, true
}
