package fetcher

import (
	"net/http"
	"net/url"

	"github.com/roach88/attribution/internal/model"
)

// wellKnownPath is where a Location-style redirect is rewritten to when the
// registration asked for well-known redirect behavior.
const wellKnownPath = "/.well-known/attribution-reporting/register-redirect"

const wellKnownQueryParam = "302_url"

// ParseRedirects collects both redirect styles from a response. The list
// header may carry several URIs across repeated header values; the Location
// header carries at most one, and the first occurrence is authoritative.
// Each style is independently truncated to maxRedirects entries.
func ParseRedirects(h http.Header, behavior model.RedirectBehavior, maxRedirects int) *model.AsyncRedirects {
	redirects := &model.AsyncRedirects{}

	list := h.Values(headerRedirectList)
	for _, uri := range list {
		if len(redirects.Redirects) >= maxRedirects {
			break
		}
		if uri == "" {
			continue
		}
		redirects.Add(model.Redirect{
			URI:      uri,
			Type:     model.RedirectTypeList,
			Behavior: model.RedirectBehaviorAsIs,
		})
	}

	if location := h.Get(headerLocation); location != "" {
		uri := location
		if behavior == model.RedirectBehaviorLocationToWellKnown {
			uri = rewriteToWellKnown(location)
		}
		redirects.Add(model.Redirect{
			URI:      uri,
			Type:     model.RedirectTypeLocation,
			Behavior: behavior,
		})
	}

	return redirects
}

// rewriteToWellKnown moves a Location redirect onto the well-known
// registration path of its own origin, carrying the original URI in a query
// parameter. Unparseable locations pass through untouched and fail URI
// validation later.
func rewriteToWellKnown(location string) string {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return location
	}
	q := url.Values{}
	q.Set(wellKnownQueryParam, location)
	rewritten := url.URL{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     wellKnownPath,
		RawQuery: q.Encode(),
	}
	return rewritten.String()
}
