// Package web computes sites and origins from registration URIs.
//
// A "site" is scheme plus eTLD+1 and is the unit most rate limits count
// against. An "origin" is scheme plus host plus port. App surfaces use
// android-app:// URIs where the host is the package name and the site and
// origin coincide.
package web

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// AndroidAppScheme is the scheme of app destinations and app publishers.
const AndroidAppScheme = "android-app"

// TopPrivateDomainAndScheme reduces a URI to its site: scheme plus eTLD+1.
// android-app URIs are returned as scheme plus package. Hosts with no
// registrable domain (IPs, bare TLDs) are rejected.
func TopPrivateDomainAndScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("uri %q has no scheme or host", raw)
	}
	if u.Scheme == AndroidAppScheme {
		return AndroidAppScheme + "://" + u.Hostname(), nil
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(u.Hostname()))
	if err != nil {
		return "", fmt.Errorf("no registrable domain for %q: %w", raw, err)
	}
	return u.Scheme + "://" + domain, nil
}

// OriginAndScheme reduces a URI to its origin: scheme plus host plus port.
func OriginAndScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("uri %q has no scheme or host", raw)
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}

// BaseURI strips a URI down to scheme plus host, dropping path, query and
// fragment. Used to key the failed-origin set during a queue run.
func BaseURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("uri %q has no scheme or host", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// IsWebURI reports whether the URI uses an http scheme.
func IsWebURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "http"
}

// IsAppURI reports whether the URI is an android-app URI.
func IsAppURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == AndroidAppScheme
}

// ValidateRegistrationURI checks that a reporting endpoint is a well-formed
// https URI. Registration always goes over TLS.
func ValidateRegistrationURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse uri %q: %w", raw, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("registration uri %q must use https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("registration uri %q has no host", raw)
	}
	return nil
}
