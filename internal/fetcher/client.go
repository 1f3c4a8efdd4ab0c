package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/web"
)

// Request headers.
const (
	headerSourceInfo = "Attribution-Reporting-Source-Info"
)

// Response headers.
const (
	headerRegisterSource  = "Attribution-Reporting-Register-Source"
	headerRegisterTrigger = "Attribution-Reporting-Register-Trigger"
	headerRedirectList    = "Attribution-Reporting-Redirect"
	headerLocation        = "Location"
)

// Client performs the outbound registration POST. Automatic redirect
// following is disabled: redirects are payload, not transport, in this
// protocol.
type Client struct {
	http *http.Client
}

// NewClient builds a client with the configured connect and read timeouts.
func NewClient(connectTimeout, readTimeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialerWithTimeout(connectTimeout)
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   readTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// NewClientWithHTTP wraps a caller-supplied HTTP client, overriding its
// redirect policy so redirects surface as responses.
func NewClientWithHTTP(h *http.Client) *Client {
	c := *h
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{http: &c}
}

// Fetch POSTs to the registration URI and classifies the outcome into the
// fetch status. A non-nil response is returned for 2xx and 3xx statuses;
// the caller owns closing its body.
func (c *Client) Fetch(ctx context.Context, reg *model.AsyncRegistration, status *model.AsyncFetchStatus) (*http.Response, error) {
	if err := web.ValidateRegistrationURI(reg.RegistrationURI); err != nil {
		status.ResponseStatus = model.ResponseStatusInvalidURL
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.RegistrationURI, nil)
	if err != nil {
		status.ResponseStatus = model.ResponseStatusInvalidURL
		return nil, fmt.Errorf("build registration request: %w", err)
	}
	if reg.IsSourceRequest() {
		req.Header.Set(headerSourceInfo, string(reg.SourceType))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	status.RegistrationDelay = time.Since(start).Milliseconds()
	if err != nil {
		status.ResponseStatus = model.ResponseStatusNetworkError
		return nil, fmt.Errorf("fetch registration: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		status.ResponseStatus = model.ResponseStatusSuccess
		return resp, nil
	}
	// Any other status, 4xx included, is the server declining to serve the
	// registration right now.
	resp.Body.Close()
	status.ResponseStatus = model.ResponseStatusServerUnavailable
	return nil, fmt.Errorf("fetch registration: server returned %d", resp.StatusCode)
}

func dialerWithTimeout(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return d.DialContext
}

// headerSizeBytes sums the byte length of all response header keys and
// values, the quantity bounded by the header size limit.
func headerSizeBytes(h http.Header) int64 {
	var size int64
	for key, values := range h {
		for _, v := range values {
			size += int64(len(key)) + int64(len(v))
		}
	}
	return size
}
