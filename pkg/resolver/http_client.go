package resolver

import (
	"net/http"
	"time"
)

// NewHTTPClient builds an HTTP client whose hostname resolution goes
// through this resolver. The blocklist loader uses it for list downloads.
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	if r.upstream == "" {
		return &http.Client{Timeout: timeout}
	}

	transport := &http.Transport{
		DialContext:           r.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
