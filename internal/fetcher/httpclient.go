package fetcher

import (
	"net"
	"net/http"
	"time"
)

// newHTTPClient returns a pooled HTTP client for image downloads. The client
// carries no overall timeout; per-fetch deadlines come from the request
// context so the policy can vary per invocation.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}
