// Package transport defines the network-call capability the fetch engine
// depends on, so tests can substitute an in-memory server instead of
// hitting the network (§9 "A Transport capability is injected").
package transport

import (
	"net"
	"net/http"
	"time"
)

// Transport performs exactly one HTTP round trip with no redirect
// following and no retries — both are layered on top by higher levels
// (engine for redirects, retry scheduler for attempts).
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// New builds the production Transport: a *http.Client configured to never
// follow redirects itself (http.ErrUseLastResponse), so the fetch engine
// can walk the chain manually and record every intermediate status, per
// §4.5 step 5.
func New(connectTimeout, idleTimeout time.Duration, maxConnsPerHost int) Transport {
	dialer := &net.Dialer{Timeout: connectTimeout}
	rt := &http.Transport{
		DialContext:        dialer.DialContext,
		IdleConnTimeout:    idleTimeout,
		MaxConnsPerHost:    maxConnsPerHost,
		DisableCompression: false,
	}
	return &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
