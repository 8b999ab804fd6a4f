// Package hostkey derives the canonical per-host key used to index every
// piece of shared, process-wide state: token buckets, circuit records,
// and profile lookups.
package hostkey

import (
	"net/url"
	"strings"
)

// Of returns the lower-cased "host:port" for u, per §3's Host key
// definition. The port is included when explicit (u.Host already carries
// it); no default port is synthesized, so "example.com" and
// "example.com:443" remain distinct keys, matching how profiles are
// authored (operators key HOST_LIMITS the same way).
func Of(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Bare strips a leading "www." from a host key, used by profile lookup's
// second-chance match (§4.2: "exact host, then bare-host without www.").
func Bare(hostKey string) string {
	return strings.TrimPrefix(hostKey, "www.")
}
