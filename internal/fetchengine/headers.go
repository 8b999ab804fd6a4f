package fetchengine

import (
	"net/http"
	"strings"
)

// HeaderPolicy controls the stable header set applied to every request,
// per §4.5 step 4: "a stable browser-like User-Agent, Accept,
// Accept-Language, Accept-Encoding, correlation and request IDs, caller
// overrides last."
type HeaderPolicy struct {
	Product       string
	Version       string
	ContactURL    string
	AcceptLang    string
	SiteReferers  map[string]string // hostKey -> Referer, for well-known host categories
}

// UserAgent renders the §6 surface form: "{product}/{version} (+{contact-url})".
func (p HeaderPolicy) UserAgent() string {
	if p.Product == "" {
		p.Product = "politefetch"
	}
	if p.Version == "" {
		p.Version = "1.0"
	}
	ua := p.Product + "/" + p.Version
	if p.ContactURL != "" {
		ua += " (+" + p.ContactURL + ")"
	}
	return ua
}

// Apply sets the base headers on req, then lets the caller's own headers
// (already present on req) win over anything set here.
func (p HeaderPolicy) Apply(req *http.Request, hostKey, correlationID, requestID string) {
	base := http.Header{
		"User-Agent":      []string{p.UserAgent()},
		"Accept":          []string{"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		"Accept-Language": []string{orDefault(p.AcceptLang, "en-US,en;q=0.9")},
		"Accept-Encoding": []string{"gzip, deflate, br"},
		"X-Correlation-Id": []string{correlationID},
		"X-Request-Id":    []string{requestID},
	}
	if ref, ok := p.SiteReferers[hostKey]; ok {
		base.Set("Referer", ref)
	}
	for k, vs := range base {
		if req.Header.Get(k) == "" {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
