// Package batch implements the batch orchestrator of §4.9: validate and
// deduplicate a URL list, process it through a worker pool sitting atop
// the fetch/retry/canonicalize/paginate layers, and compile a typed
// BatchOutcome with a grouped error report.
package batch

import (
	"net/url"
	"strings"
)

// Item is one validated, normalized input URL, per §3's "Batch item".
type Item struct {
	OriginalURL   string
	NormalizedURL string
	OriginalIndex int
}

// InvalidURL records a validation failure for one input, per §3's
// "Batch outcome.invalidUrls".
type InvalidURL struct {
	OriginalURL   string
	OriginalIndex int
	Reason        string
}

// Duplicate records a later occurrence of an already-seen normalized
// URL, carrying a reference back to the first index it appeared at.
type Duplicate struct {
	OriginalURL         string
	OriginalIndex       int
	FirstOccurrenceIndex int
}

var trackingParamPrefixes = []string{"utm_"}
var trackingParamExact = map[string]bool{
	"gclid": true, "fbclid": true, "msclkid": true, "dclid": true,
	"ref": true, "source": true, "_ga": true, "_gid": true, "_utm": true,
}

// Normalize implements §4.9 Phase 1's normalization: strip the
// fragment and drop tracking query parameters; the remaining query
// parameters are re-encoded sorted by key. Idempotent: Normalize(Normalize(u)) ==
// Normalize(u), per §8.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errUnsupportedScheme
	}
	if u.Host == "" {
		return "", errEmptyHost
	}
	u.Fragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			lower := strings.ToLower(key)
			if trackingParamExact[lower] {
				q.Del(key)
				continue
			}
			for _, prefix := range trackingParamPrefixes {
				if strings.HasPrefix(lower, prefix) {
					q.Del(key)
					break
				}
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errUnsupportedScheme = validationError("unsupported scheme")
	errEmptyHost         = validationError("empty hostname")
)

// ValidateAndDeduplicate implements §4.9 Phase 1 in full: it parses and
// normalizes every input URL, preserving originalIndex order, routing
// blanks/unparseable/unsupported-scheme URLs to invalidUrls and repeat
// normalized URLs to duplicates. The returned items slice only contains
// first-occurrence, valid URLs.
func ValidateAndDeduplicate(inputs []string) (items []Item, invalid []InvalidURL, duplicates []Duplicate) {
	seen := make(map[string]int, len(inputs))

	for i, raw := range inputs {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			invalid = append(invalid, InvalidURL{OriginalURL: raw, OriginalIndex: i, Reason: "malformed"})
			continue
		}
		normalized, err := Normalize(raw)
		if err != nil {
			invalid = append(invalid, InvalidURL{OriginalURL: raw, OriginalIndex: i, Reason: err.Error()})
			continue
		}
		if firstIdx, ok := seen[normalized]; ok {
			duplicates = append(duplicates, Duplicate{OriginalURL: raw, OriginalIndex: i, FirstOccurrenceIndex: firstIdx})
			continue
		}
		seen[normalized] = i
		items = append(items, Item{OriginalURL: raw, NormalizedURL: normalized, OriginalIndex: i})
	}

	return items, invalid, duplicates
}
