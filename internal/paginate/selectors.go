package paginate

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// link is one candidate pagination anchor found on a page.
type link struct {
	href string
	page int // -1 if no page number could be parsed
}

var pageNumberRe = regexp.MustCompile(`(?:page|p)[=/](\d+)`)

// findNextLink applies §4.8's selector priority order: rel="next" first,
// then an aria-label containing "Next", then any href matching
// a[href*="page"]. Returns ("", false) if none match.
func findNextLink(doc *html.Node) (string, bool) {
	if href, ok := findByRel(doc, "next"); ok {
		return href, true
	}
	if href, ok := findByAriaLabel(doc, "next"); ok {
		return href, true
	}
	if href, ok := findByHrefSubstring(doc, "page"); ok {
		return href, true
	}
	return "", false
}

// numericLinks collects every anchor whose href encodes a page number,
// for the "numeric links are enumerable" branch of §4.8 step 2.
func numericLinks(doc *html.Node) []link {
	var out []link
	walkAnchors(doc, func(n *html.Node) {
		href := attr(n, "href")
		if href == "" {
			return
		}
		if m := pageNumberRe.FindStringSubmatch(href); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				out = append(out, link{href: href, page: n})
				return
			}
		}
	})
	return out
}

func findByRel(doc *html.Node, rel string) (string, bool) {
	var found string
	walkAnchors(doc, func(n *html.Node) {
		if found != "" {
			return
		}
		if strings.EqualFold(attr(n, "rel"), rel) {
			found = attr(n, "href")
		}
	})
	return found, found != ""
}

func findByAriaLabel(doc *html.Node, substr string) (string, bool) {
	var found string
	walkAnchors(doc, func(n *html.Node) {
		if found != "" {
			return
		}
		if strings.Contains(strings.ToLower(attr(n, "aria-label")), substr) {
			found = attr(n, "href")
		}
	})
	return found, found != ""
}

func findByHrefSubstring(doc *html.Node, substr string) (string, bool) {
	var found string
	walkAnchors(doc, func(n *html.Node) {
		if found != "" {
			return
		}
		if strings.Contains(strings.ToLower(attr(n, "href")), substr) {
			found = attr(n, "href")
		}
	})
	return found, found != ""
}

func walkAnchors(n *html.Node, visit func(*html.Node)) {
	if n.Type == html.ElementNode && n.Data == "a" {
		visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkAnchors(c, visit)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
