// Package web holds the static routing rules of the public site: the short
// link redirect and the crawler policy.
package web

import (
	"net/url"
	"strings"
)

var reservedSegments = map[string]struct{}{
	"dashboard": {},
	"session":   {},
	"api":       {},
	"login":     {},
	"register":  {},
	"blog":      {},
	"en":        {},
	"ko":        {},
}

// IsReserved reports whether a first path segment belongs to a real page.
func IsReserved(segment string) bool {
	_, ok := reservedSegments[segment]
	return ok
}

// RedirectTarget maps a short link like /xyz123 to its session page. The
// boolean is false for reserved segments, which are served as-is. The segment
// is the decoded path value and is escaped again in the target.
func RedirectTarget(segment string) (string, bool) {
	segment = strings.Trim(segment, "/")
	if segment == "" || strings.Contains(segment, "/") || IsReserved(segment) {
		return "", false
	}
	return "/session/" + url.PathEscape(segment), true
}

// AICrawlers are allowed to read the whole site.
var AICrawlers = []string{"GPTBot", "ChatGPT-User", "ClaudeBot", "PerplexityBot"}

// Robots renders robots.txt for the site rooted at siteURL.
func Robots(siteURL string) []byte {
	var b strings.Builder

	b.WriteString("User-agent: *\n")
	b.WriteString("Allow: /\n")
	b.WriteString("Disallow: /api/\n")
	b.WriteString("Disallow: /session/\n")

	for _, agent := range AICrawlers {
		b.WriteString("\nUser-agent: ")
		b.WriteString(agent)
		b.WriteString("\nAllow: /\n")
	}

	b.WriteString("\nSitemap: ")
	b.WriteString(strings.TrimRight(siteURL, "/"))
	b.WriteString("/sitemap.xml\n")

	return []byte(b.String())
}
