// Package sanitize strips quoted history, signatures and markup noise from
// inbound message bodies.
package sanitize

import (
	"log"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// Sanitizer cleans message bodies. It is safe for concurrent use.
type Sanitizer struct {
	policy *bluemonday.Policy
	logger *log.Logger
}

// Option customizes a Sanitizer.
type Option func(*Sanitizer)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(s *Sanitizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPolicy replaces the bluemonday policy applied to HTML bodies.
func WithPolicy(p *bluemonday.Policy) Option {
	return func(s *Sanitizer) {
		if p != nil {
			s.policy = p
		}
	}
}

// New returns a sanitizer with the default article policy.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{policy: articlePolicy(), logger: log.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sanitize dispatches on isHTML.
func (s *Sanitizer) Sanitize(body string, isHTML bool) string {
	if isHTML {
		return s.SanitizeHTML(body)
	}
	return s.SanitizeText(body)
}

// articlePolicy allows common formatting and images, including cid: sources
// that are later rewritten to data URIs. Classes and styles are dropped, which
// removes most Office editor noise.
func articlePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements("b", "strong", "i", "em", "u", "s", "strike", "del")
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("p", "br", "div", "span")
	p.AllowElements("ul", "ol", "li")
	p.AllowElements("code", "pre")

	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td")
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")

	p.AllowElements("img")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowDataURIImages()

	p.AllowElements("a")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	p.RequireParseableURLs(true)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return p
}

var strictPolicy = bluemonday.StrictPolicy()

var (
	horizontalSpace = regexp.MustCompile(`[ \t\x{00A0}]+`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
)

// normalizeWhitespace collapses runs of spaces and tabs, trims line ends,
// limits blank lines to one and trims the result.
func normalizeWhitespace(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(horizontalSpace.ReplaceAllString(line, " "), " ")
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func (s *Sanitizer) logf(format string, args ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
