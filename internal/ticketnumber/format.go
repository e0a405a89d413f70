// Package ticketnumber recognizes and renders ticket-number tokens such as TKT-000123.
package ticketnumber

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Format describes a prefix followed by a fixed number of digits.
type Format struct {
	Prefix string
	Digits int

	pattern *regexp.Regexp
	strip   *regexp.Regexp
}

// New builds a format for prefix+digits, e.g. New("TKT-", 6).
func New(prefix string, digits int) (*Format, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("ticketnumber: empty prefix")
	}
	if digits <= 0 {
		return nil, fmt.Errorf("ticketnumber: digits must be positive, got %d", digits)
	}
	quoted := regexp.QuoteMeta(prefix)
	lead := ""
	if isWordByte(prefix[0]) {
		lead = `\b`
	}
	token := fmt.Sprintf(`(?i)%s(%s(\d{%d}))\b`, lead, quoted, digits)
	// the strip pattern also eats surrounding brackets
	bracketed := fmt.Sprintf(`(?i)[\[(]?\s*%s\d{%d}\s*[\])]?:?`, quoted, digits)
	return &Format{
		Prefix:  prefix,
		Digits:  digits,
		pattern: regexp.MustCompile(token),
		strip:   regexp.MustCompile(bracketed),
	}, nil
}

// MustNew is New that panics on invalid input.
func MustNew(prefix string, digits int) *Format {
	f, err := New(prefix, digits)
	if err != nil {
		panic(err)
	}
	return f
}

// Render formats counter n, e.g. 123 -> TKT-000123.
func (f *Format) Render(n int64) string {
	return fmt.Sprintf("%s%0*d", f.Prefix, f.Digits, n)
}

// Find returns the first ticket number in s in canonical form.
func (f *Format) Find(s string) (string, bool) {
	m := f.pattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return f.Prefix + m[2], true
}

// FindAll returns every distinct ticket number in s, in order of appearance.
func (f *Format) FindAll(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range f.pattern.FindAllStringSubmatch(s, -1) {
		n := f.Prefix + m[2]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Parse returns the counter encoded in number.
func (f *Format) Parse(number string) (int64, error) {
	number = strings.TrimSpace(number)
	if len(number) != len(f.Prefix)+f.Digits || !strings.EqualFold(number[:len(f.Prefix)], f.Prefix) {
		return 0, fmt.Errorf("ticketnumber: %q does not match %s%s", number, f.Prefix, strings.Repeat("N", f.Digits))
	}
	return strconv.ParseInt(number[len(f.Prefix):], 10, 64)
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// Strip removes every ticket-number token, with its brackets, from s.
func (f *Format) Strip(s string) string {
	return strings.Join(strings.Fields(f.strip.ReplaceAllString(s, " ")), " ")
}
