package filters

import (
	"bufio"
	"bytes"
	"context"
	"log"
	"mime"
	"net/textproto"
	"strconv"
	"strings"

	gotextproto "github.com/emersion/go-message/textproto"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// TrustedHeadersFilter captures X-GOTRS-* routing overrides when the mailbox allows trusted headers.
type TrustedHeadersFilter struct {
	logger       *log.Logger
	extraHeaders []string
}

// NewTrustedHeadersFilter constructs a filter instance. Extra headers are copied
// verbatim into AnnotationTrustedHeaderPrefix+lowercase(name).
func NewTrustedHeadersFilter(logger *log.Logger, extraHeaders ...string) *TrustedHeadersFilter {
	return &TrustedHeadersFilter{logger: logger, extraHeaders: canonicalHeaderList(extraHeaders...)}
}

// ID returns the filter identifier.
func (f *TrustedHeadersFilter) ID() string { return "trusted_headers" }

// Apply inspects trusted headers and stores overrides inside the annotations map.
func (f *TrustedHeadersFilter) Apply(_ context.Context, m *MessageContext) error {
	if m == nil || m.Message == nil || len(m.Message.Raw) == 0 {
		return nil
	}
	if !m.Account.AllowTrustedHeaders {
		return nil
	}
	header, err := gotextproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.Message.Raw)))
	if err != nil {
		f.logf("trusted_headers: parse failed: %v", err)
		return nil
	}
	dec := mime.WordDecoder{}
	decode := func(v string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			return ""
		}
		decoded, err := dec.DecodeHeader(v)
		if err != nil {
			return v
		}
		return strings.TrimSpace(decoded)
	}
	setInt := func(key, raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		if id, err := strconv.Atoi(raw); err == nil && id > 0 {
			m.Annotate(key, id)
		}
	}

	if p := models.NormalizePriority(firstHeaderValue(header, priorityHeaders)); p != "" {
		m.Annotate(AnnotationPriorityOverride, p)
	}
	setInt(AnnotationDepartmentIDOverride, firstHeaderValue(header, departmentHeaders))
	setInt(AnnotationCategoryIDOverride, firstHeaderValue(header, categoryHeaders))

	switch strings.ToLower(strings.TrimSpace(firstHeaderValue(header, ignoreHeaders))) {
	case "1", "true", "yes", "y":
		m.Annotate(AnnotationIgnoreMessage, true)
		m.Annotate(AnnotationIgnoreReason, "x-gotrs-ignore header")
	}

	for _, name := range f.extraHeaders {
		if v := decode(header.Get(name)); v != "" {
			m.Annotate(AnnotationTrustedHeaderPrefix+strings.ToLower(name), v)
		}
	}
	return nil
}

func (f *TrustedHeadersFilter) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}

var (
	priorityHeaders   = canonicalHeaderList("X-GOTRS-Priority", "X-OTRS-Priority")
	departmentHeaders = canonicalHeaderList("X-GOTRS-DepartmentID", "X-GOTRS-QueueID")
	categoryHeaders   = canonicalHeaderList("X-GOTRS-CategoryID")
	ignoreHeaders     = canonicalHeaderList("X-GOTRS-Ignore", "X-OTRS-Ignore")
)

func firstHeaderValue(header gotextproto.Header, names []string) string {
	for _, name := range names {
		if value := header.Get(name); value != "" {
			return value
		}
	}
	return ""
}

func canonicalHeaderList(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		canonical := textproto.CanonicalMIMEHeaderKey(value)
		key := strings.ToLower(canonical)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, canonical)
	}
	return out
}
