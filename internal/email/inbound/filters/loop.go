package filters

import (
	"context"
	"strings"
)

// LoopFilter ignores mail sent from the mailbox's own address.
type LoopFilter struct{}

func (LoopFilter) ID() string { return "loop" }

func (LoopFilter) Apply(_ context.Context, m *MessageContext) error {
	if m == nil || m.Message == nil {
		return nil
	}
	if m.Account.IsOwnAddress(m.Message.FromAddress) {
		m.Annotate(AnnotationIgnoreMessage, true)
		m.Annotate(AnnotationIgnoreReason, "sent from own mailbox address")
	}
	return nil
}

// AutoReplyFilter ignores out-of-office replies, bounces and bulk mail.
type AutoReplyFilter struct{}

func (AutoReplyFilter) ID() string { return "auto_reply" }

func (AutoReplyFilter) Apply(_ context.Context, m *MessageContext) error {
	if m == nil || m.Message == nil {
		return nil
	}
	h := m.Message.Headers
	if !h.IsAutoGenerated() && !isMailerDaemon(m.Message.FromAddress) {
		return nil
	}
	reason := "auto-generated message"
	if v := strings.TrimSpace(h.AutoSubmitted); v != "" {
		reason = "auto-submitted: " + strings.ToLower(v)
	} else if v := strings.TrimSpace(h.Precedence); v != "" {
		reason = "precedence: " + strings.ToLower(v)
	}
	m.Annotate(AnnotationIgnoreMessage, true)
	m.Annotate(AnnotationIgnoreReason, reason)
	return nil
}

func isMailerDaemon(addr string) bool {
	local, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(addr)), "@")
	return local == "mailer-daemon"
}
