// Package filters runs pre-processing rules over a decoded inbound message.
// Filters only annotate; the postmaster acts on the annotations.
package filters

import (
	"context"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// MessageContext is the mutable envelope filters operate on.
type MessageContext struct {
	Account     models.MailboxAccount
	Message     *models.InboundMessage
	Annotations map[string]any
}

// NewMessageContext wraps msg for a filter run.
func NewMessageContext(account models.MailboxAccount, msg *models.InboundMessage) *MessageContext {
	return &MessageContext{Account: account, Message: msg, Annotations: map[string]any{}}
}

// Annotate records key=value, allocating the map on first use.
func (m *MessageContext) Annotate(key string, value any) {
	if m.Annotations == nil {
		m.Annotations = make(map[string]any)
	}
	m.Annotations[key] = value
}

// Bool returns a boolean annotation.
func (m *MessageContext) Bool(key string) bool {
	if m == nil {
		return false
	}
	v, _ := m.Annotations[key].(bool)
	return v
}

// String returns a string annotation.
func (m *MessageContext) String(key string) string {
	if m == nil {
		return ""
	}
	v, _ := m.Annotations[key].(string)
	return v
}

// Int returns an integer annotation, 0 when unset.
func (m *MessageContext) Int(key string) int {
	if m == nil {
		return 0
	}
	v, _ := m.Annotations[key].(int)
	return v
}

// Ignored reports whether a filter asked to drop the message and why.
func (m *MessageContext) Ignored() (bool, string) {
	if !m.Bool(AnnotationIgnoreMessage) {
		return false, ""
	}
	return true, m.String(AnnotationIgnoreReason)
}

// Filter inspects a message before it reaches ticket processing.
type Filter interface {
	ID() string
	Apply(ctx context.Context, m *MessageContext) error
}

// Chain executes filters in order, short-circuiting on error.
type Chain struct {
	filters []Filter
}

// NewChain returns a filter chain that runs the provided filters sequentially.
func NewChain(fs ...Filter) Chain {
	return Chain{filters: fs}
}

// DefaultChain is loop suppression, auto-reply suppression and trusted headers.
func DefaultChain() Chain {
	return NewChain(LoopFilter{}, AutoReplyFilter{}, NewTrustedHeadersFilter(nil))
}

// Run executes the chain. Filters after an ignore annotation are skipped.
func (c Chain) Run(ctx context.Context, m *MessageContext) error {
	for _, f := range c.filters {
		if err := f.Apply(ctx, m); err != nil {
			return err
		}
		if ignored, _ := m.Ignored(); ignored {
			return nil
		}
	}
	return nil
}

// Len returns the number of filters.
func (c Chain) Len() int { return len(c.filters) }
