// Package threading decides whether an inbound message continues an existing ticket.
//
// Methods are tried in order and the first hit wins:
//
//  1. In-Reply-To / References against message-ids recorded on tickets
//  2. a ticket-number token in the subject
//  3. subject similarity against the sender's recent open or pending tickets
package threading

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/ticketnumber"
	"github.com/gotrs-io/gotrs-inbound/internal/tickets"
)

const (
	DefaultThreshold      = 0.7
	defaultLookback       = 30 * 24 * time.Hour
	defaultCandidateLimit = 20
)

// Resolver matches messages to tickets through the ticket service's read side.
// It never creates clients or tickets.
type Resolver struct {
	lookup     tickets.Lookup
	format     *ticketnumber.Format
	threshold  float64
	lookback   time.Duration
	candidates int
	logger     *log.Logger
	now        func() time.Time
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithThreshold sets the similarity a candidate must exceed.
func WithThreshold(t float64) Option {
	return func(r *Resolver) {
		if t > 0 && t <= 1 {
			r.threshold = t
		}
	}
}

// WithLookback limits similarity candidates to tickets created within d.
func WithLookback(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.lookback = d
		}
	}
}

// WithCandidateLimit caps how many of the client's tickets are compared.
func WithCandidateLimit(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.candidates = n
		}
	}
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a resolver. format recognizes ticket numbers in subjects.
func New(lookup tickets.Lookup, format *ticketnumber.Format, opts ...Option) *Resolver {
	if format == nil {
		format = ticketnumber.MustNew("TKT-", 6)
	}
	r := &Resolver{
		lookup:     lookup,
		format:     format,
		threshold:  DefaultThreshold,
		lookback:   defaultLookback,
		candidates: defaultCandidateLimit,
		logger:     log.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the matching ticket, or a ThreadMethodNone match when a new
// ticket is needed. Errors are lookup failures other than not-found; callers
// should retry rather than create a ticket that may duplicate a thread.
func (r *Resolver) Resolve(ctx context.Context, msg *models.InboundMessage) (models.ThreadMatch, error) {
	none := models.ThreadMatch{Method: models.ThreadMethodNone}
	if msg == nil {
		return none, errors.New("threading: nil message")
	}

	if ids := msg.Headers.ThreadIDs(); len(ids) > 0 {
		t, err := r.lookup.FindByMessageID(ctx, ids)
		switch {
		case err == nil && t != nil:
			return matched(t, models.ThreadMethodMessageID, 1), nil
		case err != nil && !errors.Is(err, tickets.ErrNotFound):
			return none, fmt.Errorf("threading: lookup by message-id: %w", err)
		}
	}

	for _, number := range r.format.FindAll(msg.Subject) {
		t, err := r.lookup.FindByNumber(ctx, number)
		switch {
		case err == nil && t != nil:
			return matched(t, models.ThreadMethodTicketNumber, 1), nil
		case err != nil && !errors.Is(err, tickets.ErrNotFound):
			return none, fmt.Errorf("threading: lookup ticket %s: %w", number, err)
		}
		r.logf("threading: subject names unknown ticket %s", number)
	}

	return r.bySimilarity(ctx, msg)
}

func (r *Resolver) bySimilarity(ctx context.Context, msg *models.InboundMessage) (models.ThreadMatch, error) {
	none := models.ThreadMatch{Method: models.ThreadMethodNone}
	subject := NormalizeSubject(msg.Subject, r.format)
	if subject == "" || msg.FromAddress == "" {
		return none, nil
	}
	client, err := r.lookup.FindClientByEmail(ctx, msg.FromAddress)
	if errors.Is(err, tickets.ErrNotFound) || (err == nil && client == nil) {
		return none, nil
	}
	if err != nil {
		return none, fmt.Errorf("threading: lookup client: %w", err)
	}

	since := r.now().Add(-r.lookback)
	statuses := []string{models.TicketStatusOpen, models.TicketStatusPending}
	candidates, err := r.lookup.ListClientTickets(ctx, client.ID, statuses, since, r.candidates)
	if err != nil {
		return none, fmt.Errorf("threading: list client tickets: %w", err)
	}

	var best *models.Ticket
	bestScore := 0.0
	for i := range candidates {
		t := &candidates[i]
		if !t.IsOpenish() {
			continue
		}
		score := Similarity(subject, NormalizeSubject(t.Subject, r.format))
		if score > r.threshold && score > bestScore {
			best, bestScore = t, score
		}
	}
	if best == nil {
		return none, nil
	}
	return matched(best, models.ThreadMethodSimilarity, bestScore), nil
}

func matched(t *models.Ticket, method models.ThreadMethod, score float64) models.ThreadMatch {
	cp := *t
	return models.ThreadMatch{TicketID: t.ID, Ticket: &cp, Method: method, Score: score}
}

func (r *Resolver) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
