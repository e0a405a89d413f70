package postmaster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gotrs-io/gotrs-inbound/internal/assignment"
	"github.com/gotrs-io/gotrs-inbound/internal/cache"
	inbound "github.com/gotrs-io/gotrs-inbound/internal/email/inbound"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/attachments"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/extract"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-inbound/internal/mailqueue"
	"github.com/gotrs-io/gotrs-inbound/internal/metrics"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/repository"
	"github.com/gotrs-io/gotrs-inbound/internal/tickets"
)

const (
	defaultBatch        = 25
	defaultMaxRetries   = 3
	defaultStaleAfter   = 5 * time.Minute
	defaultMaxBodyBytes = 1024 * 1024
	defaultSubject      = "(no subject)"
)

// Processor drives the message state machine.
type Processor struct {
	store        mailqueue.Store
	decoder      *inbound.Decoder
	resolver     Resolver
	tickets      TicketService
	accounts     Accounts
	assigner     Assigner
	attachments  *attachments.Processor
	chain        filters.Chain
	lease        cache.Lease
	metrics      *metrics.Collectors
	strategy     assignment.Strategy
	batch        int
	maxRetries   int
	staleAfter   time.Duration
	maxBodyBytes int
	logger       *log.Logger
	now          func() time.Time
}

// Option customizes a Processor.
type Option func(*Processor)

// WithAccounts resolves routing defaults and filter settings per mailbox.
func WithAccounts(a Accounts) Option {
	return func(p *Processor) { p.accounts = a }
}

// WithAssigner runs assignment for tickets created from shared mailboxes.
func WithAssigner(a Assigner, strategy assignment.Strategy) Option {
	return func(p *Processor) {
		p.assigner = a
		p.strategy = strategy
	}
}

// WithAttachments stores and uploads extracted attachments.
func WithAttachments(ap *attachments.Processor) Option {
	return func(p *Processor) { p.attachments = ap }
}

// WithFilters replaces the default filter chain.
func WithFilters(c filters.Chain) Option {
	return func(p *Processor) { p.chain = c }
}

// WithLease guards each message with a cross-process lease while it is processed.
func WithLease(l cache.Lease) Option {
	return func(p *Processor) { p.lease = l }
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithBatchSize bounds the messages claimed per tick.
func WithBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithMaxRetries sets the failure count after which a message becomes terminal.
func WithMaxRetries(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithStaleAfter sets how long a claim may be held before it is reclaimed.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.staleAfter = d
		}
	}
}

// WithMaxBodyBytes caps the ticket description length.
func WithMaxBodyBytes(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxBodyBytes = n
		}
	}
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor builds a processor over the queue, thread resolver and ticket service.
func NewProcessor(store mailqueue.Store, decoder *inbound.Decoder, resolver Resolver, svc TicketService, opts ...Option) *Processor {
	if decoder == nil {
		decoder = inbound.NewDecoder(nil, nil)
	}
	p := &Processor{
		store:        store,
		decoder:      decoder,
		resolver:     resolver,
		tickets:      svc,
		chain:        filters.DefaultChain(),
		batch:        defaultBatch,
		maxRetries:   defaultMaxRetries,
		staleAfter:   defaultStaleAfter,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       log.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// ProcessPending reclaims stale claims and processes one batch of pending and
// retryable messages. Message failures are recorded on the message; the
// returned error only reports queue or lease failures.
func (p *Processor) ProcessPending(ctx context.Context) (BatchResult, error) {
	var batch BatchResult
	if p.store == nil || p.tickets == nil || p.resolver == nil {
		return batch, errors.New("postmaster: processor not configured")
	}
	var errs []error
	reclaimed, err := p.store.ReclaimStale(ctx, p.now().Add(-p.staleAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("reclaim stale: %w", err))
	}
	batch.Reclaimed = reclaimed
	if reclaimed > 0 {
		p.logf("postmaster: reclaimed %d stale message(s)", reclaimed)
	}

	msgs, err := p.store.ListProcessable(ctx, p.batch)
	if err != nil {
		return batch, errors.Join(append(errs, fmt.Errorf("list processable: %w", err))...)
	}
	batch.Listed = len(msgs)
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := p.ProcessOne(ctx, msg)
		batch.add(res)
		// Recorded message failures are in the result, only queue errors are returned.
		if err != nil && (res.Action != ActionFailed || err != res.Err) {
			errs = append(errs, err)
		}
	}
	p.recordCounts(ctx)
	return batch, errors.Join(errs...)
}

// ProcessOne claims msg and carries it to processed or failed. A message
// claimed elsewhere is reported as skipped. When processing fails the result
// has Action failed and the error is returned after being recorded.
func (p *Processor) ProcessOne(ctx context.Context, msg *models.InboundMessage) (Result, error) {
	res := Result{MessageID: msg.ID, Action: ActionSkipped}
	if p.lease != nil {
		ok, err := p.lease.Acquire(ctx, leaseKey(msg), p.staleAfter)
		if err != nil {
			return res, fmt.Errorf("postmaster: acquire lease for message %d: %w", msg.ID, err)
		}
		if !ok {
			return res, nil
		}
		defer func() {
			if err := p.lease.Release(context.WithoutCancel(ctx), leaseKey(msg)); err != nil {
				p.logf("postmaster: release lease for message %d: %v", msg.ID, err)
			}
		}()
	}
	if err := p.store.Claim(ctx, msg.ID, p.now()); err != nil {
		if errors.Is(err, mailqueue.ErrConflict) {
			return res, nil
		}
		return res, fmt.Errorf("postmaster: claim message %d: %w", msg.ID, err)
	}

	res, err := p.process(ctx, msg)
	res.MessageID = msg.ID
	if err != nil {
		return p.fail(ctx, msg, res, err)
	}
	outcome := mailqueue.Outcome{Action: res.Action, TicketID: res.TicketID, CommentID: res.CommentID}
	if err := p.store.MarkProcessed(ctx, msg.ID, outcome, p.now()); err != nil {
		// The claim goes stale and the message is reprocessed, which is idempotent.
		return res, fmt.Errorf("postmaster: mark message %d processed: %w", msg.ID, err)
	}
	p.metrics.Processed(res.Action)
	return res, nil
}

func (p *Processor) fail(ctx context.Context, msg *models.InboundMessage, res Result, cause error) (Result, error) {
	res.Action = ActionFailed
	res.Err = cause
	res.Reason = cause.Error()
	failure := mailqueue.Failure{Reason: cause.Error(), Permanent: IsPermanent(cause), MaxRetries: p.maxRetries}
	terminal, err := p.store.MarkFailed(ctx, msg.ID, failure, p.now())
	if err != nil {
		return res, errors.Join(cause, fmt.Errorf("postmaster: mark message %d failed: %w", msg.ID, err))
	}
	res.Terminal = terminal
	kind := "retryable"
	if terminal {
		kind = "terminal"
	}
	p.metrics.Failed(kind)
	p.logf("postmaster: message %d (%s) failed (%s, attempt %d): %v", msg.ID, msg.MessageID, kind, msg.RetryCount+1, cause)
	return res, cause
}

func (p *Processor) process(ctx context.Context, msg *models.InboundMessage) (Result, error) {
	var res Result
	if !msg.Extracted {
		if err := p.decoder.Fill(msg); err != nil {
			if errors.Is(err, extract.ErrTooManyAttachments) {
				return res, Permanent(err)
			}
			return res, err
		}
		if err := p.store.SaveContent(ctx, msg); err != nil {
			return res, fmt.Errorf("save content: %w", err)
		}
	}

	account, err := p.account(ctx, msg.MailboxAccountID)
	if err != nil {
		return res, err
	}
	mc := filters.NewMessageContext(account, msg)
	if err := p.chain.Run(ctx, mc); err != nil {
		return res, fmt.Errorf("filters: %w", err)
	}
	if ignored, reason := mc.Ignored(); ignored {
		p.logf("postmaster: ignoring message %d from %s: %s", msg.ID, msg.FromAddress, reason)
		return Result{Action: ActionIgnored, Reason: reason}, nil
	}

	if res, ok, err := p.adopt(ctx, account, msg); ok || err != nil {
		return res, err
	}
	match, err := p.resolver.Resolve(ctx, msg)
	if err != nil {
		return res, fmt.Errorf("resolve thread: %w", err)
	}
	if match.Matched() {
		return p.followUp(ctx, msg, match)
	}
	return p.newTicket(ctx, account, msg, mc)
}

func (p *Processor) account(ctx context.Context, id int) (models.MailboxAccount, error) {
	fallback := models.MailboxAccount{ID: id, Shared: true, IsActive: true}
	if p.accounts == nil {
		return fallback, nil
	}
	acc, err := p.accounts.Account(ctx, id)
	if errors.Is(err, repository.ErrAccountNotFound) {
		p.logf("postmaster: mailbox account %d not found, using defaults", id)
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("load mailbox account %d: %w", id, err)
	}
	return *acc, nil
}

func (p *Processor) followUp(ctx context.Context, msg *models.InboundMessage, match models.ThreadMatch) (Result, error) {
	res := Result{Action: ActionFollowUp, Method: match.Method}
	comment, err := p.tickets.AppendComment(ctx, tickets.CommentRequest{
		TicketID:    match.TicketID,
		MessageID:   msg.MessageID,
		Content:     p.description(msg),
		FromAddress: msg.FromAddress,
		ToAddresses: msg.ToAddresses,
		CcAddresses: msg.CcAddresses,
		Subject:     msg.Subject,
		BodyHTML:    attachments.EmbedInline(msg.BodyHTML, msg.Attachments),
		BodyPlain:   msg.BodyPlain,
		Headers:     msg.Headers,
	})
	if err != nil {
		return res, fmt.Errorf("append comment to ticket %d: %w", match.TicketID, err)
	}
	ticketID, commentID := match.TicketID, comment.ID
	res.TicketID, res.CommentID = &ticketID, &commentID
	if res.Attachments, err = p.storeAttachments(ctx, msg, ticketID, &commentID); err != nil {
		return res, err
	}
	p.logf("postmaster: message %d appended to ticket %d via %s", msg.ID, ticketID, match.Method)
	return res, nil
}

func (p *Processor) newTicket(ctx context.Context, account models.MailboxAccount, msg *models.InboundMessage, mc *filters.MessageContext) (Result, error) {
	res := Result{Action: ActionNewTicket, Method: models.ThreadMethodNone}
	ticket, err := p.tickets.CreateTicket(ctx, p.createRequest(account, msg, mc))
	if err != nil {
		return res, fmt.Errorf("create ticket: %w", err)
	}
	ticketID := ticket.ID
	res.TicketID = &ticketID
	if res.Attachments, err = p.storeAttachments(ctx, msg, ticket.ID, nil); err != nil {
		return res, err
	}
	if ticket.AssignedAgentID != nil {
		res.AgentID = ticket.AssignedAgentID
	} else if account.Shared {
		res.AgentID = p.assign(ctx, *ticket)
	}
	p.logf("postmaster: message %d created ticket %s (%d)", msg.ID, ticket.TicketNumber, ticket.ID)
	return res, nil
}

// adopt finds a ticket an earlier attempt already delivered msg to, either as
// its origin or as a comment. The earlier attempt may have stopped before its
// attachments or assignment, so attachments are stored again (uploads are keyed
// on the message id) and unassigned tickets from shared mailboxes are assigned.
func (p *Processor) adopt(ctx context.Context, account models.MailboxAccount, msg *models.InboundMessage) (Result, bool, error) {
	existing, err := p.tickets.FindByMessageID(ctx, []string{msg.MessageID})
	if errors.Is(err, tickets.ErrNotFound) || (err == nil && existing == nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("look up delivered ticket: %w", err)
	}
	ticketID := existing.ID
	res := Result{Action: ActionAdopted, Method: models.ThreadMethodMessageID, TicketID: &ticketID, AgentID: existing.AssignedAgentID}
	if res.Attachments, err = p.storeAttachments(ctx, msg, existing.ID, nil); err != nil {
		return res, false, err
	}
	if existing.AssignedAgentID == nil && account.Shared {
		res.AgentID = p.assign(ctx, *existing)
	}
	p.logf("postmaster: message %d was already delivered to ticket %d", msg.ID, existing.ID)
	return res, true, nil
}

func (p *Processor) createRequest(account models.MailboxAccount, msg *models.InboundMessage, mc *filters.MessageContext) tickets.CreateTicketRequest {
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	priority := account.Priority()
	if override := models.NormalizePriority(mc.String(filters.AnnotationPriorityOverride)); override != "" {
		priority = override
	}
	req := tickets.CreateTicketRequest{
		Subject:      subject,
		Description:  p.description(msg),
		ClientEmail:  msg.FromAddress,
		ClientName:   msg.FromName,
		Source:       tickets.SourceEmail,
		Priority:     priority,
		CategoryID:   account.DefaultCategoryID,
		DepartmentID: account.DefaultDepartmentID,
		Metadata: map[string]any{
			"message_id":         msg.MessageID,
			"has_attachments":    msg.HasAttachments(),
			"mailbox_account_id": msg.MailboxAccountID,
		},
	}
	if id := mc.Int(filters.AnnotationCategoryIDOverride); id > 0 {
		req.CategoryID = &id
	}
	if id := mc.Int(filters.AnnotationDepartmentIDOverride); id > 0 {
		req.DepartmentID = &id
	}
	if !account.Shared && account.OwnerAgentID != nil {
		owner := *account.OwnerAgentID
		req.AssignedAgentID = &owner
	}
	for key, value := range mc.Annotations {
		if name, ok := strings.CutPrefix(key, filters.AnnotationTrustedHeaderPrefix); ok {
			req.Metadata["header_"+name] = value
		}
	}
	return req
}

// assign runs the engine. Failures leave the ticket unassigned.
func (p *Processor) assign(ctx context.Context, ticket models.Ticket) *int {
	if p.assigner == nil {
		return nil
	}
	decision, err := p.assigner.Assign(ctx, ticket, p.strategy)
	if err != nil {
		if errors.Is(err, assignment.ErrNoEligibleAgent) {
			p.logf("postmaster: warning: ticket %d left unassigned: no eligible agent", ticket.ID)
		} else {
			p.logf("postmaster: warning: assign ticket %d: %v", ticket.ID, err)
		}
		return nil
	}
	agentID := decision.AgentID
	return &agentID
}

// storeAttachments persists every attachment and returns how many were stored.
// Policy rejections are logged and skipped; any other failure is returned so the
// message is retried.
func (p *Processor) storeAttachments(ctx context.Context, msg *models.InboundMessage, ticketID int64, commentID *int64) (int, error) {
	if p.attachments == nil {
		return 0, nil
	}
	stored := 0
	for _, att := range msg.Attachments {
		_, err := p.attachments.StoreForMessage(ctx, msg.MessageID, att, ticketID, commentID)
		switch {
		case err == nil:
			stored++
		case attachments.IsRejected(err):
			p.logf("postmaster: message %d: skip attachment %q: %v", msg.ID, att.Filename, err)
		default:
			return stored, fmt.Errorf("attachments for ticket %d: %w", ticketID, err)
		}
	}
	return stored, nil
}

func (p *Processor) description(msg *models.InboundMessage) string {
	body := strings.TrimSpace(msg.BodyPlain)
	if body == "" {
		body = strings.TrimSpace(msg.Subject)
	}
	return truncateUTF8(body, p.maxBodyBytes)
}

func truncateUTF8(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func (p *Processor) recordCounts(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		p.logf("postmaster: count messages: %v", err)
		return
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	p.metrics.MessageCounts(out)
}

func (p *Processor) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
