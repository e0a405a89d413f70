package postmaster

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-inbound/internal/assignment"
	"github.com/gotrs-io/gotrs-inbound/internal/cache"
	inbound "github.com/gotrs-io/gotrs-inbound/internal/email/inbound"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/attachments"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/extract"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/sanitize"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/threading"
	"github.com/gotrs-io/gotrs-inbound/internal/mailqueue"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/repository"
	"github.com/gotrs-io/gotrs-inbound/internal/storage"
	"github.com/gotrs-io/gotrs-inbound/internal/ticketnumber"
	"github.com/gotrs-io/gotrs-inbound/internal/tickets"
)

var quiet = log.New(io.Discard, "", 0)

func intPtr(v int) *int { return &v }

type accountMap map[int]models.MailboxAccount

func (m accountMap) Account(_ context.Context, id int) (*models.MailboxAccount, error) {
	acc, ok := m[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return &acc, nil
}

// crashingStore fails MarkProcessed the given number of times.
type crashingStore struct {
	*mailqueue.MemoryStore
	crashes int
}

func (s *crashingStore) MarkProcessed(ctx context.Context, id int64, outcome mailqueue.Outcome, now time.Time) error {
	if s.crashes > 0 {
		s.crashes--
		return errors.New("connection reset")
	}
	return s.MemoryStore.MarkProcessed(ctx, id, outcome, now)
}

type flakyTickets struct {
	*tickets.MemoryService
	createErr error
}

func (f *flakyTickets) CreateTicket(ctx context.Context, req tickets.CreateTicketRequest) (*models.Ticket, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.MemoryService.CreateTicket(ctx, req)
}

// outageUploader fails uploads while down is set and passes them on otherwise.
type outageUploader struct {
	*tickets.MemoryService
	down     bool
	attempts int
}

func (u *outageUploader) UploadAttachment(ctx context.Context, up tickets.AttachmentUpload) (*tickets.UploadedAttachment, error) {
	u.attempts++
	if u.down {
		return nil, errors.New("503 service unavailable")
	}
	return u.MemoryService.UploadAttachment(ctx, up)
}

type forbiddenAssigner struct{ t *testing.T }

func (a forbiddenAssigner) Assign(context.Context, models.Ticket, assignment.Strategy) (*models.AssignmentDecision, error) {
	a.t.Fatal("assignment must not run")
	return nil, nil
}

type env struct {
	t        *testing.T
	store    mailqueue.Store
	svc      *tickets.MemoryService
	decoder  *inbound.Decoder
	accounts accountMap
	now      time.Time
	opts     []Option
}

func newEnv(t *testing.T) *env {
	t.Helper()
	svc := tickets.NewMemoryService(ticketnumber.MustNew("TKT-", 6))
	svc.SetAgents([]models.Agent{
		{ID: 1, Name: "Ann", Email: "ann@example.com", Role: models.RoleAgent, IsActive: true, IsAvailable: true},
		{ID: 2, Name: "Ben", Email: "ben@example.com", Role: models.RoleAgent, IsActive: true, IsAvailable: true},
	})
	extractor := extract.New(extract.Limits{MaxAttachments: 2, AllowedExtensions: []string{"pdf", "png"}}, extract.WithLogger(quiet))
	return &env{
		t:       t,
		store:   mailqueue.NewMemoryStore(),
		svc:     svc,
		decoder: inbound.NewDecoder(extractor, sanitize.New(sanitize.WithLogger(quiet)), inbound.WithDecoderLogger(quiet)),
		accounts: accountMap{1: {
			ID: 1, Name: "Support", EmailAddress: "support@example.com", Type: "imaps",
			DefaultPriority: models.PriorityHigh, DefaultDepartmentID: intPtr(3), Shared: true, IsActive: true,
		}},
		now: time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC),
	}
}

func (e *env) processor(svc TicketService) *Processor {
	e.t.Helper()
	backend, err := storage.NewFilesystemBackend(e.t.TempDir())
	require.NoError(e.t, err)
	opts := []Option{
		WithAccounts(e.accounts),
		WithAssigner(assignment.New(e.svc, e.svc, assignment.WithLogger(quiet)), assignment.LeastBusy),
		WithAttachments(attachments.NewProcessor(backend, e.svc, attachments.WithAllowedExtensions([]string{"pdf", "png"}), attachments.WithLogger(quiet))),
		WithLogger(quiet),
		WithClock(func() time.Time { return e.now }),
	}
	if svc == nil {
		svc = e.svc
	}
	resolver := threading.New(e.svc, ticketnumber.MustNew("TKT-", 6), threading.WithLogger(quiet))
	return NewProcessor(e.store, e.decoder, resolver, svc, append(opts, e.opts...)...)
}

// deliver stores raw the way the poller does, keeping undecodable messages.
func (e *env) deliver(accountID int, raw string) *models.InboundMessage {
	e.t.Helper()
	msg, _ := e.decoder.Decode(accountID, []byte(raw), e.now)
	require.NoError(e.t, e.store.Insert(context.Background(), msg))
	return msg
}

func (e *env) stored(id int64) *models.InboundMessage {
	e.t.Helper()
	msg, err := e.store.Get(context.Background(), id)
	require.NoError(e.t, err)
	return msg
}

func mail(from, subject, messageID, extra, body string) string {
	return "From: " + from + "\r\n" +
		"To: support@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + messageID + ">\r\n" +
		extra +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + body
}

const withAttachments = "From: Alice <alice@example.com>\r\n" +
	"To: support@example.com\r\n" +
	"Subject: Printer broken\r\n" +
	"Message-ID: <printer-1@example.com>\r\n" +
	"Content-Type: multipart/mixed; boundary=B\r\n" +
	"\r\n" +
	"--B\r\nContent-Type: text/plain\r\n\r\nIt does not print.\r\n" +
	"--B\r\nContent-Type: application/pdf\r\nContent-Disposition: attachment; filename=manual.pdf\r\n\r\n%PDF-1.4 manual\r\n" +
	"--B\r\nContent-Type: application/octet-stream\r\nContent-Disposition: attachment; filename=tool.exe\r\n\r\nMZ payload\r\n" +
	"--B--\r\n"

func TestTicketNumberReplyAppendsComment(t *testing.T) {
	e := newEnv(t)
	client := e.svc.AddClient("alice@example.com", "Alice")
	existing := e.svc.AddTicket(models.Ticket{ID: 123, Subject: "Login issue", ClientID: client.ID})
	require.Equal(t, "TKT-000123", existing.TicketNumber)

	msg := e.deliver(1, mail("Alice <alice@example.com>", "Re: [TKT-000123] Login issue", "reply-1@example.com", "",
		"It works now.\r\n\r\nOn Jan 1, 2024, Support wrote:\r\n> try again\r\n"))

	batch, err := e.processor(nil).ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)
	require.Len(t, batch.Results, 1)
	res := batch.Results[0]
	assert.Equal(t, ActionFollowUp, res.Action)
	assert.Equal(t, models.ThreadMethodTicketNumber, res.Method)

	comments := e.svc.Comments(123)
	require.Len(t, comments, 1)
	assert.Equal(t, "It works now.", comments[0].Content)
	assert.Equal(t, "reply-1@example.com", comments[0].MessageID)
	assert.False(t, comments[0].IsInternalNote)
	assert.Empty(t, e.svc.Created())

	stored := e.stored(msg.ID)
	assert.Equal(t, models.MessageStatusProcessed, stored.Status)
	assert.Equal(t, ActionFollowUp, stored.Action)
	require.NotNil(t, stored.TicketID)
	assert.Equal(t, int64(123), *stored.TicketID)
	require.NotNil(t, stored.CommentID)
}

func TestNewTicketUsesRoutingDefaultsAndAssigns(t *testing.T) {
	e := newEnv(t)
	e.deliver(1, withAttachments)

	batch, err := e.processor(nil).ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)
	res := batch.Results[0]
	assert.Equal(t, ActionNewTicket, res.Action)
	assert.Equal(t, 1, res.Attachments)
	require.NotNil(t, res.AgentID)

	created := e.svc.Created()
	require.Len(t, created, 1)
	req := created[0]
	assert.Equal(t, "Printer broken", req.Subject)
	assert.Equal(t, "It does not print.", req.Description)
	assert.Equal(t, "alice@example.com", req.ClientEmail)
	assert.Equal(t, tickets.SourceEmail, req.Source)
	assert.Equal(t, models.PriorityHigh, req.Priority)
	require.NotNil(t, req.DepartmentID)
	assert.Equal(t, 3, *req.DepartmentID)
	assert.Nil(t, req.AssignedAgentID)
	assert.Equal(t, "printer-1@example.com", req.Metadata["message_id"])
	assert.Equal(t, true, req.Metadata["has_attachments"])

	uploads := e.svc.Uploads()
	require.Len(t, uploads, 1, "the exe is dropped, the pdf is kept")
	assert.Equal(t, "manual.pdf", uploads[0].FileName)
	assert.Nil(t, uploads[0].CommentID)

	ticket, ok := e.svc.Ticket(*res.TicketID)
	require.True(t, ok)
	require.NotNil(t, ticket.AssignedAgentID)
	assert.Equal(t, *res.AgentID, *ticket.AssignedAgentID)
}

func TestPersonalMailboxPreassignsOwner(t *testing.T) {
	e := newEnv(t)
	e.accounts[2] = models.MailboxAccount{ID: 2, EmailAddress: "ann@example.com", OwnerAgentID: intPtr(1), IsActive: true}
	e.opts = []Option{WithAssigner(forbiddenAssigner{t}, assignment.LeastBusy)}
	e.deliver(2, mail("bob@example.com", "Question", "q-1@example.com", "", "Hi Ann"))

	batch, err := e.processor(nil).ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)
	require.NotNil(t, batch.Results[0].AgentID)
	assert.Equal(t, 1, *batch.Results[0].AgentID)
	assert.Equal(t, models.PriorityNormal, e.svc.Created()[0].Priority)
}

func TestLoopAndAutoReplyAreIgnored(t *testing.T) {
	e := newEnv(t)
	own := e.deliver(1, mail("support@example.com", "Re: hello", "loop-1@example.com", "", "echo"))
	auto := e.deliver(1, mail("alice@example.com", "Out of office", "ooo-1@example.com", "Auto-Submitted: auto-replied\r\n", "Away"))

	batch, err := e.processor(nil).ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Ignored)
	assert.Empty(t, e.svc.Created())
	for _, id := range []int64{own.ID, auto.ID} {
		stored := e.stored(id)
		assert.Equal(t, models.MessageStatusProcessed, stored.Status)
		assert.Equal(t, ActionIgnored, stored.Action)
	}
}

func TestTrustedHeadersOverrideRouting(t *testing.T) {
	e := newEnv(t)
	acc := e.accounts[1]
	acc.AllowTrustedHeaders = true
	e.accounts[1] = acc
	e.deliver(1, mail("monitor@example.com", "Disk full", "alert-1@example.com",
		"X-GOTRS-Priority: urgent\r\nX-GOTRS-DepartmentID: 8\r\nX-GOTRS-CategoryID: 5\r\n", "sda1 at 99%"))

	_, err := e.processor(nil).ProcessPending(context.Background())
	require.NoError(t, err)
	created := e.svc.Created()
	require.Len(t, created, 1)
	assert.Equal(t, models.PriorityUrgent, created[0].Priority)
	assert.Equal(t, 8, *created[0].DepartmentID)
	assert.Equal(t, 5, *created[0].CategoryID)
}

func TestSameMessageTwiceCreatesOneTicket(t *testing.T) {
	e := newEnv(t)
	raw := mail("alice@example.com", "Login issue", "dup-1@example.com", "", "Cannot log in")
	e.deliver(1, raw)
	again, _ := e.decoder.Decode(1, []byte(raw), e.now)
	require.ErrorIs(t, e.store.Insert(context.Background(), again), mailqueue.ErrDuplicate)

	p := e.processor(nil)
	_, err := p.ProcessPending(context.Background())
	require.NoError(t, err)
	batch, err := p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Listed)
	assert.Len(t, e.svc.Tickets(), 1)
}

func TestCrashAfterCreateAdoptsTicket(t *testing.T) {
	e := newEnv(t)
	e.store = &crashingStore{MemoryStore: mailqueue.NewMemoryStore(), crashes: 1}
	msg := e.deliver(1, mail("alice@example.com", "Login issue", "crash-1@example.com", "", "Cannot log in"))
	p := e.processor(nil)

	_, err := p.ProcessPending(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.MessageStatusProcessing, e.stored(msg.ID).Status)

	e.now = e.now.Add(10 * time.Minute)
	batch, err := p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), batch.Reclaimed)
	require.Len(t, batch.Results, 1)
	assert.Equal(t, ActionAdopted, batch.Results[0].Action)
	assert.Len(t, e.svc.Tickets(), 1)
	assert.Equal(t, models.MessageStatusProcessed, e.stored(msg.ID).Status)
}

func TestTooManyAttachmentsFailsTerminally(t *testing.T) {
	e := newEnv(t)
	var b strings.Builder
	b.WriteString("From: a@example.com\r\nMessage-ID: <many@example.com>\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n")
	for i := 0; i < 3; i++ {
		b.WriteString("--B\r\nContent-Type: application/pdf\r\nContent-Disposition: attachment; filename=f.pdf\r\n\r\n%PDF\r\n")
	}
	b.WriteString("--B--\r\n")
	msg := e.deliver(1, b.String())
	require.False(t, msg.Extracted)

	batch, err := e.processor(nil).ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 1, batch.Terminal)

	stored := e.stored(msg.ID)
	assert.Equal(t, models.MessageStatusFailed, stored.Status)
	assert.True(t, stored.Terminal)
	assert.Contains(t, stored.LastError, "too many attachments")
	failed, err := e.store.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestTicketServiceOutageRetriesThenTerminal(t *testing.T) {
	e := newEnv(t)
	e.opts = []Option{WithMaxRetries(2)}
	flaky := &flakyTickets{MemoryService: e.svc, createErr: errors.New("ticket service unavailable")}
	msg := e.deliver(1, mail("alice@example.com", "Help", "retry-1@example.com", "", "please"))
	p := e.processor(flaky)

	batch, err := p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 0, batch.Terminal)
	stored := e.stored(msg.ID)
	assert.True(t, stored.Retryable())
	assert.Equal(t, 1, stored.RetryCount)

	batch, err = p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Terminal)
	assert.True(t, e.stored(msg.ID).Terminal)

	require.NoError(t, e.store.Requeue(context.Background(), msg.ID, e.now))
	flaky.createErr = nil
	batch, err = p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)
	assert.Len(t, e.svc.Tickets(), 1)
}

func TestAttachmentUploadOutageRetriesWithoutDuplicates(t *testing.T) {
	e := newEnv(t)
	backend, err := storage.NewFilesystemBackend(t.TempDir())
	require.NoError(t, err)
	uploader := &outageUploader{MemoryService: e.svc, down: true}
	e.opts = []Option{WithMaxRetries(3), WithAttachments(attachments.NewProcessor(backend, uploader, attachments.WithLogger(quiet)))}
	msg := e.deliver(1, withAttachments)
	p := e.processor(nil)

	for i := 1; i <= 2; i++ {
		batch, err := p.ProcessPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, batch.Failed)
		stored := e.stored(msg.ID)
		assert.True(t, stored.Retryable(), "attempt %d", i)
		assert.Contains(t, stored.LastError, "503 service unavailable")
	}
	assert.Len(t, e.svc.Tickets(), 1, "retries adopt the ticket created by the first attempt")
	assert.Empty(t, e.svc.Uploads())

	uploader.down = false
	batch, err := p.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)
	assert.Equal(t, ActionAdopted, batch.Results[0].Action)
	assert.Equal(t, 1, batch.Results[0].Attachments)
	assert.Equal(t, models.MessageStatusProcessed, e.stored(msg.ID).Status)
	assert.Equal(t, 3, uploader.attempts)

	uploads := e.svc.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "manual.pdf", uploads[0].FileName)
	assert.Equal(t, "printer-1@example.com", uploads[0].MessageID)

	// a later redelivery of the same stored attachments is absorbed by the service
	_, err = attachments.NewProcessor(nil, e.svc).StoreForMessage(context.Background(), "printer-1@example.com", msg.Attachments[0], *batch.Results[0].TicketID, nil)
	require.NoError(t, err)
	assert.Len(t, e.svc.Uploads(), 1)
}

func TestNoEligibleAgentLeavesTicketUnassigned(t *testing.T) {
	e := newEnv(t)
	e.svc.SetAgents(nil)
	e.deliver(1, mail("alice@example.com", "Help", "lonely-1@example.com", "", "anyone?"))

	batch, err := e.processor(nil).ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)
	assert.Equal(t, ActionNewTicket, batch.Results[0].Action)
	assert.Nil(t, batch.Results[0].AgentID)
	assert.Nil(t, e.svc.Tickets()[0].AssignedAgentID)
}

func TestHeldLeaseSkipsMessage(t *testing.T) {
	e := newEnv(t)
	lease := cache.NewLocalLease()
	e.opts = []Option{WithLease(lease)}
	msg := e.deliver(1, mail("alice@example.com", "Help", "leased-1@example.com", "", "hi"))
	ok, err := lease.Acquire(context.Background(), leaseKey(msg), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	p := e.processor(nil)
	batch, err := p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Skipped)
	assert.Equal(t, models.MessageStatusPending, e.stored(msg.ID).Status)

	require.NoError(t, lease.Release(context.Background(), leaseKey(msg)))
	batch, err = p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)
}

func TestUnknownAccountUsesDefaults(t *testing.T) {
	e := newEnv(t)
	e.deliver(99, mail("alice@example.com", "", "noacct-1@example.com", "", "hello"))

	batch, err := e.processor(nil).ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)
	req := e.svc.Created()[0]
	assert.Equal(t, defaultSubject, req.Subject)
	assert.Equal(t, models.PriorityNormal, req.Priority)
}

func TestPermanentError(t *testing.T) {
	base := errors.New("boom")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "héllo", truncateUTF8("héllo", 0))
	assert.Equal(t, "h", truncateUTF8("héllo", 2))
	assert.Equal(t, "hé", truncateUTF8("héllo", 3))
}
