// Package poller fetches unseen mail from configured mailboxes into the message queue.
//
// Each account is polled through its own session; accounts may run in parallel
// but messages of one account are handled in order. A message is marked seen
// remotely only after it is stored (or known to be stored), so a crash between
// the two steps leads to a re-fetch that the dedup key absorbs.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/cache"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-inbound/internal/mailqueue"
	"github.com/gotrs-io/gotrs-inbound/internal/metrics"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

const (
	defaultFetchLimit     = 50
	defaultConnectTimeout = 30 * time.Second
	defaultPollTimeout    = 5 * time.Minute
	defaultWorkers        = 2
)

// Store is the part of the message queue the poller writes to.
type Store interface {
	Insert(ctx context.Context, msg *models.InboundMessage) error
	Exists(ctx context.Context, accountID int, messageID string) (bool, error)
	ExistsRemote(ctx context.Context, accountID int, remoteID string) (bool, error)
}

// SyncRecorder persists the last successful sync time of an account.
type SyncRecorder interface {
	MarkSynced(ctx context.Context, accountID int, at time.Time) error
}

// Result summarises one account's poll cycle.
type Result struct {
	AccountID  int
	Account    string
	Fetched    int
	New        int
	Duplicates int
	Errors     []error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Err joins the cycle's errors, nil when the cycle was clean.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// JoinErrors aggregates errors across results.
func JoinErrors(results []Result) error {
	var errs []error
	for _, r := range results {
		if err := r.Err(); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", r.Account, err))
		}
	}
	return errors.Join(errs...)
}

// Poller drives mailbox sessions.
type Poller struct {
	factory        connector.Factory
	store          Store
	decoder        *inbound.Decoder
	secrets        connector.SecretOpener
	status         cache.StatusStore
	syncs          SyncRecorder
	metrics        *metrics.Collectors
	fetchLimit     int
	connectTimeout time.Duration
	pollTimeout    time.Duration
	workers        int
	logger         *log.Logger
	now            func() time.Time
}

// Option customizes a Poller.
type Option func(*Poller)

// WithSecrets sets the opener used for sealed mailbox credentials.
func WithSecrets(secrets connector.SecretOpener) Option {
	return func(p *Poller) {
		if secrets != nil {
			p.secrets = secrets
		}
	}
}

// WithStatusStore records poll outcomes for operators.
func WithStatusStore(store cache.StatusStore) Option {
	return func(p *Poller) { p.status = store }
}

// WithSyncRecorder updates the account's last sync time after a clean session.
func WithSyncRecorder(r SyncRecorder) Option {
	return func(p *Poller) { p.syncs = r }
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithFetchLimit sets the per-account default; MailboxAccount.FetchLimit wins when set.
func WithFetchLimit(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.fetchLimit = n
		}
	}
}

// WithConnectTimeout bounds connection and login.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

// WithPollTimeout bounds a whole account session.
func WithPollTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.pollTimeout = d
		}
	}
}

// WithWorkers sets how many accounts are polled concurrently.
func WithWorkers(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a poller writing into store.
func New(factory connector.Factory, store Store, decoder *inbound.Decoder, opts ...Option) *Poller {
	if decoder == nil {
		decoder = inbound.NewDecoder(nil, nil)
	}
	p := &Poller{
		factory:        factory,
		store:          store,
		decoder:        decoder,
		secrets:        connector.PlainSecrets{},
		fetchLimit:     defaultFetchLimit,
		connectTimeout: defaultConnectTimeout,
		pollTimeout:    defaultPollTimeout,
		workers:        defaultWorkers,
		logger:         log.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// PollAll polls every active account, at most WithWorkers at a time. A failing
// account never blocks the others; results keep the order of accounts.
func (p *Poller) PollAll(ctx context.Context, accounts []models.MailboxAccount) []Result {
	p.metrics.PollRun()
	active := make([]models.MailboxAccount, 0, len(accounts))
	for _, a := range accounts {
		if a.IsActive {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		p.logf("poller: no active accounts")
		return nil
	}

	results := make([]Result, len(active))
	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	for i, account := range active {
		if ctx.Err() != nil {
			results[i] = Result{AccountID: account.ID, Account: accountLabel(account), Errors: []error{ctx.Err()}}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, account models.MailboxAccount) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.FetchNew(ctx, account)
		}(i, account)
	}
	wg.Wait()
	return results
}

// FetchNew runs one poll cycle against account.
func (p *Poller) FetchNew(ctx context.Context, account models.MailboxAccount) Result {
	res := Result{AccountID: account.ID, Account: accountLabel(account), StartedAt: p.now()}
	connected := p.session(ctx, account, &res)
	res.FinishedAt = p.now()
	p.finish(ctx, account, res, connected)
	return res
}

func (p *Poller) session(ctx context.Context, account models.MailboxAccount, res *Result) bool {
	if p.factory == nil || p.store == nil {
		res.Errors = append(res.Errors, errors.New("poller: factory and store are required"))
		return false
	}
	acct, err := connector.NewAccount(account, p.secrets)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("open credentials: %w", err))
		return false
	}
	mbox, err := p.factory.MailboxFor(acct)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return false
	}

	sessCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()
	connCtx, cancelConn := context.WithTimeout(sessCtx, p.connectTimeout)
	err = mbox.Connect(connCtx)
	cancelConn()
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("connect %s: %w", mbox.Name(), err))
		return false
	}
	defer func() {
		if err := mbox.Disconnect(); err != nil {
			p.logf("poller: %s: disconnect: %v", res.Account, err)
		}
	}()

	limit := p.fetchLimit
	if account.FetchLimit > 0 {
		limit = account.FetchLimit
	}
	refs, err := p.listNew(sessCtx, mbox, account, limit, res)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list unseen: %w", err))
		return false
	}
	for _, ref := range refs {
		if err := sessCtx.Err(); err != nil {
			res.Errors = append(res.Errors, err)
			break
		}
		p.handle(sessCtx, mbox, account, ref, res)
	}
	return true
}

// listNew returns at most limit messages that are not stored yet. Refs whose
// remote id is already stored are marked seen without a fetch. Flagless
// mailboxes keep fetched mail listed, so those are filtered before the limit
// applies and are not counted as duplicates.
func (p *Poller) listNew(ctx context.Context, mbox connector.Mailbox, account models.MailboxAccount, limit int, res *Result) ([]connector.MessageRef, error) {
	var (
		refs []connector.MessageRef
		err  error
	)
	flagless, isFlagless := mbox.(connector.Flagless)
	if isFlagless {
		refs, err = flagless.ListAll(ctx)
	} else {
		refs, err = mbox.ListUnseen(ctx, limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]connector.MessageRef, 0, len(refs))
	for _, ref := range refs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if ref.RemoteID == "" {
			out = append(out, ref)
			continue
		}
		known, err := p.store.ExistsRemote(ctx, account.ID, ref.RemoteID)
		if err != nil {
			return nil, fmt.Errorf("dedup check %s: %w", ref.UID, err)
		}
		if !known {
			out = append(out, ref)
			continue
		}
		if !isFlagless {
			res.Duplicates++
		}
		if err := mbox.MarkSeen(ctx, ref); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("mark seen %s: %w", ref.UID, err))
		}
	}
	return out, nil
}

func (p *Poller) handle(ctx context.Context, mbox connector.Mailbox, account models.MailboxAccount, ref connector.MessageRef, res *Result) {
	fetched, err := mbox.FetchRaw(ctx, ref)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("fetch %s: %w", ref.UID, err))
		return
	}
	res.Fetched++

	msg, derr := p.decoder.Decode(account.ID, fetched.Raw, fetched.ReceivedAt)
	if derr != nil {
		p.logf("poller: %s: message %s stored unextracted: %v", res.Account, msg.MessageID, derr)
	}
	msg.RemoteID = fetched.RemoteID

	exists, err := p.store.Exists(ctx, account.ID, msg.MessageID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("dedup check %s: %w", msg.MessageID, err))
		return
	}
	if exists {
		res.Duplicates++
	} else {
		switch err := p.store.Insert(ctx, msg); {
		case errors.Is(err, mailqueue.ErrDuplicate):
			res.Duplicates++
		case err != nil:
			// left unseen so the next cycle fetches it again
			res.Errors = append(res.Errors, fmt.Errorf("store %s: %w", msg.MessageID, err))
			return
		default:
			res.New++
		}
	}

	if err := mbox.MarkSeen(ctx, ref); err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("mark seen %s: %w", ref.UID, err))
	}
}

func (p *Poller) finish(ctx context.Context, account models.MailboxAccount, res Result, connected bool) {
	took := res.FinishedAt.Sub(res.StartedAt)
	p.metrics.AccountPolled(res.Account, res.Fetched, res.New, res.Duplicates, len(res.Errors), took)

	status := cache.PollStatus{
		AccountID:  account.ID,
		LastPollAt: res.FinishedAt.UTC(),
		LastStatus: "success",
		Fetched:    res.Fetched,
		New:        res.New,
		Duplicates: res.Duplicates,
		DurationMS: took.Milliseconds(),
	}
	if err := res.Err(); err != nil {
		status.LastStatus = "error"
		status.LastError = err.Error()
		p.logf("poller: %s: %d error(s): %v", res.Account, len(res.Errors), err)
	}
	if p.status != nil {
		// best effort
		if err := p.status.Record(ctx, status); err != nil {
			p.logf("poller: %s: record status: %v", res.Account, err)
		}
	}
	if connected && p.syncs != nil {
		if err := p.syncs.MarkSynced(ctx, account.ID, res.FinishedAt.UTC()); err != nil {
			p.logf("poller: %s: mark synced: %v", res.Account, err)
		}
	}
	p.logf("poller: %s: fetched=%d new=%d duplicates=%d in %v", res.Account, res.Fetched, res.New, res.Duplicates, took)
}

func accountLabel(a models.MailboxAccount) string {
	if a.Name != "" {
		return a.Name
	}
	if a.EmailAddress != "" {
		return a.EmailAddress
	}
	return strconv.Itoa(a.ID)
}

func (p *Poller) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
