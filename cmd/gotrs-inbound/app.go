package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/gotrs-inbound/internal/api"
	"github.com/gotrs-io/gotrs-inbound/internal/assignment"
	"github.com/gotrs-io/gotrs-inbound/internal/cache"
	"github.com/gotrs-io/gotrs-inbound/internal/config"
	"github.com/gotrs-io/gotrs-inbound/internal/database"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/attachments"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/extract"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/poller"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/sanitize"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/threading"
	"github.com/gotrs-io/gotrs-inbound/internal/mailqueue"
	"github.com/gotrs-io/gotrs-inbound/internal/metrics"
	"github.com/gotrs-io/gotrs-inbound/internal/notifications"
	"github.com/gotrs-io/gotrs-inbound/internal/repository"
	"github.com/gotrs-io/gotrs-inbound/internal/runner"
	"github.com/gotrs-io/gotrs-inbound/internal/runner/tasks"
	"github.com/gotrs-io/gotrs-inbound/internal/storage"
	"github.com/gotrs-io/gotrs-inbound/internal/ticketnumber"
	"github.com/gotrs-io/gotrs-inbound/internal/tickets"
)

// app holds the wired pipeline for one CLI invocation.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	db        *sqlx.DB
	rdb       *redis.Client
	registry  *prometheus.Registry
	metrics   *metrics.Collectors
	store     mailqueue.Store
	accounts  repository.AccountSource
	status    cache.StatusStore
	tickets   tickets.Service
	poller    *poller.Poller
	processor *postmaster.Processor
	engine    *assignment.Engine
	tasks     *runner.TaskRegistry
	closers   []io.Closer
}

// configureLogging applies logging.output and logging.prefix to the standard logger.
func configureLogging(cfg config.LoggingConfig) (io.Closer, error) {
	var closer io.Closer
	switch cfg.Output {
	case "", "stdout":
		log.SetOutput(os.Stdout)
	case "stderr":
		log.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(f)
		closer = f
	}
	log.SetPrefix(cfg.Prefix)
	return closer, nil
}

// newApp connects to the configured stores and wires every stage.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: log.Default()}
	if err := a.connect(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	cfg := a.cfg
	logOut, err := configureLogging(cfg.Logging)
	if err != nil {
		return err
	}
	if logOut != nil {
		a.closers = append(a.closers, logOut)
	}

	a.db, err = database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.db)

	if cfg.Redis.Addr != "" {
		a.rdb, err = cache.NewRedisClient(cache.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.rdb)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	return a.wire()
}

func (a *app) wire() error {
	cfg := a.cfg

	format, err := ticketnumber.New(cfg.Threading.TicketPrefix, cfg.Threading.TicketDigits)
	if err != nil {
		return err
	}
	strategy, err := assignment.ParseStrategy(cfg.Assignment.DefaultStrategy)
	if err != nil {
		return err
	}

	a.store = mailqueue.NewSQLStore(a.db)
	switch cfg.Accounts.Source {
	case "file":
		a.accounts = repository.NewFileSource(cfg.Accounts.File)
	default:
		a.accounts = repository.NewMailboxAccountRepository(a.db)
	}

	if cfg.Tickets.BaseURL == "" {
		a.logger.Printf("gotrs-inbound: tickets.base_url not set, using the in-memory ticket service")
		a.tickets = tickets.NewMemoryService(format)
	} else {
		a.tickets = tickets.NewClient(tickets.Config{
			BaseURL:       cfg.Tickets.BaseURL,
			Token:         cfg.Tickets.Token,
			Timeout:       cfg.Tickets.Timeout,
			RatePerSecond: cfg.Tickets.RatePerSecond,
			RetryCount:    2,
			Logger:        a.logger,
		})
	}

	var (
		lease    cache.Lease
		notifier notifications.Notifier
	)
	if a.rdb != nil {
		lease = cache.NewRedisLease(a.rdb, cfg.Redis.KeyPrefix)
		a.status = cache.NewRedisStatusStore(a.rdb, cfg.Redis.KeyPrefix)
		notifier = notifications.NewRedisPublisher(a.rdb, cfg.Notifications.Queue, a.logger)
	} else {
		lease = cache.NewLocalLease()
		a.status = cache.NewMemoryStatusStore()
		notifier = notifications.LogNotifier{Logger: a.logger}
	}

	var secrets connector.SecretOpener = connector.PlainSecrets{}
	if cfg.Security.CredentialKey != "" {
		box, err := connector.NewSecretBox(cfg.Security.CredentialKey)
		if err != nil {
			return fmt.Errorf("security.credential_key: %w", err)
		}
		secrets = box
	}

	extractor := extract.New(extract.Limits{
		MaxAttachments:     cfg.Inbound.MaxAttachments,
		MaxAttachmentBytes: cfg.Inbound.MaxAttachmentBytes,
		AllowedExtensions:  cfg.Inbound.AllowedExtensions,
		MaxBodyBytes:       cfg.Inbound.MaxBodyBytes,
	}, extract.WithLogger(a.logger))
	decoder := inbound.NewDecoder(extractor, sanitize.New(sanitize.WithLogger(a.logger)), inbound.WithDecoderLogger(a.logger))

	backend, err := storage.NewFilesystemBackend(cfg.Storage.Path)
	if err != nil {
		return err
	}
	atts := attachments.NewProcessor(backend, a.tickets,
		attachments.WithAllowedExtensions(cfg.Inbound.AllowedExtensions),
		attachments.WithMaxBytes(cfg.Inbound.MaxAttachmentBytes),
		attachments.WithLogger(a.logger),
	)

	resolver := threading.New(a.tickets, format,
		threading.WithThreshold(cfg.Threading.SimilarityThreshold),
		threading.WithLookback(time.Duration(cfg.Threading.LookbackDays)*24*time.Hour),
		threading.WithCandidateLimit(cfg.Threading.CandidateLimit),
		threading.WithLogger(a.logger),
	)

	a.engine = assignment.New(a.tickets, a.tickets,
		assignment.WithState(assignment.NewState(cfg.Assignment.WorkloadTTL)),
		assignment.WithDefaultStrategy(strategy),
		assignment.WithCapacity(cfg.Assignment.Capacity),
		assignment.WithHighPriorityCapacity(cfg.Assignment.HighPriorityCapacity),
		assignment.WithNotifier(notifier),
		assignment.WithMetrics(a.metrics),
		assignment.WithLogger(a.logger),
	)

	factory := connector.DefaultFactory(
		connector.NewIMAPConnector(
			connector.WithIMAPDeleteAfterFetch(cfg.Inbound.DeleteAfterFetch),
			connector.WithIMAPDialTimeout(cfg.Inbound.ConnectTimeout),
			connector.WithIMAPLogger(a.logger),
		),
		connector.NewPOP3Connector(
			connector.WithPOP3DeleteAfterFetch(cfg.Inbound.DeleteAfterFetch),
			connector.WithPOP3DialTimeout(cfg.Inbound.ConnectTimeout),
			connector.WithPOP3Logger(a.logger),
		),
		connector.NewGraphConnector(
			connector.WithGraphTimeout(cfg.Inbound.ConnectTimeout),
			connector.WithGraphLogger(a.logger),
		),
	)
	a.poller = poller.New(factory, a.store, decoder,
		poller.WithSecrets(secrets),
		poller.WithStatusStore(a.status),
		poller.WithSyncRecorder(a.accounts),
		poller.WithMetrics(a.metrics),
		poller.WithFetchLimit(cfg.Inbound.FetchLimit),
		poller.WithConnectTimeout(cfg.Inbound.ConnectTimeout),
		poller.WithWorkers(cfg.Inbound.PollWorkers),
		poller.WithLogger(a.logger),
	)

	a.processor = postmaster.NewProcessor(a.store, decoder, resolver, a.tickets,
		postmaster.WithAccounts(a.accounts),
		postmaster.WithAssigner(a.engine, strategy),
		postmaster.WithAttachments(atts),
		postmaster.WithLease(lease),
		postmaster.WithMetrics(a.metrics),
		postmaster.WithBatchSize(cfg.Inbound.ProcessBatch),
		postmaster.WithMaxRetries(cfg.Inbound.MaxRetries),
		postmaster.WithStaleAfter(cfg.Inbound.ProcessingLease),
		postmaster.WithMaxBodyBytes(cfg.Inbound.MaxBodyBytes),
		postmaster.WithLogger(a.logger),
	)

	a.tasks = runner.NewTaskRegistry()
	return errors.Join(
		a.tasks.Register(tasks.NewPollTask(a.accounts, a.poller, cfg.Schedule.Poll, 0, nil)),
		a.tasks.Register(tasks.NewProcessTask(a.processor, cfg.Schedule.Process, 0, nil)),
		a.tasks.Register(tasks.NewRebalanceTask(a.engine, cfg.Schedule.Rebalance, 0, nil)),
	)
}

// server builds the operator API over the wired pipeline.
func (a *app) server(r *runner.Runner) *api.Server {
	return api.NewServer(a.store,
		api.WithAccounts(a.accounts, a.status),
		api.WithTasks(r, a.tasks.Names()...),
		api.WithGatherer(a.registry),
		api.WithPing(a.db.PingContext),
		api.WithLogger(a.logger),
	)
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
