// Package tasks adapts the inbound pipeline stages to scheduled runner tasks.
package tasks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/assignment"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/poller"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/runner"
)

// Task names, also accepted by runner.RunOnce.
const (
	PollTaskName      = "mailbox-poll"
	ProcessTaskName   = "inbound-process"
	RebalanceTaskName = "workload-rebalance"
)

// AccountLister provides the accounts to poll.
type AccountLister interface {
	ListActive(ctx context.Context) ([]models.MailboxAccount, error)
}

// Poller fetches mail for a set of accounts.
type Poller interface {
	PollAll(ctx context.Context, accounts []models.MailboxAccount) []poller.Result
}

// Processor turns queued messages into tickets and comments.
type Processor interface {
	ProcessPending(ctx context.Context) (postmaster.BatchResult, error)
}

// Rebalancer moves tickets away from overloaded agents.
type Rebalancer interface {
	Rebalance(ctx context.Context) (assignment.RebalanceReport, error)
}

func taskLogger(prefix string, logger *log.Logger) *log.Logger {
	if logger != nil {
		return logger
	}
	return log.New(log.Writer(), prefix, log.LstdFlags)
}

// PollTask polls every active mailbox.
type PollTask struct {
	accounts AccountLister
	poller   Poller
	schedule string
	timeout  time.Duration
	logger   *log.Logger
}

// NewPollTask creates the mailbox poll task. A nil logger uses a [POLL] prefix.
func NewPollTask(accounts AccountLister, p Poller, schedule string, timeout time.Duration, logger *log.Logger) runner.Task {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &PollTask{
		accounts: accounts,
		poller:   p,
		schedule: schedule,
		timeout:  timeout,
		logger:   taskLogger("[POLL] ", logger),
	}
}

func (t *PollTask) Name() string           { return PollTaskName }
func (t *PollTask) Schedule() string       { return t.schedule }
func (t *PollTask) Timeout() time.Duration { return t.timeout }

// Run polls each active account. Per-account failures are logged and joined.
func (t *PollTask) Run(ctx context.Context) error {
	accounts, err := t.accounts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active accounts: %w", err)
	}
	if len(accounts) == 0 {
		t.logger.Println("No active mailbox accounts")
		return nil
	}

	results := t.poller.PollAll(ctx, accounts)
	var fetched, stored, dupes, failed int
	for _, r := range results {
		fetched += r.Fetched
		stored += r.New
		dupes += r.Duplicates
		if err := r.Err(); err != nil {
			failed++
			t.logger.Printf("Account %s: %v", r.Account, err)
		}
	}
	t.logger.Printf("Polled %d accounts: fetched=%d new=%d duplicates=%d failed=%d",
		len(results), fetched, stored, dupes, failed)
	return poller.JoinErrors(results)
}

// ProcessTask drains the pending queue once per tick.
type ProcessTask struct {
	processor Processor
	schedule  string
	timeout   time.Duration
	logger    *log.Logger
}

// NewProcessTask creates the queue processing task. A nil logger uses a [PROCESS] prefix.
func NewProcessTask(p Processor, schedule string, timeout time.Duration, logger *log.Logger) runner.Task {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ProcessTask{
		processor: p,
		schedule:  schedule,
		timeout:   timeout,
		logger:    taskLogger("[PROCESS] ", logger),
	}
}

func (t *ProcessTask) Name() string           { return ProcessTaskName }
func (t *ProcessTask) Schedule() string       { return t.schedule }
func (t *ProcessTask) Timeout() time.Duration { return t.timeout }

func (t *ProcessTask) Run(ctx context.Context) error {
	res, err := t.processor.ProcessPending(ctx)
	if res.Listed > 0 || res.Reclaimed > 0 {
		t.logger.Printf("Processed batch: listed=%d processed=%d ignored=%d skipped=%d failed=%d terminal=%d reclaimed=%d",
			res.Listed, res.Processed, res.Ignored, res.Skipped, res.Failed, res.Terminal, res.Reclaimed)
	}
	return err
}

// RebalanceTask redistributes tickets from agents over capacity.
type RebalanceTask struct {
	rebalancer Rebalancer
	schedule   string
	timeout    time.Duration
	logger     *log.Logger
}

// NewRebalanceTask creates the rebalance task. A nil logger uses a [REBALANCE] prefix.
func NewRebalanceTask(r Rebalancer, schedule string, timeout time.Duration, logger *log.Logger) runner.Task {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RebalanceTask{
		rebalancer: r,
		schedule:   schedule,
		timeout:    timeout,
		logger:     taskLogger("[REBALANCE] ", logger),
	}
}

func (t *RebalanceTask) Name() string           { return RebalanceTaskName }
func (t *RebalanceTask) Schedule() string       { return t.schedule }
func (t *RebalanceTask) Timeout() time.Duration { return t.timeout }

func (t *RebalanceTask) Run(ctx context.Context) error {
	report, err := t.rebalancer.Rebalance(ctx)
	if err != nil {
		return fmt.Errorf("rebalance: %w", err)
	}
	if report.AgentsOverloaded > 0 {
		t.logger.Printf("Rebalanced: overloaded=%d moved=%d unmoved=%d",
			report.AgentsOverloaded, report.Moved, report.Unmoved)
	}
	return nil
}
