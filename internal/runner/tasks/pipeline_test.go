package tasks

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-inbound/internal/assignment"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/poller"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/runner"
)

type fakeAccounts struct {
	accounts []models.MailboxAccount
	err      error
}

func (f fakeAccounts) ListActive(context.Context) ([]models.MailboxAccount, error) {
	return f.accounts, f.err
}

type fakePoller struct {
	got     []models.MailboxAccount
	results []poller.Result
}

func (f *fakePoller) PollAll(_ context.Context, accounts []models.MailboxAccount) []poller.Result {
	f.got = accounts
	return f.results
}

type fakeProcessor struct {
	res postmaster.BatchResult
	err error
}

func (f fakeProcessor) ProcessPending(context.Context) (postmaster.BatchResult, error) {
	return f.res, f.err
}

type fakeRebalancer struct {
	report assignment.RebalanceReport
	err    error
}

func (f fakeRebalancer) Rebalance(context.Context) (assignment.RebalanceReport, error) {
	return f.report, f.err
}

func bufLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return log.New(&buf, "", 0), &buf
}

func TestTasksImplementRunnerTask(t *testing.T) {
	var _ runner.Task = &PollTask{}
	var _ runner.Task = &ProcessTask{}
	var _ runner.Task = &RebalanceTask{}

	task := NewPollTask(fakeAccounts{}, &fakePoller{}, "0 */2 * * * *", 0, nil)
	assert.Equal(t, PollTaskName, task.Name())
	assert.Equal(t, "0 */2 * * * *", task.Schedule())
	assert.Equal(t, 10*time.Minute, task.Timeout())

	proc := NewProcessTask(fakeProcessor{}, "*/30 * * * * *", time.Minute, nil)
	assert.Equal(t, ProcessTaskName, proc.Name())
	assert.Equal(t, time.Minute, proc.Timeout())

	reb := NewRebalanceTask(fakeRebalancer{}, "", 0, nil)
	assert.Equal(t, RebalanceTaskName, reb.Name())
	assert.Empty(t, reb.Schedule())
}

func TestPollTaskJoinsAccountErrors(t *testing.T) {
	logger, buf := bufLogger()
	p := &fakePoller{results: []poller.Result{
		{AccountID: 1, Account: "support", Fetched: 3, New: 2, Duplicates: 1},
		{AccountID: 2, Account: "sales", Errors: []error{errors.New("auth failed")}},
	}}
	accounts := fakeAccounts{accounts: []models.MailboxAccount{{ID: 1}, {ID: 2}}}

	err := NewPollTask(accounts, p, "", 0, logger).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account sales: auth failed")
	assert.Len(t, p.got, 2)
	assert.Contains(t, buf.String(), "fetched=3 new=2 duplicates=1 failed=1")
}

func TestPollTaskWithoutAccountsSkipsPoller(t *testing.T) {
	logger, _ := bufLogger()
	p := &fakePoller{}
	require.NoError(t, NewPollTask(fakeAccounts{}, p, "", 0, logger).Run(context.Background()))
	assert.Nil(t, p.got)

	err := NewPollTask(fakeAccounts{err: errors.New("db down")}, p, "", 0, logger).Run(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestProcessTaskLogsBatch(t *testing.T) {
	logger, buf := bufLogger()
	res := postmaster.BatchResult{Listed: 4, Processed: 2, Ignored: 1, Failed: 1}
	require.NoError(t, NewProcessTask(fakeProcessor{res: res}, "", 0, logger).Run(context.Background()))
	assert.Contains(t, buf.String(), "listed=4 processed=2 ignored=1 skipped=0 failed=1")

	buf.Reset()
	cause := errors.New("store unavailable")
	err := NewProcessTask(fakeProcessor{err: cause}, "", 0, logger).Run(context.Background())
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, buf.String())
}

func TestRebalanceTask(t *testing.T) {
	logger, buf := bufLogger()
	report := assignment.RebalanceReport{AgentsChecked: 3, AgentsOverloaded: 1, Moved: 2}
	require.NoError(t, NewRebalanceTask(fakeRebalancer{report: report}, "", 0, logger).Run(context.Background()))
	assert.Contains(t, buf.String(), "overloaded=1 moved=2 unmoved=0")

	err := NewRebalanceTask(fakeRebalancer{err: errors.New("directory offline")}, "", 0, logger).Run(context.Background())
	assert.ErrorContains(t, err, "rebalance: directory offline")
}
