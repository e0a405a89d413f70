package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-inbound/internal/config"
	"github.com/gotrs-io/gotrs-inbound/internal/database"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/runner/tasks"
	"github.com/gotrs-io/gotrs-inbound/internal/tickets"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "file:" + filepath.Join(dir, "inbound.db")
	cfg.Storage.Path = filepath.Join(dir, "attachments")
	cfg.Logging.Output = filepath.Join(dir, "inbound.log")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())

	var info map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, "dev", info["version"])
}

func TestRequeueRejectsBadIDsBeforeConnecting(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"failed", "requeue", "abc"})
	assert.ErrorContains(t, root.Execute(), `invalid message id "abc"`)
}

func TestAppProcessesQueuedMessageEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, sqliteConfig(t))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, database.Migrate(ctx, a.db))

	assert.ElementsMatch(t, []string{tasks.PollTaskName, tasks.ProcessTaskName, tasks.RebalanceTaskName}, a.tasks.Names())

	raw := "From: Jane <jane@example.com>\r\n" +
		"To: support@example.com\r\n" +
		"Subject: VPN drops every hour\r\n" +
		"Message-ID: <vpn-1@example.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\nThe VPN disconnects at the top of every hour.\r\n"
	msg := &models.InboundMessage{
		MailboxAccountID: 7,
		MessageID:        "<vpn-1@example.com>",
		Raw:              []byte(raw),
		ReceivedAt:       time.Now().UTC(),
	}
	require.NoError(t, a.store.Insert(ctx, msg))

	res, err := a.processor.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	stored, err := a.store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusProcessed, stored.Status)
	require.NotNil(t, stored.TicketID)

	mem := a.tickets.(*tickets.MemoryService)
	ticket, ok := mem.Ticket(*stored.TicketID)
	require.True(t, ok)
	assert.Equal(t, "VPN drops every hour", ticket.Subject)
	assert.Nil(t, ticket.AssignedAgentID, "no agents are registered")
}
