package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, 10, c.Inbound.MaxAttachments)
	assert.Equal(t, int64(10*1024*1024), c.Inbound.MaxAttachmentBytes)
	assert.Contains(t, c.Inbound.AllowedExtensions, "pdf")
	assert.NotContains(t, c.Inbound.AllowedExtensions, "exe")
	assert.Equal(t, 30*time.Second, c.Inbound.ConnectTimeout)
	assert.Equal(t, "TKT-", c.Threading.TicketPrefix)
	assert.InDelta(t, 0.7, c.Threading.SimilarityThreshold, 1e-9)
	assert.Equal(t, "least_busy", c.Assignment.DefaultStrategy)
	assert.Equal(t, 20, c.Assignment.Capacity)
	require.NoError(t, c.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
inbound:
  max_attachments: 3
  allowed_extensions: [".PDF", "png", "png"]
threading:
  similarity_threshold: 0.8
assignment:
  default_strategy: round_robin
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Inbound.MaxAttachments)
	assert.Equal(t, []string{"pdf", "png"}, c.Inbound.AllowedExtensions)
	assert.InDelta(t, 0.8, c.Threading.SimilarityThreshold, 1e-9)
	assert.Equal(t, "round_robin", c.Assignment.DefaultStrategy)
	assert.Equal(t, 50, c.Inbound.FetchLimit, "unset keys keep defaults")
	assert.Same(t, c, Get())
}

func TestLoadFromFileEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("inbound:\n  fetch_limit: 5\n"), 0o600))
	t.Setenv("GOTRS_INBOUND_INBOUND_FETCH_LIMIT", "7")

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Inbound.FetchLimit)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	c := Default()
	c.Inbound.FetchLimit = 0
	c.Threading.SimilarityThreshold = 1.5
	c.Assignment.DefaultStrategy = "random"
	c.Schedule.Poll = "not a cron"

	err := c.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "inbound.fetch_limit")
	assert.Contains(t, msg, "similarity_threshold")
	assert.Contains(t, msg, "random")
	assert.Contains(t, msg, "schedule.poll")
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts:\n  source: file\n"), 0o600))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accounts.file")
}
