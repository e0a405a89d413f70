package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

var accountRowColumns = []string{
	"id", "name", "email_address", "account_type", "host", "port", "username", "password", "folder",
	"tenant_id", "client_id", "client_secret", "fetch_limit", "default_priority", "default_category_id",
	"default_department_id", "is_shared", "owner_agent_id", "allow_trusted_headers", "is_active", "last_sync_at",
}

func newRepo(t *testing.T) (*MailboxAccountRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMailboxAccountRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestListActiveScansNullableColumns(t *testing.T) {
	repo, mock := newRepo(t)
	synced := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(accountRowColumns).
		AddRow(1, "Support", "support@example.com", "imaps", "imap.example.com", 993, "support", "secretbox:abc", "INBOX",
			"", "", "", 25, "high", 4, nil, true, nil, false, true, synced).
		AddRow(2, "Dana", "dana@example.com", "pop3s", "pop.example.com", 995, "dana", "pw", "",
			"", "", "", 0, "normal", nil, 9, false, 7, true, true, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM mailbox_accounts WHERE is_active = ? ORDER BY id")).
		WithArgs(true).
		WillReturnRows(rows)

	accounts, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "imaps", accounts[0].Type)
	require.NotNil(t, accounts[0].DefaultCategoryID)
	assert.Equal(t, 4, *accounts[0].DefaultCategoryID)
	assert.Nil(t, accounts[0].OwnerAgentID)
	require.NotNil(t, accounts[0].LastSyncAt)
	assert.True(t, synced.Equal(*accounts[0].LastSyncAt))

	assert.False(t, accounts[1].Shared)
	require.NotNil(t, accounts[1].OwnerAgentID)
	assert.Equal(t, 7, *accounts[1].OwnerAgentID)
	assert.True(t, accounts[1].AllowTrustedHeaders)
	assert.Nil(t, accounts[1].LastSyncAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountNotFound(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM mailbox_accounts WHERE id = ?")).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows(accountRowColumns))

	_, err := repo.Account(context.Background(), 42)
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSynced(t *testing.T) {
	repo, mock := newRepo(t)
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE mailbox_accounts SET last_sync_at = ? WHERE id = ?")).
		WithArgs(at, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE mailbox_accounts").
		WithArgs(at, 4).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkSynced(context.Background(), 3, at))
	require.ErrorIs(t, repo.MarkSynced(context.Background(), 4, at), ErrAccountNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveInsertsOrUpdates(t *testing.T) {
	repo, mock := newRepo(t)
	acc := models.MailboxAccount{ID: 5, Name: "Sales", EmailAddress: "sales@example.com", Type: "imap", Shared: true, IsActive: true}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM mailbox_accounts WHERE id = ?")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO mailbox_accounts").WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectCommit()
	require.NoError(t, repo.Save(context.Background(), acc))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("UPDATE mailbox_accounts SET name").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, repo.Save(context.Background(), acc))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRollsBackOnError(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO mailbox_accounts").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), models.MailboxAccount{ID: 1})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

const accountsYAML = `accounts:
  - id: 2
    name: Dana
    email_address: dana@example.com
    type: POP3S
    host: pop.example.com
    port: 995
    shared: false
    owner_agent_id: 7
    active: true
  - id: 1
    name: Support
    email_address: support@example.com
    type: imaps
    host: imap.example.com
    default_priority: high
    default_department_id: 3
    shared: true
    allow_trusted_headers: true
    active: true
  - id: 3
    name: Old
    type: imap
    active: false
`

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(accountsYAML), 0o600))
	src := NewFileSource(path)
	ctx := context.Background()

	all, err := src.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, "pop3s", all[1].Type)

	active, err := src.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	acc, err := src.Account(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "high", acc.Priority())
	assert.True(t, acc.AllowTrustedHeaders)
	require.NotNil(t, acc.DefaultDepartmentID)
	assert.Equal(t, 3, *acc.DefaultDepartmentID)

	_, err = src.Account(ctx, 9)
	require.ErrorIs(t, err, ErrAccountNotFound)

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, src.MarkSynced(ctx, 2, at))
	acc, err = src.Account(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, acc.LastSyncAt)
	assert.Equal(t, at, *acc.LastSyncAt)
}

func TestParseAccountsRejectsDuplicateIDs(t *testing.T) {
	_, err := ParseAccounts([]byte("accounts:\n  - id: 1\n  - id: 1\n"))
	require.Error(t, err)
	_, err = ParseAccounts([]byte("accounts:\n  - name: missing id\n"))
	require.Error(t, err)
}
