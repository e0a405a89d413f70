// Package repository loads the mailbox accounts the pipeline polls.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// ErrAccountNotFound is returned for unknown account ids.
var ErrAccountNotFound = errors.New("mailbox account not found")

// AccountSource lists configured mailboxes.
type AccountSource interface {
	List(ctx context.Context) ([]models.MailboxAccount, error)
	ListActive(ctx context.Context) ([]models.MailboxAccount, error)
	Account(ctx context.Context, id int) (*models.MailboxAccount, error)
	MarkSynced(ctx context.Context, accountID int, at time.Time) error
}

const accountColumns = `id, name, email_address, account_type, host, port, username, password, folder,
		tenant_id, client_id, client_secret, fetch_limit, default_priority, default_category_id,
		default_department_id, is_shared, owner_agent_id, allow_trusted_headers, is_active, last_sync_at`

// MailboxAccountRepository reads accounts from the mailbox_accounts table.
type MailboxAccountRepository struct {
	db *sqlx.DB
}

// NewMailboxAccountRepository creates a repository over db.
func NewMailboxAccountRepository(db *sqlx.DB) *MailboxAccountRepository {
	return &MailboxAccountRepository{db: db}
}

func (r *MailboxAccountRepository) List(ctx context.Context) ([]models.MailboxAccount, error) {
	var accounts []models.MailboxAccount
	query := `SELECT ` + accountColumns + ` FROM mailbox_accounts ORDER BY id`
	if err := r.db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to list mailbox accounts: %w", err)
	}
	return accounts, nil
}

func (r *MailboxAccountRepository) ListActive(ctx context.Context) ([]models.MailboxAccount, error) {
	var accounts []models.MailboxAccount
	query := r.db.Rebind(`SELECT ` + accountColumns + ` FROM mailbox_accounts WHERE is_active = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &accounts, query, true); err != nil {
		return nil, fmt.Errorf("failed to list active mailbox accounts: %w", err)
	}
	return accounts, nil
}

func (r *MailboxAccountRepository) Account(ctx context.Context, id int) (*models.MailboxAccount, error) {
	var account models.MailboxAccount
	query := r.db.Rebind(`SELECT ` + accountColumns + ` FROM mailbox_accounts WHERE id = ?`)
	err := r.db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox account %d: %w", id, err)
	}
	return &account, nil
}

// MarkSynced records the end of a successful poll session.
func (r *MailboxAccountRepository) MarkSynced(ctx context.Context, accountID int, at time.Time) error {
	query := r.db.Rebind(`UPDATE mailbox_accounts SET last_sync_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, at, accountID)
	if err != nil {
		return fmt.Errorf("failed to mark mailbox account %d synced: %w", accountID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return nil
}

// Save inserts account, or updates it when the id already exists. The last
// sync time is left untouched.
func (r *MailboxAccountRepository) Save(ctx context.Context, account models.MailboxAccount) error {
	if account.ID <= 0 {
		return fmt.Errorf("mailbox account %q: id is required", account.Name)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM mailbox_accounts WHERE id = ?`), account.ID); err != nil {
		return fmt.Errorf("failed to check mailbox account %d: %w", account.ID, err)
	}
	query := `INSERT INTO mailbox_accounts (id, name, email_address, account_type, host, port, username, password,
		folder, tenant_id, client_id, client_secret, fetch_limit, default_priority, default_category_id,
		default_department_id, is_shared, owner_agent_id, allow_trusted_headers, is_active)
		VALUES (:id, :name, :email_address, :account_type, :host, :port, :username, :password,
		:folder, :tenant_id, :client_id, :client_secret, :fetch_limit, :default_priority, :default_category_id,
		:default_department_id, :is_shared, :owner_agent_id, :allow_trusted_headers, :is_active)`
	if n > 0 {
		query = `UPDATE mailbox_accounts SET name = :name, email_address = :email_address,
		account_type = :account_type, host = :host, port = :port, username = :username, password = :password,
		folder = :folder, tenant_id = :tenant_id, client_id = :client_id, client_secret = :client_secret,
		fetch_limit = :fetch_limit, default_priority = :default_priority,
		default_category_id = :default_category_id, default_department_id = :default_department_id,
		is_shared = :is_shared, owner_agent_id = :owner_agent_id,
		allow_trusted_headers = :allow_trusted_headers, is_active = :is_active
		WHERE id = :id`
	}
	if _, err := tx.NamedExecContext(ctx, query, account); err != nil {
		return fmt.Errorf("failed to save mailbox account %d: %w", account.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mailbox account %d: %w", account.ID, err)
	}
	return nil
}
