package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	name string
	// statements per driver; "" applies to all
	stmts map[string][]string
}

var migrations = []migration{
	{
		name: "001_inbound_messages",
		stmts: map[string][]string{
			DriverPostgres: {`CREATE TABLE IF NOT EXISTS inbound_messages (
	id BIGSERIAL PRIMARY KEY,
	mailbox_account_id INTEGER NOT NULL,
	message_id VARCHAR(998) NOT NULL,
	remote_id VARCHAR(512) NOT NULL DEFAULT '',
	from_address VARCHAR(320) NOT NULL DEFAULT '',
	from_name VARCHAR(255) NOT NULL DEFAULT '',
	to_addresses TEXT NOT NULL DEFAULT '[]',
	cc_addresses TEXT NOT NULL DEFAULT '[]',
	subject TEXT NOT NULL DEFAULT '',
	body_plain TEXT NOT NULL DEFAULT '',
	body_html TEXT NOT NULL DEFAULT '',
	headers TEXT NOT NULL DEFAULT '{}',
	attachments TEXT NOT NULL DEFAULT '[]',
	raw_message BYTEA,
	extracted BOOLEAN NOT NULL DEFAULT FALSE,
	received_at TIMESTAMPTZ NOT NULL,
	status VARCHAR(16) NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	is_terminal BOOLEAN NOT NULL DEFAULT FALSE,
	last_error TEXT NOT NULL DEFAULT '',
	ticket_id BIGINT,
	comment_id BIGINT,
	action VARCHAR(32) NOT NULL DEFAULT '',
	claimed_at TIMESTAMPTZ,
	processed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT uq_inbound_account_message UNIQUE (mailbox_account_id, message_id)
)`,
				`CREATE INDEX IF NOT EXISTS idx_inbound_status ON inbound_messages (status, is_terminal, received_at)`,
				`CREATE INDEX IF NOT EXISTS idx_inbound_remote ON inbound_messages (mailbox_account_id, remote_id)`,
			},
			DriverMySQL: {`CREATE TABLE IF NOT EXISTS inbound_messages (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	mailbox_account_id INT NOT NULL,
	message_id VARCHAR(512) NOT NULL,
	remote_id VARCHAR(512) NOT NULL DEFAULT '',
	from_address VARCHAR(320) NOT NULL DEFAULT '',
	from_name VARCHAR(255) NOT NULL DEFAULT '',
	to_addresses TEXT NOT NULL,
	cc_addresses TEXT NOT NULL,
	subject TEXT NOT NULL,
	body_plain MEDIUMTEXT NOT NULL,
	body_html MEDIUMTEXT NOT NULL,
	headers TEXT NOT NULL,
	attachments LONGTEXT NOT NULL,
	raw_message LONGBLOB,
	extracted TINYINT(1) NOT NULL DEFAULT 0,
	received_at DATETIME(6) NOT NULL,
	status VARCHAR(16) NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	is_terminal TINYINT(1) NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL,
	ticket_id BIGINT NULL,
	comment_id BIGINT NULL,
	action VARCHAR(32) NOT NULL DEFAULT '',
	claimed_at DATETIME(6) NULL,
	processed_at DATETIME(6) NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	UNIQUE KEY uq_inbound_account_message (mailbox_account_id, message_id),
	KEY idx_inbound_status (status, is_terminal, received_at),
	KEY idx_inbound_remote (mailbox_account_id, remote_id(191))
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`},
			DriverSQLite: {`CREATE TABLE IF NOT EXISTS inbound_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mailbox_account_id INTEGER NOT NULL,
	message_id TEXT NOT NULL,
	remote_id TEXT NOT NULL DEFAULT '',
	from_address TEXT NOT NULL DEFAULT '',
	from_name TEXT NOT NULL DEFAULT '',
	to_addresses TEXT NOT NULL DEFAULT '[]',
	cc_addresses TEXT NOT NULL DEFAULT '[]',
	subject TEXT NOT NULL DEFAULT '',
	body_plain TEXT NOT NULL DEFAULT '',
	body_html TEXT NOT NULL DEFAULT '',
	headers TEXT NOT NULL DEFAULT '{}',
	attachments TEXT NOT NULL DEFAULT '[]',
	raw_message BLOB,
	extracted INTEGER NOT NULL DEFAULT 0,
	received_at DATETIME NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	is_terminal INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	ticket_id INTEGER,
	comment_id INTEGER,
	action TEXT NOT NULL DEFAULT '',
	claimed_at DATETIME,
	processed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (mailbox_account_id, message_id)
)`,
				`CREATE INDEX IF NOT EXISTS idx_inbound_status ON inbound_messages (status, is_terminal, received_at)`,
				`CREATE INDEX IF NOT EXISTS idx_inbound_remote ON inbound_messages (mailbox_account_id, remote_id)`,
			},
		},
	},
	{
		name: "002_mailbox_accounts",
		stmts: map[string][]string{
			"": {`CREATE TABLE IF NOT EXISTS mailbox_accounts (
	id INTEGER PRIMARY KEY,
	name VARCHAR(200) NOT NULL,
	email_address VARCHAR(320) NOT NULL,
	account_type VARCHAR(20) NOT NULL,
	host VARCHAR(255) NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	username VARCHAR(255) NOT NULL DEFAULT '',
	password TEXT NOT NULL,
	folder VARCHAR(255) NOT NULL DEFAULT '',
	tenant_id VARCHAR(255) NOT NULL DEFAULT '',
	client_id VARCHAR(255) NOT NULL DEFAULT '',
	client_secret TEXT NOT NULL,
	fetch_limit INTEGER NOT NULL DEFAULT 0,
	default_priority VARCHAR(16) NOT NULL DEFAULT 'normal',
	default_category_id INTEGER NULL,
	default_department_id INTEGER NULL,
	is_shared BOOLEAN NOT NULL DEFAULT TRUE,
	owner_agent_id INTEGER NULL,
	allow_trusted_headers BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_sync_at TIMESTAMP NULL
)`},
		},
	},
}

// Migrate applies the schema for db's driver. Statements are idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	driver, err := NormalizeDriver(db.DriverName())
	if err != nil {
		return err
	}
	for _, m := range migrations {
		stmts := m.stmts[driver]
		if stmts == nil {
			stmts = m.stmts[""]
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
		}
	}
	return nil
}
