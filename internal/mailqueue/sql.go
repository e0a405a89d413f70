package mailqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/gotrs-inbound/internal/database"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

const messageColumns = `id, mailbox_account_id, message_id, remote_id, from_address, from_name,
		to_addresses, cc_addresses, subject, body_plain, body_html, headers, attachments,
		raw_message, extracted, received_at, status, retry_count, is_terminal, last_error,
		ticket_id, comment_id, action, claimed_at, processed_at, created_at, updated_at`

// messageRow is the column layout of inbound_messages.
type messageRow struct {
	ID               int64         `db:"id"`
	MailboxAccountID int           `db:"mailbox_account_id"`
	MessageID        string        `db:"message_id"`
	RemoteID         string        `db:"remote_id"`
	FromAddress      string        `db:"from_address"`
	FromName         string        `db:"from_name"`
	ToAddresses      string        `db:"to_addresses"`
	CcAddresses      string        `db:"cc_addresses"`
	Subject          string        `db:"subject"`
	BodyPlain        string        `db:"body_plain"`
	BodyHTML         string        `db:"body_html"`
	Headers          string        `db:"headers"`
	Attachments      string        `db:"attachments"`
	Raw              []byte        `db:"raw_message"`
	Extracted        bool          `db:"extracted"`
	ReceivedAt       time.Time     `db:"received_at"`
	Status           string        `db:"status"`
	RetryCount       int           `db:"retry_count"`
	Terminal         bool          `db:"is_terminal"`
	LastError        string        `db:"last_error"`
	TicketID         sql.NullInt64 `db:"ticket_id"`
	CommentID        sql.NullInt64 `db:"comment_id"`
	Action           string        `db:"action"`
	ClaimedAt        sql.NullTime  `db:"claimed_at"`
	ProcessedAt      sql.NullTime  `db:"processed_at"`
	CreatedAt        time.Time     `db:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"`
}

// storedAttachment keeps the payload, which models.Attachment hides from JSON.
type storedAttachment struct {
	models.Attachment
	Content []byte `json:"content"`
}

// SQLStore is a Store backed by the inbound_messages table.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a SQL-backed store.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func toRow(msg *models.InboundMessage) (*messageRow, error) {
	to, err := json.Marshal(nonNil(msg.ToAddresses))
	if err != nil {
		return nil, err
	}
	cc, err := json.Marshal(nonNil(msg.CcAddresses))
	if err != nil {
		return nil, err
	}
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return nil, err
	}
	atts := make([]storedAttachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		atts = append(atts, storedAttachment{Attachment: a, Content: a.Content})
	}
	attJSON, err := json.Marshal(atts)
	if err != nil {
		return nil, err
	}
	row := &messageRow{
		ID:               msg.ID,
		MailboxAccountID: msg.MailboxAccountID,
		MessageID:        msg.MessageID,
		RemoteID:         msg.RemoteID,
		FromAddress:      msg.FromAddress,
		FromName:         msg.FromName,
		ToAddresses:      string(to),
		CcAddresses:      string(cc),
		Subject:          msg.Subject,
		BodyPlain:        msg.BodyPlain,
		BodyHTML:         msg.BodyHTML,
		Headers:          string(headers),
		Attachments:      string(attJSON),
		Raw:              msg.Raw,
		Extracted:        msg.Extracted,
		ReceivedAt:       msg.ReceivedAt,
		Status:           string(msg.Status),
		RetryCount:       msg.RetryCount,
		Terminal:         msg.Terminal,
		LastError:        msg.LastError,
		Action:           msg.Action,
		CreatedAt:        msg.CreatedAt,
		UpdatedAt:        msg.UpdatedAt,
	}
	if msg.TicketID != nil {
		row.TicketID = sql.NullInt64{Int64: *msg.TicketID, Valid: true}
	}
	if msg.CommentID != nil {
		row.CommentID = sql.NullInt64{Int64: *msg.CommentID, Valid: true}
	}
	return row, nil
}

func (r *messageRow) toModel() (*models.InboundMessage, error) {
	msg := &models.InboundMessage{
		ID:               r.ID,
		MailboxAccountID: r.MailboxAccountID,
		MessageID:        r.MessageID,
		RemoteID:         r.RemoteID,
		FromAddress:      r.FromAddress,
		FromName:         r.FromName,
		Subject:          r.Subject,
		BodyPlain:        r.BodyPlain,
		BodyHTML:         r.BodyHTML,
		Raw:              r.Raw,
		Extracted:        r.Extracted,
		ReceivedAt:       r.ReceivedAt,
		Status:           models.MessageStatus(r.Status),
		RetryCount:       r.RetryCount,
		Terminal:         r.Terminal,
		LastError:        r.LastError,
		Action:           r.Action,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if err := unmarshalColumn(r.ToAddresses, &msg.ToAddresses); err != nil {
		return nil, fmt.Errorf("to_addresses: %w", err)
	}
	if err := unmarshalColumn(r.CcAddresses, &msg.CcAddresses); err != nil {
		return nil, fmt.Errorf("cc_addresses: %w", err)
	}
	if err := unmarshalColumn(r.Headers, &msg.Headers); err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	var atts []storedAttachment
	if err := unmarshalColumn(r.Attachments, &atts); err != nil {
		return nil, fmt.Errorf("attachments: %w", err)
	}
	for _, a := range atts {
		att := a.Attachment
		att.Content = a.Content
		msg.Attachments = append(msg.Attachments, att)
	}
	if r.TicketID.Valid {
		v := r.TicketID.Int64
		msg.TicketID = &v
	}
	if r.CommentID.Valid {
		v := r.CommentID.Int64
		msg.CommentID = &v
	}
	if r.ClaimedAt.Valid {
		v := r.ClaimedAt.Time
		msg.ClaimedAt = &v
	}
	if r.ProcessedAt.Valid {
		v := r.ProcessedAt.Time
		msg.ProcessedAt = &v
	}
	return msg, nil
}

func unmarshalColumn(raw string, dest any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// Insert adds a new message to the queue
func (s *SQLStore) Insert(ctx context.Context, msg *models.InboundMessage) error {
	if msg.Status == "" {
		msg.Status = models.MessageStatusPending
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	row, err := toRow(msg)
	if err != nil {
		return fmt.Errorf("encode inbound message: %w", err)
	}

	query := `INSERT INTO inbound_messages (
			mailbox_account_id, message_id, remote_id, from_address, from_name,
			to_addresses, cc_addresses, subject, body_plain, body_html, headers, attachments,
			raw_message, extracted, received_at, status, retry_count, is_terminal, last_error,
			action, created_at, updated_at
		) VALUES (
			:mailbox_account_id, :message_id, :remote_id, :from_address, :from_name,
			:to_addresses, :cc_addresses, :subject, :body_plain, :body_html, :headers, :attachments,
			:raw_message, :extracted, :received_at, :status, :retry_count, :is_terminal, :last_error,
			:action, :created_at, :updated_at
		)`

	if s.db.DriverName() == database.DriverPostgres {
		named, args, err := s.db.BindNamed(query+" RETURNING id", row)
		if err != nil {
			return fmt.Errorf("bind inbound message insert: %w", err)
		}
		if err := s.db.QueryRowxContext(ctx, named, args...).Scan(&msg.ID); err != nil {
			return classifyInsert(err)
		}
		return nil
	}

	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return classifyInsert(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("inbound message id: %w", err)
	}
	msg.ID = id
	return nil
}

func classifyInsert(err error) error {
	if database.IsDuplicateKey(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return fmt.Errorf("failed to insert inbound message: %w", err)
}

// Exists checks the dedup key.
func (s *SQLStore) Exists(ctx context.Context, accountID int, messageID string) (bool, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(*) FROM inbound_messages WHERE mailbox_account_id = ? AND message_id = ?`)
	if err := s.db.GetContext(ctx, &n, query, accountID, messageID); err != nil {
		return false, fmt.Errorf("failed to check inbound message: %w", err)
	}
	return n > 0, nil
}

// ExistsRemote checks for a stored message with the given mailbox-side id.
func (s *SQLStore) ExistsRemote(ctx context.Context, accountID int, remoteID string) (bool, error) {
	if remoteID == "" {
		return false, nil
	}
	var n int
	query := s.db.Rebind(`SELECT COUNT(*) FROM inbound_messages WHERE mailbox_account_id = ? AND remote_id = ?`)
	if err := s.db.GetContext(ctx, &n, query, accountID, remoteID); err != nil {
		return false, fmt.Errorf("failed to check remote message: %w", err)
	}
	return n > 0, nil
}

// Get loads one message by id.
func (s *SQLStore) Get(ctx context.Context, id int64) (*models.InboundMessage, error) {
	var row messageRow
	query := s.db.Rebind(`SELECT ` + messageColumns + ` FROM inbound_messages WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get inbound message: %w", err)
	}
	return row.toModel()
}

// ListProcessable retrieves pending and retryable failed messages, oldest first.
func (s *SQLStore) ListProcessable(ctx context.Context, limit int) ([]*models.InboundMessage, error) {
	query := `SELECT ` + messageColumns + `
		FROM inbound_messages
		WHERE status = ? OR (status = ? AND is_terminal = ?)
		ORDER BY received_at ASC, id ASC
		LIMIT ?`
	return s.selectMessages(ctx, query, models.MessageStatusPending, models.MessageStatusFailed, false, limit)
}

// ListFailed retrieves messages that exhausted their retries.
func (s *SQLStore) ListFailed(ctx context.Context, limit int) ([]*models.InboundMessage, error) {
	query := `SELECT ` + messageColumns + `
		FROM inbound_messages
		WHERE status = ? AND is_terminal = ?
		ORDER BY received_at ASC, id ASC
		LIMIT ?`
	return s.selectMessages(ctx, query, models.MessageStatusFailed, true, limit)
}

func (s *SQLStore) selectMessages(ctx context.Context, query string, args ...any) ([]*models.InboundMessage, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query inbound messages: %w", err)
	}
	out := make([]*models.InboundMessage, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("decode inbound message %d: %w", rows[i].ID, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Claim is a conditional update; only one worker sees a row affected.
func (s *SQLStore) Claim(ctx context.Context, id int64, now time.Time) error {
	query := s.db.Rebind(`UPDATE inbound_messages
		SET status = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND (status = ? OR (status = ? AND is_terminal = ?))`)
	res, err := s.db.ExecContext(ctx, query,
		models.MessageStatusProcessing, now, now,
		id, models.MessageStatusPending, models.MessageStatusFailed, false)
	if err != nil {
		return fmt.Errorf("failed to claim inbound message: %w", err)
	}
	return s.expectOne(ctx, res, id)
}

// SaveContent stores re-extracted fields.
func (s *SQLStore) SaveContent(ctx context.Context, msg *models.InboundMessage) error {
	row, err := toRow(msg)
	if err != nil {
		return fmt.Errorf("encode inbound message: %w", err)
	}
	row.UpdatedAt = time.Now().UTC()
	query := `UPDATE inbound_messages SET
			from_address = :from_address, from_name = :from_name,
			to_addresses = :to_addresses, cc_addresses = :cc_addresses,
			subject = :subject, body_plain = :body_plain, body_html = :body_html,
			headers = :headers, attachments = :attachments, extracted = :extracted,
			updated_at = :updated_at
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to save inbound message content: %w", err)
	}
	return s.expectOne(ctx, res, msg.ID)
}

// MarkProcessed finishes a claimed message.
func (s *SQLStore) MarkProcessed(ctx context.Context, id int64, outcome Outcome, now time.Time) error {
	query := s.db.Rebind(`UPDATE inbound_messages
		SET status = ?, action = ?, ticket_id = ?, comment_id = ?, last_error = '',
			processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		models.MessageStatusProcessed, outcome.Action, outcome.TicketID, outcome.CommentID,
		now, now, id, models.MessageStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark inbound message processed: %w", err)
	}
	return s.expectOne(ctx, res, id)
}

// MarkFailed increments the retry counter and decides terminality in one statement.
func (s *SQLStore) MarkFailed(ctx context.Context, id int64, failure Failure, now time.Time) (bool, error) {
	maxRetries := failure.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// is_terminal is assigned first so MySQL reads the old retry_count
	update := tx.Rebind(`UPDATE inbound_messages
		SET is_terminal = (? OR retry_count + 1 >= ?), retry_count = retry_count + 1,
			status = ?, last_error = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ?`)
	res, err := tx.ExecContext(ctx, update, failure.Permanent, maxRetries,
		models.MessageStatusFailed, failure.Reason, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark inbound message failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return false, ErrNotFound
	}

	var terminal bool
	if err := tx.GetContext(ctx, &terminal, tx.Rebind(`SELECT is_terminal FROM inbound_messages WHERE id = ?`), id); err != nil {
		return false, fmt.Errorf("failed to read inbound message state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark failed: %w", err)
	}
	return terminal, nil
}

// ReclaimStale returns abandoned claims to pending.
func (s *SQLStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.Rebind(`UPDATE inbound_messages
		SET status = ?, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND claimed_at < ?`)
	res, err := s.db.ExecContext(ctx, query,
		models.MessageStatusPending, time.Now().UTC(), models.MessageStatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale inbound messages: %w", err)
	}
	return res.RowsAffected()
}

// Requeue resets a failed message for another round of retries.
func (s *SQLStore) Requeue(ctx context.Context, id int64, now time.Time) error {
	query := s.db.Rebind(`UPDATE inbound_messages
		SET status = ?, is_terminal = ?, retry_count = 0, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		models.MessageStatusPending, false, now, id, models.MessageStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue inbound message: %w", err)
	}
	return s.expectOne(ctx, res, id)
}

// CountByStatus summarizes the queue.
func (s *SQLStore) CountByStatus(ctx context.Context) (map[models.MessageStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM inbound_messages GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count inbound messages: %w", err)
	}
	out := make(map[models.MessageStatus]int, len(rows))
	for _, r := range rows {
		out[models.MessageStatus(r.Status)] = r.Count
	}
	return out, nil
}

// expectOne maps a zero-row update onto ErrNotFound or ErrConflict.
func (s *SQLStore) expectOne(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT COUNT(*) FROM inbound_messages WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to check inbound message: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}
