package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hivemail/mailsync/internal/mail"
)

// ErrUserNotFound is returned when no account row matches the lookup.
var ErrUserNotFound = errors.New("store: user not found")

// Account ties a user to their connected mailbox and its sync state.
type Account struct {
	UserID          string     `json:"user_id"`
	Email           string     `json:"email"`
	Provider        string     `json:"provider"`
	HistoryCursor   string     `json:"history_cursor,omitempty"`
	WatchChannelID  string     `json:"watch_channel_id,omitempty"`
	WatchExpiration *time.Time `json:"watch_expiration,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
}

// MailboxStats summarizes a user's synced mailbox.
type MailboxStats struct {
	TotalMessages   int        `json:"total_messages"`
	Unread          int        `json:"unread"`
	WithAttachments int        `json:"with_attachments"`
	NewestMessageAt *time.Time `json:"newest_message_at,omitempty"`
}

// Store persists accounts and normalized messages.
type Store struct {
	db *sql.DB
}

// Open opens or creates the account store.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			user_id          TEXT PRIMARY KEY,
			email            TEXT NOT NULL UNIQUE,
			provider         TEXT NOT NULL,
			history_cursor   TEXT,
			watch_channel_id TEXT,
			watch_expiration INTEGER,
			last_synced_at   INTEGER,
			created_at       INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create accounts table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id         TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			thread_id       TEXT,
			from_email      TEXT,
			from_name       TEXT,
			subject         TEXT,
			snippet         TEXT,
			body_text       TEXT,
			msg_date        INTEGER,
			unread          INTEGER NOT NULL DEFAULT 0,
			has_attachments INTEGER NOT NULL DEFAULT 0,
			labels_json     TEXT,
			recipients_json TEXT,
			attachments_json TEXT,
			created_at      INTEGER NOT NULL,
			UNIQUE(user_id, message_id)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_user_date
		ON messages (user_id, msg_date DESC)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create message index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS thread_summaries (
			user_id    TEXT NOT NULL,
			thread_id  TEXT NOT NULL,
			summary    TEXT NOT NULL,
			model      TEXT,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, thread_id)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create summaries table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAccount creates or refreshes the account row for a user.
func (s *Store) UpsertAccount(ctx context.Context, acc Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, email, provider, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			provider = excluded.provider
	`, acc.UserID, acc.Email, acc.Provider, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// GetAccount returns the account for a user, or ErrUserNotFound.
func (s *Store) GetAccount(ctx context.Context, userID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, provider, history_cursor, watch_channel_id,
		       watch_expiration, last_synced_at
		FROM accounts
		WHERE user_id = ?
	`, userID)
	return scanAccount(row)
}

// ResolveUserByEmail maps a mailbox address back to its user, or returns
// ErrUserNotFound. Push notifications only carry the address.
func (s *Store) ResolveUserByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, provider, history_cursor, watch_channel_id,
		       watch_expiration, last_synced_at
		FROM accounts
		WHERE email = ?
	`, email)
	return scanAccount(row)
}

// SaveCursor advances the user's change cursor and sync timestamp.
func (s *Store) SaveCursor(ctx context.Context, userID, cursor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET history_cursor = ?, last_synced_at = ? WHERE user_id = ?
	`, cursor, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

// Cursor returns the user's stored change cursor; empty when none is set.
func (s *Store) Cursor(ctx context.Context, userID string) (string, error) {
	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT history_cursor FROM accounts WHERE user_id = ?
	`, userID).Scan(&cursor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor.String, nil
}

// SaveWatch records an active push subscription for the user.
func (s *Store) SaveWatch(ctx context.Context, userID, channelID string, expiration time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET watch_channel_id = ?, watch_expiration = ? WHERE user_id = ?
	`, channelID, expiration.Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

// ClearWatch drops the recorded push subscription.
func (s *Store) ClearWatch(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET watch_channel_id = NULL, watch_expiration = NULL WHERE user_id = ?
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear watch: %w", err)
	}
	return nil
}

// ExpiringWatches lists users whose push subscription lapses before the
// deadline, for renewal sweeps.
func (s *Store) ExpiringWatches(ctx context.Context, before time.Time) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, email, provider, history_cursor, watch_channel_id,
		       watch_expiration, last_synced_at
		FROM accounts
		WHERE watch_channel_id IS NOT NULL AND watch_expiration <= ?
	`, before.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query watches: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// SaveMessage persists a normalized message. Re-syncs of the same message are
// ignored via the (user_id, message_id) uniqueness.
func (s *Store) SaveMessage(ctx context.Context, userID string, email *mail.ParsedEmail) error {
	labelsJSON, _ := json.Marshal(email.Labels)
	recipientsJSON, _ := json.Marshal(map[string][]mail.Address{
		"to": email.To, "cc": email.Cc, "bcc": email.Bcc,
	})
	attachmentsJSON, _ := json.Marshal(email.Attachments)

	unread := 0
	for _, label := range email.Labels {
		if label == "UNREAD" {
			unread = 1
			break
		}
	}
	hasAtts := 0
	if email.HasAttachments() {
		hasAtts = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(user_id, message_id, thread_id, from_email, from_name, subject, snippet,
		 body_text, msg_date, unread, has_attachments, labels_json,
		 recipients_json, attachments_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, userID, email.MessageID, email.ThreadID, email.From.Email, email.From.Name,
		email.Subject, email.Snippet, email.BodyText, email.Date.Unix(), unread,
		hasAtts, string(labelsJSON), string(recipientsJSON), string(attachmentsJSON),
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ThreadMessage is the slice of a stored message used for summarization.
type ThreadMessage struct {
	FromEmail string
	Subject   string
	BodyText  string
	Date      time.Time
}

// ThreadMessages returns a thread's stored messages oldest first.
func (s *Store) ThreadMessages(ctx context.Context, userID, threadID string) ([]ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_email, subject, body_text, msg_date
		FROM messages
		WHERE user_id = ? AND thread_id = ?
		ORDER BY msg_date ASC
	`, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	defer rows.Close()

	var msgs []ThreadMessage
	for rows.Next() {
		var m ThreadMessage
		var date sql.NullInt64
		if err := rows.Scan(&m.FromEmail, &m.Subject, &m.BodyText, &date); err != nil {
			return nil, fmt.Errorf("failed to scan thread message: %w", err)
		}
		if date.Valid {
			m.Date = time.Unix(date.Int64, 0).UTC()
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveThreadSummary upserts the generated summary for a thread.
func (s *Store) SaveThreadSummary(ctx context.Context, userID, threadID, summary, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_summaries (user_id, thread_id, summary, model, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, thread_id) DO UPDATE SET
			summary = excluded.summary,
			model = excluded.model,
			updated_at = excluded.updated_at
	`, userID, threadID, summary, model, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// ThreadSummary returns the stored summary for a thread; empty when missing.
func (s *Store) ThreadSummary(ctx context.Context, userID, threadID string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx, `
		SELECT summary FROM thread_summaries WHERE user_id = ? AND thread_id = ?
	`, userID, threadID).Scan(&summary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load summary: %w", err)
	}
	return summary, nil
}

// Stats summarizes the user's synced mailbox for the status surface.
func (s *Store) Stats(ctx context.Context, userID string) (*MailboxStats, error) {
	var stats MailboxStats
	var newest sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(unread), 0),
		       COALESCE(SUM(has_attachments), 0),
		       MAX(msg_date)
		FROM messages
		WHERE user_id = ?
	`, userID).Scan(&stats.TotalMessages, &stats.Unread, &stats.WithAttachments, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}

	if newest.Valid {
		t := time.Unix(newest.Int64, 0).UTC()
		stats.NewestMessageAt = &t
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		acc        Account
		cursor     sql.NullString
		channelID  sql.NullString
		expiration sql.NullInt64
		lastSynced sql.NullInt64
	)

	err := row.Scan(&acc.UserID, &acc.Email, &acc.Provider, &cursor, &channelID,
		&expiration, &lastSynced)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	acc.HistoryCursor = cursor.String
	acc.WatchChannelID = channelID.String
	if expiration.Valid {
		t := time.Unix(expiration.Int64, 0).UTC()
		acc.WatchExpiration = &t
	}
	if lastSynced.Valid {
		t := time.Unix(lastSynced.Int64, 0).UTC()
		acc.LastSyncedAt = &t
	}
	return &acc, nil
}
