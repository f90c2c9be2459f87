package sync

import (
	"context"
	"errors"
	"time"

	"github.com/hivemail/mailsync/internal/mail"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// ErrCursorTooOld signals that the stored change cursor has aged out of the
// provider's history window and a bounded backfill is needed instead.
var ErrCursorTooOld = errors.New("sync: change cursor too old")

// MessagePage is one page of a mailbox listing.
type MessagePage struct {
	IDs           []string
	NextPageToken string
}

// HistoryPage is one page of mailbox changes since a cursor. MessageIDs may
// contain duplicates across change kinds; callers de-duplicate.
type HistoryPage struct {
	MessageIDs    []string
	NewCursor     string
	NextPageToken string
}

// WatchRegistration describes an active push subscription.
type WatchRegistration struct {
	ChannelID  string
	Cursor     string
	Expiration time.Time
}

// MailboxProvider is the provider-agnostic mailbox access contract. One
// instance is bound to a single user's credential.
type MailboxProvider interface {
	Name() ProviderName

	// ListMessageIDs pages through message ids matching the query.
	ListMessageIDs(ctx context.Context, query, pageToken string, pageSize int64) (*MessagePage, error)

	// GetMessage fetches the full raw message for normalization.
	GetMessage(ctx context.Context, id string) (*mail.RawMessage, error)

	// ListHistory pages through changes since the cursor. Returns
	// ErrCursorTooOld when the cursor has expired provider-side.
	ListHistory(ctx context.Context, sinceCursor, pageToken string) (*HistoryPage, error)

	// ListThreadMessageIDs returns the message ids belonging to one thread.
	ListThreadMessageIDs(ctx context.Context, threadID string) ([]string, error)

	// CurrentCursor returns the mailbox's present change cursor.
	CurrentCursor(ctx context.Context) (string, error)

	// RegisterWatch subscribes the mailbox to push notifications.
	RegisterWatch(ctx context.Context, topic string) (*WatchRegistration, error)

	// UnregisterWatch tears the subscription down.
	UnregisterWatch(ctx context.Context) error
}

// ProviderFactory binds a provider to a user's credential at call time, so
// token refresh stays out of the sync path.
type ProviderFactory func(ctx context.Context, userID string) (MailboxProvider, error)
