package gmail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hivemail/mailsync/internal/auth"
	"github.com/hivemail/mailsync/internal/mail"
	"github.com/hivemail/mailsync/internal/sync"
)

// The Gmail API self-identifier for the authenticated mailbox.
const me = "me"

// Adapter implements MailboxProvider for Gmail
type Adapter struct {
	svc     *gmail.Service
	limiter *rate.Limiter
}

// New creates a Gmail adapter bound to one user's OAuth token. Calls are
// rate-limited to stay inside the per-user Gmail API quota.
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(25), 50),
	}, nil
}

// Name reports the provider identity.
func (a *Adapter) Name() sync.ProviderName { return sync.ProviderGoogle }

// ListMessageIDs pages through message ids matching the query.
func (a *Adapter) ListMessageIDs(ctx context.Context, query, pageToken string, pageSize int64) (*sync.MessagePage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := a.svc.Users.Messages.List(me).Q(query).MaxResults(pageSize).IncludeSpamTrash(false)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &sync.MessagePage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessage fetches the full message and converts it to the neutral raw form.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msg, err := a.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	return toRawMessage(msg), nil
}

// ListHistory pages through mailbox changes since the history cursor. An
// expired cursor surfaces as sync.ErrCursorTooOld; Gmail signals it with 404.
func (a *Adapter) ListHistory(ctx context.Context, sinceCursor, pageToken string) (*sync.HistoryPage, error) {
	startHistoryID, err := strconv.ParseUint(sinceCursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history cursor %q: %w", sinceCursor, err)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := a.svc.Users.History.List(me).
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded", "labelAdded", "labelRemoved").
		MaxResults(500)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, sync.ErrCursorTooOld
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	page := &sync.HistoryPage{NextPageToken: resp.NextPageToken}
	if resp.HistoryId != 0 {
		page.NewCursor = strconv.FormatUint(resp.HistoryId, 10)
	}

	for _, h := range resp.History {
		for _, rec := range h.MessagesAdded {
			if rec.Message != nil {
				page.MessageIDs = append(page.MessageIDs, rec.Message.Id)
			}
		}
		for _, rec := range h.LabelsAdded {
			if rec.Message != nil {
				page.MessageIDs = append(page.MessageIDs, rec.Message.Id)
			}
		}
		for _, rec := range h.LabelsRemoved {
			if rec.Message != nil {
				page.MessageIDs = append(page.MessageIDs, rec.Message.Id)
			}
		}
	}

	return page, nil
}

// ListThreadMessageIDs returns the message ids in a thread.
func (a *Adapter) ListThreadMessageIDs(ctx context.Context, threadID string) ([]string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	thread, err := a.svc.Users.Threads.Get(me, threadID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}

	ids := make([]string, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// CurrentCursor returns the mailbox's present history id.
func (a *Adapter) CurrentCursor(ctx context.Context) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	profile, err := a.svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	if profile.HistoryId == 0 {
		return "", nil
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// RegisterWatch subscribes the inbox to the Pub/Sub push topic.
func (a *Adapter) RegisterWatch(ctx context.Context, topic string) (*sync.WatchRegistration, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := a.svc.Users.Watch(me, &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to register watch: %w", err)
	}

	reg := &sync.WatchRegistration{
		Expiration: time.UnixMilli(resp.Expiration),
	}
	if resp.HistoryId != 0 {
		reg.Cursor = strconv.FormatUint(resp.HistoryId, 10)
	}
	return reg, nil
}

// UnregisterWatch stops push notifications for the inbox.
func (a *Adapter) UnregisterWatch(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := a.svc.Users.Stop(me).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop watch: %w", err)
	}
	return nil
}

// toRawMessage converts a Gmail message into the provider-neutral raw form.
func toRawMessage(m *gmail.Message) *mail.RawMessage {
	return &mail.RawMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Snippet:      m.Snippet,
		Labels:       m.LabelIds,
		InternalDate: m.InternalDate,
		Payload:      toRawPart(m.Payload),
	}
}

func toRawPart(p *gmail.MessagePart) *mail.RawPart {
	if p == nil {
		return nil
	}

	part := &mail.RawPart{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, mail.RawHeader{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Body = mail.RawBody{
			Data:         p.Body.Data,
			Size:         p.Body.Size,
			AttachmentID: p.Body.AttachmentId,
		}
	}
	for _, sub := range p.Parts {
		part.Parts = append(part.Parts, toRawPart(sub))
	}
	return part
}
