package outlook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/hivemail/mailsync/internal/auth"
	"github.com/hivemail/mailsync/internal/mail"
	"github.com/hivemail/mailsync/internal/sync"
)

const graphBase = "https://graph.microsoft.com/v1.0"

// Adapter implements MailboxProvider for Outlook via Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
	subID  string
}

// New creates an Outlook adapter bound to one user's access token.
func New(ctx context.Context, tok *auth.Token, userID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{
		client: client,
		userID: userID,
	}, nil
}

// Name reports the provider identity.
func (a *Adapter) Name() sync.ProviderName { return sync.ProviderMicrosoft }

// ListMessageIDs pages through message ids. The Gmail-style query is mapped
// onto a Graph $filter: the after: bound becomes receivedDateTime ge; label
// exclusions have no Graph equivalent and are dropped.
func (a *Adapter) ListMessageIDs(ctx context.Context, query, pageToken string, pageSize int64) (*sync.MessagePage, error) {
	builder := a.client.Users().ByUserId(a.userID).Messages()

	var resp models.MessageCollectionResponseable
	var err error
	if pageToken != "" {
		resp, err = builder.WithUrl(pageToken).Get(ctx, nil)
	} else {
		top := int32(pageSize)
		config := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:     &top,
				Select:  []string{"id"},
				Orderby: []string{"receivedDateTime desc"},
			},
		}
		if filter := queryToFilter(query); filter != "" {
			config.QueryParameters.Filter = &filter
		}
		resp, err = builder.Get(ctx, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &sync.MessagePage{}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	for _, msg := range resp.GetValue() {
		if id := msg.GetId(); id != nil {
			page.IDs = append(page.IDs, *id)
		}
	}
	return page, nil
}

// GetMessage fetches one message plus attachment descriptors and converts it
// to the neutral raw form.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	config := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{
				"id", "conversationId", "subject", "from", "toRecipients",
				"ccRecipients", "bccRecipients", "bodyPreview", "body",
				"receivedDateTime", "internetMessageHeaders", "hasAttachments",
				"categories",
			},
		},
	}

	msg, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	raw := a.toRawMessage(msg)

	if has := msg.GetHasAttachments(); has != nil && *has {
		atts, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Attachments().Get(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list attachments for %s: %w", id, err)
		}
		for _, att := range atts.GetValue() {
			part := &mail.RawPart{}
			if name := att.GetName(); name != nil {
				part.Filename = *name
			}
			if ct := att.GetContentType(); ct != nil {
				part.MimeType = *ct
			}
			if attID := att.GetId(); attID != nil {
				part.Body.AttachmentID = *attID
			}
			if size := att.GetSize(); size != nil {
				part.Body.Size = int64(*size)
			}
			raw.Payload.Parts = append(raw.Payload.Parts, part)
		}
	}

	return raw, nil
}

// ListHistory pages through the inbox delta feed. The cursor is a Graph delta
// link; a gone sync state surfaces as sync.ErrCursorTooOld.
func (a *Adapter) ListHistory(ctx context.Context, sinceCursor, pageToken string) (*sync.HistoryPage, error) {
	url := sinceCursor
	if pageToken != "" {
		url = pageToken
	}

	builder := a.client.Users().ByUserId(a.userID).
		MailFolders().ByMailFolderId("inbox").
		Messages().Delta().WithUrl(url)

	resp, err := builder.GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		if isSyncStateGone(err) {
			return nil, sync.ErrCursorTooOld
		}
		return nil, fmt.Errorf("failed to read delta feed: %w", err)
	}

	page := &sync.HistoryPage{}
	for _, msg := range resp.GetValue() {
		if id := msg.GetId(); id != nil {
			page.MessageIDs = append(page.MessageIDs, *id)
		}
	}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	if delta := resp.GetOdataDeltaLink(); delta != nil {
		page.NewCursor = *delta
	}
	return page, nil
}

// ListThreadMessageIDs returns the message ids sharing one conversation.
func (a *Adapter) ListThreadMessageIDs(ctx context.Context, threadID string) ([]string, error) {
	filter := fmt.Sprintf("conversationId eq '%s'", threadID)
	config := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Select: []string{"id"},
			Filter: &filter,
		},
	}

	resp, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation %s: %w", threadID, err)
	}

	var ids []string
	for _, msg := range resp.GetValue() {
		if id := msg.GetId(); id != nil {
			ids = append(ids, *id)
		}
	}
	return ids, nil
}

// CurrentCursor asks the delta feed for its present position without
// replaying any items.
func (a *Adapter) CurrentCursor(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/users/%s/mailFolders/inbox/messages/delta?$deltaToken=latest", graphBase, a.userID)

	resp, err := a.client.Users().ByUserId(a.userID).
		MailFolders().ByMailFolderId("inbox").
		Messages().Delta().WithUrl(url).
		GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read current delta position: %w", err)
	}

	if delta := resp.GetOdataDeltaLink(); delta != nil {
		return *delta, nil
	}
	return "", nil
}

// RegisterWatch creates a Graph change subscription posting to the callback.
func (a *Adapter) RegisterWatch(ctx context.Context, callbackURL string) (*sync.WatchRegistration, error) {
	sub := models.NewSubscription()
	changeType := "created,updated"
	resource := fmt.Sprintf("/users/%s/messages", a.userID)
	expiration := time.Now().Add(71 * time.Hour)

	sub.SetChangeType(&changeType)
	sub.SetNotificationUrl(&callbackURL)
	sub.SetResource(&resource)
	sub.SetExpirationDateTime(&expiration)

	created, err := a.client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	reg := &sync.WatchRegistration{Expiration: expiration}
	if id := created.GetId(); id != nil {
		reg.ChannelID = *id
		a.subID = *id
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		reg.Expiration = *exp
	}

	cursor, err := a.CurrentCursor(ctx)
	if err == nil {
		reg.Cursor = cursor
	}
	return reg, nil
}

// UnregisterWatch deletes the subscription created by RegisterWatch.
func (a *Adapter) UnregisterWatch(ctx context.Context) error {
	if a.subID == "" {
		return nil
	}
	if err := a.client.Subscriptions().BySubscriptionId(a.subID).Delete(ctx, nil); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	a.subID = ""
	return nil
}

// toRawMessage converts a Graph message into the provider-neutral raw form.
// Graph hands back a rendered body rather than a MIME tree, so the raw shape
// is a single-part payload with the body encoded the way the parser expects.
func (a *Adapter) toRawMessage(m models.Messageable) *mail.RawMessage {
	raw := &mail.RawMessage{}

	if id := m.GetId(); id != nil {
		raw.ID = *id
	}
	if conv := m.GetConversationId(); conv != nil {
		raw.ThreadID = *conv
	}
	if preview := m.GetBodyPreview(); preview != nil {
		raw.Snippet = *preview
	}
	raw.Labels = m.GetCategories()
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = rcvd.UnixMilli()
	}

	part := &mail.RawPart{MimeType: "text/plain"}
	if body := m.GetBody(); body != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			part.MimeType = "text/html"
		}
		if content := body.GetContent(); content != nil {
			part.Body = mail.RawBody{
				Data: base64.RawURLEncoding.EncodeToString([]byte(*content)),
				Size: int64(len(*content)),
			}
		}
	}

	part.Headers = collectHeaders(m)
	raw.Payload = part
	return raw
}

// collectHeaders prefers the wire headers and fills gaps from typed fields,
// since Graph only returns internetMessageHeaders when asked and some tenants
// strip them.
func collectHeaders(m models.Messageable) []mail.RawHeader {
	var headers []mail.RawHeader
	seen := map[string]bool{}

	for _, h := range m.GetInternetMessageHeaders() {
		if h.GetName() == nil || h.GetValue() == nil {
			continue
		}
		headers = append(headers, mail.RawHeader{Name: *h.GetName(), Value: *h.GetValue()})
		seen[strings.ToLower(*h.GetName())] = true
	}

	add := func(name, value string) {
		if value == "" || seen[strings.ToLower(name)] {
			return
		}
		headers = append(headers, mail.RawHeader{Name: name, Value: value})
	}

	if subject := m.GetSubject(); subject != nil {
		add("Subject", *subject)
	}
	if from := m.GetFrom(); from != nil {
		add("From", formatRecipient(from))
	}
	add("To", formatRecipients(m.GetToRecipients()))
	add("Cc", formatRecipients(m.GetCcRecipients()))
	add("Bcc", formatRecipients(m.GetBccRecipients()))

	return headers
}

func formatRecipient(r models.Recipientable) string {
	email := r.GetEmailAddress()
	if email == nil || email.GetAddress() == nil {
		return ""
	}
	if name := email.GetName(); name != nil && *name != "" {
		return fmt.Sprintf("%q <%s>", *name, *email.GetAddress())
	}
	return *email.GetAddress()
}

func formatRecipients(rs []models.Recipientable) string {
	var parts []string
	for _, r := range rs {
		if s := formatRecipient(r); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// queryToFilter maps the shared after:<unix> query bound onto a Graph filter.
func queryToFilter(query string) string {
	for _, field := range strings.Fields(query) {
		if !strings.HasPrefix(field, "after:") {
			continue
		}
		var unix int64
		if _, err := fmt.Sscanf(field, "after:%d", &unix); err == nil {
			return fmt.Sprintf("receivedDateTime ge %s", time.Unix(unix, 0).UTC().Format(time.RFC3339))
		}
	}
	return ""
}

func isSyncStateGone(err error) bool {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return false
	}
	if odataErr.ResponseStatusCode == 410 {
		return true
	}
	if mainErr := odataErr.GetErrorEscaped(); mainErr != nil && mainErr.GetCode() != nil {
		code := *mainErr.GetCode()
		return code == "syncStateNotFound" || code == "resyncRequired"
	}
	return false
}

// staticTokenCredential implements the Azure credential interface over a
// token the credential service already refreshed.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
