package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemail/mailsync/internal/auth"
	"github.com/hivemail/mailsync/internal/dispatch"
	"github.com/hivemail/mailsync/internal/jobs"
	"github.com/hivemail/mailsync/internal/store"
)

type fakeAccounts struct {
	byEmail map[string]*store.Account
}

func (f *fakeAccounts) ResolveUserByEmail(ctx context.Context, email string) (*store.Account, error) {
	acc, ok := f.byEmail[email]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return acc, nil
}

type fakeCredentials struct {
	missing map[string]bool
}

func (f *fakeCredentials) HasCredential(ctx context.Context, userID string, provider auth.Provider) (bool, error) {
	return !f.missing[userID], nil
}

type recordingDispatcher struct {
	dispatched []dispatch.JobDispatch
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, d dispatch.JobDispatch) error {
	r.dispatched = append(r.dispatched, d)
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *jobs.Ledger, *recordingDispatcher) {
	t.Helper()
	ledger, err := jobs.OpenLedger(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	dispatcher := &recordingDispatcher{}
	g := &Gateway{
		Accounts: &fakeAccounts{byEmail: map[string]*store.Account{
			"me@example.com": {UserID: "user-1", Email: "me@example.com", Provider: "GOOGLE"},
		}},
		Ledger:      ledger,
		Credentials: &fakeCredentials{},
		Dispatcher:  dispatcher,
		Log:         zerolog.Nop(),
	}
	return g, ledger, dispatcher
}

func pushBody(t *testing.T, email string, historyID uint64) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]any{
		"emailAddress": email,
		"historyId":    historyID,
	})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(inner),
			"messageId": "pm-1",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	require.NoError(t, err)
	return body
}

func TestNotificationCreatesIncrementalJob(t *testing.T) {
	g, ledger, dispatcher := newTestGateway(t)
	ctx := context.Background()

	outcome := g.HandleNotification(ctx, pushBody(t, "me@example.com", 12345))
	assert.Equal(t, OutcomeJobCreated, outcome)

	job, err := ledger.FindActive(ctx, "user-1", jobs.TypeIncremental)
	require.NoError(t, err)
	meta, err := job.Meta()
	require.NoError(t, err)
	assert.Equal(t, "push", meta.(*jobs.IncrementalMeta).TriggeredBy)
	assert.Equal(t, "12345", meta.(*jobs.IncrementalMeta).ChangeCursor)

	require.Len(t, dispatcher.dispatched, 1)
	assert.Equal(t, job.ID, dispatcher.dispatched[0].JobID)
	assert.NotEmpty(t, dispatcher.dispatched[0].CorrelationID)
}

func TestDuplicateDeliverySettlesWithoutSecondJob(t *testing.T) {
	g, ledger, dispatcher := newTestGateway(t)
	ctx := context.Background()

	assert.Equal(t, OutcomeJobCreated, g.HandleNotification(ctx, pushBody(t, "me@example.com", 1)))
	assert.Equal(t, OutcomeJobAlreadyActive, g.HandleNotification(ctx, pushBody(t, "me@example.com", 2)))

	recent, err := ledger.RecentJobs(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	assert.Len(t, dispatcher.dispatched, 1)
}

func TestRevokedCredentialIsAckedWithoutWork(t *testing.T) {
	g, ledger, dispatcher := newTestGateway(t)
	ctx := context.Background()
	g.Credentials = &fakeCredentials{missing: map[string]bool{"user-1": true}}

	outcome := g.HandleNotification(ctx, pushBody(t, "me@example.com", 55))
	assert.Equal(t, OutcomeIgnored, outcome)

	// No job row, no dispatch: a sync for this user can only fail until they
	// reconnect the account.
	_, err := ledger.FindActive(ctx, "user-1", jobs.TypeIncremental)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	assert.Empty(t, dispatcher.dispatched)

	// Reconnecting makes the next push work again.
	g.Credentials = &fakeCredentials{}
	assert.Equal(t, OutcomeJobCreated, g.HandleNotification(ctx, pushBody(t, "me@example.com", 56)))
}

func TestUnknownMailboxIsAcked(t *testing.T) {
	g, _, dispatcher := newTestGateway(t)

	outcome := g.HandleNotification(context.Background(), pushBody(t, "stranger@example.com", 1))
	assert.Equal(t, OutcomeUserNotFound, outcome)
	assert.Empty(t, dispatcher.dispatched)
}

func TestMalformedPayloadsAreIgnored(t *testing.T) {
	g, _, dispatcher := newTestGateway(t)
	ctx := context.Background()

	cases := map[string][]byte{
		"not json":        []byte("{{{"),
		"empty envelope":  []byte(`{}`),
		"bad base64":      []byte(`{"message":{"data":"!!!not-base64!!!"}}`),
		"missing address": []byte(fmt.Sprintf(`{"message":{"data":%q}}`, base64.StdEncoding.EncodeToString([]byte(`{"historyId":9}`)))),
	}

	for name, body := range cases {
		assert.Equal(t, OutcomeIgnored, g.HandleNotification(ctx, body), name)
	}
	assert.Empty(t, dispatcher.dispatched)
}

func TestPushEndpointAlwaysAcks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, _, _ := newTestGateway(t)

	r := gin.New()
	g.RegisterRoutes(r)

	// Garbage still gets a 200 so the broker stops retrying.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications/push", bytes.NewReader([]byte("garbage")))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(OutcomeIgnored))

	// A real notification reports its outcome.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/notifications/push", bytes.NewReader(pushBody(t, "me@example.com", 7)))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(OutcomeJobCreated))
}

func TestChallengeEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, _, _ := newTestGateway(t)

	r := gin.New()
	g.RegisterRoutes(r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/notifications/push?challenge=abc123", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Body.String())

	// Graph-style validation arrives as POST with a validationToken.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/notifications/push?validationToken=tok-1", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok-1", w.Body.String())
}
