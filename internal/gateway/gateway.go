package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hivemail/mailsync/internal/auth"
	"github.com/hivemail/mailsync/internal/dispatch"
	"github.com/hivemail/mailsync/internal/jobs"
	"github.com/hivemail/mailsync/internal/store"
)

// Outcome classifies how a push notification was settled. Every notification
// settles; none are retried by the broker because the endpoint always acks.
type Outcome string

const (
	OutcomeIgnored          Outcome = "ignored"
	OutcomeJobCreated       Outcome = "job_created"
	OutcomeJobAlreadyActive Outcome = "job_already_active"
	OutcomeUserNotFound     Outcome = "user_not_found"
)

// accountResolver is the slice of the store the gateway needs.
type accountResolver interface {
	ResolveUserByEmail(ctx context.Context, email string) (*store.Account, error)
}

// enqueuer is the slice of the ledger the gateway needs.
type enqueuer interface {
	Enqueue(ctx context.Context, userID string, jobType jobs.JobType, meta jobs.Metadata) (*jobs.SyncJob, bool, error)
}

// credentialChecker is the slice of the credential service the gateway needs.
type credentialChecker interface {
	HasCredential(ctx context.Context, userID string, provider auth.Provider) (bool, error)
}

// Gateway turns mailbox push notifications into incremental sync jobs.
type Gateway struct {
	Accounts    accountResolver
	Ledger      enqueuer
	Credentials credentialChecker // nil skips the credential check
	Dispatcher  dispatch.Dispatcher
	Verifier    *auth.PushVerifier // nil disables bearer verification
	Log         zerolog.Logger
}

// pushEnvelope is the broker's delivery wrapper. Data carries the
// base64-encoded mailbox notification.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// notification is the decoded mailbox change signal.
type notification struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// HandleNotification settles one raw push delivery. It never returns an
// error: anything unprocessable is logged and acked as ignored, because a
// broker retry would just fail the same way.
func (g *Gateway) HandleNotification(ctx context.Context, body []byte) Outcome {
	correlationID := uuid.NewString()
	log := g.Log.With().Str("correlation_id", correlationID).Logger()

	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Message.Data == "" {
		log.Warn().Msg("unparsable push envelope")
		return OutcomeIgnored
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(envelope.Message.Data)
	}
	if err != nil {
		log.Warn().Msg("push payload is not base64")
		return OutcomeIgnored
	}

	var note notification
	if err := json.Unmarshal(decoded, &note); err != nil || note.EmailAddress == "" {
		log.Warn().Msg("push payload missing email address")
		return OutcomeIgnored
	}

	account, err := g.Accounts.ResolveUserByEmail(ctx, note.EmailAddress)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			log.Info().Str("email", note.EmailAddress).Msg("push for unknown mailbox")
			return OutcomeUserNotFound
		}
		log.Error().Err(err).Msg("account lookup failed")
		return OutcomeIgnored
	}

	// A user whose token was revoked gets acked without work: any job we
	// created would just fail at token fetch, and every redelivery after it
	// terminated would spawn another.
	if g.Credentials != nil {
		provider, ok := auth.ProviderFor(account.Provider)
		if !ok {
			log.Warn().Str("user_id", account.UserID).Str("provider", account.Provider).
				Msg("push for account with unknown provider")
			return OutcomeIgnored
		}
		has, err := g.Credentials.HasCredential(ctx, account.UserID, provider)
		if err != nil {
			log.Error().Err(err).Str("user_id", account.UserID).Msg("credential check failed")
			return OutcomeIgnored
		}
		if !has {
			log.Info().Str("user_id", account.UserID).Msg("push for user with no credential")
			return OutcomeIgnored
		}
	}

	job, created, err := g.Ledger.Enqueue(ctx, account.UserID, jobs.TypeIncremental, jobs.IncrementalMeta{
		TriggeredBy:  "push",
		ChangeCursor: historyCursor(note.HistoryID),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", account.UserID).Msg("could not enqueue sync job")
		return OutcomeIgnored
	}
	if !created {
		// An in-flight sync will pick up these changes; the cursor advances
		// past them either way.
		log.Debug().Str("user_id", account.UserID).Str("job_id", job.ID).Msg("sync already active")
		return OutcomeJobAlreadyActive
	}

	_ = g.Dispatcher.Dispatch(ctx, dispatch.JobDispatch{
		JobID:         job.ID,
		UserID:        job.UserID,
		JobType:       job.Type,
		CorrelationID: correlationID,
		Metadata:      job.Metadata,
	})

	log.Info().Str("user_id", account.UserID).Str("job_id", job.ID).Msg("incremental sync triggered")
	return OutcomeJobCreated
}

// historyCursor renders the notification's history id as a cursor string.
// Gmail sends it as a JSON number, Graph-style senders as a string.
func historyCursor(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// RegisterRoutes mounts the push endpoints.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	r.GET("/notifications/push", g.handleChallenge)
	r.POST("/notifications/push", g.handlePush)
}

// handleChallenge answers subscription validation probes by echoing the
// challenge back.
func (g *Gateway) handleChallenge(c *gin.Context) {
	challenge := c.Query("challenge")
	if challenge == "" {
		challenge = c.Query("validationToken")
	}
	c.String(http.StatusOK, challenge)
}

// handlePush acks every delivery with 200. A non-2xx would make the broker
// redeliver a notification we already know we cannot process.
func (g *Gateway) handlePush(c *gin.Context) {
	// Graph-style validation handshake arrives as a POST.
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	if g.Verifier != nil {
		if _, err := g.Verifier.VerifyRequest(c.Request); err != nil {
			g.Log.Warn().Err(err).Msg("rejected push with invalid bearer token")
			c.JSON(http.StatusOK, gin.H{"outcome": string(OutcomeIgnored)})
			return
		}
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"outcome": string(OutcomeIgnored)})
		return
	}

	outcome := g.HandleNotification(c.Request.Context(), body)
	c.JSON(http.StatusOK, gin.H{"outcome": string(outcome)})
}
