package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/hivemail/mailsync/internal/auth"
	"github.com/hivemail/mailsync/internal/config"
	"github.com/hivemail/mailsync/internal/dispatch"
	"github.com/hivemail/mailsync/internal/gateway"
	"github.com/hivemail/mailsync/internal/jobs"
	"github.com/hivemail/mailsync/internal/llm"
	"github.com/hivemail/mailsync/internal/logging"
	"github.com/hivemail/mailsync/internal/providers/gmail"
	"github.com/hivemail/mailsync/internal/providers/outlook"
	"github.com/hivemail/mailsync/internal/store"
	syncpkg "github.com/hivemail/mailsync/internal/sync"
)

type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	ledger     *jobs.Ledger
	accounts   *store.Store
	reconciler *jobs.Reconciler
	tokens     *auth.TokenClient
	executor   *syncpkg.Executor
	dispatcher dispatch.Dispatcher
	summarizer *llm.Summarizer // nil when no API key is configured
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logging: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := run(cfg, *logger); err != nil {
		logger.Fatal().Err(err).Msg("mailsync exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ledger, err := jobs.OpenLedger(cfg.Database.JobsPath)
	if err != nil {
		return fmt.Errorf("open job ledger: %w", err)
	}
	defer ledger.Close()

	accounts, err := store.Open(cfg.Database.AccountsPath)
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer accounts.Close()

	a := &app{
		cfg:      cfg,
		log:      log,
		ledger:   ledger,
		accounts: accounts,
		tokens:   auth.NewTokenClient(cfg.Auth.TokenServiceURL),
	}

	a.reconciler = jobs.NewReconciler(ledger, time.Duration(cfg.Sync.StuckAfterSecs)*time.Second, log)

	fetcher := &syncpkg.Fetcher{
		Ledger:        ledger,
		Sink:          accounts,
		Providers:     a.providerFor,
		Log:           log,
		PageSize:      int64(cfg.Sync.PageSize),
		MaxBackfill:   cfg.Sync.MaxBackfill,
		BatchSize:     cfg.Sync.BatchSize,
		FallbackDays:  cfg.Sync.FallbackDays,
		DefaultDays:   cfg.Sync.BackfillDays,
		ExcludeLabels: cfg.Sync.ExcludeLabels,
	}
	a.executor = syncpkg.NewExecutor(fetcher, log)

	completer, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm: %w", err)
	}
	if completer != nil {
		a.summarizer = &llm.Summarizer{Completer: completer, Store: accounts, Log: log}
		a.executor.OnThreadProcessed = func(ctx context.Context, userID, threadID string) {
			if err := a.summarizer.SummarizeThread(ctx, userID, threadID); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Str("thread_id", threadID).
					Msg("thread summary failed")
			}
		}
	}

	var jetstream *dispatch.JetStreamDispatcher
	switch {
	case cfg.Dispatch.NATSUrl != "":
		jetstream, err = dispatch.NewJetStreamDispatcher(cfg.Dispatch.NATSUrl)
		if err != nil {
			return fmt.Errorf("connect dispatcher: %w", err)
		}
		defer jetstream.Close()
		a.dispatcher = &dispatch.LoggingDispatcher{Next: jetstream, Log: log}
	case cfg.Dispatch.WorkerURL != "":
		a.dispatcher = &dispatch.LoggingDispatcher{
			Next: dispatch.NewHTTPDispatcher(cfg.Dispatch.WorkerURL),
			Log:  log,
		}
	default:
		// Single-binary mode: this process is also the worker.
		a.dispatcher = &dispatch.LoggingDispatcher{Next: &localDispatcher{app: a}, Log: log}
	}

	var verifier *auth.PushVerifier
	if cfg.Auth.JWKSURL != "" {
		verifier, err = auth.NewPushVerifier(cfg.Auth.JWKSURL, "")
		if err != nil {
			return fmt.Errorf("init push verifier: %w", err)
		}
	}

	gw := &gateway.Gateway{
		Accounts:    accounts,
		Ledger:      ledger,
		Credentials: a.tokens,
		Dispatcher:  a.dispatcher,
		Verifier:    verifier,
		Log:         log,
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	gw.RegisterRoutes(r)
	a.registerRoutes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("mailsync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	a.executor.StopAll()
	return nil
}

// localDispatcher executes dispatched jobs in-process.
type localDispatcher struct {
	app *app
}

func (d *localDispatcher) Dispatch(ctx context.Context, jd dispatch.JobDispatch) error {
	job, err := d.app.ledger.Get(ctx, jd.JobID)
	if err != nil {
		return err
	}
	return d.app.executor.Submit(ctx, job)
}

// providerFor binds a mailbox adapter to the user's current credential.
func (a *app) providerFor(ctx context.Context, userID string) (syncpkg.MailboxProvider, error) {
	acct, err := a.accounts.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	tokenCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Sync.ProviderTimeout)*time.Second)
	defer cancel()

	switch syncpkg.ProviderName(acct.Provider) {
	case syncpkg.ProviderGoogle:
		token, err := a.tokens.GetToken(tokenCtx, userID, auth.ProviderGoogle)
		if err != nil {
			return nil, err
		}
		return gmail.New(ctx, token)
	case syncpkg.ProviderMicrosoft:
		token, err := a.tokens.GetToken(tokenCtx, userID, auth.ProviderMicrosoft)
		if err != nil {
			return nil, err
		}
		return outlook.New(ctx, token, userID)
	default:
		return nil, fmt.Errorf("unsupported provider %q", acct.Provider)
	}
}

func (a *app) registerRoutes(r *gin.Engine) {
	r.GET("/health", a.handleHealth)
	r.POST("/jobs", a.handleJobIngest)

	users := r.Group("/users/:id")
	users.POST("/account", a.handleUpsertAccount)
	users.POST("/sync", a.handleTriggerSync)
	users.GET("/sync", a.handleSyncStatus)
	users.POST("/watch", a.handleRegisterWatch)
	users.DELETE("/watch", a.handleUnregisterWatch)
	users.GET("/threads/:threadId/summary", a.handleThreadSummary)
}

func (a *app) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"app":     a.cfg.App.Name,
		"version": a.cfg.App.Version,
	})
}

// handleJobIngest is the worker-side entry: a dispatched job arrives and is
// executed in the background.
func (a *app) handleJobIngest(c *gin.Context) {
	var jd dispatch.JobDispatch
	if err := c.ShouldBindJSON(&jd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := a.ledger.Get(c.Request.Context(), jd.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !job.Active() {
		// Redelivery of a job that already ran.
		c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": job.Status})
		return
	}

	if err := a.executor.Submit(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	correlationID := c.GetHeader("X-Correlation-ID")
	a.log.Info().
		Str("job_id", job.ID).
		Str("correlation_id", correlationID).
		Msg("job accepted")
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": jobs.StatusRunning})
}

type triggerSyncRequest struct {
	JobType   jobs.JobType `json:"job_type" binding:"required"`
	Days      int          `json:"days"`
	ThreadID  string       `json:"thread_id"`
	MessageID string       `json:"message_id"`
}

// handleTriggerSync enqueues a job for the user and dispatches it. Repeated
// triggers while a job of the same type is active return that job instead of
// stacking a second one.
func (a *app) handleTriggerSync(c *gin.Context) {
	userID := c.Param("id")

	var req triggerSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var meta jobs.Metadata
	switch req.JobType {
	case jobs.TypeBackfill:
		days := req.Days
		if days <= 0 {
			days = a.cfg.Sync.BackfillDays
		}
		meta = jobs.BackfillMeta{Days: days, ExcludeLabels: a.cfg.Sync.ExcludeLabels, TriggeredBy: "api"}
	case jobs.TypeIncremental:
		meta = jobs.IncrementalMeta{TriggeredBy: "api"}
	case jobs.TypeProcessThread:
		if req.ThreadID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "thread_id is required"})
			return
		}
		meta = jobs.ThreadMeta{ThreadID: req.ThreadID}
	case jobs.TypeProcessMessage:
		if req.MessageID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required"})
			return
		}
		meta = jobs.MessageMeta{MessageID: req.MessageID}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown job type %q", req.JobType)})
		return
	}

	job, created, err := a.ledger.Enqueue(c.Request.Context(), userID, req.JobType, meta)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if created {
		_ = a.dispatcher.Dispatch(c.Request.Context(), dispatch.JobDispatch{
			JobID:         job.ID,
			UserID:        job.UserID,
			JobType:       job.Type,
			CorrelationID: c.GetHeader("X-Correlation-ID"),
			Metadata:      job.Metadata,
		})
		c.JSON(http.StatusAccepted, gin.H{"job": job, "created": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "created": false})
}

// handleSyncStatus reports the user's sync position. Reading status also
// sweeps their jobs through the reconciler, so a crashed worker's job cannot
// look in-flight forever.
func (a *app) handleSyncStatus(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	recent, err := a.reconciler.HealUser(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var current *jobs.SyncJob
	for _, job := range recent {
		if job.Active() {
			current = job
			break
		}
	}

	lastCompleted, err := a.ledger.LastCompletedAt(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	stats, err := a.accounts.Stats(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"is_syncing":     current != nil,
		"current_job":    current,
		"recent_jobs":    recent,
		"last_completed": lastCompleted,
		"mailbox":        stats,
	})
}

type upsertAccountRequest struct {
	Email    string `json:"email" binding:"required"`
	Provider string `json:"provider" binding:"required"`
}

func (a *app) handleUpsertAccount(c *gin.Context) {
	userID := c.Param("id")

	var req upsertAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := syncpkg.ProviderName(req.Provider)
	if name != syncpkg.ProviderGoogle && name != syncpkg.ProviderMicrosoft {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported provider %q", req.Provider)})
		return
	}

	err := a.accounts.UpsertAccount(c.Request.Context(), store.Account{
		UserID:   userID,
		Email:    req.Email,
		Provider: req.Provider,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": userID, "email": req.Email, "provider": req.Provider})
}

// handleRegisterWatch subscribes the user's mailbox to push notifications.
func (a *app) handleRegisterWatch(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	acct, err := a.accounts.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	provider, err := a.providerFor(ctx, userID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	// Gmail watches target a Pub/Sub topic; Graph subscriptions call back
	// over HTTPS.
	target := a.cfg.Push.Topic
	if syncpkg.ProviderName(acct.Provider) == syncpkg.ProviderMicrosoft {
		target = a.cfg.Push.CallbackURL
	}

	reg, err := provider.RegisterWatch(ctx, target)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if err := a.accounts.SaveWatch(ctx, userID, reg.ChannelID, reg.Expiration); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// The watch cursor seeds incremental sync for accounts without one.
	if reg.Cursor != "" && acct.HistoryCursor == "" {
		if err := a.accounts.SaveCursor(ctx, userID, reg.Cursor); err != nil {
			a.log.Warn().Err(err).Str("user_id", userID).Msg("could not seed cursor from watch")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"channel_id": reg.ChannelID,
		"expiration": reg.Expiration,
	})
}

func (a *app) handleUnregisterWatch(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	provider, err := a.providerFor(ctx, userID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if err := provider.UnregisterWatch(ctx); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := a.accounts.ClearWatch(ctx, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *app) handleThreadSummary(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")
	threadID := c.Param("threadId")

	summary, err := a.accounts.ThreadSummary(ctx, userID, threadID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if summary == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no summary for thread"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "summary": summary})
}
