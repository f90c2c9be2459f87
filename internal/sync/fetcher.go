package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hivemail/mailsync/internal/jobs"
	"github.com/hivemail/mailsync/internal/mail"
)

// Sink persists normalized messages and the per-user change cursor.
type Sink interface {
	SaveMessage(ctx context.Context, userID string, email *mail.ParsedEmail) error
	SaveCursor(ctx context.Context, userID, cursor string) error
	Cursor(ctx context.Context, userID string) (string, error)
}

// Fetcher executes sync jobs against a mailbox provider: bounded backfills,
// cursor-based incremental pulls, and targeted re-processing. All ledger
// bookkeeping for the job it runs happens here.
type Fetcher struct {
	Ledger    *jobs.Ledger
	Sink      Sink
	Providers ProviderFactory
	Log       zerolog.Logger

	// Tuning. Zero values fall back to the mailbox-API limits the sync was
	// built around.
	PageSize      int64 // ids per listing page, capped at 500
	MaxBackfill   int   // hard ceiling on ids per backfill run
	BatchSize     int   // messages fetched per batch
	FallbackDays  int   // backfill window when a cursor expires
	DefaultDays   int   // backfill window when metadata does not set one
	ExcludeLabels []string
	Concurrency   int // parallel message fetches within a batch
}

func (f *Fetcher) pageSize() int64 {
	if f.PageSize <= 0 || f.PageSize > 500 {
		return 500
	}
	return f.PageSize
}

func (f *Fetcher) maxBackfill() int {
	if f.MaxBackfill <= 0 {
		return 5000
	}
	return f.MaxBackfill
}

func (f *Fetcher) batchSize() int {
	if f.BatchSize <= 0 {
		return 50
	}
	return f.BatchSize
}

func (f *Fetcher) fallbackDays() int {
	if f.FallbackDays <= 0 {
		return 7
	}
	return f.FallbackDays
}

func (f *Fetcher) defaultDays() int {
	if f.DefaultDays <= 0 {
		return 30
	}
	return f.DefaultDays
}

func (f *Fetcher) concurrency() int {
	if f.Concurrency <= 0 {
		return 8
	}
	return f.Concurrency
}

// Execute runs a job to a terminal state. When an incremental run finds its
// cursor expired, the returned job is the replacement backfill that was
// enqueued; the caller decides when to run it.
func (f *Fetcher) Execute(ctx context.Context, job *jobs.SyncJob) (*jobs.SyncJob, error) {
	switch job.Type {
	case jobs.TypeBackfill:
		return nil, f.RunBackfill(ctx, job)
	case jobs.TypeIncremental:
		return f.RunIncremental(ctx, job)
	case jobs.TypeProcessThread:
		return nil, f.RunProcessThread(ctx, job)
	case jobs.TypeProcessMessage:
		return nil, f.RunProcessMessage(ctx, job)
	default:
		return nil, fmt.Errorf("sync: unknown job type %q", job.Type)
	}
}

// RunBackfill pulls a bounded window of mailbox history: list ids newest
// first, fetch in batches, normalize, persist, then advance the cursor to
// the mailbox's present position.
func (f *Fetcher) RunBackfill(ctx context.Context, job *jobs.SyncJob) error {
	meta, err := job.Meta()
	if err != nil {
		return f.fail(ctx, job, err)
	}
	backfill, ok := meta.(*jobs.BackfillMeta)
	if !ok {
		return f.fail(ctx, job, fmt.Errorf("sync: %s job carries %T metadata", job.Type, meta))
	}

	days := backfill.Days
	if days <= 0 {
		days = f.defaultDays()
	}
	excludes := backfill.ExcludeLabels
	if excludes == nil {
		excludes = f.ExcludeLabels
	}

	provider, err := f.Providers(ctx, job.UserID)
	if err != nil {
		return f.fail(ctx, job, err)
	}

	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusRunning, jobs.TransitionOpts{}); err != nil {
		return err
	}

	query := backfillQuery(time.Now().AddDate(0, 0, -days), excludes)
	ids, err := f.listAll(ctx, provider, query)
	if err != nil {
		return f.fail(ctx, job, fmt.Errorf("list messages: %w", err))
	}

	total := len(ids)
	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusRunning, jobs.TransitionOpts{TotalItems: &total}); err != nil {
		return err
	}

	persisted, err := f.processBatches(ctx, provider, job, ids)
	if err != nil {
		return f.fail(ctx, job, err)
	}

	// Backfill establishes the incremental baseline: whatever the mailbox's
	// cursor is now covers everything just pulled.
	if cursor, err := provider.CurrentCursor(ctx); err != nil {
		f.Log.Warn().Err(err).Str("user_id", job.UserID).Msg("could not read mailbox cursor after backfill")
	} else if cursor != "" {
		if err := f.Sink.SaveCursor(ctx, job.UserID, cursor); err != nil {
			f.Log.Warn().Err(err).Str("user_id", job.UserID).Msg("could not save mailbox cursor")
		}
	}

	_, err = f.Ledger.Transition(ctx, job.ID, jobs.StatusCompleted, jobs.TransitionOpts{Progress: &persisted})
	return err
}

// RunIncremental pulls changes since the stored cursor. An expired cursor is
// not an error: the job completes empty and a fallback backfill covering the
// recent window is enqueued and returned.
func (f *Fetcher) RunIncremental(ctx context.Context, job *jobs.SyncJob) (*jobs.SyncJob, error) {
	meta, err := job.Meta()
	if err != nil {
		return nil, f.fail(ctx, job, err)
	}
	if _, ok := meta.(*jobs.IncrementalMeta); !ok {
		return nil, f.fail(ctx, job, fmt.Errorf("sync: %s job carries %T metadata", job.Type, meta))
	}

	// The stored cursor drives the sync. The cursor a push notification
	// carries only says the mailbox moved; starting from it would skip any
	// changes between our baseline and the push.
	cursor, err := f.Sink.Cursor(ctx, job.UserID)
	if err != nil {
		return nil, f.fail(ctx, job, fmt.Errorf("load cursor: %w", err))
	}

	provider, err := f.Providers(ctx, job.UserID)
	if err != nil {
		return nil, f.fail(ctx, job, err)
	}

	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusRunning, jobs.TransitionOpts{}); err != nil {
		return nil, err
	}

	// No baseline at all gets the same treatment as an expired one.
	if cursor == "" {
		return f.fallbackToBackfill(ctx, job, "missing_cursor")
	}

	ids, newCursor, err := f.collectHistory(ctx, provider, cursor)
	if err != nil {
		if errors.Is(err, ErrCursorTooOld) {
			return f.fallbackToBackfill(ctx, job, "cursor_expired")
		}
		return nil, f.fail(ctx, job, fmt.Errorf("list history: %w", err))
	}

	total := len(ids)
	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusRunning, jobs.TransitionOpts{TotalItems: &total}); err != nil {
		return nil, err
	}

	persisted, err := f.processBatches(ctx, provider, job, ids)
	if err != nil {
		return nil, f.fail(ctx, job, err)
	}

	if newCursor != "" && newCursor != cursor {
		if err := f.Sink.SaveCursor(ctx, job.UserID, newCursor); err != nil {
			f.Log.Warn().Err(err).Str("user_id", job.UserID).Msg("could not save mailbox cursor")
		}
	}

	_, err = f.Ledger.Transition(ctx, job.ID, jobs.StatusCompleted, jobs.TransitionOpts{Progress: &persisted})
	return nil, err
}

// RunProcessThread re-fetches every message in one thread.
func (f *Fetcher) RunProcessThread(ctx context.Context, job *jobs.SyncJob) error {
	meta, err := job.Meta()
	if err != nil {
		return f.fail(ctx, job, err)
	}
	thread, ok := meta.(*jobs.ThreadMeta)
	if !ok || thread.ThreadID == "" {
		return f.fail(ctx, job, fmt.Errorf("sync: thread job missing thread id"))
	}

	provider, err := f.Providers(ctx, job.UserID)
	if err != nil {
		return f.fail(ctx, job, err)
	}

	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusRunning, jobs.TransitionOpts{}); err != nil {
		return err
	}

	ids, err := provider.ListThreadMessageIDs(ctx, thread.ThreadID)
	if err != nil {
		return f.fail(ctx, job, fmt.Errorf("list thread %s: %w", thread.ThreadID, err))
	}

	total := len(ids)
	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusRunning, jobs.TransitionOpts{TotalItems: &total}); err != nil {
		return err
	}
	persisted, err := f.processBatches(ctx, provider, job, ids)
	if err != nil {
		return f.fail(ctx, job, err)
	}

	_, err = f.Ledger.Transition(ctx, job.ID, jobs.StatusCompleted, jobs.TransitionOpts{Progress: &persisted})
	return err
}

// RunProcessMessage re-fetches a single message.
func (f *Fetcher) RunProcessMessage(ctx context.Context, job *jobs.SyncJob) error {
	meta, err := job.Meta()
	if err != nil {
		return f.fail(ctx, job, err)
	}
	msg, ok := meta.(*jobs.MessageMeta)
	if !ok || msg.MessageID == "" {
		return f.fail(ctx, job, fmt.Errorf("sync: message job missing message id"))
	}

	provider, err := f.Providers(ctx, job.UserID)
	if err != nil {
		return f.fail(ctx, job, err)
	}

	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusRunning, jobs.TransitionOpts{}); err != nil {
		return err
	}

	total := 1
	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusRunning, jobs.TransitionOpts{TotalItems: &total}); err != nil {
		return err
	}
	persisted, err := f.processBatches(ctx, provider, job, []string{msg.MessageID})
	if err != nil {
		return f.fail(ctx, job, err)
	}

	_, err = f.Ledger.Transition(ctx, job.ID, jobs.StatusCompleted, jobs.TransitionOpts{Progress: &persisted})
	return err
}

// listAll pages through message ids up to the backfill ceiling.
func (f *Fetcher) listAll(ctx context.Context, provider MailboxProvider, query string) ([]string, error) {
	var ids []string
	pageToken := ""
	max := f.maxBackfill()

	for {
		remaining := max - len(ids)
		if remaining <= 0 {
			break
		}
		size := f.pageSize()
		if int64(remaining) < size {
			size = int64(remaining)
		}

		page, err := provider.ListMessageIDs(ctx, query, pageToken, size)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page.IDs...)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

// collectHistory drains the change feed since the cursor, de-duplicating ids
// and keeping the newest cursor seen.
func (f *Fetcher) collectHistory(ctx context.Context, provider MailboxProvider, cursor string) ([]string, string, error) {
	seen := make(map[string]struct{})
	var ids []string
	newCursor := ""
	pageToken := ""

	for {
		page, err := provider.ListHistory(ctx, cursor, pageToken)
		if err != nil {
			return nil, "", err
		}

		for _, id := range page.MessageIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if page.NewCursor != "" {
			newCursor = page.NewCursor
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return ids, newCursor, nil
}

// processBatches fetches, normalizes and persists ids in fixed-size batches,
// reporting progress after each. Individual message failures are logged and
// skipped; only infrastructure failures abort the run. Returns how many
// messages were actually persisted.
func (f *Fetcher) processBatches(ctx context.Context, provider MailboxProvider, job *jobs.SyncJob, ids []string) (int, error) {
	batch := f.batchSize()
	var done atomic.Int64

	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(f.concurrency())
		for _, id := range ids[start:end] {
			id := id
			g.Go(func() error {
				if err := f.processOne(gctx, provider, job.UserID, id); err != nil {
					f.Log.Warn().Err(err).
						Str("user_id", job.UserID).
						Str("message_id", id).
						Msg("skipping message")
					return nil
				}
				done.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return int(done.Load()), err
		}

		progress := int(done.Load())
		if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusRunning, jobs.TransitionOpts{Progress: &progress}); err != nil {
			return progress, err
		}
	}

	return int(done.Load()), nil
}

func (f *Fetcher) processOne(ctx context.Context, provider MailboxProvider, userID, id string) error {
	raw, err := provider.GetMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch message: %w", err)
	}
	parsed, err := mail.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse message: %w", err)
	}
	if err := f.Sink.SaveMessage(ctx, userID, parsed); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// fallbackToBackfill closes the incremental job empty and enqueues a bounded
// backfill in its place.
func (f *Fetcher) fallbackToBackfill(ctx context.Context, job *jobs.SyncJob, reason string) (*jobs.SyncJob, error) {
	zero := 0
	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusCompleted, jobs.TransitionOpts{
		Progress: &zero, TotalItems: &zero,
	}); err != nil {
		return nil, err
	}

	f.Log.Info().
		Str("user_id", job.UserID).
		Str("reason", reason).
		Int("days", f.fallbackDays()).
		Msg("falling back to bounded backfill")

	fallback, _, err := f.Ledger.Enqueue(ctx, job.UserID, jobs.TypeBackfill, jobs.BackfillMeta{
		Days:          f.fallbackDays(),
		ExcludeLabels: f.ExcludeLabels,
		TriggeredBy:   reason,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue fallback backfill: %w", err)
	}
	return fallback, nil
}

// fail records the job as FAILED and returns the original error.
func (f *Fetcher) fail(ctx context.Context, job *jobs.SyncJob, cause error) error {
	msg := cause.Error()
	if _, err := f.Ledger.Transition(ctx, job.ID, jobs.StatusFailed, jobs.TransitionOpts{Error: &msg}); err != nil {
		f.Log.Error().Err(err).Str("job_id", job.ID).Msg("could not mark job failed")
	}
	return cause
}

// backfillQuery builds the provider search expression for a bounded window.
func backfillQuery(since time.Time, excludeLabels []string) string {
	query := fmt.Sprintf("after:%d", since.Unix())
	for _, label := range excludeLabels {
		query += fmt.Sprintf(" -label:%s", label)
	}
	return query
}

