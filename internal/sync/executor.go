package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/rs/zerolog"

	"github.com/hivemail/mailsync/internal/jobs"
)

// Executor runs accepted jobs in background goroutines, tracking in-flight
// work so shutdown can cancel it. The ledger's one-active-job rule handles
// duplicates; the executor only guards against running the same job twice in
// this process.
type Executor struct {
	fetcher *Fetcher
	log     zerolog.Logger

	// OnThreadProcessed, when set, fires after a thread re-processing job
	// completes so enrichment (summaries) can run off the sync path.
	OnThreadProcessed func(ctx context.Context, userID, threadID string)

	mu      stdsync.Mutex
	running map[string]context.CancelFunc
	wg      stdsync.WaitGroup
}

// NewExecutor creates an executor over the fetcher.
func NewExecutor(fetcher *Fetcher, log zerolog.Logger) *Executor {
	return &Executor{
		fetcher: fetcher,
		log:     log,
		running: make(map[string]context.CancelFunc),
	}
}

// Submit starts the job in the background. Returns an error if this process
// is already running it.
func (e *Executor) Submit(ctx context.Context, job *jobs.SyncJob) error {
	e.mu.Lock()
	if _, exists := e.running[job.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("job %s already running", job.ID)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.running[job.ID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, job.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(jobCtx, job)
	}()

	return nil
}

// run executes the job and any fallback it spawns, in order.
func (e *Executor) run(ctx context.Context, job *jobs.SyncJob) {
	for job != nil {
		log := e.log.With().
			Str("job_id", job.ID).
			Str("user_id", job.UserID).
			Str("job_type", string(job.Type)).
			Logger()
		log.Info().Msg("job started")

		fallback, err := e.fetcher.Execute(ctx, job)
		if err != nil {
			log.Error().Err(err).Msg("job failed")
			return
		}
		log.Info().Msg("job finished")

		if job.Type == jobs.TypeProcessThread && e.OnThreadProcessed != nil {
			if meta, metaErr := job.Meta(); metaErr == nil {
				if thread, ok := meta.(*jobs.ThreadMeta); ok {
					e.OnThreadProcessed(ctx, job.UserID, thread.ThreadID)
				}
			}
		}

		job = fallback
	}
}

// Running lists the job ids currently in flight.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// StopAll cancels every in-flight job and waits for the goroutines to exit.
// Interrupted jobs stay RUNNING in the ledger; the reconciler closes them
// out on the next status read.
func (e *Executor) StopAll() {
	e.mu.Lock()
	for id, cancel := range e.running {
		e.log.Info().Str("job_id", id).Msg("cancelling job")
		cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
}
