package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler heals jobs whose worker died mid-run. A RUNNING job that has not
// moved past the stuck threshold is closed out as COMPLETED with its total
// set to whatever progress it actually made, so status readers never see a
// phantom in-flight sync.
type Reconciler struct {
	ledger     *Ledger
	stuckAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewReconciler builds a reconciler over the ledger. stuckAfter below or at
// zero falls back to two minutes.
func NewReconciler(ledger *Ledger, stuckAfter time.Duration, log zerolog.Logger) *Reconciler {
	if stuckAfter <= 0 {
		stuckAfter = 2 * time.Minute
	}
	return &Reconciler{
		ledger:     ledger,
		stuckAfter: stuckAfter,
		now:        time.Now,
		log:        log,
	}
}

// Heal inspects a job and closes it out if stuck. It returns the (possibly
// updated) job and whether a heal happened. Non-RUNNING jobs and RUNNING jobs
// within the threshold pass through untouched, which makes repeated calls
// idempotent.
func (r *Reconciler) Heal(ctx context.Context, job *SyncJob) (*SyncJob, bool, error) {
	if job == nil || job.Status != StatusRunning {
		return job, false, nil
	}

	ref := job.StartedAt
	if ref == nil {
		ref = &job.CreatedAt
	}
	age := r.now().Sub(*ref)
	if age < r.stuckAfter {
		return job, false, nil
	}

	progress := 0
	if job.Progress != nil {
		progress = *job.Progress
	}

	healed, err := r.ledger.Transition(ctx, job.ID, StatusCompleted, TransitionOpts{
		Progress:   &progress,
		TotalItems: &progress,
	})
	if err != nil {
		return job, false, fmt.Errorf("heal job %s: %w", job.ID, err)
	}

	r.log.Warn().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("job_type", string(job.Type)).
		Dur("age", age).
		Int("progress", progress).
		Msg("closed out stuck job")

	return healed, true, nil
}

// HealUser runs Heal over every active job for the user. Called on status
// reads so stale jobs never outlive the next poll.
func (r *Reconciler) HealUser(ctx context.Context, userID string) ([]*SyncJob, error) {
	jobs, err := r.ledger.RecentJobs(ctx, userID, 20)
	if err != nil {
		return nil, err
	}

	out := make([]*SyncJob, 0, len(jobs))
	for _, job := range jobs {
		healed, _, err := r.Heal(ctx, job)
		if err != nil {
			return nil, err
		}
		out = append(out, healed)
	}
	return out, nil
}
