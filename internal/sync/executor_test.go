package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemail/mailsync/internal/jobs"
	"github.com/hivemail/mailsync/internal/mail"
)

func TestExecutorRunsSubmittedJob(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	provider := &fakeProvider{
		messages: map[string]*mail.RawMessage{"m-1": rawTestMessage("m-1")},
		pages:    []*MessagePage{{IDs: []string{"m-1"}}},
	}
	f := newTestFetcher(ledger, sink, provider, nil)
	e := NewExecutor(f, zerolog.Nop())

	job, err := ledger.Create(ctx, "user-1", jobs.TypeBackfill, jobs.BackfillMeta{Days: 7})
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, job))

	require.Eventually(t, func() bool {
		got, err := ledger.Get(ctx, job.ID)
		return err == nil && got.Status == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(e.Running()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, sink.saved["user-1"], 1)
}

func TestExecutorChainsFallbackBackfill(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()
	sink.cursors["user-1"] = "hist-ancient"

	provider := &fakeProvider{
		historyErr: ErrCursorTooOld,
		messages:   map[string]*mail.RawMessage{"m-1": rawTestMessage("m-1")},
		pages:      []*MessagePage{{IDs: []string{"m-1"}}},
	}
	f := newTestFetcher(ledger, sink, provider, nil)
	e := NewExecutor(f, zerolog.Nop())

	job, err := ledger.Create(ctx, "user-1", jobs.TypeIncremental, jobs.IncrementalMeta{TriggeredBy: "push"})
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, job))

	// The expired cursor spawns a backfill that the executor runs next.
	require.Eventually(t, func() bool {
		recent, err := ledger.RecentJobs(ctx, "user-1", 10)
		if err != nil || len(recent) != 2 {
			return false
		}
		for _, j := range recent {
			if j.Status != jobs.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, sink.saved["user-1"], 1)
}

func TestExecutorFiresThreadHook(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	provider := &fakeProvider{
		messages: map[string]*mail.RawMessage{"t1": rawTestMessage("t1")},
		threads:  map[string][]string{"thread-5": {"t1"}},
	}
	f := newTestFetcher(ledger, sink, provider, nil)
	e := NewExecutor(f, zerolog.Nop())

	done := make(chan string, 1)
	e.OnThreadProcessed = func(ctx context.Context, userID, threadID string) {
		done <- userID + "/" + threadID
	}

	job, err := ledger.Create(ctx, "user-1", jobs.TypeProcessThread, jobs.ThreadMeta{ThreadID: "thread-5"})
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, job))

	select {
	case got := <-done:
		assert.Equal(t, "user-1/thread-5", got)
	case <-time.After(5 * time.Second):
		t.Fatal("thread hook never fired")
	}
}

func TestExecutorRejectsDuplicateSubmission(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	// A provider factory that blocks keeps the job in flight.
	release := make(chan struct{})
	f := &Fetcher{
		Ledger: ledger,
		Sink:   sink,
		Providers: func(ctx context.Context, userID string) (MailboxProvider, error) {
			<-release
			return nil, errors.New("held")
		},
		Log: zerolog.Nop(),
	}
	e := NewExecutor(f, zerolog.Nop())

	job, err := ledger.Create(ctx, "user-1", jobs.TypeBackfill, jobs.BackfillMeta{Days: 7})
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, job))

	err = e.Submit(ctx, job)
	assert.Error(t, err)

	close(release)
	e.StopAll()
}
