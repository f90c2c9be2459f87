package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemail/mailsync/internal/jobs"
	"github.com/hivemail/mailsync/internal/mail"
)

type fakeProvider struct {
	mu          stdsync.Mutex
	queries     []string
	pages       []*MessagePage
	pageIdx     int
	history     []*HistoryPage
	historyErr  error
	messages    map[string]*mail.RawMessage
	cursor      string
	threads     map[string][]string
	getFailures map[string]bool
}

func (p *fakeProvider) Name() ProviderName { return ProviderGoogle }

func (p *fakeProvider) ListMessageIDs(ctx context.Context, query, pageToken string, pageSize int64) (*MessagePage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, query)
	if p.pageIdx >= len(p.pages) {
		return &MessagePage{}, nil
	}
	page := p.pages[p.pageIdx]
	p.pageIdx++
	return page, nil
}

func (p *fakeProvider) GetMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getFailures[id] {
		return nil, fmt.Errorf("transient fetch failure for %s", id)
	}
	msg, ok := p.messages[id]
	if !ok {
		return nil, fmt.Errorf("no such message %s", id)
	}
	return msg, nil
}

func (p *fakeProvider) ListHistory(ctx context.Context, sinceCursor, pageToken string) (*HistoryPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.historyErr != nil {
		return nil, p.historyErr
	}
	idx := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "hp-%d", &idx)
	}
	if idx >= len(p.history) {
		return &HistoryPage{}, nil
	}
	page := *p.history[idx]
	if idx+1 < len(p.history) {
		page.NextPageToken = fmt.Sprintf("hp-%d", idx+1)
	}
	return &page, nil
}

func (p *fakeProvider) ListThreadMessageIDs(ctx context.Context, threadID string) ([]string, error) {
	ids, ok := p.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("no such thread %s", threadID)
	}
	return ids, nil
}

func (p *fakeProvider) CurrentCursor(ctx context.Context) (string, error) {
	return p.cursor, nil
}

func (p *fakeProvider) RegisterWatch(ctx context.Context, topic string) (*WatchRegistration, error) {
	return &WatchRegistration{ChannelID: "ch-1", Cursor: p.cursor, Expiration: time.Now().Add(time.Hour)}, nil
}

func (p *fakeProvider) UnregisterWatch(ctx context.Context) error { return nil }

type fakeSink struct {
	mu      stdsync.Mutex
	saved   map[string][]*mail.ParsedEmail
	cursors map[string]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{saved: map[string][]*mail.ParsedEmail{}, cursors: map[string]string{}}
}

func (s *fakeSink) SaveMessage(ctx context.Context, userID string, email *mail.ParsedEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[userID] = append(s.saved[userID], email)
	return nil
}

func (s *fakeSink) SaveCursor(ctx context.Context, userID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[userID] = cursor
	return nil
}

func (s *fakeSink) Cursor(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[userID], nil
}

func rawTestMessage(id string) *mail.RawMessage {
	body := base64.RawURLEncoding.EncodeToString([]byte("body of " + id))
	return &mail.RawMessage{
		ID:           id,
		ThreadID:     "thread-" + id,
		InternalDate: time.Now().UnixMilli(),
		Payload: &mail.RawPart{
			MimeType: "text/plain",
			Headers: []mail.RawHeader{
				{Name: "From", Value: "sender@example.com"},
				{Name: "Subject", Value: "subject " + id},
			},
			Body: mail.RawBody{Data: body},
		},
	}
}

func newTestLedger(t *testing.T) *jobs.Ledger {
	t.Helper()
	ledger, err := jobs.OpenLedger(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func newTestFetcher(ledger *jobs.Ledger, sink Sink, provider MailboxProvider, provErr error) *Fetcher {
	return &Fetcher{
		Ledger: ledger,
		Sink:   sink,
		Providers: func(ctx context.Context, userID string) (MailboxProvider, error) {
			if provErr != nil {
				return nil, provErr
			}
			return provider, nil
		},
		Log:           zerolog.Nop(),
		FallbackDays:  7,
		ExcludeLabels: []string{"SPAM", "TRASH"},
	}
}

func TestBackfillProcessesAllPages(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	provider := &fakeProvider{messages: map[string]*mail.RawMessage{}, cursor: "hist-900"}
	var pageIDs [][]string
	for page := 0; page < 3; page++ {
		var ids []string
		count := 50
		if page == 2 {
			count = 20
		}
		for i := 0; i < count; i++ {
			id := fmt.Sprintf("m-%d-%d", page, i)
			ids = append(ids, id)
			provider.messages[id] = rawTestMessage(id)
		}
		pageIDs = append(pageIDs, ids)
	}
	provider.pages = []*MessagePage{
		{IDs: pageIDs[0], NextPageToken: "p1"},
		{IDs: pageIDs[1], NextPageToken: "p2"},
		{IDs: pageIDs[2]},
	}

	f := newTestFetcher(ledger, sink, provider, nil)
	job, err := ledger.Create(ctx, "user-1", jobs.TypeBackfill, jobs.BackfillMeta{
		Days: 30, ExcludeLabels: []string{"SPAM", "TRASH"},
	})
	require.NoError(t, err)

	require.NoError(t, f.RunBackfill(ctx, job))

	done, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	require.NotNil(t, done.TotalItems)
	assert.Equal(t, 120, *done.TotalItems)
	require.NotNil(t, done.Progress)
	assert.Equal(t, 120, *done.Progress)

	assert.Len(t, sink.saved["user-1"], 120)
	assert.Equal(t, "hist-900", sink.cursors["user-1"])

	// The listing query bounds the window and excludes the configured labels.
	require.NotEmpty(t, provider.queries)
	assert.Contains(t, provider.queries[0], "after:")
	assert.Contains(t, provider.queries[0], "-label:SPAM")
	assert.Contains(t, provider.queries[0], "-label:TRASH")
}

func TestBackfillSkipsUnfetchableMessages(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	provider := &fakeProvider{
		messages: map[string]*mail.RawMessage{
			"a": rawTestMessage("a"),
			"c": rawTestMessage("c"),
		},
		getFailures: map[string]bool{"b": true},
		pages:       []*MessagePage{{IDs: []string{"a", "b", "c"}}},
	}

	f := newTestFetcher(ledger, sink, provider, nil)
	job, err := ledger.Create(ctx, "user-1", jobs.TypeBackfill, jobs.BackfillMeta{Days: 7})
	require.NoError(t, err)

	require.NoError(t, f.RunBackfill(ctx, job))

	done, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Len(t, sink.saved["user-1"], 2)

	// Progress reports what was actually persisted, not the listing size.
	require.NotNil(t, done.Progress)
	assert.Equal(t, 2, *done.Progress)
	require.NotNil(t, done.TotalItems)
	assert.Equal(t, 3, *done.TotalItems)
}

func TestBackfillRespectsCeiling(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	provider := &fakeProvider{messages: map[string]*mail.RawMessage{}}
	var ids []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("m-%d", i)
		ids = append(ids, id)
		provider.messages[id] = rawTestMessage(id)
	}
	// The provider claims more pages exist, but the ceiling cuts the run off.
	provider.pages = []*MessagePage{
		{IDs: ids[:5], NextPageToken: "p1"},
		{IDs: ids[5:], NextPageToken: "p2"},
		{IDs: []string{"overflow"}},
	}

	f := newTestFetcher(ledger, sink, provider, nil)
	f.MaxBackfill = 10
	job, err := ledger.Create(ctx, "user-1", jobs.TypeBackfill, jobs.BackfillMeta{Days: 30})
	require.NoError(t, err)

	require.NoError(t, f.RunBackfill(ctx, job))
	assert.Len(t, sink.saved["user-1"], 10)
}

func TestIncrementalDeduplicatesAndAdvancesCursor(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()
	sink.cursors["user-1"] = "hist-100"

	provider := &fakeProvider{
		messages: map[string]*mail.RawMessage{
			"x": rawTestMessage("x"),
			"y": rawTestMessage("y"),
			"z": rawTestMessage("z"),
		},
		history: []*HistoryPage{
			{MessageIDs: []string{"x", "y", "x"}, NewCursor: "hist-150"},
			{MessageIDs: []string{"y", "z"}, NewCursor: "hist-200"},
		},
	}

	f := newTestFetcher(ledger, sink, provider, nil)
	job, err := ledger.Create(ctx, "user-1", jobs.TypeIncremental, jobs.IncrementalMeta{TriggeredBy: "push"})
	require.NoError(t, err)

	fallback, err := f.RunIncremental(ctx, job)
	require.NoError(t, err)
	assert.Nil(t, fallback)

	done, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	require.NotNil(t, done.TotalItems)
	assert.Equal(t, 3, *done.TotalItems)

	assert.Len(t, sink.saved["user-1"], 3)
	assert.Equal(t, "hist-200", sink.cursors["user-1"])
}

func TestIncrementalExpiredCursorFallsBack(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()
	sink.cursors["user-1"] = "hist-ancient"

	provider := &fakeProvider{historyErr: ErrCursorTooOld}
	f := newTestFetcher(ledger, sink, provider, nil)

	job, err := ledger.Create(ctx, "user-1", jobs.TypeIncremental, jobs.IncrementalMeta{})
	require.NoError(t, err)

	fallback, err := f.RunIncremental(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, fallback)

	// The incremental job completes empty rather than failing.
	done, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	require.NotNil(t, done.TotalItems)
	assert.Equal(t, 0, *done.TotalItems)

	// The expired cursor must not move; the fallback backfill re-establishes
	// the baseline itself.
	assert.Equal(t, "hist-ancient", sink.cursors["user-1"])

	// And a bounded backfill covering the recent window takes its place.
	assert.Equal(t, jobs.TypeBackfill, fallback.Type)
	meta, err := fallback.Meta()
	require.NoError(t, err)
	backfill := meta.(*jobs.BackfillMeta)
	assert.Equal(t, 7, backfill.Days)
	assert.Equal(t, "cursor_expired", backfill.TriggeredBy)
}

func TestIncrementalMissingCursorFallsBack(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	provider := &fakeProvider{}
	f := newTestFetcher(ledger, sink, provider, nil)

	job, err := ledger.Create(ctx, "user-1", jobs.TypeIncremental, jobs.IncrementalMeta{})
	require.NoError(t, err)

	fallback, err := f.RunIncremental(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, fallback)
	assert.Equal(t, jobs.TypeBackfill, fallback.Type)
}

func TestCredentialFailureMarksJobFailed(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	credErr := errors.New("no credential on file")
	f := newTestFetcher(ledger, sink, nil, credErr)

	job, err := ledger.Create(ctx, "user-1", jobs.TypeBackfill, jobs.BackfillMeta{Days: 30})
	require.NoError(t, err)

	err = f.RunBackfill(ctx, job)
	require.Error(t, err)

	failed, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "no credential")
}

func TestProcessThreadFetchesWholeThread(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	provider := &fakeProvider{
		messages: map[string]*mail.RawMessage{
			"t1": rawTestMessage("t1"),
			"t2": rawTestMessage("t2"),
		},
		threads: map[string][]string{"thread-9": {"t1", "t2"}},
	}
	f := newTestFetcher(ledger, sink, provider, nil)

	job, err := ledger.Create(ctx, "user-1", jobs.TypeProcessThread, jobs.ThreadMeta{ThreadID: "thread-9"})
	require.NoError(t, err)

	require.NoError(t, f.RunProcessThread(ctx, job))
	assert.Len(t, sink.saved["user-1"], 2)

	done, err := ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
}

func TestProcessMessageFetchesOne(t *testing.T) {
	ledger := newTestLedger(t)
	sink := newFakeSink()
	ctx := context.Background()

	provider := &fakeProvider{messages: map[string]*mail.RawMessage{"solo": rawTestMessage("solo")}}
	f := newTestFetcher(ledger, sink, provider, nil)

	job, err := ledger.Create(ctx, "user-1", jobs.TypeProcessMessage, jobs.MessageMeta{MessageID: "solo"})
	require.NoError(t, err)

	require.NoError(t, f.RunProcessMessage(ctx, job))
	require.Len(t, sink.saved["user-1"], 1)
	assert.Equal(t, "solo", sink.saved["user-1"][0].MessageID)
}
