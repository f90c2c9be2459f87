package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivemail/mailsync/internal/jobs"
)

// JobDispatch is the hand-off payload telling a worker to run a job.
type JobDispatch struct {
	JobID         string          `json:"job_id"`
	UserID        string          `json:"user_id"`
	JobType       jobs.JobType    `json:"job_type"`
	CorrelationID string          `json:"correlation_id"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Dispatcher hands jobs to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, d JobDispatch) error
}

// HTTPDispatcher posts jobs directly to a worker's ingest endpoint. Used when
// no broker is configured.
type HTTPDispatcher struct {
	workerURL string
	client    *http.Client
}

// NewHTTPDispatcher creates a dispatcher against the worker base URL.
func NewHTTPDispatcher(workerURL string) *HTTPDispatcher {
	return &HTTPDispatcher{
		workerURL: workerURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch posts the job to the worker. The correlation id rides both the
// body and the header so intermediaries can log it.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, job JobDispatch) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.workerURL+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", job.CorrelationID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LoggingDispatcher wraps another dispatcher so delivery failures are logged
// and swallowed. A missed dispatch is recoverable: the job stays PENDING in
// the ledger and the reconciler or the next trigger picks it up.
type LoggingDispatcher struct {
	Next Dispatcher
	Log  zerolog.Logger
}

// Dispatch never returns an error.
func (d *LoggingDispatcher) Dispatch(ctx context.Context, job JobDispatch) error {
	if err := d.Next.Dispatch(ctx, job); err != nil {
		d.Log.Error().Err(err).
			Str("job_id", job.JobID).
			Str("user_id", job.UserID).
			Str("job_type", string(job.JobType)).
			Str("correlation_id", job.CorrelationID).
			Msg("job dispatch failed")
	}
	return nil
}
