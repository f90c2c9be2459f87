package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	streamName     = "SYNC_JOBS"
	streamSubjects = "jobs.>"
)

// JetStreamDispatcher publishes job hand-offs to a durable NATS stream.
// Workers consume from it; the MsgId window de-duplicates redeliveries.
type JetStreamDispatcher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewJetStreamDispatcher connects and ensures the job stream exists.
func NewJetStreamDispatcher(url string) (*JetStreamDispatcher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	d := &JetStreamDispatcher{nc: nc, js: js}
	if err := d.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return d, nil
}

func (d *JetStreamDispatcher) ensureStream() error {
	if info, err := d.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := d.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{streamSubjects},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Dispatch publishes the job with its id as the dedup key, so a retried
// trigger cannot enqueue the same job twice within the dedup window.
func (d *JetStreamDispatcher) Dispatch(ctx context.Context, job JobDispatch) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}

	subject := fmt.Sprintf("jobs.%s.%s", job.UserID, job.JobType)
	_, err = d.js.Publish(subject, payload, nats.MsgId(job.JobID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (d *JetStreamDispatcher) Close() {
	if d.nc != nil {
		d.nc.Close()
	}
}
