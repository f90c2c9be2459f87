package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies the kind of sync work a job performs.
type JobType string

const (
	TypeBackfill       JobType = "BACKFILL"
	TypeIncremental    JobType = "INCREMENTAL"
	TypeProcessThread  JobType = "PROCESS_THREAD"
	TypeProcessMessage JobType = "PROCESS_MESSAGE"
)

// Status is the job state-machine position.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// statusRank orders states for monotonic transitions.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
	StatusCancelled: 2,
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return statusRank[s] == 2
}

// SyncJob is one unit of synchronization work in the ledger.
type SyncJob struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Type        JobType    `json:"job_type"`
	Status      Status     `json:"status"`
	Progress    *int       `json:"progress,omitempty"`
	TotalItems  *int       `json:"total_items,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    []byte     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the job still counts against the one-active-job
// invariant for its (user, type) pair.
func (j *SyncJob) Active() bool {
	return j.Status == StatusPending || j.Status == StatusRunning
}

// Meta decodes the job's metadata payload according to its type.
func (j *SyncJob) Meta() (Metadata, error) {
	return DecodeMetadata(j.Type, j.Metadata)
}

// Metadata is the per-type job payload. Each job type carries its own
// statically known struct; the ledger stores the encoded bytes.
type Metadata interface {
	JobType() JobType
}

// BackfillMeta configures a bounded historical pull.
type BackfillMeta struct {
	Days          int      `json:"backfill_days"`
	ExcludeLabels []string `json:"exclude_labels,omitempty"`
	TriggeredBy   string   `json:"triggered_by,omitempty"`
}

func (BackfillMeta) JobType() JobType { return TypeBackfill }

// IncrementalMeta configures a cursor-based delta pull.
type IncrementalMeta struct {
	TriggeredBy  string `json:"triggered_by,omitempty"`
	ChangeCursor string `json:"change_cursor,omitempty"`
}

func (IncrementalMeta) JobType() JobType { return TypeIncremental }

// ThreadMeta targets re-processing of a single thread.
type ThreadMeta struct {
	ThreadID string `json:"thread_id"`
}

func (ThreadMeta) JobType() JobType { return TypeProcessThread }

// MessageMeta targets re-processing of a single message.
type MessageMeta struct {
	MessageID string `json:"message_id"`
}

func (MessageMeta) JobType() JobType { return TypeProcessMessage }

// EncodeMetadata serializes metadata for storage and dispatch.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", m.JobType(), err)
	}
	return data, nil
}

// DecodeMetadata deserializes the payload stored for a job of the given
// type. Empty payloads yield the type's zero metadata.
func DecodeMetadata(t JobType, data []byte) (Metadata, error) {
	decode := func(dst Metadata) (Metadata, error) {
		if len(data) == 0 {
			return dst, nil
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", t, err)
		}
		return dst, nil
	}

	switch t {
	case TypeBackfill:
		return decode(&BackfillMeta{})
	case TypeIncremental:
		return decode(&IncrementalMeta{})
	case TypeProcessThread:
		return decode(&ThreadMeta{})
	case TypeProcessMessage:
		return decode(&MessageMeta{})
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
}
