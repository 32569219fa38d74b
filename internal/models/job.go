package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
// Transitions are strictly queued -> processing -> completed|failed, with
// processing -> queued allowed only on a retryable failure. Completed and
// failed are terminal.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Failure kinds recorded on the terminal failed state.
const (
	ErrKindFatal            = "fatal"
	ErrKindRetriesExhausted = "retries_exhausted"
)

// Job is the authoritative record of one submitted image.
type Job struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Status      string    `json:"status"`
	ContentType string    `json:"content_type"`
	InputKey    string    `json:"input_key"`
	ResultID    *string   `json:"result_id,omitempty"`
	ErrorKind   *string   `json:"error_kind,omitempty"`
	LastError   *string   `json:"last_error,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal reports whether no further transitions are accepted.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Envelope is the broker message for one delivery attempt. It is a disposable
// projection: consumers re-read the job row and trust nothing else from it.
type Envelope struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// Card is one identified card region from a processed image.
type Card struct {
	Name       string  `json:"name"`
	SetCode    string  `json:"set_code"`
	Confidence float64 `json:"confidence"`
}

// Result is a write-once row in the result sink, referenced by Job.ResultID.
type Result struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Cards     []Card    `json:"cards"`
	CreatedAt time.Time `json:"created_at"`
}
