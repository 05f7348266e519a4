package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
)

// Job represents one processing run over a document. RetryCount counts
// stage retries and RequeueCount counts restarts after the task never reached
// the queue. Each has its own budget of MaxRetries.
type Job struct {
	ID           uuid.UUID           `json:"id"`
	DocumentID   uuid.UUID           `json:"document_id"`
	Status       constants.JobStatus `json:"status"`
	Progress     float64             `json:"progress"`
	Stage        string              `json:"stage,omitempty"`
	Result       *JobResult          `json:"result,omitempty"`
	Error        *string             `json:"error,omitempty"`
	ErrorCode    *string             `json:"error_code,omitempty"`
	RetryCount   int                 `json:"retry_count"`
	RequeueCount int                 `json:"requeue_count"`
	MaxRetries   int                 `json:"max_retries"`
	Version      int64               `json:"version"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	FinishedAt   *time.Time          `json:"finished_at,omitempty"`
}

// Retryable reports whether a failed job may still be picked up by a worker.
func (j *Job) Retryable() bool {
	if j.Status != constants.JobStatusFailed || j.ErrorCode == nil {
		return false
	}
	return constants.RetryableErrorCode(*j.ErrorCode) && j.RequeueCount < j.MaxRetries
}

// Terminal reports whether no further transition is possible.
func (j *Job) Terminal() bool {
	switch j.Status {
	case constants.JobStatusCompleted:
		return true
	case constants.JobStatusFailed:
		return !j.Retryable()
	}
	return false
}

// CanTransition encodes the job state machine.
func (j *Job) CanTransition(to constants.JobStatus) bool {
	switch j.Status {
	case constants.JobStatusQueued:
		return to == constants.JobStatusProcessing || to == constants.JobStatusFailed
	case constants.JobStatusProcessing:
		return to == constants.JobStatusProcessing ||
			to == constants.JobStatusCompleted ||
			to == constants.JobStatusFailed
	case constants.JobStatusFailed:
		return to == constants.JobStatusProcessing && j.Retryable()
	}
	return false
}
