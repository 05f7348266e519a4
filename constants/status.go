package constants

// JobStatus is the canonical status for rows in the jobs table.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued     JobStatus = "queued"     // accepted, waiting for a worker
	JobStatusProcessing JobStatus = "processing" // claimed by a worker
	JobStatusCompleted  JobStatus = "completed"  // terminal, result present
	JobStatusFailed     JobStatus = "failed"     // error present
)

var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Error codes recorded on failed jobs. Transient stage errors are retried
// and only recorded once the stage retry budget is spent.
const (
	ErrCodeQueueUnavailable = "QueueUnavailable"
	ErrCodePermanentStage   = "PermanentStageError"
	ErrCodeTransientStage   = "TransientStageError"
)

// RetryableErrorCode reports whether a failed job with this code may be
// picked up again by a worker while it still has retry budget.
func RetryableErrorCode(code string) bool {
	return code == ErrCodeQueueUnavailable
}
