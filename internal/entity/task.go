package entity

import (
	"time"

	"github.com/google/uuid"
)

// TaskMessage is the queue payload handed from ingestion to workers.
type TaskMessage struct {
	JobID       uuid.UUID `json:"job_id"`
	DocumentID  uuid.UUID `json:"document_id"`
	Priority    int       `json:"priority,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	TraceID     string    `json:"trace_id,omitempty"`
}

// Delivery is a leased message. The lease token must be presented on Ack/Nack.
type Delivery struct {
	Message    TaskMessage
	ID         string
	LeaseToken string
	Attempt    int
	LeaseUntil time.Time
}
