package entity

import "github.com/google/uuid"

// JobResult is the payload stored on a completed job. It carries no
// timestamps so that re-running a job over the same inputs is byte-stable.
type JobResult struct {
	WordCount      int              `json:"word_count"`
	PageCount      int              `json:"page_count"`
	Sections       []string         `json:"sections"`
	EmbeddingModel string           `json:"embedding_model"`
	EmbeddingDim   int              `json:"embedding_dim"`
	Similarity     SimilarityReport `json:"similarity"`
	Anomalies      []Anomaly        `json:"anomalies"`
	RiskScore      float64          `json:"risk_score"`
	RiskLevel      string           `json:"risk_level"`
}

type SimilarityReport struct {
	MaxScore float64           `json:"max_score"`
	Matches  []SimilarityMatch `json:"matches"`
}

type SimilarityMatch struct {
	DocumentID uuid.UUID `json:"document_id"`
	Title      string    `json:"title"`
	Score      float64   `json:"score"`
}

// Severity of an anomaly finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight maps a severity onto [0,1] for risk scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.5
	case SeverityLow:
		return 0.2
	}
	return 0
}

// Anomaly is a single finding of the statistical or citation checks.
type Anomaly struct {
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Confidence  float64        `json:"confidence"`
	Description string         `json:"description"`
	Location    string         `json:"location,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}
