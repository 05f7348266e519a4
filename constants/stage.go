package constants

// Stage names, in pipeline order.
const (
	StageExtract    = "extract"
	StageEmbed      = "embed"
	StageSimilarity = "similarity"
	StageAnomaly    = "anomaly"
)

// StageProgress is the progress fraction reported once a stage has finished.
// Completion (1.0) is written together with the result.
var StageProgress = map[string]float64{
	StageExtract:    0.25,
	StageEmbed:      0.50,
	StageSimilarity: 0.75,
	StageAnomaly:    0.90,
}

// Risk levels derived from a job's risk score.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"

	RiskMediumThreshold = 0.4
	RiskHighThreshold   = 0.7
)

func RiskLevel(score float64) string {
	switch {
	case score >= RiskHighThreshold:
		return RiskHigh
	case score >= RiskMediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}
