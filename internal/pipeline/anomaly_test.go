package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

func extraction(text string) *Extraction {
	return &Extraction{
		Text:      text,
		WordCount: len(strings.Fields(text)),
		PageCount: 1,
		Format:    constants.FormatText,
		Sections:  splitSections(text),
	}
}

func testDocument(authors ...string) *entity.Document {
	return &entity.Document{
		Metadata:  entity.DocumentMetadata{Title: "On Things", Authors: authors},
		CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func findAnomaly(list []entity.Anomaly, typ string) *entity.Anomaly {
	for i := range list {
		if list[i].Type == typ {
			return &list[i]
		}
	}
	return nil
}

func TestDetectCleanDocument(t *testing.T) {
	text := "Abstract\nWe look at a small question. The answer turns out to be simple.\n\nReferences\n[1] Doe, J. (2019). A prior result. Journal A.\n"
	got, err := NewStatisticalDetector().Detect(context.Background(), testDocument("Ada Lovelace"), extraction(text))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDetectRepeatedSentences(t *testing.T) {
	s := "This exact sentence about protein folding appears more than once in the text. "
	text := s + "Something else happens here entirely. " + s + s + "The end."
	got, err := NewStatisticalDetector().Detect(context.Background(), testDocument(), extraction(text))
	require.NoError(t, err)

	a := findAnomaly(got, AnomalyRepeatedText)
	require.NotNil(t, a)
	assert.Equal(t, entity.SeverityMedium, a.Severity)
	assert.Equal(t, 2, a.Evidence["repeats"])
}

func TestDetectPValueClustering(t *testing.T) {
	text := "Effect A was significant (p = 0.049). Effect B too (p = .041). Effect C (p < 0.048). Effect D (p = 0.045)."
	got, err := NewStatisticalDetector().Detect(context.Background(), testDocument(), extraction(text))
	require.NoError(t, err)

	a := findAnomaly(got, AnomalyPValueClustering)
	require.NotNil(t, a)
	assert.Equal(t, entity.SeverityHigh, a.Severity)
	assert.Equal(t, 4, a.Evidence["near_threshold"])
}

func TestDetectBenfordDeviation(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "measured %d units. ", 900+i)
	}
	got, err := NewStatisticalDetector().Detect(context.Background(), testDocument(), extraction(b.String()))
	require.NoError(t, err)

	a := findAnomaly(got, AnomalyBenford)
	require.NotNil(t, a)
	assert.Equal(t, entity.SeverityHigh, a.Severity)
	assert.Equal(t, 60, a.Evidence["numbers"])
}

func TestDetectUniformSentences(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, "Sample %d showed one two three four five six. ", i)
	}
	got, err := NewStatisticalDetector().Detect(context.Background(), testDocument(), extraction(b.String()))
	require.NoError(t, err)

	a := findAnomaly(got, AnomalyUniformSentences)
	require.NotNil(t, a)
	assert.Equal(t, entity.SeverityMedium, a.Severity)
}

func TestDetectMissingReferences(t *testing.T) {
	d := NewStatisticalDetector()
	d.MinReferenceWords = 10
	text := "Introduction\nA long enough body of words with no bibliography at the end of it at all"
	got, err := d.Detect(context.Background(), testDocument(), extraction(text))
	require.NoError(t, err)
	require.NotNil(t, findAnomaly(got, AnomalyMissingReferences))

	d.MinReferenceWords = 1000
	got, err = d.Detect(context.Background(), testDocument(), extraction(text))
	require.NoError(t, err)
	assert.Nil(t, findAnomaly(got, AnomalyMissingReferences))
}

func TestDetectCitationChecks(t *testing.T) {
	text := strings.Join([]string{
		"Introduction",
		"Body text.",
		"References",
		"[1] Lovelace, A. (2019). Notes on the engine. Journal A.",
		"[2] Lovelace, A. (2020). More notes. Journal B.",
		"[3] Lovelace, A. (2021). Even more notes. Journal C.",
		"[4] Babbage, C. (2027). Difference engines revisited. Journal D.",
		"[5] Doe, J. (2018). Unrelated work. Journal E.",
		"[6] Doe, J. (2018). Unrelated work. Journal E.",
	}, "\n")
	got, err := NewStatisticalDetector().Detect(context.Background(), testDocument("Ada Lovelace"), extraction(text))
	require.NoError(t, err)

	dup := findAnomaly(got, AnomalyDuplicateCitation)
	require.NotNil(t, dup)
	assert.Equal(t, 1, dup.Evidence["duplicates"])

	future := findAnomaly(got, AnomalyFutureCitation)
	require.NotNil(t, future)
	assert.Equal(t, "2027", future.Evidence["years"])
	assert.Equal(t, entity.SeverityHigh, future.Severity)

	self := findAnomaly(got, AnomalySelfCitation)
	require.NotNil(t, self)
	assert.Equal(t, 3, self.Evidence["self_citations"])
	assert.Equal(t, entity.SeverityLow, self.Severity)
}

func TestDetectIsDeterministic(t *testing.T) {
	text := "Results\nA (p = 0.049). B (p = 0.041). C (p = 0.048).\nReferences\n[1] X, Y. (2030). Later. J.\n"
	d := NewStatisticalDetector()
	first, err := d.Detect(context.Background(), testDocument(), extraction(text))
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), testDocument(), extraction(text))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		name      string
		sim       float64
		anomalies []entity.Anomaly
		want      float64
	}{
		{"nothing", 0, nil, 0},
		{"similarity dominates", 0.82, []entity.Anomaly{{Severity: entity.SeverityLow, Confidence: 0.9}}, 0.82},
		{"finding dominates", 0.3, []entity.Anomaly{{Severity: entity.SeverityHigh, Confidence: 0.9}}, 0.72},
		{"critical", 0, []entity.Anomaly{{Severity: entity.SeverityCritical, Confidence: 1}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RiskScore(entity.SimilarityReport{MaxScore: tt.sim}, tt.anomalies)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
