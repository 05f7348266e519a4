package pipeline

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

// AnomalyDetector is stage four: statistical and citation checks.
type AnomalyDetector interface {
	Detect(ctx context.Context, doc *entity.Document, ext *Extraction) ([]entity.Anomaly, error)
}

// Anomaly types.
const (
	AnomalyRepeatedText      = "repeated_text"
	AnomalyBenford           = "benford_deviation"
	AnomalyUniformSentences  = "uniform_sentence_length"
	AnomalyPValueClustering  = "p_value_clustering"
	AnomalyMissingReferences = "missing_references"
	AnomalyDuplicateCitation = "duplicate_citation"
	AnomalyFutureCitation    = "future_citation"
	AnomalySelfCitation      = "excessive_self_citation"
)

var (
	sentenceSplit = regexp.MustCompile(`[.!?]+\s+`)
	numberPattern = regexp.MustCompile(`\b\d+(?:[.,]\d+)?\b`)
	pValuePattern = regexp.MustCompile(`(?i)\bp\s*(?:=|<|≤|<=)\s*(0?\.\d+)`)
	yearPattern   = regexp.MustCompile(`\b(1[89]\d\d|2\d\d\d)\b`)
	refLeader     = regexp.MustCompile(`^\s*(\[\d+\]|\d+[.)])\s*`)
)

// benford holds the expected first-digit frequencies.
var benford = [10]float64{0, 0.301, 0.176, 0.125, 0.097, 0.079, 0.067, 0.058, 0.051, 0.046}

// StatisticalDetector runs every check in this file. All checks are pure
// functions of the extraction and the document, so reruns agree.
type StatisticalDetector struct {
	// MinReferenceWords is the length above which a missing reference
	// section is reported.
	MinReferenceWords int
}

func NewStatisticalDetector() *StatisticalDetector {
	return &StatisticalDetector{MinReferenceWords: 500}
}

func (d *StatisticalDetector) Detect(ctx context.Context, doc *entity.Document, ext *Extraction) ([]entity.Anomaly, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(constants.StageAnomaly, err)
	}
	sentences := splitSentences(ext.Text)

	var out []entity.Anomaly
	out = appendIf(out, repeatedSentences(sentences))
	out = appendIf(out, benfordDeviation(ext.Text))
	out = appendIf(out, sentenceUniformity(sentences))
	out = appendIf(out, pValueClustering(ext.Text))

	refs, hasRefs := ext.Section(constants.References)
	if !hasRefs {
		if ext.WordCount >= d.MinReferenceWords {
			out = append(out, entity.Anomaly{
				Type:        AnomalyMissingReferences,
				Severity:    entity.SeverityMedium,
				Confidence:  0.6,
				Description: "no references section found in a document of this length",
				Evidence:    map[string]any{"word_count": ext.WordCount},
			})
		}
		return out, nil
	}

	entries := referenceEntries(refs)
	out = appendIf(out, duplicateCitations(entries))
	out = appendIf(out, futureCitations(entries, doc.CreatedAt.Year()))
	out = appendIf(out, selfCitation(entries, doc.Metadata.Authors))
	return out, nil
}

func appendIf(out []entity.Anomaly, a *entity.Anomaly) []entity.Anomaly {
	if a == nil {
		return out
	}
	return append(out, *a)
}

func splitSentences(text string) []string {
	flat := strings.Join(strings.Fields(text), " ")
	var out []string
	for _, s := range sentenceSplit.Split(flat, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func repeatedSentences(sentences []string) *entity.Anomaly {
	seen := make(map[string]int)
	for _, s := range sentences {
		if len(s) < 40 {
			continue
		}
		seen[strings.ToLower(s)]++
	}
	var repeated []string
	total := 0
	for s, n := range seen {
		if n > 1 {
			repeated = append(repeated, s)
			total += n - 1
		}
	}
	if len(repeated) == 0 {
		return nil
	}
	sort.Strings(repeated)
	sev := entity.SeverityLow
	switch {
	case total >= 5:
		sev = entity.SeverityHigh
	case total >= 2:
		sev = entity.SeverityMedium
	}
	sample := repeated[0]
	if len(sample) > 120 {
		sample = sample[:120]
	}
	return &entity.Anomaly{
		Type:        AnomalyRepeatedText,
		Severity:    sev,
		Confidence:  round(math.Min(0.5+0.1*float64(total), 0.95)),
		Description: fmt.Sprintf("%d sentence(s) repeated verbatim", len(repeated)),
		Evidence:    map[string]any{"repeats": total, "example": sample},
	}
}

// benfordDeviation compares leading digits of reported numbers with
// Benford's law using a chi-squared statistic (8 degrees of freedom).
func benfordDeviation(text string) *entity.Anomaly {
	var counts [10]int
	n := 0
	for _, m := range numberPattern.FindAllString(text, -1) {
		if y, err := strconv.Atoi(m); err == nil && y >= 1900 && y <= 2100 {
			continue
		}
		for _, r := range m {
			if r >= '1' && r <= '9' {
				counts[r-'0']++
				n++
				break
			}
			if r != '0' && r != '.' && r != ',' {
				break
			}
		}
	}
	if n < 50 {
		return nil
	}
	chi := 0.0
	for d := 1; d <= 9; d++ {
		exp := benford[d] * float64(n)
		diff := float64(counts[d]) - exp
		chi += diff * diff / exp
	}
	var sev entity.Severity
	var conf float64
	switch {
	case chi > 26.12: // p < 0.001
		sev, conf = entity.SeverityHigh, 0.9
	case chi > 20.09: // p < 0.01
		sev, conf = entity.SeverityMedium, 0.75
	case chi > 15.51: // p < 0.05
		sev, conf = entity.SeverityLow, 0.6
	default:
		return nil
	}
	return &entity.Anomaly{
		Type:        AnomalyBenford,
		Severity:    sev,
		Confidence:  conf,
		Description: "leading digits of reported numbers deviate from Benford's law",
		Evidence:    map[string]any{"chi_squared": round(chi), "numbers": n},
	}
}

// sentenceUniformity flags text whose sentence lengths barely vary.
func sentenceUniformity(sentences []string) *entity.Anomaly {
	if len(sentences) < 20 {
		return nil
	}
	lengths := make([]float64, len(sentences))
	var mean float64
	for i, s := range sentences {
		lengths[i] = float64(len(strings.Fields(s)))
		mean += lengths[i]
	}
	mean /= float64(len(lengths))
	if mean == 0 {
		return nil
	}
	var variance float64
	for _, l := range lengths {
		variance += (l - mean) * (l - mean)
	}
	cv := math.Sqrt(variance/float64(len(lengths))) / mean
	if cv >= 0.15 {
		return nil
	}
	sev := entity.SeverityLow
	if cv < 0.05 {
		sev = entity.SeverityMedium
	}
	return &entity.Anomaly{
		Type:        AnomalyUniformSentences,
		Severity:    sev,
		Confidence:  round(1 - cv*3),
		Description: "sentence lengths are unusually uniform",
		Evidence:    map[string]any{"coefficient_of_variation": round(cv), "sentences": len(sentences)},
	}
}

// pValueClustering flags reports where most p-values sit just below 0.05.
func pValueClustering(text string) *entity.Anomaly {
	var all, near int
	for _, m := range pValuePattern.FindAllStringSubmatch(text, -1) {
		p, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		all++
		if p >= 0.04 && p < 0.05 {
			near++
		}
	}
	if all < 3 || near < 2 {
		return nil
	}
	ratio := float64(near) / float64(all)
	if ratio < 0.5 {
		return nil
	}
	sev := entity.SeverityMedium
	if ratio >= 0.8 && near >= 4 {
		sev = entity.SeverityHigh
	}
	return &entity.Anomaly{
		Type:        AnomalyPValueClustering,
		Severity:    sev,
		Confidence:  round(math.Min(0.4+ratio/2, 0.9)),
		Description: fmt.Sprintf("%d of %d reported p-values fall in [0.04, 0.05)", near, all),
		Evidence:    map[string]any{"near_threshold": near, "total": all},
	}
}

// referenceEntries splits a references section into one entry per line or
// numbered item.
func referenceEntries(section string) []string {
	var out []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(refLeader.ReplaceAllString(line, ""))
		if len(line) >= 10 {
			out = append(out, line)
		}
	}
	return out
}

func normalizeReference(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

func duplicateCitations(entries []string) *entity.Anomaly {
	seen := make(map[string]int)
	dups := 0
	for _, e := range entries {
		k := normalizeReference(e)
		seen[k]++
		if seen[k] == 2 {
			dups++
		}
	}
	if dups == 0 {
		return nil
	}
	sev := entity.SeverityLow
	if dups >= 3 {
		sev = entity.SeverityMedium
	}
	return &entity.Anomaly{
		Type:        AnomalyDuplicateCitation,
		Severity:    sev,
		Confidence:  0.8,
		Description: fmt.Sprintf("%d reference(s) listed more than once", dups),
		Location:    string(constants.References),
		Evidence:    map[string]any{"duplicates": dups, "references": len(entries)},
	}
}

func futureCitations(entries []string, uploadYear int) *entity.Anomaly {
	var future []string
	for _, e := range entries {
		for _, y := range yearPattern.FindAllString(e, -1) {
			if year, _ := strconv.Atoi(y); year > uploadYear {
				future = append(future, y)
				break
			}
		}
	}
	if len(future) == 0 {
		return nil
	}
	return &entity.Anomaly{
		Type:        AnomalyFutureCitation,
		Severity:    entity.SeverityHigh,
		Confidence:  0.85,
		Description: fmt.Sprintf("%d reference(s) dated after the upload year %d", len(future), uploadYear),
		Location:    string(constants.References),
		Evidence:    map[string]any{"years": strings.Join(future, ",")},
	}
}

func selfCitation(entries []string, authors []string) *entity.Anomaly {
	if len(entries) < 5 || len(authors) == 0 {
		return nil
	}
	var surnames []string
	for _, a := range authors {
		f := strings.Fields(strings.ReplaceAll(a, ",", " "))
		if len(f) == 0 {
			continue
		}
		// "Last, First" or "First Last"
		if strings.Contains(a, ",") {
			surnames = append(surnames, strings.ToLower(f[0]))
		} else {
			surnames = append(surnames, strings.ToLower(f[len(f)-1]))
		}
	}
	self := 0
	for _, e := range entries {
		words := strings.Fields(normalizeReference(e))
		for _, s := range surnames {
			if len(s) > 1 && containsWord(words, s) {
				self++
				break
			}
		}
	}
	ratio := float64(self) / float64(len(entries))
	if ratio <= 0.3 {
		return nil
	}
	sev := entity.SeverityLow
	if ratio > 0.5 {
		sev = entity.SeverityMedium
	}
	return &entity.Anomaly{
		Type:        AnomalySelfCitation,
		Severity:    sev,
		Confidence:  round(math.Min(ratio, 0.9)),
		Description: fmt.Sprintf("%d of %d references cite the authors themselves", self, len(entries)),
		Location:    string(constants.References),
		Evidence:    map[string]any{"self_citations": self, "references": len(entries)},
	}
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}

// RiskScore combines the best similarity match with the strongest finding.
func RiskScore(sim entity.SimilarityReport, anomalies []entity.Anomaly) float64 {
	score := sim.MaxScore
	for _, a := range anomalies {
		if s := a.Severity.Weight() * a.Confidence; s > score {
			score = s
		}
	}
	return round(math.Min(math.Max(score, 0), 1))
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
