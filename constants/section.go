package constants

import (
	"regexp"
	"strings"
)

var headingNumber = regexp.MustCompile(`^(\d+(\.\d+)*|[ivxlc]+)[.)]?\s+`)

// Section is a canonical heading of an academic paper.
type Section string

const (
	Abstract     Section = "abstract"
	Introduction Section = "introduction"
	Background   Section = "background"
	Methods      Section = "methods"
	Results      Section = "results"
	Discussion   Section = "discussion"
	Conclusion   Section = "conclusion"
	References   Section = "references"
	Body         Section = "body"
)

var allSections = []Section{
	Abstract,
	Introduction,
	Background,
	Methods,
	Results,
	Discussion,
	Conclusion,
	References,
}

func SectionNames() []string {
	result := make([]string, len(allSections))
	for i, s := range allSections {
		result[i] = string(s)
	}
	return result
}

// CanonicalSection maps a heading line to a known section.
// Leading numbering ("2.", "III.") and trailing colons are ignored.
func CanonicalSection(heading string) (Section, bool) {
	normalized := strings.ToLower(strings.TrimSpace(heading))
	normalized = strings.TrimRight(normalized, ":. ")
	normalized = strings.TrimSpace(headingNumber.ReplaceAllString(normalized, ""))
	if normalized == "" {
		return Body, false
	}

	synonyms := map[string]Section{
		"summary":                Abstract,
		"related work":           Background,
		"literature review":      Background,
		"method":                 Methods,
		"methodology":            Methods,
		"materials and methods":  Methods,
		"experimental setup":     Methods,
		"experiments":            Results,
		"findings":               Results,
		"evaluation":             Results,
		"conclusions":            Conclusion,
		"concluding remarks":     Conclusion,
		"bibliography":           References,
		"works cited":            References,
		"literature cited":       References,
		"results and discussion": Results,
	}

	if s, ok := synonyms[normalized]; ok {
		return s, true
	}

	for _, s := range allSections {
		if normalized == string(s) {
			return s, true
		}
	}

	return Body, false
}
