package constants

import "strings"

// Document formats understood by the extraction stage.
const (
	FormatPDF  = "PDF"
	FormatText = "TXT"
	FormatHTML = "HTML"
)

// FileTypes holds the allowed values for a document format.
var FileTypes = []string{FormatPDF, FormatText, FormatHTML}

// AllowedExtensions holds the default allowed file extensions for uploads.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"txt":  {},
	"md":   {},
	"html": {},
	"htm":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// IsAllowedExt reports whether ext (normalized) is in the default allowed set.
func IsAllowedExt(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}

// MapExtToFormat returns the document format for an extension, or "" if unsupported.
func MapExtToFormat(ext string) string {
	switch NormalizeExt(ext) {
	case "pdf":
		return FormatPDF
	case "txt", "md":
		return FormatText
	case "html", "htm":
		return FormatHTML
	default:
		return ""
	}
}
