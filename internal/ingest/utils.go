package ingest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}

// SidecarMetadata returns the contents of "<path>.json" when present, or
// metadata naming the file as the title with no authors.
func SidecarMetadata(path string) ([]byte, error) {
	raw, err := os.ReadFile(path + ".json")
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return json.Marshal(map[string]any{"title": title, "authors": []string{}})
}
