// Package blob stores uploaded document bytes under write-once keys.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var (
	// ErrExists is returned by Put when the key is already taken.
	ErrExists = errors.New("blob already exists")
	// ErrNotFound is returned by Get for unknown keys.
	ErrNotFound = errors.New("blob not found")
)

// DocumentPrefix is the key prefix under which every upload is stored.
const DocumentPrefix = "documents/"

// Object describes a stored blob.
type Object struct {
	Key       string
	Size      int64
	UpdatedAt int64 // unix millis
}

// Store is the object storage used by ingestion and the extraction stage.
type Store interface {
	// Put writes r under key. Existing keys are never overwritten.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
}

// DocumentKey builds the storage key for a document's original file.
func DocumentKey(documentID uuid.UUID, filename string) string {
	return DocumentPrefix + documentID.String() + "/" + SanitizeFilename(filename)
}

// DocumentIDFromKey parses the document id out of a key built by DocumentKey.
func DocumentIDFromKey(key string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(key, DocumentPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("key %q outside %s", key, DocumentPrefix)
	}
	id, _, _ := strings.Cut(rest, "/")
	return uuid.Parse(id)
}

// SanitizeFilename keeps the base name and replaces characters that are
// awkward in object keys.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}
