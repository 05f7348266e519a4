package entity

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// DocumentMetadata is the client-declared description of an upload. It is
// untrusted: well-formedness is validated, truthfulness is not.
type DocumentMetadata struct {
	Title   string   `json:"title"`
	Authors []string `json:"authors"`
	Journal string   `json:"journal,omitempty"`
}

// Document represents an ingested file for data transfer between layers.
type Document struct {
	ID          uuid.UUID        `json:"id"`
	Filename    string           `json:"filename"`
	FileExt     string           `json:"file_ext"`
	Fingerprint []byte           `json:"fingerprint"`
	StorageKey  string           `json:"storage_key"`
	Metadata    DocumentMetadata `json:"metadata"`
	SizeBytes   int64            `json:"size_bytes"`
	CreatedAt   time.Time        `json:"created_at"`
	DeletedAt   *time.Time       `json:"deleted_at,omitempty"`
}

// FingerprintHex returns the hex-encoded content hash.
func (d *Document) FingerprintHex() string {
	return hex.EncodeToString(d.Fingerprint)
}

func (d *Document) Deleted() bool {
	return d.DeletedAt != nil
}
