package repository

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

type DocumentRepository interface {
	Create(ctx context.Context, doc *entity.Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	GetActiveByFingerprint(ctx context.Context, fingerprint []byte) (*entity.Document, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	StorageKeys(ctx context.Context) (map[string]struct{}, error)
}

var documentColumns = []string{
	"id", "filename", "file_ext", "fingerprint", "storage_key",
	"metadata", "size_bytes", "created_at", "deleted_at",
}

type documentRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewDocumentRepository(db *DB, logger *slog.Logger) DocumentRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &documentRepo{
		db:     db,
		logger: logger,
	}
}

// Create inserts doc. A live document with the same fingerprint yields ErrDuplicate.
func (r *documentRepo) Create(ctx context.Context, doc *entity.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	fp := doc.FingerprintHex()
	q, args := r.db.builder().Insert(DocumentsTable.Name).
		Columns("id", "filename", "file_ext", "fingerprint", "active_fingerprint",
			"storage_key", "metadata", "size_bytes", "created_at").
		Values(doc.ID, doc.Filename, doc.FileExt, fp, fp,
			doc.StorageKey, string(meta), doc.SizeBytes, doc.CreatedAt).
		Query()
	if _, err := r.db.SQL().ExecContext(ctx, q, args...); err != nil {
		err = wrapWriteError(err)
		if errors.Is(err, ErrDuplicate) {
			r.logger.Info("document fingerprint already present", "fingerprint", fp)
			return err
		}
		r.logger.Error("failed to create document", "document_id", doc.ID, "filename", doc.Filename, "error", err)
		return err
	}
	r.logger.Info("document created", "document_id", doc.ID, "fingerprint", fp, "size_bytes", doc.SizeBytes)
	return nil
}

func (r *documentRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	b := r.db.builder()
	q, args := b.Select(documentColumns...).
		From(b.Table(DocumentsTable.Name)).
		Where(entsql.EQ("id", id)).
		Query()
	doc, err := scanDocument(r.db.SQL().QueryRowContext(ctx, q, args...))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Error("failed to get document", "document_id", id, "error", err)
		}
		return nil, err
	}
	return doc, nil
}

func (r *documentRepo) GetActiveByFingerprint(ctx context.Context, fingerprint []byte) (*entity.Document, error) {
	b := r.db.builder()
	q, args := b.Select(documentColumns...).
		From(b.Table(DocumentsTable.Name)).
		Where(entsql.EQ("active_fingerprint", hex.EncodeToString(fingerprint))).
		Query()
	doc, err := scanDocument(r.db.SQL().QueryRowContext(ctx, q, args...))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Error("failed to get document by fingerprint", "error", err)
		}
		return nil, err
	}
	return doc, nil
}

// SoftDelete marks the document deleted and releases its fingerprint so the
// same content may be uploaded again.
func (r *documentRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	q, args := r.db.builder().Update(DocumentsTable.Name).
		Set("deleted_at", time.Now().UTC()).
		SetNull("active_fingerprint").
		Where(entsql.And(entsql.EQ("id", id), entsql.IsNull("deleted_at"))).
		Query()
	res, err := r.db.SQL().ExecContext(ctx, q, args...)
	if err != nil {
		r.logger.Error("failed to delete document", "document_id", id, "error", err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.logger.Info("document deleted", "document_id", id)
	return nil
}

// StorageKeys returns the storage key of every document row, deleted or not.
func (r *documentRepo) StorageKeys(ctx context.Context) (map[string]struct{}, error) {
	b := r.db.builder()
	q, args := b.Select("storage_key").From(b.Table(DocumentsTable.Name)).Query()
	rows, err := r.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		r.logger.Error("failed to list storage keys", "error", err)
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*entity.Document, error) {
	var (
		doc       entity.Document
		fp        string
		meta      sql.NullString
		deletedAt sql.NullTime
	)
	err := row.Scan(&doc.ID, &doc.Filename, &doc.FileExt, &fp, &doc.StorageKey,
		&meta, &doc.SizeBytes, &doc.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if doc.Fingerprint, err = hex.DecodeString(fp); err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		doc.DeletedAt = &t
	}
	return &doc, nil
}
