package repository

import (
	"context"

	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var (
	// DocumentsColumns holds the columns for the "documents" table.
	DocumentsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID},
		{Name: "filename", Type: field.TypeString},
		{Name: "file_ext", Type: field.TypeString, Size: 16},
		{Name: "fingerprint", Type: field.TypeString, Size: 64},
		{Name: "active_fingerprint", Type: field.TypeString, Size: 64, Nullable: true},
		{Name: "storage_key", Type: field.TypeString},
		{Name: "metadata", Type: field.TypeJSON},
		{Name: "size_bytes", Type: field.TypeInt64},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "deleted_at", Type: field.TypeTime, Nullable: true},
	}
	// DocumentsTable holds the schema information for the "documents" table.
	DocumentsTable = &schema.Table{
		Name:       "documents",
		Columns:    DocumentsColumns,
		PrimaryKey: []*schema.Column{DocumentsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "documents_active_fingerprint", Unique: true, Columns: []*schema.Column{DocumentsColumns[4]}},
			{Name: "documents_fingerprint", Unique: false, Columns: []*schema.Column{DocumentsColumns[3]}},
		},
	}

	// JobsColumns holds the columns for the "jobs" table.
	JobsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID},
		{Name: "document_id", Type: field.TypeUUID},
		{Name: "status", Type: field.TypeString, Size: 16},
		{Name: "progress", Type: field.TypeFloat64},
		{Name: "stage", Type: field.TypeString, Nullable: true},
		{Name: "result", Type: field.TypeJSON, Nullable: true},
		{Name: "error", Type: field.TypeString, Nullable: true, Size: 2147483647},
		{Name: "error_code", Type: field.TypeString, Nullable: true, Size: 64},
		{Name: "retry_count", Type: field.TypeInt},
		{Name: "max_retries", Type: field.TypeInt},
		{Name: "version", Type: field.TypeInt64},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
		{Name: "started_at", Type: field.TypeTime, Nullable: true},
		{Name: "finished_at", Type: field.TypeTime, Nullable: true},
		{Name: "requeue_count", Type: field.TypeInt, Default: 0},
	}
	// JobsTable holds the schema information for the "jobs" table.
	JobsTable = &schema.Table{
		Name:       "jobs",
		Columns:    JobsColumns,
		PrimaryKey: []*schema.Column{JobsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "jobs_documents_jobs",
				Columns:    []*schema.Column{JobsColumns[1]},
				RefColumns: []*schema.Column{DocumentsColumns[0]},
				OnDelete:   schema.NoAction,
			},
		},
		Indexes: []*schema.Index{
			{Name: "jobs_document_id_created_at", Unique: false, Columns: []*schema.Column{JobsColumns[1], JobsColumns[11]}},
			{Name: "jobs_status", Unique: false, Columns: []*schema.Column{JobsColumns[2]}},
		},
	}

	// TaskMessagesColumns holds the columns for the "task_messages" table.
	TaskMessagesColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "job_id", Type: field.TypeUUID},
		{Name: "payload", Type: field.TypeJSON},
		{Name: "priority", Type: field.TypeInt},
		{Name: "attempts", Type: field.TypeInt},
		{Name: "visible_at_ms", Type: field.TypeInt64},
		{Name: "lease_token", Type: field.TypeString, Nullable: true, Size: 64},
		{Name: "lease_until_ms", Type: field.TypeInt64, Nullable: true},
		{Name: "enqueued_at_ms", Type: field.TypeInt64},
	}
	// TaskMessagesTable holds the schema information for the "task_messages" table.
	TaskMessagesTable = &schema.Table{
		Name:       "task_messages",
		Columns:    TaskMessagesColumns,
		PrimaryKey: []*schema.Column{TaskMessagesColumns[0]},
		Indexes: []*schema.Index{
			{Name: "task_messages_ready", Unique: false, Columns: []*schema.Column{TaskMessagesColumns[5], TaskMessagesColumns[3]}},
			{Name: "task_messages_job_id", Unique: true, Columns: []*schema.Column{TaskMessagesColumns[1]}},
		},
	}

	// CorpusEmbeddingsColumns holds the columns for the "corpus_embeddings" table.
	CorpusEmbeddingsColumns = []*schema.Column{
		{Name: "document_id", Type: field.TypeUUID},
		{Name: "title", Type: field.TypeString},
		{Name: "model", Type: field.TypeString},
		{Name: "embedding", Type: field.TypeJSON},
		{Name: "created_at", Type: field.TypeTime},
	}
	// CorpusEmbeddingsTable holds the schema information for the "corpus_embeddings" table.
	CorpusEmbeddingsTable = &schema.Table{
		Name:       "corpus_embeddings",
		Columns:    CorpusEmbeddingsColumns,
		PrimaryKey: []*schema.Column{CorpusEmbeddingsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "corpus_embeddings_documents_embedding",
				Columns:    []*schema.Column{CorpusEmbeddingsColumns[0]},
				RefColumns: []*schema.Column{DocumentsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		DocumentsTable,
		JobsTable,
		TaskMessagesTable,
		CorpusEmbeddingsTable,
	}
)

func init() {
	JobsTable.ForeignKeys[0].RefTable = DocumentsTable
	CorpusEmbeddingsTable.ForeignKeys[0].RefTable = DocumentsTable
}

// Migrate creates or updates the schema.
func (d *DB) Migrate(ctx context.Context) error {
	d.logger.Info("running schema migration", "dialect", d.Dialect())
	m, err := schema.NewMigrate(d.drv, schema.WithForeignKeys(true))
	if err != nil {
		d.logger.Error("failed to prepare migration", "error", err)
		return err
	}
	if err := m.Create(ctx, Tables...); err != nil {
		d.logger.Error("schema migration failed", "error", err)
		return err
	}
	d.logger.Info("schema migration complete")
	return nil
}
