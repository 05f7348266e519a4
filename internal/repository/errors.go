package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound wraps common.ErrNotFound so callers at either layer match it.
	ErrNotFound = fmt.Errorf("record %w", common.ErrNotFound)

	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("duplicate record")

	// ErrConflict indicates the row changed between read and conditional write,
	// or is not in a state that permits the transition.
	ErrConflict = errors.New("concurrent modification or invalid transition")
)

// wrapWriteError maps driver unique violations onto ErrDuplicate.
func wrapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", ErrDuplicate, liteErr.Error())
		}
	}
	return err
}
