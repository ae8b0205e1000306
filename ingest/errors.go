package ingest

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// isDuplicate reports whether err is a unique-constraint violation. Those are
// idempotent receives (the firehose re-delivers on reconnect) and get
// swallowed by every handler.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// isMissingRef reports whether err is a foreign-key violation, meaning a row
// the write depends on is not indexed yet. Handlers route these into the
// deferred-op queues instead of failing the commit.
func isMissingRef(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return true
	}
	return errors.Is(err, gorm.ErrForeignKeyViolated)
}
