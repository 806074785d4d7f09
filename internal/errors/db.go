package errors

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Regular expressions for parsing PgError.Detail messages.
var (
	// reKeyField extracts field name from unique violation detail: "Key (field)=(value) already exists.".
	reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)
	// reReferencedFrom detects parent deletion: "... is still referenced from table ...".
	reReferencedFrom = regexp.MustCompile(`is still referenced from table "?([^"]+)"?`)
	// reNotPresent detects missing parent: "... is not present in table ...".
	reNotPresent = regexp.MustCompile(`is not present in table "?([^"]+)"?`)
)

// MapDBError maps database errors to AppError instances.
// It handles common database error patterns including:
// - pgx.ErrNoRows / sql.ErrNoRows → NotFound
// - Serialization failures and deadlocks → Stale
// - Unique constraint violations → Conflict
// - Foreign key violations → ForeignKey
// - Check and NOT NULL violations → Validation
// - Context timeouts/cancellations → Timeout/Canceled
//
// If the error is not a recognized database error, it returns the original error.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, ErrCodeTimeout, "database operation timed out")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(err, ErrCodeCanceled, "database operation canceled")
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return Wrap(err, ErrCodeNotFound, "row not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return &AppError{Code: ErrCodeStale, Message: "concurrent update detected", Cause: pgErr}
	case pgerrcode.UniqueViolation:
		return mapUniqueViolation(pgErr)
	case pgerrcode.ForeignKeyViolation:
		return mapForeignKeyViolation(pgErr)
	case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
		return mapConstraintViolation(pgErr)
	default:
		return &AppError{Code: ErrCodeInternal, Message: "database error", Cause: pgErr}
	}
}

func mapUniqueViolation(pgErr *pgconn.PgError) error {
	field := pgErr.ColumnName
	if field == "" && pgErr.Detail != "" {
		if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			field = m[1]
		}
	}
	if field == "" {
		field = inferFieldFromConstraint(pgErr.ConstraintName)
	}
	return &AppError{Code: ErrCodeConflict, Message: "value already exists", Field: field, Cause: pgErr}
}

func mapForeignKeyViolation(pgErr *pgconn.PgError) error {
	var message string
	if m := reReferencedFrom.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		message = "still referenced by " + mapTableToDomain(m[1])
	} else if m := reNotPresent.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		message = "referenced " + mapTableToDomain(m[1]) + " does not exist"
	}
	if message == "" && pgErr.TableName != "" {
		message = "in use by " + mapTableToDomain(pgErr.TableName)
	}
	if message == "" {
		message = inferForeignKeyMessage(pgErr.ConstraintName)
	}
	return &AppError{Code: ErrCodeForeignKey, Message: message, Cause: pgErr}
}

func mapConstraintViolation(pgErr *pgconn.PgError) error {
	field := pgErr.ColumnName
	if field == "" {
		field = inferFieldFromConstraint(pgErr.ConstraintName)
	}
	return &AppError{Code: ErrCodeValidation, Message: "invalid value", Field: field, Cause: pgErr}
}

// inferFieldFromConstraint attempts to infer the field name from a constraint name.
// e.g., "jobs_status_check" → "status"
// Returns empty string if inference fails or is ambiguous.
func inferFieldFromConstraint(constraintName string) string {
	parts := strings.Split(constraintName, "_")
	if len(parts) != 3 || isFunctionName(parts[1]) {
		return ""
	}
	return parts[1]
}

// mapTableToDomain maps table names to domain names used in messages.
func mapTableToDomain(tableName string) string {
	switch strings.ToLower(strings.TrimSpace(tableName)) {
	case "jobs":
		return "job"
	case "daemons":
		return "daemon"
	case "job_dependencies":
		return "job dependency"
	default:
		return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tableName)), "_", " ")
	}
}

func inferForeignKeyMessage(constraintName string) string {
	c := strings.ToLower(constraintName)
	switch {
	case strings.Contains(c, "daemon"):
		return "in use by a daemon"
	case strings.Contains(c, "retry"), strings.Contains(c, "cancelled"):
		return "in use by a job lineage"
	case strings.Contains(c, "parent"), strings.Contains(c, "child"):
		return "in use by a job dependency"
	default:
		return "in use"
	}
}

// isFunctionName checks if a string looks like a SQL function used in expression indexes.
func isFunctionName(s string) bool {
	switch strings.ToLower(s) {
	case "lower", "upper", "trim", "ltrim", "rtrim", "md5", "coalesce":
		return true
	default:
		return false
	}
}
