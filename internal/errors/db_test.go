package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapDBError_NilError(t *testing.T) {
	if err := MapDBError(nil); err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_Codes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantField string
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: fmt.Errorf("query: %w", context.Canceled), wantCode: ErrCodeCanceled},
		{name: "pgx no rows", err: pgx.ErrNoRows, wantCode: ErrCodeNotFound},
		{name: "sql no rows", err: sql.ErrNoRows, wantCode: ErrCodeNotFound},
		{
			name:     "serialization failure",
			err:      &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			wantCode: ErrCodeStale,
		},
		{
			name:     "deadlock",
			err:      &pgconn.PgError{Code: pgerrcode.DeadlockDetected},
			wantCode: ErrCodeStale,
		},
		{
			name: "unique from detail",
			err: &pgconn.PgError{
				Code:   pgerrcode.UniqueViolation,
				Detail: "Key (run_id)=(abc) already exists.",
			},
			wantCode:  ErrCodeConflict,
			wantField: "run_id",
		},
		{
			name: "unique from constraint",
			err: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "daemons_runid_key",
			},
			wantCode:  ErrCodeConflict,
			wantField: "runid",
		},
		{
			name: "foreign key",
			err: &pgconn.PgError{
				Code:   pgerrcode.ForeignKeyViolation,
				Detail: `Key (parent_id)=(9) is not present in table "jobs".`,
			},
			wantCode: ErrCodeForeignKey,
		},
		{
			name: "check",
			err: &pgconn.PgError{
				Code:           pgerrcode.CheckViolation,
				ConstraintName: "jobs_status_check",
			},
			wantCode:  ErrCodeValidation,
			wantField: "status",
		},
		{
			name:     "not null",
			err:      &pgconn.PgError{Code: pgerrcode.NotNullViolation, ColumnName: "queue"},
			wantCode: ErrCodeValidation, wantField: "queue",
		},
		{name: "unknown pg error", err: &pgconn.PgError{Code: "99999"}, wantCode: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			if got := GetCode(err); got != tt.wantCode {
				t.Errorf("MapDBError() code = %v, want %v", got, tt.wantCode)
			}
			if got := GetField(err); got != tt.wantField {
				t.Errorf("MapDBError() field = %q, want %q", got, tt.wantField)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("MapDBError() should keep the cause")
			}
		})
	}
}

func TestMapDBError_ForeignKeyMessage(t *testing.T) {
	err := MapDBError(&pgconn.PgError{
		Code:   pgerrcode.ForeignKeyViolation,
		Detail: `Key (id)=(3) is still referenced from table "job_dependencies".`,
	})
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Message != "still referenced by job dependency" {
		t.Errorf("message = %q", appErr.Message)
	}
}

func TestMapDBError_StandardError(t *testing.T) {
	stdErr := errors.New("standard error")
	if err := MapDBError(stdErr); err != stdErr {
		t.Errorf("MapDBError() should return original error for non-db errors, got %v", err)
	}
}

func TestInferForeignKeyMessage(t *testing.T) {
	tests := []struct {
		constraint string
		want       string
	}{
		{"jobs_processed_by_daemon_id_fkey", "in use by a daemon"},
		{"jobs_retry_of_id_fkey", "in use by a job lineage"},
		{"job_dependencies_parent_id_fkey", "in use by a job dependency"},
		{"unknown_fkey", "in use"},
	}
	for _, tt := range tests {
		if got := inferForeignKeyMessage(tt.constraint); got != tt.want {
			t.Errorf("inferForeignKeyMessage(%q) = %q, want %q", tt.constraint, got, tt.want)
		}
	}
}

func TestInferFieldFromConstraint(t *testing.T) {
	tests := map[string]string{
		"jobs_queue_check":        "queue",
		"table_field1_field2_key": "",
		"table_lower_key":         "",
		"":                        "",
		"table_key":               "",
	}
	for in, want := range tests {
		if got := inferFieldFromConstraint(in); got != want {
			t.Errorf("inferFieldFromConstraint(%q) = %q, want %q", in, got, want)
		}
	}
}
