package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{name: "message only", err: NotFound("job 1 not found"), want: "job 1 not found"},
		{
			name: "with cause",
			err:  Wrap(errors.New("boom"), ErrCodeInternal, "update job"),
			want: "update job: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrapf(cause, ErrCodeStale, "job %d", 4)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if err.Message != "job 4" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestWrap_NilError(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, ErrCodeInternal, "x") != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", NotFoundf("job %d", 1), IsNotFound},
		{"conflict", Conflictf("dup"), IsConflict},
		{"stale", Stalef("job %d changed", 1), IsStale},
		{"validation", ValidationField("queue", "required"), IsValidation},
		{"config", Configf("unknown daemon %q", "x"), IsConfig},
		{"internal", Internalf("x"), IsInternal},
		{"timeout", Wrap(errors.New("x"), ErrCodeTimeout, "t"), IsTimeout},
		{"canceled", Wrap(errors.New("x"), ErrCodeCanceled, "c"), IsCanceled},
		{"foreign key", &AppError{Code: ErrCodeForeignKey}, IsForeignKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("predicate false for %v", tt.err)
			}
			if !tt.check(fmt.Errorf("wrapped: %w", tt.err)) {
				t.Error("predicate should see through wrapping")
			}
			if tt.check(errors.New("plain")) {
				t.Error("predicate true for plain error")
			}
		})
	}
}

func TestGetCodeAndField(t *testing.T) {
	if GetCode(errors.New("plain")) != "" {
		t.Error("plain error should have no code")
	}
	err := ValidationField("priority", "out of range")
	if GetCode(err) != ErrCodeValidation || GetField(err) != "priority" {
		t.Errorf("got code %q field %q", GetCode(err), GetField(err))
	}
}
