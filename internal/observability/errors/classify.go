// Package errors turns errors into short class names for metric tags.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	apperrors "github.com/target/queuesd/internal/errors"
)

// Classify returns a normalized error class suitable for tagging metrics and logs.
// Application errors are classified by code and context errors by kind; anything
// else is named after its innermost concrete type in snake_case-ish form.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	if code := apperrors.GetCode(err); code != "" {
		return "app_" + string(code)
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
