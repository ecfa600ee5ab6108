// Package errdefs defines the error categories shared by every bastion service
// and their mapping onto HTTP status codes.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/lib/pq"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrValidation          = errors.New("validation failed")
	ErrForbidden           = errors.New("authorization denied")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrStorage             = errors.New("storage failure")
)

// Constraint returns an ErrConstraintViolation carrying a user-facing message.
func Constraint(format string, args ...interface{}) error {
	return &constraintError{msg: fmt.Sprintf(format, args...)}
}

type constraintError struct{ msg string }

func (e *constraintError) Error() string { return e.msg }
func (e *constraintError) Unwrap() error { return ErrConstraintViolation }

// NotFound reports a missing entity of the given kind.
func NotFound(kind string, id interface{}) error {
	return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
}

// ValidationErrors maps field names to messages. It satisfies errors.Is(err, ErrValidation).
type ValidationErrors map[string]string

func (v ValidationErrors) Add(field, message string) {
	if _, exists := v[field]; !exists {
		v[field] = message
	}
}

// Err returns nil when no field failed.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Is(target error) bool { return target == ErrValidation }

// Storage wraps a driver error from op as ErrStorage, translating known
// Postgres and SQLite integrity failures into ErrConflict or ErrConstraintViolation.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pqErr.Detail)
		case "23503", "23514":
			return fmt.Errorf("%s: %w: %s", op, ErrConstraintViolation, pqErr.Message)
		case "P0001":
			return fmt.Errorf("%s: %w: %s", op, ErrConstraintViolation, pqErr.Message)
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w: %s", op, ErrConflict, msg)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "is immutable"),
		strings.Contains(msg, "is append-only"):
		return fmt.Errorf("%s: %w: %s", op, ErrConstraintViolation, msg)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Status maps an error onto the HTTP status the API answers with.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict), errors.Is(err, ErrConstraintViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
