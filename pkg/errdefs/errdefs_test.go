package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestValidationErrors(t *testing.T) {
	v := ValidationErrors{}
	assert.NoError(t, v.Err())

	v.Add("email", "is required")
	v.Add("email", "ignored second message")
	v.Add("name", "is too long")

	err := v.Err()
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "validation failed: email: is required; name: is too long", err.Error())

	var fields ValidationErrors
	assert.True(t, errors.As(fmt.Errorf("create user: %w", err), &fields))
	assert.Len(t, fields, 2)
}

func TestStorage(t *testing.T) {
	assert.NoError(t, Storage("noop", nil))

	err := Storage("insert role", &pq.Error{Code: "23505", Detail: "Key (name)=(admin) already exists."})
	assert.ErrorIs(t, err, ErrConflict)

	err = Storage("update role", &pq.Error{Code: "P0001", Message: "the root role is immutable"})
	assert.ErrorIs(t, err, ErrConstraintViolation)

	err = Storage("insert user", errors.New("UNIQUE constraint failed: users.email"))
	assert.ErrorIs(t, err, ErrConflict)

	base := errors.New("connection reset")
	err = Storage("select", base)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, base)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NotFound("user", 3), http.StatusNotFound},
		{Constraint("role has users"), http.StatusConflict},
		{ValidationErrors{"name": "required"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", ErrForbidden), http.StatusForbidden},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Status(tt.err), "%v", tt.err)
	}
}

func TestBatchResult_Summary(t *testing.T) {
	var b BatchResult
	assert.Equal(t, "0 succeeded, 0 failed", b.Summary())

	b.Ok(5)
	b.Fail(4, "cannot delete self")
	assert.Equal(t, 1, b.SucceededCount())
	assert.Equal(t, 1, b.FailedCount())
	assert.Equal(t, "1 succeeded, 1 failed (#4: cannot delete self)", b.Summary())
}
