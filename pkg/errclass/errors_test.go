package errclass_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	err := errclass.ErrNotFound.WithMessage("clock-records/c1")
	assert.Equal(t, "E_NOT_FOUND: clock-records/c1", err.Error())
	assert.Equal(t, "E_NOT_FOUND", errclass.ErrNotFound.Error())
}

func TestError_Is(t *testing.T) {
	err := errclass.ErrStaleOperation.WithMessagef("record %s is deleted", "c1")
	require.True(t, errors.Is(err, errclass.ErrStaleOperation))
	require.False(t, errors.Is(err, errclass.ErrNotFound))
}

func TestError_WrapKeepsCause(t *testing.T) {
	err := errclass.ErrStorageFailure.Wrap(errclass.ErrQuotaExceeded.WithMessage("5MB"), "write positions")
	assert.True(t, errors.Is(err, errclass.ErrStorageFailure))
	assert.True(t, errors.Is(err, errclass.ErrQuotaExceeded))
	assert.Contains(t, err.Error(), "write positions")
}

func TestCode(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", errclass.ErrIntegrityViolation.WithMessage("sig"))
	assert.Equal(t, "E_INTEGRITY_VIOLATION", errclass.Code(wrapped))
	assert.Equal(t, "", errclass.Code(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, errclass.Retryable(errclass.ErrSyncFailure.WithMessage("503")))
	assert.True(t, errclass.Retryable(errclass.ErrStorageFailure.Wrap(context.DeadlineExceeded, "write")))
	assert.False(t, errclass.Retryable(errclass.ErrStorageFailure.Wrap(errclass.ErrQuotaExceeded, "write")))
	assert.False(t, errclass.Retryable(errclass.ErrSyncRejected.WithMessage("400")))
	assert.False(t, errclass.Retryable(errclass.ErrImportValidation))
	assert.False(t, errclass.Retryable(nil))
}
