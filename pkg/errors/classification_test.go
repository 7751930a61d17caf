package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"nil error", nil, CategoryFatal},
		{"context canceled", context.Canceled, CategoryFatal},
		{"wrapped context canceled", fmt.Errorf("run: %w", context.Canceled), CategoryFatal},
		{"context deadline exceeded", context.DeadlineExceeded, CategoryRetriable},
		{"EOF", io.EOF, CategoryRetriable},
		{"unexpected EOF", io.ErrUnexpectedEOF, CategoryRetriable},
		{"connection refused", syscall.ECONNREFUSED, CategoryRetriable},
		{"EAGAIN", syscall.EAGAIN, CategoryTransient},
		{"EACCES", syscall.EACCES, CategoryFatal},
		{"sqlite locked", errors.New("database is locked (5) (SQLITE_BUSY)"), CategoryTransient},
		{"kafka leader", errors.New("Broker: Not leader for partition"), CategoryTransient},
		{"corrupted record", errors.New("corrupted record: truncated"), CategoryFatal},
		{"unknown", errors.New("something odd"), CategoryRetriable},
		{"classified fatal", Fatal("kv", errors.New("x")), CategoryFatal},
		{"classified transient", Transient("kv", errors.New("x")), CategoryTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}

func TestClassifiedError(t *testing.T) {
	inner := errors.New("disk full")
	err := Fatal("kv-sql", inner)
	assert.Equal(t, "kv-sql: disk full", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.True(t, IsFatal(err))
	assert.False(t, IsRetriable(err))
	assert.Nil(t, Fatal("x", nil))
	assert.Nil(t, Transient("x", nil))
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "retriable", CategoryRetriable.String())
	assert.Equal(t, "fatal", CategoryFatal.String())
	assert.Equal(t, "transient", CategoryTransient.String())
	assert.Equal(t, "unknown", ErrorCategory(42).String())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(syscall.EAGAIN))
	assert.False(t, IsTransient(io.EOF))
}
