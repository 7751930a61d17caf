package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorCategory represents the type of error for handling purposes
type ErrorCategory int

const (
	// CategoryRetriable indicates the operation can be retried with exponential backoff
	CategoryRetriable ErrorCategory = iota
	// CategoryFatal indicates the operation should not be retried
	CategoryFatal
	// CategoryTransient indicates the operation can be retried after a brief delay
	CategoryTransient
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryRetriable:
		return "retriable"
	case CategoryFatal:
		return "fatal"
	case CategoryTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its category and the component that failed
type ClassifiedError struct {
	Err       error
	Category  ErrorCategory
	Component string
}

func (ce *ClassifiedError) Error() string {
	if ce.Component != "" {
		return fmt.Sprintf("%s: %v", ce.Component, ce.Err)
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Fatal marks an error as not retriable
func Fatal(component string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Category: CategoryFatal, Component: component}
}

// Transient marks an error as retriable after a brief delay
func Transient(component string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Category: CategoryTransient, Component: component}
}

var retriableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"timeout",
	"deadline exceeded",
	"too many open files",
	"resource temporarily unavailable",
}

var transientMessages = []string{
	// SQLite lock contention
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"sqlite_locked",
	// Kafka broker failover
	"not leader",
	"leader not available",
	"rebalance in progress",
}

var fatalMessages = []string{
	"invalid argument",
	"invalid syntax",
	"parse error",
	"unmarshal",
	"marshal",
	"corrupted",
}

// ClassifyError categorizes an error based on its type and message
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryFatal
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Category
	}

	// A cancelled context is a stop request, never retried
	if errors.Is(err, context.Canceled) {
		return CategoryFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryRetriable
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryRetriable
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return classifySyscallError(errno)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryRetriable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, transientMessages):
		return CategoryTransient
	case containsAny(msg, fatalMessages):
		return CategoryFatal
	case containsAny(msg, retriableMessages):
		return CategoryRetriable
	}

	// Default to retriable for unknown errors
	return CategoryRetriable
}

func classifySyscallError(errno syscall.Errno) ErrorCategory {
	switch errno {
	case syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.ETIMEDOUT,
		syscall.EPIPE:
		return CategoryRetriable

	case syscall.EAGAIN,
		syscall.EMFILE,
		syscall.ENFILE:
		return CategoryTransient

	case syscall.EINVAL,
		syscall.EACCES,
		syscall.EPERM,
		syscall.ENOENT,
		syscall.EEXIST:
		return CategoryFatal

	default:
		return CategoryRetriable
	}
}

// IsRetriable checks if an error can be retried
func IsRetriable(err error) bool {
	category := ClassifyError(err)
	return category == CategoryRetriable || category == CategoryTransient
}

// IsFatal checks if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return ClassifyError(err) == CategoryFatal
}

// IsTransient checks if an error is transient
func IsTransient(err error) bool {
	return ClassifyError(err) == CategoryTransient
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
