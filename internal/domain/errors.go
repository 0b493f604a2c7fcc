package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNoFiles is returned when an upload request carries no files.
var ErrNoFiles = errors.New("no files provided")

// ValidationError lists every offending field with one message each.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	ids := make([]string, 0, len(e.Fields))
	for id := range e.Fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("validation failed: %s", strings.Join(ids, ", "))
}

// RateLimitError indicates the caller exhausted its budget for the window.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	return "too many requests"
}

// DispatchError wraps a collaborator failure after the input was accepted.
type DispatchError struct {
	Target string
	Err    error
}

func (e DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.Target, e.Err)
}

func (e DispatchError) Unwrap() error { return e.Err }

// UploadFailedError is returned when every file in a batch failed.
type UploadFailedError struct {
	Result UploadResult
}

func (e UploadFailedError) Error() string {
	return fmt.Sprintf("all %d files failed", len(e.Result.Failed))
}

// Rejected reports whether every failure was a type/size rejection rather
// than a storage fault.
func (e UploadFailedError) Rejected() bool {
	for _, f := range e.Result.Failed {
		if !f.Rejected {
			return false
		}
	}
	return true
}
