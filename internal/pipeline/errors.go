package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/types"
)

// Store sentinel errors
var (
	// ErrVersionConflict is returned by SaveTask when the stored version
	// differs from the version the caller loaded
	ErrVersionConflict = errors.New("task version conflict")
	// ErrRecordImmutable is returned when updating a completed stage record
	ErrRecordImmutable = errors.New("stage record is completed and immutable")
	// ErrNotFound is returned by content store lookups that must match
	ErrNotFound = errors.New("not found")
)

// Code is a machine readable error code
type Code string

// Error codes
const (
	CodeInvalidConfig       Code = "invalid_config"
	CodePromptNotConfigured Code = "prompt_not_configured"
	CodeStageMismatch       Code = "stage_mismatch"
	CodeStageNotCompleted   Code = "stage_not_completed"
	CodeValidation          Code = "validation_error"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeTaskTerminated      Code = "task_terminated"
	CodeUpstreamTimeout     Code = "upstream_timeout"
	CodeUpstreamError       Code = "upstream_error"
	CodeQuotaExceeded       Code = "quota_exceeded"
	CodeConcurrencyConflict Code = "concurrency_conflict"
	CodeNotFound            Code = "not_found"
)

// Category groups codes by how callers should react
type Category string

// Categories
const (
	CategoryValidation Category = "validation"
	CategoryState      Category = "state"
	CategoryUpstream   Category = "upstream"
	CategoryConflict   Category = "conflict"
	CategoryNotFound   Category = "not_found"
)

// Category returns the category of a code
func (c Code) Category() Category {
	switch c {
	case CodeInvalidTransition, CodeTaskTerminated:
		return CategoryState
	case CodeUpstreamTimeout, CodeUpstreamError, CodeQuotaExceeded:
		return CategoryUpstream
	case CodeConcurrencyConflict:
		return CategoryConflict
	case CodeNotFound:
		return CategoryNotFound
	default:
		return CategoryValidation
	}
}

// Error is returned by every Orchestrator operation. Message is suitable
// for display to the user.
type Error struct {
	Code    Code
	Message string
	TaskID  uuid.UUID
	Stage   types.StageType
	Field   string
	Cause   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.TaskID != uuid.Nil {
		fmt.Fprintf(&sb, " (task %s", e.TaskID)
		if e.Stage != "" {
			fmt.Fprintf(&sb, ", stage %s", e.Stage)
		}
		sb.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the same request may succeed later unchanged
func (e *Error) Retryable() bool {
	return e.Code.Category() == CategoryUpstream || e.Code == CodeConcurrencyConflict
}

func newError(code Code, taskID uuid.UUID, stage types.StageType, format string, args ...any) *Error {
	return &Error{Code: code, TaskID: taskID, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) withField(field string) *Error {
	e.Field = field
	return e
}

func (e *Error) withCause(err error) *Error {
	e.Cause = err
	return e
}

// CodeOf returns the code of err, or "" when err is not an *Error
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// upstreamError converts a failed model call into a pipeline error,
// preserving the provider message
func upstreamError(err error, taskID uuid.UUID, stage types.StageType) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	code := CodeUpstreamError
	msg := err.Error()
	var apiErr *llm.APIError
	switch {
	case errors.As(err, &apiErr):
		msg = apiErr.Message
		switch apiErr.Kind {
		case llm.ErrorKindQuota:
			code = CodeQuotaExceeded
		case llm.ErrorKindTimeout:
			code = CodeUpstreamTimeout
		}
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeUpstreamTimeout
	}
	return newError(code, taskID, stage, "%s", msg).withCause(err)
}

func notFound(taskID uuid.UUID, format string, args ...any) *Error {
	return newError(CodeNotFound, taskID, "", format, args...)
}
