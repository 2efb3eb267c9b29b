package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/jonathan/novel-creator/internal/pipeline"
)

// ErrorResponse is the JSON body of every error response
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ErrValidation indicates request validation failure before the
// orchestrator is called
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return "validation error: " + e.Field + " - " + e.Message
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var ve *ErrValidation
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}

	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Code {
	case pipeline.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case pipeline.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case pipeline.CodeUpstreamError:
		return http.StatusBadGateway
	case pipeline.CodePromptNotConfigured, pipeline.CodeStageNotCompleted, pipeline.CodeStageMismatch:
		return http.StatusUnprocessableEntity
	}
	switch pe.Code.Category() {
	case pipeline.CategoryNotFound:
		return http.StatusNotFound
	case pipeline.CategoryState, pipeline.CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// toErrorResponse builds the body for err. Errors that are not typed are
// reported without their internal detail.
func toErrorResponse(err error) ErrorResponse {
	var ve *ErrValidation
	if errors.As(err, &ve) {
		return ErrorResponse{Error: string(pipeline.CodeValidation), Message: ve.Message, Field: ve.Field}
	}

	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return ErrorResponse{
			Error:     string(pe.Code),
			Message:   pe.Message,
			Field:     pe.Field,
			Stage:     string(pe.Stage),
			Retryable: pe.Retryable(),
		}
	}
	return ErrorResponse{Error: "internal_error", Message: "internal server error"}
}

// errorResponse writes err with its mapped status
func errorResponse(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[http] internal error: %v", err)
	}
	jsonResponse(w, status, toErrorResponse(err))
}
