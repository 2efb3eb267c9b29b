package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies provider failures
type ErrorKind string

// ErrorKind constants
const (
	ErrorKindTimeout  ErrorKind = "timeout"
	ErrorKindQuota    ErrorKind = "quota"
	ErrorKindUpstream ErrorKind = "upstream"
)

// APIError is a classified provider failure. Message carries the
// provider's own wording.
type APIError struct {
	Kind     ErrorKind
	Provider Provider
	Message  string
	Cause    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s error: %s", e.Provider, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// Classify wraps a provider error in an APIError. Context cancellation is
// returned unchanged so callers can tell an interrupt from a failure.
func Classify(provider Provider, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	kind := ErrorKindUpstream
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrorKindTimeout
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		switch oaErr.StatusCode {
		case http.StatusTooManyRequests:
			kind = ErrorKindQuota
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			kind = ErrorKindTimeout
		}
	} else if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			kind = ErrorKindQuota
		case codes.DeadlineExceeded:
			kind = ErrorKindTimeout
		}
	}

	return &APIError{Kind: kind, Provider: provider, Message: err.Error(), Cause: err}
}
