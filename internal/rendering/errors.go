// Package rendering converts chapter markdown to HTML and plain text and
// computes word counts for the content store.
package rendering

import "fmt"

// RenderError represents a markdown or HTML conversion failure
type RenderError struct {
	Message string
	Cause   error
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("render error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("render error: %s", e.Message)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}
