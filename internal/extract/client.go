// Package extract defines the boundary to the external document-extraction
// service. The processing core only calls it; parsing itself happens on the
// other side of the wire.
package extract

import (
	"context"
	"errors"
	"fmt"
)

// Strategies accepted by the extraction service.
const (
	StrategyAuto  = "auto"
	StrategyFast  = "fast"
	StrategyHiRes = "hi_res"
)

// Request describes one extraction call.
type Request struct {
	FilePath         string
	Filename         string
	Strategy         string
	IncludeMetadata  bool
	ExtractImages    bool
	ExtractTables    bool
	ChunkingStrategy string
}

// Element is one extracted document element.
type Element struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the extraction output for one file.
type Result struct {
	Elements []Element      `json:"elements"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Pages    int            `json:"pages"`
}

// Client is implemented by extraction backends. ProcessFile returns a
// ValidationError for deterministic rejections (bad input, unsupported
// format) and a ProcessingError for transient failures.
type Client interface {
	ProcessFile(ctx context.Context, req Request) (*Result, error)
}

// ValidationError marks a deterministic rejection; retrying cannot help.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// ProcessingError marks a transient extraction failure.
type ProcessingError struct {
	Reason string
	Cause  error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("processing error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("processing error: %s", e.Reason)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// IsValidation reports whether err is a deterministic rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
