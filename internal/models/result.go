package models

import (
	"time"
)

// Per-file processing outcomes.
const (
	ResultStatusSuccess = "success"
	ResultStatusFailed  = "failed"
	ResultStatusSkipped = "skipped"
)

// ProcessingResult is what DocumentProcessor hands back for one file. It is
// always a value, never an error: failures are carried in Status and
// ErrorMessage so batch fan-out needs no per-call recovery.
type ProcessingResult struct {
	FileID            string         `json:"file_id"`
	Filename          string         `json:"filename,omitempty"`
	Status            string         `json:"status"`
	ElementsExtracted int            `json:"elements_extracted"`
	PagesProcessed    int            `json:"pages_processed"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ProcessingTime    time.Duration  `json:"processing_time"`
}

// BatchResult summarizes one batch fan-out. ErrorSummary buckets failed
// files by classified error type.
type BatchResult struct {
	BatchID         string             `json:"batch_id"`
	BatchIndex      int                `json:"batch_index"`
	TotalBatches    int                `json:"total_batches"`
	TotalFiles      int                `json:"total_files"`
	SuccessfulFiles int                `json:"successful_files"`
	FailedFiles     int                `json:"failed_files"`
	SkippedFiles    int                `json:"skipped_files"`
	Results         []ProcessingResult `json:"results,omitempty"`
	ErrorSummary    map[string]int     `json:"error_summary,omitempty"`
	Duration        time.Duration      `json:"duration"`
}
