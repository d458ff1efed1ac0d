package models

import (
	"time"
)

// FileStatus values for the upload lifecycle persisted in Postgres.
const (
	FileStatusPending    = "pending"
	FileStatusUploading  = "uploading"
	FileStatusUploaded   = "uploaded"
	FileStatusValidating = "validating"
	FileStatusValidated  = "validated"
	FileStatusProcessing = "processing"
	FileStatusProcessed  = "processed"
	FileStatusFailed     = "failed"
)

// FileMetadata identifies an uploaded file and its provenance. The upload
// layer owns these records; the processing core reads them and reports
// results back through the metadata store. Error lists are append-only.
type FileMetadata struct {
	FileID           string    `json:"file_id"`
	Filename         string    `json:"filename"`
	FileType         string    `json:"file_type"`
	Size             int64     `json:"size"`
	ContentHash      string    `json:"content_hash"`
	SessionID        string    `json:"session_id"`
	UploaderID       string    `json:"uploader_id"`
	StorageLocation  string    `json:"storage_location"`
	Status           string    `json:"status"`
	ValidationErrors []string  `json:"validation_errors,omitempty"`
	ProcessingErrors []string  `json:"processing_errors,omitempty"`
	RetryCount       int       `json:"retry_count"`
	JobID            string    `json:"job_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FileResult carries the fields the processor persists after a job ends.
type FileResult struct {
	FileID            string    `json:"file_id"`
	Status            string    `json:"status"`
	JobID             string    `json:"job_id,omitempty"`
	RetryCount        int       `json:"retry_count"`
	ElementsExtracted int       `json:"elements_extracted"`
	PagesProcessed    int       `json:"pages_processed"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	ProcessedAt       time.Time `json:"processed_at"`
}
