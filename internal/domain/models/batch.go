package models

import (
	"time"

	"github.com/iapkit/asc-importer/internal/appstore"
)

// SubmissionStatus is the per-record state within a batch import.
// Succeeded and Failed are terminal.
type SubmissionStatus string

const (
	StatusPending    SubmissionStatus = "pending"
	StatusSubmitting SubmissionStatus = "submitting"
	StatusRetrying   SubmissionStatus = "retrying"
	StatusSucceeded  SubmissionStatus = "succeeded"
	StatusFailed     SubmissionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// BatchStatus is the lifecycle state of a whole import job.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// ImportRecord is one product row parsed out of an import file.
type ImportRecord struct {
	ID            string                  `json:"id"`
	ProductID     string                  `json:"product_id"`
	Type          appstore.IAPType        `json:"type"`
	ReferenceName string                  `json:"reference_name"`
	Description   string                  `json:"description"`
	Price         string                  `json:"price"`
	Localizations []appstore.Localization `json:"localizations"`
}

// SubmissionResult is the outcome tracking for one record.
type SubmissionResult struct {
	RecordID  string           `json:"record_id"`
	ProductID string           `json:"product_id"`
	Status    SubmissionStatus `json:"status"`
	Attempts  int              `json:"attempts"`
	IAPID     string           `json:"iap_id,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	// Warnings collects best-effort enrichment failures (price schedule,
	// localization, availability, screenshot) that did not fail the record.
	Warnings  []string  `json:"warnings,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchOptions are the per-job knobs chosen at submission time.
type BatchOptions struct {
	ExcludeRestrictedTerritories bool   `json:"exclude_restricted_territories"`
	BaseTerritory                string `json:"base_territory,omitempty"`
}

// BatchJob is a persisted import job: the parsed records plus one result
// per record, mutated only by the pipeline.
type BatchJob struct {
	ID         string             `json:"id"`
	AppID      string             `json:"app_id"`
	FileName   string             `json:"file_name"`
	Status     BatchStatus        `json:"status"`
	Options    BatchOptions       `json:"options"`
	Records    []ImportRecord     `json:"records"`
	Results    []SubmissionResult `json:"results"`
	Succeeded  int                `json:"succeeded"`
	Failed     int                `json:"failed"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// BatchSummary is what a finished pipeline run reports.
type BatchSummary struct {
	BatchID   string             `json:"batch_id"`
	Total     int                `json:"total"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Failures  []SubmissionResult `json:"failures,omitempty"`
}

// ProgressEvent is emitted on every record state transition.
type ProgressEvent struct {
	BatchID   string           `json:"batch_id"`
	RecordID  string           `json:"record_id"`
	ProductID string           `json:"product_id"`
	Status    SubmissionStatus `json:"status"`
	Attempt   int              `json:"attempt"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ---------------------------- KAFKA MODELS ----------------------------

// ImportCommand asks the worker to run a stored batch job.
type ImportCommand struct {
	CommandType string `json:"command_type"`
	BatchID     string `json:"batch_id"`
	RequestedAt int64  `json:"requested_at"`
}

// BatchCompletedEvent is published once a job reaches a terminal state.
type BatchCompletedEvent struct {
	BatchID    string      `json:"batch_id"`
	Status     BatchStatus `json:"status"`
	Total      int         `json:"total"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	FinishedAt int64       `json:"finished_at"`
}
