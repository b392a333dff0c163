package messaging

// Command types consumed from the commands topic.
const (
	RunImportCommand    = "run_import"
	CancelImportCommand = "cancel_import"
)

// Event types published to the events topic.
const (
	RecordProgressEvent = "record_progress"
	BatchCompletedEvent = "batch_completed"
)
