// pkg/schema/events.go
package schema

// FailureType classifies processing failures for retry decisions and
// downstream consumers of result events.
type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

// ProcessJob asks a worker to run one processing attempt for a media record.
// Attempt starts at 1 and is incremented by the dispatcher on redelivery.
type ProcessJob struct {
	MediaID    uint64 `json:"media_id"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// CleanupJob asks a worker to delete a batch of storage objects. Keys that
// no longer exist are skipped, not errors.
type CleanupJob struct {
	Keys       []string `json:"keys"`
	Attempt    int      `json:"attempt"`
	EnqueuedAt int64    `json:"enqueued_at"`
}

// MediaProcessed is published after a processing attempt reaches a terminal
// state for the record (processed or failed).
type MediaProcessed struct {
	MediaID          uint64      `json:"media_id"`
	RecipeID         uint64      `json:"recipe_id,omitempty"`
	MediaType        string      `json:"media_type"`
	Status           string      `json:"status"`
	Width            int         `json:"width,omitempty"`
	Height           int         `json:"height,omitempty"`
	DurationSeconds  int         `json:"duration_seconds,omitempty"`
	Error            string      `json:"error,omitempty"`
	FailureType      FailureType `json:"failure_type,omitempty"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	HappenedAt       int64       `json:"happened_at"`
}
