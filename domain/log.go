package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogRepository defines the interface for the persistent log sink.
type LogRepository interface {
	// InsertLog saves a new log entry to the repository.
	InsertLog(log *Log) error
	// GetLogs retrieves all log entries from the repository.
	GetLogs() ([]*Log, error)
}

// Log represents a single log entry, recording an event that occurred in the
// relay, the consumer, or the outbox.
type Log struct {
	ID         uuid.UUID      // Unique identifier for the log entry.
	Timestamp  time.Time      // The time at which the log entry was created.
	Level      string         // The severity level of the log (DEBUG, INFO, WARN, ERROR, FATAL).
	Message    string         // The main content of the log message.
	Context    map[string]any // A map of additional key-value data for structured logging.
	EnvelopeID string         // An optional message id of the envelope the entry relates to.
}
