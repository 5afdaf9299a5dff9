package engine

import (
	"strconv"
	"time"
)

// RunStatus is the lifecycle state of an audited pipeline invocation.
type RunStatus string

const (
	RunStarted             RunStatus = "started"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
)

// RunPhaseTranscription is stored as source_type for transcription runs.
const RunPhaseTranscription = "transcription"

// ErrorDetail is one entry of a run's structured error log.
type ErrorDetail struct {
	Scope   string    `json:"scope"` // "source", "post" or "setup"
	Subject string    `json:"subject,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Run is the audit record of one ingestion or transcription phase.
type Run struct {
	ID           int64
	RunID        string
	ProjectID    int64
	SourceType   string
	SourceID     *int64
	Status       RunStatus
	StartedAt    time.Time
	EndedAt      *time.Time
	Found        int
	Added        int
	Errors       int
	LogMessage   string
	ErrorDetails []ErrorDetail
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
