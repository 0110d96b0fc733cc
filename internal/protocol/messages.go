package protocol

import "time"

// RunStarted is published once per accepted run, before any stage
// event. Publishing it on the same connection as the terminal events
// keeps it ordered ahead of them.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RunStatus reports a stage boundary of an executing run.
type RunStatus struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// RunCompleted is published once when a run finishes successfully.
type RunCompleted struct {
	RunID       string    `json:"run_id"`
	RecordID    int64     `json:"record_id"`
	SummaryText string    `json:"summary_text"`
	AudioPath   string    `json:"audio_path"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunFailed carries the human-readable failure detail of an aborted
// run. No raw error value crosses the bus.
type RunFailed struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// CatalogUpdated is published after a background reconcile or add-voice
// finishes, carrying the fresh name to id mapping.
type CatalogUpdated struct {
	Voices    map[string]string `json:"voices"`
	Timestamp time.Time         `json:"timestamp"`
}

// CatalogError reports a failed background catalog operation.
type CatalogError struct {
	Operation string    `json:"operation"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRunStarted     = "run.started"
	SubjectRunStatus      = "run.status"
	SubjectRunCompleted   = "run.completed"
	SubjectRunFailed      = "run.failed"
	SubjectCatalogUpdated = "catalog.updated"
	SubjectCatalogError   = "catalog.error"
)
