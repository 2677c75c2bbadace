// Package model defines the shared data types that flow between the
// Artifact Store, Processor Registry, Stage Runner, Progress Bus, and
// HTTP/WS Facade.
package model

import "time"

// StageKind enumerates the processing stages a file can go through.
type StageKind string

const (
	StageSeparation    StageKind = "separation"
	StageTranscription StageKind = "transcription"
	StageAnalysis      StageKind = "analysis"
	StageGeneration    StageKind = "generation"
	StagePitch         StageKind = "pitch"
	StageKaraoke       StageKind = "karaoke"
)

// JobState is the lifecycle state of an in-flight Job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobSkipped   JobState = "skipped"
)

// UploadRecord is the per-file metadata persisted as metadata.json.
type UploadRecord struct {
	FileID             string    `json:"file_id"`
	OriginalFilename   string    `json:"original_filename"`
	SanitizedFilename  string    `json:"sanitized_filename"`
	Title              string    `json:"title"`
	Artist             string    `json:"artist"`
	SizeBytes          int64     `json:"size_bytes"`
	Extension          string    `json:"extension"`
	UploadTime         time.Time `json:"upload_time"`
	ContentFingerprint string    `json:"content_fingerprint"`
}

// StageOutput is the result of one completed (or failed) stage execution.
type StageOutput struct {
	FileID  string                 `json:"file_id"`
	Stage   StageKind              `json:"stage"`
	Variant string                 `json:"variant"`
	Status  string                 `json:"status"` // "completed" | "failed"
	Files   []string               `json:"files"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Job is the live in-memory record of a single stage execution.
type Job struct {
	FileID     string     `json:"file_id"`
	Stage      StageKind  `json:"stage"`
	Variant    string     `json:"variant"`
	State      JobState   `json:"state"`
	Progress   int        `json:"progress"`
	RequestID  string     `json:"request_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ProgressEvent is the broadcast message published to Progress Bus subscribers.
type ProgressEvent struct {
	FileID    string    `json:"file_id"`
	Stage     StageKind `json:"stage"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Terminal reports whether this event ends the (file_id, stage) run.
func (e ProgressEvent) Terminal() bool {
	return e.Progress >= 100
}

// StageVariants describes one model's accepted variants for /models.
type StageVariants struct {
	Variants    []string `json:"variants"`
	Default     string   `json:"default"`
	RequiresGPU bool     `json:"requires_gpu"`
}
