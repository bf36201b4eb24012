package models

import "time"

// RunPhase mirrors the orchestrator's observable phase.
type RunPhase string

const (
	PhaseIdle       RunPhase = "idle"
	PhaseFetching   RunPhase = "fetching"
	PhaseProcessing RunPhase = "processing"
	PhasePublishing RunPhase = "publishing"
	PhaseError      RunPhase = "error"
)

// PipelineRun records one start()-to-stop()/error lifetime of a pipeline for
// one stream. Purely observational: no stage reads it to decide behavior.
type PipelineRun struct {
	BaseModel
	StreamId   string     `gorm:"index;not null" json:"stream_id"`
	SourceURL  string     `json:"source_url"`
	PublishURL string     `json:"publish_url"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	FinalPhase string     `json:"final_phase"`
	LastError  string     `json:"last_error,omitempty"`
}

// TableName overrides GORM's default pluralization.
func (PipelineRun) TableName() string { return "pipeline_runs" }

// BatchState tracks a batch's progress through the stage pipeline,
// independent of any in-memory stage state.
type BatchState string

const (
	BatchStateBuffered   BatchState = "buffered"
	BatchStateProcessing BatchState = "processing"
	BatchStateProcessed  BatchState = "processed"
	BatchStatePublished  BatchState = "published"
	BatchStateDropped    BatchState = "dropped"
)

// BatchRecord records one batch's progress for a PipelineRun.
type BatchRecord struct {
	BaseModel
	RunID         ULID       `gorm:"index;not null" json:"run_id"`
	BatchNumber   int        `gorm:"index;not null" json:"batch_number"`
	State         BatchState `json:"state"`
	SegmentCount  int        `json:"segment_count"`
	TotalDuration float64    `json:"total_duration_seconds"`
	LastError     string     `json:"last_error,omitempty"`
}

// TableName overrides GORM's default pluralization.
func (BatchRecord) TableName() string { return "batch_records" }
