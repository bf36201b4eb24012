package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamforge/live-media-service/internal/models"
)

// DBRecorder implements the pipeline orchestrator's Recorder interface
// (see internal/pipeline/recorder.go) on top of a database, translating
// each OpenRun/CloseRun/OpenBatch/UpdateBatch call into PipelineRun and
// BatchRecord rows. Method signatures are duck-typed against the
// orchestrator's Recorder interface rather than importing it, so this
// package has no dependency on internal/pipeline.
type DBRecorder struct {
	runs    PipelineRunRepository
	batches BatchRecordRepository
	logger  *slog.Logger
}

// NewDBRecorder creates a DBRecorder backed by the given repositories.
func NewDBRecorder(runs PipelineRunRepository, batches BatchRecordRepository, logger *slog.Logger) *DBRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBRecorder{runs: runs, batches: batches, logger: logger}
}

// OpenRun creates a PipelineRun row and returns its ID as a string.
func (r *DBRecorder) OpenRun(streamID models.StreamId, sourceURL, publishURL string) (string, error) {
	run := &models.PipelineRun{
		StreamId:   string(streamID),
		SourceURL:  sourceURL,
		PublishURL: publishURL,
		StartedAt:  time.Now(),
	}
	if err := r.runs.Create(context.Background(), run); err != nil {
		return "", err
	}
	return run.ID.String(), nil
}

// CloseRun sets EndedAt, FinalPhase and LastError on the run.
func (r *DBRecorder) CloseRun(runID, finalPhase string, lastErr error) error {
	id, err := models.ParseULID(runID)
	if err != nil {
		return err
	}
	lastErrStr := ""
	if lastErr != nil {
		lastErrStr = lastErr.Error()
	}
	return r.runs.Close(context.Background(), id, time.Now(), finalPhase, lastErrStr)
}

// OpenBatch creates a BatchRecord row for the given run and returns its ID.
func (r *DBRecorder) OpenBatch(runID string, batchNumber, segmentCount int, totalDuration time.Duration) (string, error) {
	parentID, err := models.ParseULID(runID)
	if err != nil {
		return "", err
	}
	batch := &models.BatchRecord{
		RunID:         parentID,
		BatchNumber:   batchNumber,
		State:         models.BatchStateBuffered,
		SegmentCount:  segmentCount,
		TotalDuration: totalDuration.Seconds(),
	}
	if err := r.batches.Create(context.Background(), batch); err != nil {
		return "", err
	}
	return batch.ID.String(), nil
}

// UpdateBatch updates a BatchRecord's state and last error.
func (r *DBRecorder) UpdateBatch(batchID, state string, lastErr error) error {
	id, err := models.ParseULID(batchID)
	if err != nil {
		return err
	}
	lastErrStr := ""
	if lastErr != nil {
		lastErrStr = lastErr.Error()
	}
	return r.batches.UpdateState(context.Background(), id, models.BatchState(state), lastErrStr)
}
