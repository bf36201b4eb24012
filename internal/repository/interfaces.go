// Package repository defines data access interfaces for pipeline run and
// batch history persistence. All database access goes through these
// interfaces, enabling easy testing and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/streamforge/live-media-service/internal/models"
)

// PipelineRunRepository defines operations for pipeline run persistence.
type PipelineRunRepository interface {
	// Create creates a new pipeline run.
	Create(ctx context.Context, run *models.PipelineRun) error
	// GetByID retrieves a pipeline run by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.PipelineRun, error)
	// GetByStreamID retrieves all runs for a stream id, most recent first.
	GetByStreamID(ctx context.Context, streamID string) ([]*models.PipelineRun, error)
	// GetRecent retrieves the most recent runs across all streams.
	GetRecent(ctx context.Context, limit int) ([]*models.PipelineRun, error)
	// GetIncomplete retrieves runs that were never closed (EndedAt is nil),
	// i.e. runs orphaned by an unclean shutdown.
	GetIncomplete(ctx context.Context) ([]*models.PipelineRun, error)
	// Close sets EndedAt, FinalPhase and LastError on an existing run.
	Close(ctx context.Context, id models.ULID, endedAt time.Time, finalPhase, lastError string) error
}

// BatchRecordRepository defines operations for batch record persistence.
type BatchRecordRepository interface {
	// Create creates a new batch record.
	Create(ctx context.Context, batch *models.BatchRecord) error
	// GetByID retrieves a batch record by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.BatchRecord, error)
	// GetByRunID retrieves all batch records for a run, ordered by batch number.
	GetByRunID(ctx context.Context, runID models.ULID) ([]*models.BatchRecord, error)
	// UpdateState updates a batch record's state and optional last error.
	UpdateState(ctx context.Context, id models.ULID, state models.BatchState, lastError string) error
}
