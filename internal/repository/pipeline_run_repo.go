package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/streamforge/live-media-service/internal/models"
	"gorm.io/gorm"
)

// pipelineRunRepo implements PipelineRunRepository using GORM.
type pipelineRunRepo struct {
	db *gorm.DB
}

// NewPipelineRunRepository creates a new PipelineRunRepository.
func NewPipelineRunRepository(db *gorm.DB) *pipelineRunRepo {
	return &pipelineRunRepo{db: db}
}

// Create creates a new pipeline run.
func (r *pipelineRunRepo) Create(ctx context.Context, run *models.PipelineRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating pipeline run: %w", err)
	}
	return nil
}

// GetByID retrieves a pipeline run by ID.
func (r *pipelineRunRepo) GetByID(ctx context.Context, id models.ULID) (*models.PipelineRun, error) {
	var run models.PipelineRun
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting pipeline run by ID: %w", err)
	}
	return &run, nil
}

// GetByStreamID retrieves all runs for a stream id, most recent first.
func (r *pipelineRunRepo) GetByStreamID(ctx context.Context, streamID string) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	if err := r.db.WithContext(ctx).Where("stream_id = ?", streamID).Order("started_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("getting pipeline runs by stream id: %w", err)
	}
	return runs, nil
}

// GetRecent retrieves the most recent runs across all streams.
func (r *pipelineRunRepo) GetRecent(ctx context.Context, limit int) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	if err := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("getting recent pipeline runs: %w", err)
	}
	return runs, nil
}

// GetIncomplete retrieves runs that were never closed (EndedAt is nil).
func (r *pipelineRunRepo) GetIncomplete(ctx context.Context) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	if err := r.db.WithContext(ctx).Where("ended_at IS NULL").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("getting incomplete pipeline runs: %w", err)
	}
	return runs, nil
}

// Close sets EndedAt, FinalPhase and LastError on an existing run.
func (r *pipelineRunRepo) Close(ctx context.Context, id models.ULID, endedAt time.Time, finalPhase, lastError string) error {
	updates := map[string]any{
		"ended_at":    endedAt,
		"final_phase": finalPhase,
		"last_error":  lastError,
	}
	if err := r.db.WithContext(ctx).Model(&models.PipelineRun{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("closing pipeline run: %w", err)
	}
	return nil
}

var _ PipelineRunRepository = (*pipelineRunRepo)(nil)
