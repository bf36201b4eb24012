package repository

import (
	"context"
	"fmt"

	"github.com/streamforge/live-media-service/internal/models"
	"gorm.io/gorm"
)

// batchRecordRepo implements BatchRecordRepository using GORM.
type batchRecordRepo struct {
	db *gorm.DB
}

// NewBatchRecordRepository creates a new BatchRecordRepository.
func NewBatchRecordRepository(db *gorm.DB) *batchRecordRepo {
	return &batchRecordRepo{db: db}
}

// Create creates a new batch record.
func (r *batchRecordRepo) Create(ctx context.Context, batch *models.BatchRecord) error {
	if err := r.db.WithContext(ctx).Create(batch).Error; err != nil {
		return fmt.Errorf("creating batch record: %w", err)
	}
	return nil
}

// GetByID retrieves a batch record by ID.
func (r *batchRecordRepo) GetByID(ctx context.Context, id models.ULID) (*models.BatchRecord, error) {
	var batch models.BatchRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting batch record by ID: %w", err)
	}
	return &batch, nil
}

// GetByRunID retrieves all batch records for a run, ordered by batch number.
func (r *batchRecordRepo) GetByRunID(ctx context.Context, runID models.ULID) ([]*models.BatchRecord, error) {
	var batches []*models.BatchRecord
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("batch_number ASC").Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("getting batch records by run id: %w", err)
	}
	return batches, nil
}

// UpdateState updates a batch record's state and optional last error.
func (r *batchRecordRepo) UpdateState(ctx context.Context, id models.ULID, state models.BatchState, lastError string) error {
	updates := map[string]any{
		"state":      state,
		"last_error": lastError,
	}
	if err := r.db.WithContext(ctx).Model(&models.BatchRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("updating batch record state: %w", err)
	}
	return nil
}

var _ BatchRecordRepository = (*batchRecordRepo)(nil)
