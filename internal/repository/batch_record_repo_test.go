package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/live-media-service/internal/models"
)

func TestBatchRecordRepo_CreateAndGetByID(t *testing.T) {
	db := setupPipelineRunTestDB(t)
	runs := NewPipelineRunRepository(db)
	repo := NewBatchRecordRepository(db)
	ctx := context.Background()

	run := &models.PipelineRun{StreamId: "s1", StartedAt: time.Now()}
	require.NoError(t, runs.Create(ctx, run))

	batch := &models.BatchRecord{
		RunID:         run.ID,
		BatchNumber:   0,
		State:         models.BatchStateBuffered,
		SegmentCount:  3,
		TotalDuration: 12.5,
	}
	require.NoError(t, repo.Create(ctx, batch))
	assert.False(t, batch.ID.IsZero())

	found, err := repo.GetByID(ctx, batch.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, models.BatchStateBuffered, found.State)
}

func TestBatchRecordRepo_GetByRunID_OrderedByBatchNumber(t *testing.T) {
	db := setupPipelineRunTestDB(t)
	runs := NewPipelineRunRepository(db)
	repo := NewBatchRecordRepository(db)
	ctx := context.Background()

	run := &models.PipelineRun{StreamId: "s1", StartedAt: time.Now()}
	require.NoError(t, runs.Create(ctx, run))

	for _, n := range []int{2, 0, 1} {
		require.NoError(t, repo.Create(ctx, &models.BatchRecord{RunID: run.ID, BatchNumber: n}))
	}

	batches, err := repo.GetByRunID(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, 0, batches[0].BatchNumber)
	assert.Equal(t, 1, batches[1].BatchNumber)
	assert.Equal(t, 2, batches[2].BatchNumber)
}

func TestBatchRecordRepo_UpdateState(t *testing.T) {
	db := setupPipelineRunTestDB(t)
	runs := NewPipelineRunRepository(db)
	repo := NewBatchRecordRepository(db)
	ctx := context.Background()

	run := &models.PipelineRun{StreamId: "s1", StartedAt: time.Now()}
	require.NoError(t, runs.Create(ctx, run))

	batch := &models.BatchRecord{RunID: run.ID, BatchNumber: 0, State: models.BatchStateBuffered}
	require.NoError(t, repo.Create(ctx, batch))

	require.NoError(t, repo.UpdateState(ctx, batch.ID, models.BatchStateProcessed, ""))

	found, err := repo.GetByID(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStateProcessed, found.State)
}
