package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/repository"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCleanupOrphanedTempDirs(t *testing.T) {
	t.Run("removes old live-media-service directories", func(t *testing.T) {
		logger := newTestLogger()

		baseDir, err := os.MkdirTemp("", "cleanup-test-*")
		require.NoError(t, err)
		defer os.RemoveAll(baseDir)

		oldDir := filepath.Join(baseDir, "live-media-service-01HZ1234567890ABCDEF")
		require.NoError(t, os.Mkdir(oldDir, 0755))

		dummyFile := filepath.Join(oldDir, "dummy.txt")
		require.NoError(t, os.WriteFile(dummyFile, []byte("test"), 0644))

		oldTime := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(oldDir, oldTime, oldTime))

		count, err := CleanupOrphanedTempDirs(logger, baseDir, 1*time.Hour)
		require.NoError(t, err)

		assert.Equal(t, 1, count)
		_, err = os.Stat(oldDir)
		assert.True(t, os.IsNotExist(err), "old directory should be removed")
	})

	t.Run("preserves recent live-media-service directories", func(t *testing.T) {
		logger := newTestLogger()

		baseDir, err := os.MkdirTemp("", "cleanup-test-*")
		require.NoError(t, err)
		defer os.RemoveAll(baseDir)

		recentDir := filepath.Join(baseDir, "live-media-service-01HZ0987654321FEDCBA")
		require.NoError(t, os.Mkdir(recentDir, 0755))

		recentTime := time.Now().Add(-30 * time.Minute)
		require.NoError(t, os.Chtimes(recentDir, recentTime, recentTime))

		count, err := CleanupOrphanedTempDirs(logger, baseDir, 1*time.Hour)
		require.NoError(t, err)

		assert.Equal(t, 0, count)
		_, err = os.Stat(recentDir)
		assert.NoError(t, err, "recent directory should be preserved")
	})

	t.Run("ignores directories without the prefix", func(t *testing.T) {
		logger := newTestLogger()

		baseDir, err := os.MkdirTemp("", "cleanup-test-*")
		require.NoError(t, err)
		defer os.RemoveAll(baseDir)

		otherDir := filepath.Join(baseDir, "some-other-dir")
		require.NoError(t, os.Mkdir(otherDir, 0755))

		oldTime := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(otherDir, oldTime, oldTime))

		count, err := CleanupOrphanedTempDirs(logger, baseDir, 1*time.Hour)
		require.NoError(t, err)

		assert.Equal(t, 0, count)
		_, err = os.Stat(otherDir)
		assert.NoError(t, err, "unrelated directory should be preserved")
	})

	t.Run("handles non-existent directory gracefully", func(t *testing.T) {
		logger := newTestLogger()

		count, err := CleanupOrphanedTempDirs(logger, "/nonexistent/path/12345", 1*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("cleans up multiple old directories", func(t *testing.T) {
		logger := newTestLogger()

		baseDir, err := os.MkdirTemp("", "cleanup-test-*")
		require.NoError(t, err)
		defer os.RemoveAll(baseDir)

		oldDirs := []string{
			"live-media-service-01HZ1111111111111111",
			"live-media-service-01HZ2222222222222222",
			"live-media-service-01HZ3333333333333333",
		}

		oldTime := time.Now().Add(-2 * time.Hour)
		for _, dir := range oldDirs {
			dirPath := filepath.Join(baseDir, dir)
			require.NoError(t, os.Mkdir(dirPath, 0755))
			require.NoError(t, os.Chtimes(dirPath, oldTime, oldTime))
		}

		count, err := CleanupOrphanedTempDirs(logger, baseDir, 1*time.Hour)
		require.NoError(t, err)

		assert.Equal(t, 3, count)
		for _, dir := range oldDirs {
			dirPath := filepath.Join(baseDir, dir)
			_, err = os.Stat(dirPath)
			assert.True(t, os.IsNotExist(err), "directory %s should be removed", dir)
		}
	})
}

func setupRecoveryTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.PipelineRun{}, &models.BatchRecord{}))
	return db
}

func TestRecoverIncompleteRuns_ClosesOpenRuns(t *testing.T) {
	db := setupRecoveryTestDB(t)
	runRepo := repository.NewPipelineRunRepository(db)
	ctx := context.Background()

	open := &models.PipelineRun{StreamId: "s1", StartedAt: time.Now()}
	require.NoError(t, runRepo.Create(ctx, open))

	closedAt := time.Now()
	closed := &models.PipelineRun{StreamId: "s2", StartedAt: time.Now().Add(-time.Hour), EndedAt: &closedAt, FinalPhase: "idle"}
	require.NoError(t, runRepo.Create(ctx, closed))

	recovered, err := RecoverIncompleteRuns(ctx, newTestLogger(), runRepo)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	found, err := runRepo.GetByID(ctx, open.ID)
	require.NoError(t, err)
	require.NotNil(t, found.EndedAt)
	assert.Equal(t, "error", found.FinalPhase)
	assert.Equal(t, "interrupted by server restart", found.LastError)
}

func TestRecoverIncompleteRuns_NoOpenRuns(t *testing.T) {
	db := setupRecoveryTestDB(t)
	runRepo := repository.NewPipelineRunRepository(db)
	ctx := context.Background()

	closedAt := time.Now()
	closed := &models.PipelineRun{StreamId: "s1", StartedAt: time.Now(), EndedAt: &closedAt, FinalPhase: "idle"}
	require.NoError(t, runRepo.Create(ctx, closed))

	recovered, err := RecoverIncompleteRuns(ctx, newTestLogger(), runRepo)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}
