package publisher

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Service {
	t.Helper()
	svc, err := storage.NewService(t.TempDir())
	require.NoError(t, err)
	return svc
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, int64(1<<20), cfg.ChunkSize)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.StopGrace)
	assert.Equal(t, ModeRTMP, cfg.Mode)
}

func TestPublisher_PublishTarget(t *testing.T) {
	store := newTestStorage(t)

	rtmp := New("s1", Config{PublishURL: "rtmp://origin.example/live/"}, store, Callbacks{}, nil)
	assert.Equal(t, "rtmp://origin.example/live/s1", rtmp.publishTarget())

	srt := New("s1", Config{Mode: ModeSRT, PublishURL: "srt://origin.example:10080"}, store, Callbacks{}, nil)
	target := srt.publishTarget()
	assert.Contains(t, target, "srt://origin.example:10080?mode=caller")
	assert.Contains(t, target, "streamid=#!::r=live/s1,m=publish")
}

func TestPublisher_PublishFragment_NotStarted(t *testing.T) {
	store := newTestStorage(t)
	p := New("s1", Config{}, store, Callbacks{}, nil)

	err := p.PublishFragment(nil, &models.RemuxedOutput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func TestPublisher_ProcessJob_MissingFragment(t *testing.T) {
	store := newTestStorage(t)
	var gotErr error
	p := New("s1", Config{}, store, Callbacks{OnError: func(err error) { gotErr = err }}, nil)

	j := &job{fragment: &models.RemuxedOutput{StreamId: "s1", BatchNumber: 0, OutputPath: "processed_fragments/s1/batch-0.mp4"}, result: make(chan error, 1)}
	p.processJob(nil, j)

	err := <-j.result
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Equal(t, err, gotErr)
}

func TestPublisher_ProcessStats_NilWhenIdle(t *testing.T) {
	store := newTestStorage(t)
	p := New("s1", Config{}, store, Callbacks{}, nil)
	assert.Nil(t, p.ProcessStats())
}

func TestIsReconnectable(t *testing.T) {
	assert.False(t, isReconnectable(nil))
	assert.True(t, isReconnectable(io.ErrClosedPipe))
	assert.True(t, isReconnectable(os.ErrClosed))
	assert.True(t, isReconnectable(errors.New("write: broken pipe")))
	assert.True(t, isReconnectable(errors.New("exit status 1")))
	assert.False(t, isReconnectable(errors.New("disk full")))
}

func TestPublisher_CleanupIfNeeded_SlidingWindow(t *testing.T) {
	store := newTestStorage(t)
	streamID := models.StreamId("s1")
	require.NoError(t, store.EnsureStreamDirs(streamID))

	for n := 0; n < 5; n++ {
		require.NoError(t, store.WriteFile(store.BatchOutputPath(streamID, n, "mp4"), []byte("data")))
	}

	p := New(streamID, Config{
		EnableCleanup:       true,
		MaxSegmentsToKeep:   2,
		CleanupSafetyBuffer: 0,
	}, store, Callbacks{}, nil)

	for n := 0; n < 5; n++ {
		p.recordPublished(n)
		p.cleanupIfNeeded()
	}

	window := p.PublishedWindow()
	assert.Equal(t, []int{3, 4}, window.BatchNumbers)

	for n := 0; n < 3; n++ {
		exists, err := store.Exists(store.BatchOutputPath(streamID, n, "mp4"))
		require.NoError(t, err)
		assert.False(t, exists, "batch %d should have been cleaned up", n)
	}
	for n := 3; n < 5; n++ {
		exists, err := store.Exists(store.BatchOutputPath(streamID, n, "mp4"))
		require.NoError(t, err)
		assert.True(t, exists, "batch %d should still be retained", n)
	}
}
