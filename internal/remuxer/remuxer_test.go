package remuxer

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/storage"
)

func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

func newTestStorage(t *testing.T) *storage.Service {
	t.Helper()
	svc, err := storage.NewService(t.TempDir())
	require.NoError(t, err)
	return svc
}

func TestRemuxer_OnProcessedAudioReceived_MissingVideo(t *testing.T) {
	store := newTestStorage(t)
	streamID := models.StreamId("s1")
	require.NoError(t, store.EnsureStreamDirs(streamID))
	require.NoError(t, store.WriteFile(store.ProcessedAudioPath(streamID, 0), []byte("audio")))

	var gotErr error
	r := New("ffmpeg", "mp4", store, Callbacks{OnError: func(err error) { gotErr = err }}, nil)

	_, err := r.OnProcessedAudioReceived(context.Background(), store.DemuxedVideoPath(streamID, 0), models.ProcessedAudio{
		StreamId:    streamID,
		BatchNumber: 0,
		AudioPath:   store.ProcessedAudioPath(streamID, 0),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gotErr)
	assert.Contains(t, err.Error(), "video fragment missing")
}

func TestRemuxer_OnProcessedAudioReceived_Integration(t *testing.T) {
	ffmpegPath := skipIfNoFFmpeg(t)

	store := newTestStorage(t)
	streamID := models.StreamId("s1")
	require.NoError(t, store.EnsureStreamDirs(streamID))

	videoPath := store.DemuxedVideoPath(streamID, 0)
	videoAbs, err := store.AbsolutePath(videoPath)
	require.NoError(t, err)
	genVideo := exec.Command(ffmpegPath, "-y", "-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=10",
		"-c:v", "libx264", "-f", "mp4", "-movflags", "empty_moov+frag_keyframe", videoAbs)
	if err := genVideo.Run(); err != nil {
		t.Skipf("could not synthesize fixture video: %v", err)
	}

	audioPath := store.ProcessedAudioPath(streamID, 0)
	audioAbs, err := store.AbsolutePath(audioPath)
	require.NoError(t, err)
	genAudio := exec.Command(ffmpegPath, "-y", "-f", "lavfi", "-i", "sine=frequency=1000:duration=1",
		"-c:a", "aac", "-f", "mp4", "-movflags", "empty_moov+frag_keyframe", audioAbs)
	if err := genAudio.Run(); err != nil {
		t.Skipf("could not synthesize fixture audio: %v", err)
	}

	r := New(ffmpegPath, "mp4", store, Callbacks{}, nil)
	out, err := r.OnProcessedAudioReceived(context.Background(), videoPath, models.ProcessedAudio{
		StreamId:    streamID,
		BatchNumber: 0,
		AudioPath:   audioPath,
	})
	require.NoError(t, err)
	assert.Equal(t, streamID, out.StreamId)
	assert.Equal(t, 0, out.BatchNumber)
	assert.Greater(t, out.Size, int64(0))
}
