package audioprocessor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/storage"
	"github.com/streamforge/live-media-service/internal/wsclient"
)

// echoEnvelope mirrors wsclient's unexported wire envelope just enough to
// act as a stand-in external processor: it answers every fragment:data
// frame with fragment:processed plus an echoed binary payload.
type echoEnvelope struct {
	Type string `json:"type"`
	Id   string `json:"id,omitempty"`
}

var wsUpgrader = websocket.Upgrader{}

func newEchoProcessorServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var env echoEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Type != "fragment:data" {
				continue
			}
			if _, _, err := conn.ReadMessage(); err != nil { // drain payload
				return
			}
			_ = conn.WriteJSON(echoEnvelope{Type: "fragment:processed", Id: env.Id})
			_ = conn.WriteMessage(websocket.BinaryMessage, []byte("processed-audio-bytes"))
		}
	}))
}

func wsURLForTest(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

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

func TestProcessor_Concatenate(t *testing.T) {
	store := newTestStorage(t)
	p := New("ffmpeg", 2*time.Second, store, nil, Callbacks{}, nil)

	streamID := models.StreamId("s1")
	require.NoError(t, store.EnsureStreamDirs(streamID))

	seg0Path := store.SegmentPath(streamID, "seg-0")
	seg1Path := store.SegmentPath(streamID, "seg-1")
	require.NoError(t, store.WriteFile(seg0Path, []byte("AAAA")))
	require.NoError(t, store.WriteFile(seg1Path, []byte("BBBB")))

	batch := &models.Batch{
		StreamId:    streamID,
		BatchNumber: 0,
		Segments: []models.Segment{
			{Sequence: 0, Path: seg0Path, Size: 4},
			{Sequence: 1, Path: seg1Path, Size: 4},
		},
	}

	concatPath, err := p.concatenate(batch)
	require.NoError(t, err)

	abs, err := store.AbsolutePath(concatPath)
	require.NoError(t, err)
	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBB", string(data))
}

func TestProcessor_ProcessBatch_Integration(t *testing.T) {
	ffmpegPath := skipIfNoFFmpeg(t)

	store := newTestStorage(t)
	streamID := models.StreamId("s1")
	require.NoError(t, store.EnsureStreamDirs(streamID))

	// A minimal real container is needed for ffmpeg to demux; synthesize one
	// with ffmpeg itself rather than vendoring a fixture binary.
	segAbs := filepath.Join(store.BaseDir(), "original_stream", string(streamID), "seg-0.ts")
	gen := exec.Command(ffmpegPath, "-y", "-f", "lavfi", "-i", "testsrc=duration=2:size=320x240:rate=10",
		"-f", "lavfi", "-i", "sine=frequency=1000:duration=2",
		"-c:v", "libx264", "-c:a", "aac", "-f", "mpegts", segAbs)
	if err := gen.Run(); err != nil {
		t.Skipf("could not synthesize fixture segment: %v", err)
	}

	var demuxed models.DemuxedOutput
	var processed models.ProcessedAudio
	var sentBatch int = -1

	echoWS := newEchoProcessorServer(t)
	defer echoWS.Close()

	client := wsclient.New(wsURLForTest(t, echoWS), wsclient.Callbacks{}, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	p := New(ffmpegPath, 2*time.Second, store, client, Callbacks{
		OnDemuxComplete:  func(d models.DemuxedOutput) { demuxed = d },
		OnAudioSent:      func(streamID models.StreamId, batchNumber int) { sentBatch = batchNumber },
		OnAudioProcessed: func(a models.ProcessedAudio) { processed = a },
	}, nil)

	batch := &models.Batch{
		StreamId:    streamID,
		BatchNumber: 0,
		Segments:    []models.Segment{{Sequence: 0, Path: store.SegmentPath(streamID, "seg-0")}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, p.ProcessBatch(ctx, batch))
	assert.NotEmpty(t, demuxed.VideoPath)
	assert.NotEmpty(t, demuxed.AudioPath)
	assert.Equal(t, 0, sentBatch)
	assert.NotEmpty(t, processed.AudioPath)
}
