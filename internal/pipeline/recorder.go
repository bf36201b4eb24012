package pipeline

import (
	"time"

	"github.com/streamforge/live-media-service/internal/models"
)

// Recorder persists the PipelineRun/BatchRecord history described in §3
// and §4.6a. Recording is purely additive bookkeeping alongside the event
// wiring in §4.6: a Recorder failure is logged by the orchestrator and
// never blocks or fails a stage transition.
type Recorder interface {
	// OpenRun creates a PipelineRun for one start()-to-stop() session.
	OpenRun(streamID models.StreamId, sourceURL, publishURL string) (runID string, err error)
	// CloseRun closes the PipelineRun opened by OpenRun.
	CloseRun(runID, finalPhase string, lastErr error) error
	// OpenBatch creates a BatchRecord for one batch emitted by BufferManager.
	OpenBatch(runID string, batchNumber, segmentCount int, totalDuration time.Duration) (batchID string, err error)
	// UpdateBatch advances a BatchRecord's state as the batch moves
	// through AudioProcessor, Remuxer, and StreamPublisher.
	UpdateBatch(batchID, state string, lastErr error) error
}

// noopRecorder is the Recorder New substitutes when it is given nil; every
// call is a no-op that never errors.
type noopRecorder struct{}

func (noopRecorder) OpenRun(models.StreamId, string, string) (string, error)   { return "", nil }
func (noopRecorder) CloseRun(string, string, error) error                     { return nil }
func (noopRecorder) OpenBatch(string, int, int, time.Duration) (string, error) { return "", nil }
func (noopRecorder) UpdateBatch(string, string, error) error                  { return nil }
