// Package pipeline implements PipelineOrchestrator: it owns the five
// stages (StreamFetcher, BufferManager, AudioProcessor, Remuxer,
// StreamPublisher), wires each one's emitted events into the next stage's
// input, and surfaces consolidated status to the control surface.
//
// Unlike a sequential stage-by-stage batch job, the orchestrator runs each
// stage as a long-lived goroutine connected by channels, so a batch can be
// fetching while the previous one is still being processed or published
// (§5's pipeline parallelism, bounded by the narrowest stage's channel
// capacity).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamforge/live-media-service/internal/audioprocessor"
	"github.com/streamforge/live-media-service/internal/buffer"
	"github.com/streamforge/live-media-service/internal/fetcher"
	"github.com/streamforge/live-media-service/internal/ffmpeg"
	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/publisher"
	"github.com/streamforge/live-media-service/internal/remuxer"
	"github.com/streamforge/live-media-service/internal/storage"
	"github.com/streamforge/live-media-service/internal/urlutil"
	"github.com/streamforge/live-media-service/internal/wsclient"
	"github.com/streamforge/live-media-service/pkg/diskslice"
)

// Phase is one of the orchestrator's observable phases. Phases are
// reported for status purposes only; they are not enforced as a state
// machine gating which events the orchestrator will accept.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhaseProcessing Phase = "processing"
	PhasePublishing Phase = "publishing"
	PhaseError      Phase = "error"
)

// ErrAlreadyRunning is returned by Start when a pipeline is already
// running for the same stream id.
var ErrAlreadyRunning = errors.New("pipeline already running for this stream")

// activeStreams guards against two Orchestrators running concurrently for
// the same stream id, adapting the single-execution-per-entity guard used
// for one-shot batch pipeline runs to a long-running, per-stream session.
var (
	activeMu sync.Mutex
	active   = map[models.StreamId]bool{}
)

func acquireStream(id models.StreamId) bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active[id] {
		return false
	}
	active[id] = true
	return true
}

func releaseStream(id models.StreamId) {
	activeMu.Lock()
	defer activeMu.Unlock()
	delete(active, id)
}

// Callbacks receives the orchestrator's own consolidated events, on top
// of the per-stage events it wires internally.
type Callbacks struct {
	OnPhaseChange func(Phase)
	OnError       func(error)
}

// Config configures one pipeline session. FFmpegPath and OutputExt are
// shared by AudioProcessor, Remuxer, and StreamPublisher so the demux,
// remux, and publish containers agree.
type Config struct {
	SourceURL    string
	PollInterval time.Duration

	BufferDuration time.Duration
	DiskOptions    diskslice.Options

	FFmpegPath string
	OutputExt  string // "mp4" or "ts"; ties demux/remux/publish container together

	ProcessorURL string

	Publisher publisher.Config // Mode and PublishURL are the caller's; FFmpegPath is overwritten by New
}

// Status is the consolidated, observable state surfaced to the control
// API's pipeline status endpoint.
type Status struct {
	StreamId           models.StreamId
	Phase              Phase
	LastError          string
	SegmentsDownloaded int
	BatchesProcessed   int
	FragmentsPublished int
	PublishedWindow    []int
	ProcessStats       *ffmpeg.ProcessStats
}

// Orchestrator owns one stream's five stages and the channels wiring
// them together.
type Orchestrator struct {
	streamID  models.StreamId
	cfg       Config
	storage   *storage.Service
	recorder  Recorder
	callbacks Callbacks
	logger    *slog.Logger

	wsClient  *wsclient.Client
	bufferMgr *buffer.Manager
	fetcher   *fetcher.StreamFetcher
	processor *audioprocessor.Processor
	remuxer   *remuxer.Remuxer
	publisher *publisher.Publisher

	batchCh   chan *models.Batch
	audioCh   chan models.ProcessedAudio
	publishCh chan *models.RemuxedOutput

	mu        sync.Mutex
	phase     Phase
	lastError error
	runID     string

	countersMu         sync.Mutex
	segmentsDownloaded int
	batchesProcessed   int
	fragmentsPublished int

	videoPathsMu sync.Mutex
	videoPaths   map[int]string // batchNumber -> DemuxedOutput.VideoPath, pending remux

	batchIDsMu sync.Mutex
	batchIDs   map[int]string // batchNumber -> BatchRecord id

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires up a pipeline session for one stream. recorder may be nil, in
// which case PipelineRun/BatchRecord bookkeeping is a no-op.
func New(streamID models.StreamId, cfg Config, store *storage.Service, recorder Recorder, callbacks Callbacks, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if cfg.OutputExt == "" {
		cfg.OutputExt = "mp4"
	}
	cfg.Publisher.FFmpegPath = cfg.FFmpegPath

	logger = logger.With("component", "pipeline", "streamId", string(streamID))

	o := &Orchestrator{
		streamID:  streamID,
		cfg:       cfg,
		storage:   store,
		recorder:  recorder,
		callbacks: callbacks,
		logger:    logger,
		phase:     PhaseIdle,

		batchCh:   make(chan *models.Batch, 2),
		audioCh:   make(chan models.ProcessedAudio, 2),
		publishCh: make(chan *models.RemuxedOutput, 2),

		videoPaths: make(map[int]string),
		batchIDs:   make(map[int]string),
	}

	bufferMgr, err := buffer.New(streamID, cfg.BufferDuration, cfg.DiskOptions)
	if err != nil {
		return nil, fmt.Errorf("creating buffer manager: %w", err)
	}
	o.bufferMgr = bufferMgr

	o.wsClient = wsclient.New(cfg.ProcessorURL, wsclient.Callbacks{
		OnDisconnect: func(err error) {
			o.logger.Warn("speech processor connection lost, reconnecting", "error", err)
		},
		OnReconnected: func() {
			o.logger.Info("speech processor connection restored")
		},
	}, logger)

	o.fetcher = fetcher.New(
		streamID,
		cfg.SourceURL,
		cfg.PollInterval,
		store,
		urlutil.NewDefaultResourceFetcher(),
		bufferMgr,
		fetcher.Callbacks{
			OnSegment: o.handleSegment,
			OnBatch:   o.handleBatch,
			OnError:   o.handleStageError,
		},
		logger,
	)

	o.processor = audioprocessor.New(
		cfg.FFmpegPath,
		cfg.BufferDuration,
		store,
		o.wsClient,
		audioprocessor.Callbacks{
			OnDemuxComplete:  o.handleDemuxComplete,
			OnAudioProcessed: o.handleAudioProcessed,
			OnError:          o.handleStageError,
		},
		logger,
	)

	o.remuxer = remuxer.New(
		cfg.FFmpegPath,
		cfg.OutputExt,
		store,
		remuxer.Callbacks{
			OnRemuxComplete: o.handleRemuxComplete,
			OnError:         o.handleStageError,
		},
		logger,
	)

	o.publisher = publisher.New(
		streamID,
		cfg.Publisher,
		store,
		publisher.Callbacks{
			OnError: o.handleStageError,
		},
		logger,
	)

	return o, nil
}

// Start brings up the session in the fixed order storage (already
// initialized by the caller) -> WebSocketClient -> StreamPublisher ->
// StreamFetcher, per §4.6.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !acquireStream(o.streamID) {
		return ErrAlreadyRunning
	}

	runID, err := o.recorder.OpenRun(o.streamID, o.cfg.SourceURL, o.cfg.Publisher.PublishURL)
	if err != nil {
		o.logger.Warn("failed to open pipeline run record", "error", err)
	}
	o.runID = runID

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if err := o.wsClient.Connect(runCtx); err != nil {
		cancel()
		releaseStream(o.streamID)
		return fmt.Errorf("connecting to speech processor: %w", err)
	}

	if err := o.publisher.Start(runCtx); err != nil {
		_ = o.wsClient.Close()
		cancel()
		releaseStream(o.streamID)
		return fmt.Errorf("starting publisher: %w", err)
	}

	o.wg.Add(3)
	go o.runAudioWorker(runCtx)
	go o.runRemuxWorker(runCtx)
	go o.runPublishWorker(runCtx)

	o.setPhase(PhaseFetching)
	o.fetcher.Start(runCtx)

	o.logger.Info("pipeline started", "runId", o.runID)
	return nil
}

// Stop shuts the session down in reverse order: StreamFetcher ->
// StreamPublisher -> WebSocketClient.
func (o *Orchestrator) Stop() {
	o.fetcher.Stop()
	o.publisher.Stop()
	_ = o.wsClient.Close()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	finalPhase := string(o.phase)
	lastErr := o.lastError
	o.mu.Unlock()

	if o.runID != "" {
		if err := o.recorder.CloseRun(o.runID, finalPhase, lastErr); err != nil {
			o.logger.Warn("failed to close pipeline run record", "error", err)
		}
	}

	releaseStream(o.streamID)
	o.setPhase(PhaseIdle)
	o.logger.Info("pipeline stopped")
}

// Status returns a consolidated snapshot for the control API.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	phase := o.phase
	lastErr := ""
	if o.lastError != nil {
		lastErr = o.lastError.Error()
	}
	o.mu.Unlock()

	o.countersMu.Lock()
	segments := o.segmentsDownloaded
	batches := o.batchesProcessed
	fragments := o.fragmentsPublished
	o.countersMu.Unlock()

	return Status{
		StreamId:           o.streamID,
		Phase:              phase,
		LastError:          lastErr,
		SegmentsDownloaded: segments,
		BatchesProcessed:   batches,
		FragmentsPublished: fragments,
		PublishedWindow:    o.publisher.PublishedWindow().BatchNumbers,
		ProcessStats:       o.publisher.ProcessStats(),
	}
}

func (o *Orchestrator) runAudioWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-o.batchCh:
			if !ok {
				return
			}
			o.setPhase(PhaseProcessing)
			o.updateBatchRecord(batch.BatchNumber, "processing", nil)
			if err := o.processor.ProcessBatch(ctx, batch); err != nil {
				o.markBatchDropped(batch.BatchNumber, err)
				continue
			}
			o.countersMu.Lock()
			o.batchesProcessed++
			o.countersMu.Unlock()
		}
	}
}

func (o *Orchestrator) runRemuxWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case audio, ok := <-o.audioCh:
			if !ok {
				return
			}
			videoPath, found := o.takeVideoPath(audio.BatchNumber)
			if !found {
				o.markBatchDropped(audio.BatchNumber, fmt.Errorf("no stored video fragment for batch %d", audio.BatchNumber))
				continue
			}
			if _, err := o.remuxer.OnProcessedAudioReceived(ctx, videoPath, audio); err != nil {
				o.markBatchDropped(audio.BatchNumber, err)
				continue
			}
			o.updateBatchRecord(audio.BatchNumber, "processed", nil)
		}
	}
}

func (o *Orchestrator) runPublishWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frag, ok := <-o.publishCh:
			if !ok {
				return
			}
			o.setPhase(PhasePublishing)
			if err := o.publisher.PublishFragment(ctx, frag); err != nil {
				o.markBatchDropped(frag.BatchNumber, err)
				o.setPhase(PhaseFetching)
				continue
			}
			o.countersMu.Lock()
			o.fragmentsPublished++
			o.countersMu.Unlock()
			o.updateBatchRecord(frag.BatchNumber, "published", nil)
			o.setPhase(PhaseFetching)
		}
	}
}

// handleSegment implements "StreamFetcher.segment:downloaded -> increment
// counters".
func (o *Orchestrator) handleSegment(models.Segment) {
	o.countersMu.Lock()
	o.segmentsDownloaded++
	o.countersMu.Unlock()
}

// handleBatch implements "StreamFetcher.batch:ready ->
// AudioProcessor.processBatch", handing the batch to the audio worker via
// batchCh instead of calling ProcessBatch inline, so fetching is never
// blocked on processing.
func (o *Orchestrator) handleBatch(batch *models.Batch) {
	o.openBatchRecord(batch)
	o.batchCh <- batch
}

func (o *Orchestrator) handleDemuxComplete(out models.DemuxedOutput) {
	o.storeVideoPath(out.BatchNumber, out.VideoPath)
}

// handleAudioProcessed implements "AudioProcessor.audio:processed ->
// Remuxer.onProcessedAudioReceived", handed off via audioCh so the remux
// worker runs concurrently with audio processing of later batches.
func (o *Orchestrator) handleAudioProcessed(audio models.ProcessedAudio) {
	o.audioCh <- audio
}

// handleRemuxComplete implements "Remuxer.remux:complete ->
// StreamPublisher.publishFragment", handed off via publishCh.
func (o *Orchestrator) handleRemuxComplete(out models.RemuxedOutput) {
	o.publishCh <- &out
}

// handleStageError implements "any stage's error -> record as last error,
// set phase to error, re-emit".
func (o *Orchestrator) handleStageError(err error) {
	o.mu.Lock()
	o.lastError = err
	o.phase = PhaseError
	o.mu.Unlock()

	o.logger.Error("pipeline stage error", "error", err)
	if o.callbacks.OnPhaseChange != nil {
		o.callbacks.OnPhaseChange(PhaseError)
	}
	if o.callbacks.OnError != nil {
		o.callbacks.OnError(err)
	}
}

func (o *Orchestrator) markBatchDropped(batchNumber int, err error) {
	o.handleStageError(err)
	o.updateBatchRecord(batchNumber, "dropped", err)
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	if o.callbacks.OnPhaseChange != nil {
		o.callbacks.OnPhaseChange(p)
	}
}

func (o *Orchestrator) storeVideoPath(batchNumber int, path string) {
	o.videoPathsMu.Lock()
	o.videoPaths[batchNumber] = path
	o.videoPathsMu.Unlock()
}

func (o *Orchestrator) takeVideoPath(batchNumber int) (string, bool) {
	o.videoPathsMu.Lock()
	defer o.videoPathsMu.Unlock()
	path, ok := o.videoPaths[batchNumber]
	if ok {
		delete(o.videoPaths, batchNumber)
	}
	return path, ok
}

func (o *Orchestrator) openBatchRecord(batch *models.Batch) {
	batchID, err := o.recorder.OpenBatch(o.runID, batch.BatchNumber, len(batch.Segments), batch.TotalDuration)
	if err != nil {
		o.logger.Warn("failed to open batch record", "batch", batch.BatchNumber, "error", err)
		return
	}
	o.batchIDsMu.Lock()
	o.batchIDs[batch.BatchNumber] = batchID
	o.batchIDsMu.Unlock()
}

func (o *Orchestrator) updateBatchRecord(batchNumber int, state string, stageErr error) {
	o.batchIDsMu.Lock()
	batchID, ok := o.batchIDs[batchNumber]
	o.batchIDsMu.Unlock()
	if !ok {
		return
	}
	if err := o.recorder.UpdateBatch(batchID, state, stageErr); err != nil {
		o.logger.Warn("failed to update batch record", "batch", batchNumber, "state", state, "error", err)
	}
}
