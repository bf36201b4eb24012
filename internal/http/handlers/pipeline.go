package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamforge/live-media-service/internal/config"
	"github.com/streamforge/live-media-service/internal/ffmpeg"
	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/pipeline"
	"github.com/streamforge/live-media-service/internal/publisher"
	"github.com/streamforge/live-media-service/internal/repository"
	"github.com/streamforge/live-media-service/internal/storage"
	"github.com/streamforge/live-media-service/pkg/diskslice"
)

// PipelineHandler handles pipeline lifecycle and introspection endpoints.
type PipelineHandler struct {
	manager    *pipeline.Manager
	runRepo    repository.PipelineRunRepository
	defaults   config.PipelineConfig
	ffmpegPath string
}

// NewPipelineHandler creates a new pipeline handler. defaults supplies the
// options a start request does not override (chunk size, reconnect policy,
// sliding-window cleanup settings).
func NewPipelineHandler(manager *pipeline.Manager, runRepo repository.PipelineRunRepository, defaults config.PipelineConfig, ffmpegPath string) *PipelineHandler {
	return &PipelineHandler{
		manager:    manager,
		runRepo:    runRepo,
		defaults:   defaults,
		ffmpegPath: ffmpegPath,
	}
}

// Register registers the pipeline routes with the API.
func (h *PipelineHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "startPipeline",
		Method:        "POST",
		Path:          "/api/pipeline/start",
		Summary:       "Start a pipeline session",
		Description:   "Fetches a live HLS source, processes its audio, and republishes video plus processed audio to an SRS origin",
		Tags:          []string{"Pipeline"},
		DefaultStatus: 202,
	}, h.StartPipeline)

	huma.Register(api, huma.Operation{
		OperationID: "stopPipeline",
		Method:      "POST",
		Path:        "/api/pipeline/stop",
		Summary:     "Stop a pipeline session",
		Description: "Shuts the session down and returns once cleanup completes",
		Tags:        []string{"Pipeline"},
	}, h.StopPipeline)

	huma.Register(api, huma.Operation{
		OperationID: "getPipelineStatus",
		Method:      "GET",
		Path:        "/api/pipeline/status",
		Summary:     "Get pipeline status",
		Description: "Returns the consolidated phase, counters, and published window for a running session",
		Tags:        []string{"Pipeline"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "getPipelineRuns",
		Method:      "GET",
		Path:        "/api/pipeline/runs",
		Summary:     "List pipeline run history",
		Description: "Returns PipelineRun records, optionally filtered to one stream id",
		Tags:        []string{"Pipeline"},
	}, h.GetRuns)
}

// StartPipelineInput is the request body for starting a pipeline session.
type StartPipelineInput struct {
	Body struct {
		SourceURL         string `json:"sourceUrl" required:"true" doc:"Live HLS source URL"`
		StreamId          string `json:"streamId" required:"true" doc:"Identifier for this stream session"`
		BufferDuration    string `json:"bufferDuration,omitempty" doc:"Batch window, e.g. \"30s\"; defaults to the configured pipeline buffer duration"`
		AudioProcessorURL string `json:"audioProcessorUrl" required:"true" doc:"WebSocket URL of the external speech processor"`
		PublishURL        string `json:"publishUrl" required:"true" doc:"Base RTMP/SRT URL of the SRS origin"`
		PublishMode       string `json:"publishMode,omitempty" doc:"\"rtmp\" or \"srt\"; defaults to the configured publish mode"`
	}
}

// StartPipelineOutput is the response for starting a pipeline session.
type StartPipelineOutput struct {
	Body struct {
		RunId string `json:"runId"`
	}
}

// StartPipeline starts a new pipeline session for a stream.
func (h *PipelineHandler) StartPipeline(ctx context.Context, input *StartPipelineInput) (*StartPipelineOutput, error) {
	streamID := models.StreamId(input.Body.StreamId)

	bufferDuration := h.defaults.BufferDuration.Duration()
	if input.Body.BufferDuration != "" {
		d, err := config.ParseDuration(input.Body.BufferDuration)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid bufferDuration: " + err.Error())
		}
		bufferDuration = d.Duration()
	}

	mode := publisher.Mode(h.defaults.PublishMode)
	if input.Body.PublishMode != "" {
		mode = publisher.Mode(input.Body.PublishMode)
	}
	if mode != publisher.ModeRTMP && mode != publisher.ModeSRT {
		return nil, huma.Error400BadRequest("publishMode must be \"rtmp\" or \"srt\"")
	}

	cfg := pipeline.Config{
		SourceURL:      input.Body.SourceURL,
		PollInterval:   time.Duration(h.defaults.PollIntervalMs) * time.Millisecond,
		BufferDuration: bufferDuration,
		DiskOptions:    diskslice.DefaultOptions(),
		FFmpegPath:     h.ffmpegPath,
		OutputExt:      "mp4",
		ProcessorURL:   input.Body.AudioProcessorURL,
		Publisher: publisher.Config{
			Mode:                 mode,
			PublishURL:           input.Body.PublishURL,
			ChunkSize:            h.defaults.ChunkSize.Bytes(),
			RateLimitBps:         h.defaults.RateLimitBps.Bytes(),
			UseRateLimit:         h.defaults.UseRateLimit,
			MaxReconnectAttempts: h.defaults.MaxReconnectAttempts,
			ReconnectDelay:       time.Duration(h.defaults.ReconnectDelayMs) * time.Millisecond,
			MaxSegmentsToKeep:    h.defaults.MaxSegmentsToKeep,
			CleanupSafetyBuffer:  h.defaults.CleanupSafetyBuffer,
			EnableCleanup:        h.defaults.EnableCleanup,
		},
	}

	if err := h.manager.Start(ctx, streamID, cfg); err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			return nil, huma.Error409Conflict("pipeline already running for stream " + input.Body.StreamId)
		}
		return nil, huma.Error500InternalServerError("starting pipeline", err)
	}

	resp := &StartPipelineOutput{}
	resp.Body.RunId = string(streamID)
	return resp, nil
}

// StopPipelineInput is the request body for stopping a pipeline session.
type StopPipelineInput struct {
	Body struct {
		StreamId string `json:"streamId" required:"true"`
	}
}

// StopPipelineOutput is the response for stopping a pipeline session.
type StopPipelineOutput struct {
	Body struct {
		Stopped bool `json:"stopped"`
	}
}

// StopPipeline stops a running pipeline session.
func (h *PipelineHandler) StopPipeline(ctx context.Context, input *StopPipelineInput) (*StopPipelineOutput, error) {
	stopped := h.manager.Stop(models.StreamId(input.Body.StreamId))
	if !stopped {
		return nil, huma.Error404NotFound("no running pipeline for stream " + input.Body.StreamId)
	}
	resp := &StopPipelineOutput{}
	resp.Body.Stopped = true
	return resp, nil
}

// GetStatusInput is the input for the pipeline status endpoint.
type GetStatusInput struct {
	StreamId string `query:"streamId" required:"true"`
}

// GetStatusOutput is the response for the pipeline status endpoint.
type GetStatusOutput struct {
	Body struct {
		StreamId           string               `json:"streamId"`
		Phase              string               `json:"phase"`
		LastError          string               `json:"lastError,omitempty"`
		CurrentBatch       int                  `json:"currentBatch"`
		SegmentsDownloaded int                  `json:"segmentsDownloaded"`
		FragmentsPublished int                  `json:"fragmentsPublished"`
		PublishedWindow    []int                `json:"publishedWindow"`
		Since              time.Time            `json:"since"`
		PublisherProcess   *ffmpeg.ProcessStats `json:"publisherProcess,omitempty"`
	}
}

// GetStatus returns the status of a running pipeline session.
func (h *PipelineHandler) GetStatus(ctx context.Context, input *GetStatusInput) (*GetStatusOutput, error) {
	snapshot, exists := h.manager.Status(models.StreamId(input.StreamId))
	if !exists {
		return nil, huma.Error404NotFound("no running pipeline for stream " + input.StreamId)
	}

	resp := &GetStatusOutput{}
	resp.Body.StreamId = string(snapshot.StreamId)
	resp.Body.Phase = string(snapshot.Phase)
	resp.Body.LastError = snapshot.LastError
	resp.Body.CurrentBatch = snapshot.BatchesProcessed
	resp.Body.SegmentsDownloaded = snapshot.SegmentsDownloaded
	resp.Body.FragmentsPublished = snapshot.FragmentsPublished
	resp.Body.PublishedWindow = snapshot.PublishedWindow
	resp.Body.Since = snapshot.Since
	resp.Body.PublisherProcess = snapshot.ProcessStats
	return resp, nil
}

// GetRunsInput is the input for the run history endpoint.
type GetRunsInput struct {
	StreamId string `query:"streamId,omitempty"`
	Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

// GetRunsOutput is the response for the run history endpoint.
type GetRunsOutput struct {
	Body struct {
		Runs []*models.PipelineRun `json:"runs"`
	}
}

// GetRuns returns pipeline run history, optionally filtered to one stream.
func (h *PipelineHandler) GetRuns(ctx context.Context, input *GetRunsInput) (*GetRunsOutput, error) {
	var runs []*models.PipelineRun
	var err error

	if input.StreamId != "" {
		runs, err = h.runRepo.GetByStreamID(ctx, input.StreamId)
	} else {
		runs, err = h.runRepo.GetRecent(ctx, input.Limit)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("listing pipeline runs", err)
	}

	resp := &GetRunsOutput{}
	resp.Body.Runs = runs
	return resp, nil
}

// StorageHandler handles manual storage-retention trigger endpoints.
type StorageHandler struct {
	store *storage.Service
}

// NewStorageHandler creates a new storage handler.
func NewStorageHandler(store *storage.Service) *StorageHandler {
	return &StorageHandler{store: store}
}

// Register registers the storage routes with the API.
func (h *StorageHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "cleanStorage",
		Method:      "POST",
		Path:        "/api/storage/clean",
		Summary:     "Clean a stream's storage tree",
		Description: "Removes the stream's entire on-disk tree (original_stream and processed_fragments), for operator-triggered maintenance; this is not the publisher's sliding-window cleanup",
		Tags:        []string{"Storage"},
	}, h.CleanStorage)
}

// CleanStorageInput is the request body for the storage clean endpoint.
type CleanStorageInput struct {
	Body struct {
		StreamId string `json:"streamId" required:"true"`
	}
}

// CleanStorageOutput is the response for the storage clean endpoint.
type CleanStorageOutput struct {
	Body struct {
		FilesRemoved int `json:"filesRemoved"`
	}
}

// CleanStorage removes a stream's entire on-disk tree.
func (h *StorageHandler) CleanStorage(ctx context.Context, input *CleanStorageInput) (*CleanStorageOutput, error) {
	removed, err := h.store.CleanStream(models.StreamId(input.Body.StreamId))
	if err != nil {
		return nil, huma.Error500InternalServerError("cleaning storage", err)
	}
	resp := &CleanStorageOutput{}
	resp.Body.FilesRemoved = removed
	return resp, nil
}
