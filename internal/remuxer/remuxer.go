// Package remuxer implements Remuxer: combining a batch's stored video
// fragment with its returned processed-audio fragment into a single
// output container.
package remuxer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streamforge/live-media-service/internal/ffmpeg"
	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/storage"
)

// Callbacks receives Remuxer's emitted events. Any field left nil is
// simply not invoked.
type Callbacks struct {
	OnRemuxComplete func(models.RemuxedOutput)
	OnError         func(error)
}

// Remuxer combines one DemuxedOutput's video half with its ProcessedAudio
// counterpart into a single container, per batch.
type Remuxer struct {
	ffmpegPath string
	outputExt  string // "mp4" or "ts", per the configured publish container

	storage   *storage.Service
	callbacks Callbacks
	logger    *slog.Logger
}

// New creates a Remuxer. outputExt selects the combined container format
// ("mp4" or "ts") and must match the StreamPublisher's configured wire
// format.
func New(ffmpegPath, outputExt string, store *storage.Service, callbacks Callbacks, logger *slog.Logger) *Remuxer {
	if logger == nil {
		logger = slog.Default()
	}
	if outputExt == "" {
		outputExt = "mp4"
	}
	return &Remuxer{
		ffmpegPath: ffmpegPath,
		outputExt:  outputExt,
		storage:    store,
		callbacks:  callbacks,
		logger:     logger.With("component", "remuxer"),
	}
}

// OnProcessedAudioReceived locates the video fragment stored for the same
// batch, combines it with audio's fragment, and emits remux:complete.
func (r *Remuxer) OnProcessedAudioReceived(ctx context.Context, videoPath string, audio models.ProcessedAudio) (*models.RemuxedOutput, error) {
	streamID := audio.StreamId
	batchNumber := audio.BatchNumber

	exists, err := r.storage.Exists(videoPath)
	if err != nil {
		return nil, r.fail(fmt.Errorf("checking video fragment for batch %d: %w", batchNumber, err))
	}
	if !exists {
		return nil, r.fail(fmt.Errorf("video fragment missing for batch %d: %s", batchNumber, videoPath))
	}

	videoAbsPath, err := r.storage.AbsolutePath(videoPath)
	if err != nil {
		return nil, r.fail(fmt.Errorf("resolving video fragment path: %w", err))
	}
	audioAbsPath, err := r.storage.AbsolutePath(audio.AudioPath)
	if err != nil {
		return nil, r.fail(fmt.Errorf("resolving audio fragment path: %w", err))
	}

	outputPath := r.storage.BatchOutputPath(streamID, batchNumber, r.outputExt)
	outputAbsPath, err := r.storage.AbsolutePath(outputPath)
	if err != nil {
		return nil, r.fail(fmt.Errorf("resolving output path: %w", err))
	}

	// CommandBuilder supports one primary Input; the video input is passed
	// through InputArgs so it precedes the primary (audio) input in the
	// built argument list, keeping input indices 0=video, 1=audio for the
	// -map specs below.
	cmd := ffmpeg.NewCommandBuilder(r.ffmpegPath).
		Overwrite().
		InputArgs("-i", videoAbsPath).
		Input(audioAbsPath).
		MapStreams("0:v:0", "1:a:0").
		CopyVideo().
		CopyAudio().
		Shortest().
		Output(outputAbsPath).
		Build()

	if err := cmd.RunCaptured(ctx); err != nil {
		return nil, r.fail(fmt.Errorf("remuxing batch %d: %w", batchNumber, err))
	}

	size, err := r.storage.Size(outputPath)
	if err != nil {
		return nil, r.fail(fmt.Errorf("sizing remuxed output for batch %d: %w", batchNumber, err))
	}

	out := models.RemuxedOutput{
		StreamId:    streamID,
		BatchNumber: batchNumber,
		OutputPath:  outputPath,
		Size:        size,
	}
	r.emitRemuxComplete(out)
	return &out, nil
}

func (r *Remuxer) fail(err error) error {
	r.logger.Error("remux failed", "error", err)
	if r.callbacks.OnError != nil {
		r.callbacks.OnError(err)
	}
	return err
}

func (r *Remuxer) emitRemuxComplete(out models.RemuxedOutput) {
	if r.callbacks.OnRemuxComplete != nil {
		r.callbacks.OnRemuxComplete(out)
	}
}
