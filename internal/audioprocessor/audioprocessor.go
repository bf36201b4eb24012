// Package audioprocessor implements AudioProcessor: concatenating a
// batch's segments, demuxing the result into video-only and audio-only
// fragments, and round-tripping the audio half through the external speech
// processor.
package audioprocessor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/streamforge/live-media-service/internal/ffmpeg"
	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/storage"
	"github.com/streamforge/live-media-service/internal/wsclient"
)

// Callbacks receives AudioProcessor's emitted events. Any field left nil is
// simply not invoked.
type Callbacks struct {
	OnDemuxComplete  func(models.DemuxedOutput)
	OnAudioSent      func(streamID models.StreamId, batchNumber int)
	OnAudioProcessed func(models.ProcessedAudio)
	OnError          func(error)
}

// Processor concatenates and demuxes one batch at a time, then exchanges
// the audio half with the external speech processor over WebSocket.
type Processor struct {
	ffmpegPath   string
	fragDuration time.Duration // fMP4 fragment duration, matches buffer duration

	storage   *storage.Service
	wsClient  *wsclient.Client
	callbacks Callbacks
	logger    *slog.Logger
}

// New creates a Processor. fragDuration should match BufferManager's
// configured bufferDuration so the demuxed fMP4 carries one fragment per
// batch.
func New(ffmpegPath string, fragDuration time.Duration, store *storage.Service, wsClient *wsclient.Client, callbacks Callbacks, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		ffmpegPath:   ffmpegPath,
		fragDuration: fragDuration,
		storage:      store,
		wsClient:     wsClient,
		callbacks:    callbacks,
		logger:       logger.With("component", "audioprocessor"),
	}
}

// ProcessBatch concatenates batch's segments, demuxes video/audio, and
// sends the audio fragment to the external processor, saving its reply.
// Errors are both returned and surfaced through Callbacks.OnError.
func (p *Processor) ProcessBatch(ctx context.Context, batch *models.Batch) error {
	streamID := batch.StreamId
	batchNumber := batch.BatchNumber

	concatPath, err := p.concatenate(batch)
	if err != nil {
		return p.fail(fmt.Errorf("concatenating batch %d: %w", batchNumber, err))
	}
	batch.ConcatPath = concatPath

	demuxed, err := p.demux(ctx, streamID, batchNumber, concatPath)
	if err != nil {
		return p.fail(fmt.Errorf("demuxing batch %d: %w", batchNumber, err))
	}
	p.emitDemuxComplete(demuxed)

	audioAbsPath, err := p.storage.AbsolutePath(demuxed.AudioPath)
	if err != nil {
		return p.fail(fmt.Errorf("resolving audio fragment path: %w", err))
	}
	audioBytes, err := os.ReadFile(audioAbsPath)
	if err != nil {
		return p.fail(fmt.Errorf("reading audio fragment: %w", err))
	}

	desc := models.NewFragmentDescriptor(streamID, batchNumber, "audio/mp4", int64(len(audioBytes)), batch.TotalDuration)
	processed, err := p.wsClient.SubmitFragment(ctx, desc, audioBytes)
	if err != nil {
		return p.fail(fmt.Errorf("submitting fragment %s: %w", desc.Id, err))
	}
	p.emitAudioSent(streamID, batchNumber)

	processedPath := p.storage.ProcessedAudioPath(streamID, batchNumber)
	if err := p.storage.WriteFile(processedPath, processed); err != nil {
		return p.fail(fmt.Errorf("saving processed audio for batch %d: %w", batchNumber, err))
	}

	p.emitAudioProcessed(models.ProcessedAudio{
		StreamId:    streamID,
		BatchNumber: batchNumber,
		AudioPath:   processedPath,
		Size:        int64(len(processed)),
	})
	return nil
}

// concatenate byte-concatenates batch's segment files into a single
// container, in sequence order, under BatchConcatPath.
func (p *Processor) concatenate(batch *models.Batch) (string, error) {
	streamID := batch.StreamId
	if err := p.storage.EnsureStreamDirs(streamID); err != nil {
		return "", fmt.Errorf("ensuring stream directories: %w", err)
	}

	concatPath := p.storage.BatchConcatPath(streamID, batch.BatchNumber)
	out, err := p.storage.OpenFile(concatPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", err
	}
	defer out.Close()

	for _, seg := range batch.Segments {
		segAbsPath, err := p.storage.AbsolutePath(seg.Path)
		if err != nil {
			return "", fmt.Errorf("resolving segment %d: %w", seg.Sequence, err)
		}
		if err := appendFile(out, segAbsPath); err != nil {
			return "", fmt.Errorf("appending segment %d: %w", seg.Sequence, err)
		}
	}

	return concatPath, nil
}

func appendFile(dst io.Writer, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(dst, src)
	return err
}

// demux splits concatPath into a video-only and an audio-only fragmented
// MP4 via two single-stream-copy ffmpeg invocations. Any non-zero exit is
// a hard failure; the returned error carries the last captured stderr.
func (p *Processor) demux(ctx context.Context, streamID models.StreamId, batchNumber int, concatPath string) (models.DemuxedOutput, error) {
	concatAbsPath, err := p.storage.AbsolutePath(concatPath)
	if err != nil {
		return models.DemuxedOutput{}, fmt.Errorf("resolving concat path: %w", err)
	}

	videoPath := p.storage.DemuxedVideoPath(streamID, batchNumber)
	videoAbsPath, err := p.storage.AbsolutePath(videoPath)
	if err != nil {
		return models.DemuxedOutput{}, fmt.Errorf("resolving video output path: %w", err)
	}
	videoCmd := ffmpeg.NewCommandBuilder(p.ffmpegPath).
		Overwrite().
		Input(concatAbsPath).
		MapStreams("0:v:0").
		CopyVideo().
		FMP4Args(p.fragDuration.Seconds()).
		Output(videoAbsPath).
		Build()
	if err := videoCmd.RunCaptured(ctx); err != nil {
		return models.DemuxedOutput{}, fmt.Errorf("demuxing video: %w", err)
	}

	audioPath := p.storage.DemuxedAudioPath(streamID, batchNumber)
	audioAbsPath, err := p.storage.AbsolutePath(audioPath)
	if err != nil {
		return models.DemuxedOutput{}, fmt.Errorf("resolving audio output path: %w", err)
	}
	audioCmd := ffmpeg.NewCommandBuilder(p.ffmpegPath).
		Overwrite().
		Input(concatAbsPath).
		MapStreams("0:a:0").
		CopyAudio().
		FMP4Args(p.fragDuration.Seconds()).
		Output(audioAbsPath).
		Build()
	if err := audioCmd.RunCaptured(ctx); err != nil {
		return models.DemuxedOutput{}, fmt.Errorf("demuxing audio: %w", err)
	}

	videoSize, err := p.storage.Size(videoPath)
	if err != nil {
		return models.DemuxedOutput{}, fmt.Errorf("sizing video output: %w", err)
	}
	audioSize, err := p.storage.Size(audioPath)
	if err != nil {
		return models.DemuxedOutput{}, fmt.Errorf("sizing audio output: %w", err)
	}

	return models.DemuxedOutput{
		StreamId:    streamID,
		BatchNumber: batchNumber,
		VideoPath:   videoPath,
		AudioPath:   audioPath,
		VideoSize:   videoSize,
		AudioSize:   audioSize,
	}, nil
}

func (p *Processor) fail(err error) error {
	p.logger.Error("audio processing failed", "error", err)
	if p.callbacks.OnError != nil {
		p.callbacks.OnError(err)
	}
	return err
}

func (p *Processor) emitDemuxComplete(out models.DemuxedOutput) {
	if p.callbacks.OnDemuxComplete != nil {
		p.callbacks.OnDemuxComplete(out)
	}
}

func (p *Processor) emitAudioSent(streamID models.StreamId, batchNumber int) {
	if p.callbacks.OnAudioSent != nil {
		p.callbacks.OnAudioSent(streamID, batchNumber)
	}
}

func (p *Processor) emitAudioProcessed(audio models.ProcessedAudio) {
	if p.callbacks.OnAudioProcessed != nil {
		p.callbacks.OnAudioProcessed(audio)
	}
}
