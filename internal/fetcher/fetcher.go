// Package fetcher turns a live HLS source into an ordered stream of
// Segments on disk, handing finished Batches to BufferManager.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/streamforge/live-media-service/internal/buffer"
	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/storage"
	"github.com/streamforge/live-media-service/internal/urlutil"
)

// Callbacks receives StreamFetcher's emitted events. Any field left nil is
// simply not invoked.
type Callbacks struct {
	OnSegment func(models.Segment)
	OnBatch   func(*models.Batch)
	OnError   func(error)
}

// StreamFetcher polls a live HLS source, downloads new segments, and feeds
// them to a buffer.Manager.
type StreamFetcher struct {
	streamID     models.StreamId
	sourceURL    string
	pollInterval time.Duration

	storage   *storage.Service
	fetcher   *urlutil.ResourceFetcher
	bufferMgr *buffer.Manager
	callbacks Callbacks
	logger    *slog.Logger

	mu                 sync.Mutex
	variantURL         string // cached first-variant URL once a master playlist is seen
	lastSequenceNumber int
	haveSequence       bool
	segmentCounter     int

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a StreamFetcher for one stream session.
func New(
	streamID models.StreamId,
	sourceURL string,
	pollInterval time.Duration,
	store *storage.Service,
	resourceFetcher *urlutil.ResourceFetcher,
	bufferMgr *buffer.Manager,
	callbacks Callbacks,
	logger *slog.Logger,
) *StreamFetcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamFetcher{
		streamID:           streamID,
		sourceURL:          sourceURL,
		pollInterval:       pollInterval,
		storage:            store,
		fetcher:            resourceFetcher,
		bufferMgr:          bufferMgr,
		callbacks:          callbacks,
		logger:             logger.With("component", "fetcher", "streamId", string(streamID)),
		lastSequenceNumber: -1,
	}
}

// Start begins polling in a background goroutine. It returns immediately;
// errors surface through Callbacks.OnError.
func (f *StreamFetcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	go f.run(ctx)
}

// Stop halts polling and flushes any accumulated (possibly short) batch.
func (f *StreamFetcher) Stop() {
	f.stopOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		if f.done != nil {
			<-f.done
		}
	})

	batch, err := f.bufferMgr.Flush()
	if err != nil {
		f.emitError(fmt.Errorf("flushing residual batch: %w", err))
		return
	}
	if batch != nil {
		f.emitBatch(batch)
	}
}

func (f *StreamFetcher) run(ctx context.Context) {
	defer close(f.done)

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	f.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

// poll fetches and processes the manifest once. Transient errors are
// reported via OnError but never stop the polling loop.
func (f *StreamFetcher) poll(ctx context.Context) {
	manifestURL := f.currentManifestURL()

	data, err := f.fetchBytes(ctx, manifestURL)
	if err != nil {
		f.emitError(fmt.Errorf("fetching manifest: %w", err))
		return
	}

	variantURI, segments, err := parseManifest(data, manifestURL)
	if err != nil {
		f.emitError(fmt.Errorf("parsing manifest: %w", err))
		return
	}

	if variantURI != "" {
		f.mu.Lock()
		f.variantURL = variantURI
		f.mu.Unlock()

		data, err = f.fetchBytes(ctx, variantURI)
		if err != nil {
			f.emitError(fmt.Errorf("fetching variant playlist: %w", err))
			return
		}
		_, segments, err = parseManifest(data, variantURI)
		if err != nil {
			f.emitError(fmt.Errorf("parsing variant playlist: %w", err))
			return
		}
	}

	for _, seg := range segments {
		if f.alreadySeen(seg.Sequence) {
			continue
		}
		if err := f.downloadSegment(ctx, seg); err != nil {
			f.logger.Warn("segment download failed, will retry on next poll", "sequence", seg.Sequence, "error", err)
			continue
		}
		f.markSeen(seg.Sequence)
	}
}

func (f *StreamFetcher) currentManifestURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.variantURL != "" {
		return f.variantURL
	}
	return f.sourceURL
}

func (f *StreamFetcher) alreadySeen(sequence int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.haveSequence && sequence <= f.lastSequenceNumber
}

func (f *StreamFetcher) markSeen(sequence int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSequenceNumber = sequence
	f.haveSequence = true
}

func (f *StreamFetcher) fetchBytes(ctx context.Context, url string) ([]byte, error) {
	rc, err := f.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

func (f *StreamFetcher) downloadSegment(ctx context.Context, entry manifestSegment) error {
	rc, err := f.fetcher.Fetch(ctx, entry.URI)
	if err != nil {
		return fmt.Errorf("downloading segment: %w", err)
	}
	defer rc.Close()

	f.mu.Lock()
	f.segmentCounter++
	id := fmt.Sprintf("seg-%d", f.segmentCounter)
	f.mu.Unlock()

	relPath := f.storage.SegmentPath(f.streamID, id)
	if err := f.storage.EnsureStreamDirs(f.streamID); err != nil {
		return fmt.Errorf("ensuring stream directories: %w", err)
	}

	size, err := f.writeSegment(relPath, rc)
	if err != nil {
		return fmt.Errorf("writing segment %s: %w", id, err)
	}

	seg := models.Segment{
		Sequence: entry.Sequence,
		URI:      entry.URI,
		Duration: entry.Duration,
		Path:     relPath,
		Size:     size,
	}

	f.emitSegment(seg)

	batch, err := f.bufferMgr.AddSegment(seg)
	if err != nil {
		return fmt.Errorf("accumulating segment: %w", err)
	}
	if batch != nil {
		f.emitBatch(batch)
	}
	return nil
}

func (f *StreamFetcher) writeSegment(relPath string, rc io.Reader) (int64, error) {
	file, err := f.storage.OpenFile(relPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	return io.Copy(file, rc)
}

func (f *StreamFetcher) emitSegment(seg models.Segment) {
	if f.callbacks.OnSegment != nil {
		f.callbacks.OnSegment(seg)
	}
}

func (f *StreamFetcher) emitBatch(batch *models.Batch) {
	if f.callbacks.OnBatch != nil {
		f.callbacks.OnBatch(batch)
	}
}

func (f *StreamFetcher) emitError(err error) {
	f.logger.Error("fetch error", "error", err)
	if f.callbacks.OnError != nil {
		f.callbacks.OnError(err)
	}
}
