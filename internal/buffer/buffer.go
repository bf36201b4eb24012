// Package buffer accumulates Segments into duration-bounded Batches.
package buffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/pkg/diskslice"
)

// Status reports the accumulator's current state for the control API's
// pipeline status endpoint.
type Status struct {
	SegmentCount        int
	AccumulatedDuration time.Duration
	ProgressPercent     float64
	NextBatchNumber     int
}

// Manager accumulates Segments for one stream and emits a Batch once the
// accumulated duration reaches bufferDuration. The accumulator is a
// disk-overflowing slice so a long-running stream with a large
// bufferDuration does not grow unbounded resident memory.
type Manager struct {
	streamID       models.StreamId
	bufferDuration time.Duration
	diskOpts       diskslice.Options

	mu              sync.Mutex
	segments        *diskslice.DiskSlice[models.Segment]
	accumulated     time.Duration
	nextBatchNumber int
}

// New creates a Manager for one stream. diskOpts configures the spill
// threshold and temp directory of the underlying accumulator; a zero value
// uses diskslice.DefaultOptions().
func New(streamID models.StreamId, bufferDuration time.Duration, diskOpts diskslice.Options) (*Manager, error) {
	m := &Manager{
		streamID:       streamID,
		bufferDuration: bufferDuration,
		diskOpts:       diskOpts,
	}
	if err := m.resetLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// AddSegment appends seg to the accumulator. It returns a freshly
// constructed Batch once the accumulated duration reaches bufferDuration,
// and nil otherwise. Batch numbers are globally monotonic per stream,
// starting at 0.
func (m *Manager) AddSegment(seg models.Segment) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.segments.Append(seg); err != nil {
		return nil, fmt.Errorf("appending segment: %w", err)
	}
	m.accumulated += seg.Duration

	if m.accumulated < m.bufferDuration {
		return nil, nil
	}

	return m.emitLocked()
}

// Flush returns a possibly-short Batch containing any residual segments,
// or nil if the accumulator is empty. Called on stop() so late arrivals
// are not lost.
func (m *Manager) Flush() (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.segments.Len() == 0 {
		return nil, nil
	}
	return m.emitLocked()
}

// GetStatus reports the accumulator's segment count, accumulated duration,
// progress toward bufferDuration, and the batch number that will be
// assigned to the next emission.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress := 0.0
	if m.bufferDuration > 0 {
		progress = float64(m.accumulated) / float64(m.bufferDuration) * 100
		if progress > 100 {
			progress = 100
		}
	}

	return Status{
		SegmentCount:        m.segments.Len(),
		AccumulatedDuration: m.accumulated,
		ProgressPercent:     progress,
		NextBatchNumber:     m.nextBatchNumber,
	}
}

// Close releases the accumulator's disk resources. Call after Flush on
// final shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments.Close()
}

// emitLocked builds a Batch from the current accumulator contents and
// resets the accumulator to zero. Must be called with mu held.
func (m *Manager) emitLocked() (*models.Batch, error) {
	segs, err := m.segments.ToSlice()
	if err != nil {
		return nil, fmt.Errorf("reading accumulated segments: %w", err)
	}

	batch := &models.Batch{
		StreamId:      m.streamID,
		BatchNumber:   m.nextBatchNumber,
		Segments:      segs,
		TotalDuration: m.accumulated,
	}

	m.nextBatchNumber++
	if err := m.resetLocked(); err != nil {
		return nil, fmt.Errorf("resetting accumulator: %w", err)
	}

	return batch, nil
}

// resetLocked discards the current accumulator and allocates a fresh one.
// Must be called with mu held.
func (m *Manager) resetLocked() error {
	if m.segments != nil {
		_ = m.segments.Close()
	}

	opts := m.diskOpts
	if opts.MemoryThreshold == 0 {
		opts = diskslice.DefaultOptions()
	}
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("buffer-%s", m.streamID)
	}

	segments, err := diskslice.New[models.Segment](opts)
	if err != nil {
		return fmt.Errorf("allocating accumulator: %w", err)
	}

	m.segments = segments
	m.accumulated = 0
	return nil
}
