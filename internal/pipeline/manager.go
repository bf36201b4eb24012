package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/storage"
)

// trackedRun pairs a running Orchestrator with the time Manager started it,
// since Orchestrator itself only tracks phase/counters, not wall-clock start.
type trackedRun struct {
	orchestrator *Orchestrator
	startedAt    time.Time
}

// Manager owns the set of running Orchestrators, one per stream id, and is
// the thing the control API talks to. Orchestrator itself already guards
// against two sessions for the same stream id (see acquireStream); Manager
// additionally gives callers a way to look a session back up by stream id
// to stop it or read its status.
type Manager struct {
	mu       sync.Mutex
	runs     map[models.StreamId]*trackedRun
	store    *storage.Service
	recorder Recorder
	logger   *slog.Logger
}

// NewManager creates a Manager backed by store for on-disk pipeline state
// and recorder for PipelineRun/BatchRecord bookkeeping. recorder may be nil.
func NewManager(store *storage.Service, recorder Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runs:     make(map[models.StreamId]*trackedRun),
		store:    store,
		recorder: recorder,
		logger:   logger,
	}
}

// Start creates and starts an Orchestrator for streamID, returning
// ErrAlreadyRunning if one is already tracked.
func (m *Manager) Start(ctx context.Context, streamID models.StreamId, cfg Config) error {
	m.mu.Lock()
	if _, exists := m.runs[streamID]; exists {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.mu.Unlock()

	o, err := New(streamID, cfg, m.store, m.recorder, Callbacks{
		OnPhaseChange: func(p Phase) {
			m.logger.Info("pipeline phase changed", "streamId", string(streamID), "phase", string(p))
		},
		OnError: func(err error) {
			m.logger.Error("pipeline stage error", "streamId", string(streamID), "error", err)
		},
	}, m.logger)
	if err != nil {
		return fmt.Errorf("creating pipeline for stream %q: %w", streamID, err)
	}

	if err := o.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.runs[streamID] = &trackedRun{orchestrator: o, startedAt: time.Now()}
	m.mu.Unlock()

	return nil
}

// Stop stops and forgets the Orchestrator for streamID. Returns false if no
// session was running.
func (m *Manager) Stop(streamID models.StreamId) bool {
	m.mu.Lock()
	run, exists := m.runs[streamID]
	if exists {
		delete(m.runs, streamID)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	run.orchestrator.Stop()
	return true
}

// StatusSnapshot is Status plus the wall-clock time the session was
// started, for the control API's status endpoint.
type StatusSnapshot struct {
	Status
	Since time.Time
}

// Status returns the Orchestrator's status snapshot for streamID.
func (m *Manager) Status(streamID models.StreamId) (StatusSnapshot, bool) {
	m.mu.Lock()
	run, exists := m.runs[streamID]
	m.mu.Unlock()

	if !exists {
		return StatusSnapshot{}, false
	}
	return StatusSnapshot{Status: run.orchestrator.Status(), Since: run.startedAt}, true
}

// StopAll stops every tracked session, for use during graceful shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	runs := make([]*trackedRun, 0, len(m.runs))
	for id := range m.runs {
		runs = append(runs, m.runs[id])
	}
	m.runs = make(map[models.StreamId]*trackedRun)
	m.mu.Unlock()

	for _, run := range runs {
		run.orchestrator.Stop()
	}
}
