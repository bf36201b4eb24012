// Package scheduler runs the periodic storage-retention sweep that backs
// the sliding-window publish policy with a safety net: even if a publisher
// crashed mid-window-update and left batch files behind, this sweep finds
// and removes them on its own schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamforge/live-media-service/internal/storage"
)

// NormalizeCronExpression normalizes a cron expression to 6-field format.
// It accepts both 6-field (default) and 7-field (legacy with year) formats.
//
// Supported formats:
//   - 6 fields: sec min hour dom month dow (passed through as-is)
//   - 7 fields: sec min hour dom month dow year (year stripped after validation)
//
// The year field (if present) must be "*" or a valid year/range (e.g., "2024", "2024-2030", "*").
func NormalizeCronExpression(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("empty cron expression")
	}

	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}

	fields := strings.Fields(expr)
	switch len(fields) {
	case 6:
		return expr, nil
	case 7:
		yearField := fields[6]
		if !isValidYearField(yearField) {
			return "", fmt.Errorf("invalid year field %q: must be * or a valid year/range", yearField)
		}
		return strings.Join(fields[:6], " "), nil
	default:
		return "", fmt.Errorf("invalid cron expression: expected 6 or 7 fields, got %d", len(fields))
	}
}

// isValidYearField validates a cron year field.
// Accepts: *, specific years (2024), ranges (2024-2030), lists (2024,2025), step values (*/2, 2024/1).
func isValidYearField(field string) bool {
	if field == "*" {
		return true
	}
	for _, r := range field {
		if !((r >= '0' && r <= '9') || r == ',' || r == '-' || r == '/' || r == '*') {
			return false
		}
	}
	return len(field) > 0
}

// RetentionScheduler runs storage.Service.SweepOrphans/RemoveOrphans on a
// cron schedule, independent of and in addition to the sliding-window
// cleanup StreamPublisher performs after every published fragment.
type RetentionScheduler struct {
	mu sync.Mutex

	store  *storage.Service
	maxAge time.Duration
	logger *slog.Logger

	parser cron.Parser
	cron   *cron.Cron

	cancel context.CancelFunc
}

// New creates a RetentionScheduler that sweeps orphaned files older than
// maxAge according to cronExpr (6-field, or 7-field with a year that is
// stripped). cronExpr is validated eagerly so misconfiguration is caught at
// construction rather than silently never firing.
func New(cronExpr string, store *storage.Service, maxAge time.Duration, logger *slog.Logger) (*RetentionScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	normalized, err := NormalizeCronExpression(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid retention sweep schedule: %w", err)
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(normalized); err != nil {
		return nil, fmt.Errorf("invalid retention sweep schedule: %w", err)
	}

	s := &RetentionScheduler{
		store:  store,
		maxAge: maxAge,
		logger: logger,
		parser: parser,
	}

	s.cron = cron.New(cron.WithParser(parser), cron.WithChain(
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := s.cron.AddFunc(normalized, s.sweep); err != nil {
		return nil, fmt.Errorf("registering retention sweep: %w", err)
	}

	return s, nil
}

// Start begins running the cron schedule. It returns immediately; the sweep
// itself runs on the cron's own goroutine.
func (s *RetentionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("retention scheduler already started")
	}

	_, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron.Start()
	s.logger.Info("retention scheduler started")
	return nil
}

// Stop stops the cron schedule, waiting for any in-flight sweep to finish.
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.cancel()
	s.cancel = nil

	s.logger.Info("retention scheduler stopped")
}

// sweep finds and removes orphaned batch files older than maxAge.
func (s *RetentionScheduler) sweep() {
	orphans, err := s.store.SweepOrphans(s.maxAge)
	if err != nil {
		s.logger.Error("retention sweep failed to scan for orphans", slog.Any("error", err))
		return
	}

	if len(orphans) == 0 {
		s.logger.Debug("retention sweep found no orphaned files")
		return
	}

	removed, err := s.store.RemoveOrphans(orphans)
	if err != nil {
		s.logger.Warn("retention sweep encountered errors removing orphans",
			slog.Int("removed", removed),
			slog.Int("found", len(orphans)),
			slog.Any("error", err))
		return
	}

	s.logger.Info("retention sweep removed orphaned files",
		slog.Int("removed", removed))
}
