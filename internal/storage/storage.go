package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/streamforge/live-media-service/internal/models"
)

const (
	originalStreamDir    = "original_stream"
	processedFragmentDir = "processed_fragments"
)

// Service is the single owner of the on-disk pipeline tree. It is
// constructed once and passed down to every stage rather than referenced
// through package-level state; path conventions
// (original_stream/{streamId}/, processed_fragments/{streamId}/) guarantee
// that two stages never contend for the same file.
type Service struct {
	sandbox *Sandbox
}

// NewService creates a Service rooted at baseDir, creating it if absent.
func NewService(baseDir string) (*Service, error) {
	sandbox, err := NewSandbox(baseDir)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	return &Service{sandbox: sandbox}, nil
}

// BaseDir returns the absolute path to the storage root.
func (s *Service) BaseDir() string {
	return s.sandbox.BaseDir()
}

// EnsureStreamDirs creates the original_stream and processed_fragments
// directories for a stream ahead of first write.
func (s *Service) EnsureStreamDirs(streamID models.StreamId) error {
	if err := s.sandbox.MkdirAll(filepath.Join(originalStreamDir, string(streamID))); err != nil {
		return fmt.Errorf("creating original_stream directory: %w", err)
	}
	if err := s.sandbox.MkdirAll(filepath.Join(processedFragmentDir, string(streamID))); err != nil {
		return fmt.Errorf("creating processed_fragments directory: %w", err)
	}
	return nil
}

// SegmentPath returns the relative path for segment id within a stream's
// original_stream tree: original_stream/{streamId}/{id}.ts
func (s *Service) SegmentPath(streamID models.StreamId, id string) string {
	return filepath.Join(originalStreamDir, string(streamID), id+".ts")
}

// BatchConcatPath returns the relative path for a batch's byte-concatenated
// container, held alongside the segments that produced it.
func (s *Service) BatchConcatPath(streamID models.StreamId, batchNumber int) string {
	return filepath.Join(originalStreamDir, string(streamID), fmt.Sprintf("batch-%d-concat.ts", batchNumber))
}

// DemuxedVideoPath returns the relative path for a batch's video-only
// fragment produced by AudioProcessor's demux step.
func (s *Service) DemuxedVideoPath(streamID models.StreamId, batchNumber int) string {
	return filepath.Join(processedFragmentDir, string(streamID), fmt.Sprintf("video-%d.mp4", batchNumber))
}

// DemuxedAudioPath returns the relative path for a batch's audio-only
// fragment produced by AudioProcessor's demux step, before it is sent to
// the external processor.
func (s *Service) DemuxedAudioPath(streamID models.StreamId, batchNumber int) string {
	return filepath.Join(processedFragmentDir, string(streamID), fmt.Sprintf("audio-%d.mp4", batchNumber))
}

// ProcessedAudioPath returns the relative path for the audio fragment
// returned by the external processor: processed_fragments/{streamId}/audio-processed-{N}.mp4
func (s *Service) ProcessedAudioPath(streamID models.StreamId, batchNumber int) string {
	return filepath.Join(processedFragmentDir, string(streamID), fmt.Sprintf("audio-processed-%d.mp4", batchNumber))
}

// BatchOutputPath returns the relative path for the Remuxer's combined
// output: processed_fragments/{streamId}/batch-{N}.{ext} where ext is "mp4"
// or "ts" depending on the configured publish container.
func (s *Service) BatchOutputPath(streamID models.StreamId, batchNumber int, ext string) string {
	return filepath.Join(processedFragmentDir, string(streamID), fmt.Sprintf("batch-%d.%s", batchNumber, ext))
}

// AbsolutePath resolves a relative path (as returned by the helpers above)
// to an absolute filesystem path, rejecting any attempt to escape the
// storage root.
func (s *Service) AbsolutePath(relativePath string) (string, error) {
	return s.sandbox.ResolvePath(relativePath)
}

// WriteFile writes data to relativePath, creating parent directories as
// needed.
func (s *Service) WriteFile(relativePath string, data []byte) error {
	return s.sandbox.WriteFile(relativePath, data)
}

// OpenFile opens relativePath with the given flags, for streaming writes
// (e.g. segment downloads, ffmpeg stdout capture) that must not buffer the
// whole payload in memory first.
func (s *Service) OpenFile(relativePath string, flag int, perm os.FileMode) (*os.File, error) {
	return s.sandbox.OpenFile(relativePath, flag, perm)
}

// Size returns the size in bytes of the file at relativePath.
func (s *Service) Size(relativePath string) (int64, error) {
	return s.sandbox.Size(relativePath)
}

// Exists reports whether relativePath exists within the storage root.
func (s *Service) Exists(relativePath string) (bool, error) {
	return s.sandbox.Exists(relativePath)
}

// Remove deletes the file at relativePath. Missing files are not an error.
func (s *Service) Remove(relativePath string) error {
	if err := s.sandbox.Remove(relativePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// CleanStream removes a stream's entire on-disk tree (both original_stream
// and processed_fragments subdirectories) and returns the count of files
// removed. Used by the manual "/api/storage/clean" trigger.
func (s *Service) CleanStream(streamID models.StreamId) (int, error) {
	removed := 0
	for _, dir := range []string{originalStreamDir, processedFragmentDir} {
		rel := filepath.Join(dir, string(streamID))
		abs, err := s.sandbox.ResolvePath(rel)
		if err != nil {
			return removed, err
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("reading %s: %w", rel, err)
		}
		removed += len(entries)
		if err := s.sandbox.RemoveAll(rel); err != nil {
			return removed, fmt.Errorf("removing %s: %w", rel, err)
		}
	}
	return removed, nil
}

// RemoveBatchFiles deletes the processed_fragments outputs for the given
// batch numbers of one stream, used by StreamPublisher's sliding-window
// retention after a fragment has dropped out of the published window.
// Ext is the container extension used for batch outputs ("mp4" or "ts").
func (s *Service) RemoveBatchFiles(streamID models.StreamId, batchNumbers []int, ext string) (removed int, firstErr error) {
	for _, n := range batchNumbers {
		for _, path := range []string{
			s.BatchOutputPath(streamID, n, ext),
			s.DemuxedVideoPath(streamID, n),
			s.ProcessedAudioPath(streamID, n),
		} {
			ok, err := s.sandbox.Exists(path)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !ok {
				continue
			}
			if err := s.sandbox.Remove(path); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			removed++
		}
	}
	return removed, firstErr
}

// OrphanedFile describes a file found by SweepOrphans whose modification
// time predates maxAge. Whether an in-flight batch still references the
// file is not checked.
type OrphanedFile struct {
	RelativePath string
	ModifiedAt   time.Time
	Size         int64
}

// SweepOrphans walks both top-level trees and returns files whose
// modification time is older than maxAge. It never deletes anything
// itself; the caller (the retention scheduler, §B) decides whether to act
// on the result, since a file can be legitimately old if a stream has
// been idle rather than abandoned.
func (s *Service) SweepOrphans(maxAge time.Duration) ([]OrphanedFile, error) {
	cutoff := time.Now().Add(-maxAge)
	var orphans []OrphanedFile

	for _, dir := range []string{originalStreamDir, processedFragmentDir} {
		abs, err := s.sandbox.ResolvePath(dir)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			continue
		}

		err = filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil // best-effort; a single stat failure shouldn't abort the sweep
			}
			if info.IsDir() {
				return nil
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
			rel, relErr := filepath.Rel(s.sandbox.BaseDir(), path)
			if relErr != nil {
				rel = path
			}
			orphans = append(orphans, OrphanedFile{
				RelativePath: rel,
				ModifiedAt:   info.ModTime(),
				Size:         info.Size(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", dir, err)
		}
	}

	return orphans, nil
}

// RemoveOrphans deletes the given orphaned files and reports how many were
// actually removed (missing files are skipped, not treated as an error).
func (s *Service) RemoveOrphans(orphans []OrphanedFile) (removed int, firstErr error) {
	for _, o := range orphans {
		if err := s.Remove(o.RelativePath); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}

	// CleanupEmptyDirs-equivalent: prune directories left empty by the
	// removals above so idle streams don't accumulate empty shard dirs.
	for _, dir := range []string{originalStreamDir, processedFragmentDir} {
		_ = s.cleanupEmptyDirs(dir)
	}

	return removed, firstErr
}

func (s *Service) cleanupEmptyDirs(relDir string) error {
	abs, err := s.sandbox.ResolvePath(relDir)
	if err != nil {
		return err
	}

	var emptyDirs []string
	err = filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() || path == abs {
			return nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}
		if len(entries) == 0 {
			emptyDirs = append(emptyDirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := len(emptyDirs) - 1; i >= 0; i-- {
		_ = os.Remove(emptyDirs[i])
	}
	return nil
}
