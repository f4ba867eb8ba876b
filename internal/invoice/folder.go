package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ScanResult lists what a folder scan did
type ScanResult struct {
	Created  []string // job IDs
	Rejected []string // archived paths
}

// ScanFolder turns every PDF of the watch folder into a submitted job and
// removes it; any other file is moved to the rejected folder. A file that
// cannot be handled is logged and left for the next scan. Concurrent scans
// run one after the other.
func (s *Service) ScanFolder(ctx context.Context) (ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	var result ScanResult
	dir := s.cfg.WatchFolder
	if dir == "" {
		slog.Warn("Watch folder not configured")
		return result, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return result, fmt.Errorf("reading watch folder: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())

		if strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			job, err := s.intake(path)
			if err != nil {
				slog.Error("Failed to import file", "filename", e.Name(), "error", err)
				continue
			}
			result.Created = append(result.Created, job.ID)
			continue
		}

		dest, err := s.archive.Move(AreaRejected, path)
		if err != nil {
			slog.Error("Failed to reject file", "filename", e.Name(), "error", err)
			continue
		}
		slog.Info("Rejected non-PDF file", "filename", e.Name())
		s.alerts.FileRejected(ctx, e.Name())
		result.Rejected = append(result.Rejected, dest)
	}

	if len(result.Created)+len(result.Rejected) > 0 {
		slog.Info("Scan complete", "created", len(result.Created), "rejected", len(result.Rejected))
	}
	return result, nil
}

func (s *Service) intake(path string) (*ImportJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	job, err := s.CreateJob(filepath.Base(path), data)
	if err != nil {
		return nil, err
	}
	if job, err = s.SubmitJob(job.ID); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("removing imported file: %w", err)
	}
	return job, nil
}

// Watcher scans the watch folder shortly after files appear in it
type Watcher struct {
	service  *Service
	dir      string
	debounce time.Duration
}

func NewWatcher(service *Service, dir string, debounce time.Duration) *Watcher {
	return &Watcher{service: service, dir: dir, debounce: debounce}
}

// Run watches until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	slog.Info("Watching folder", "path", w.dir)

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				fire = time.After(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)
		case <-fire:
			fire = nil
			if _, err := w.service.ScanFolder(ctx); err != nil {
				slog.Error("Folder scan failed", "error", err)
			}
		}
	}
}
