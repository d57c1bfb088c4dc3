// Package scheduler runs the audit archive exporter on a fixed interval.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caredock/caresync/internal/export"
	"github.com/caredock/caresync/internal/logging"
)

// Config holds the archive scheduling knobs.
type Config struct {
	// Interval between archive runs. Default: 24h.
	Interval time.Duration

	// RetentionCount caps local archive files kept on disk. 0 keeps all.
	RetentionCount int

	// Directory is where local archive files accumulate.
	Directory string
}

// Scheduler triggers periodic audit archive runs.
type Scheduler struct {
	service export.ServiceInterface
	config  Config
	ticker  *time.Ticker
	stopCh  chan struct{}
}

// NewScheduler creates an archive scheduler.
func NewScheduler(service export.ServiceInterface, config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	if config.Directory == "" {
		config.Directory = "archives"
	}
	return &Scheduler{
		service: service,
		config:  config,
		stopCh:  make(chan struct{}),
	}
}

// Start begins periodic archive runs. An initial run fires immediately;
// the incremental window keeps restarts from re-archiving old rows.
func (s *Scheduler) Start(ctx context.Context) {
	s.ticker = time.NewTicker(s.config.Interval)
	logging.Info("archive scheduler started", map[string]interface{}{
		"interval":        s.config.Interval.String(),
		"retention_count": s.config.RetentionCount,
	})

	go func() {
		s.runOnce(ctx)
		for {
			select {
			case <-s.ticker.C:
				s.runOnce(ctx)
			case <-s.stopCh:
				logging.Info("archive scheduler stopped")
				return
			case <-ctx.Done():
				logging.Info("archive scheduler context cancelled")
				return
			}
		}
	}()
}

// Stop shuts the scheduler down. Safe to call once.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

// runOnce performs one archive run followed by retention cleanup.
func (s *Scheduler) runOnce(ctx context.Context) {
	result, err := s.service.Run(ctx)
	if err != nil {
		logging.Error("scheduled archive run failed", err)
		return
	}
	if result.RowCount == 0 {
		return
	}
	if s.config.RetentionCount > 0 {
		if err := s.applyRetention(); err != nil {
			logging.Error("archive retention cleanup failed", err, map[string]interface{}{
				"directory": s.config.Directory,
			})
		}
	}
}

// applyRetention deletes the oldest local archives beyond the retention
// count. Uploaded copies and archive_records rows are never touched.
func (s *Scheduler) applyRetention() error {
	archives, err := listArchives(s.config.Directory)
	if err != nil {
		return err
	}
	if len(archives) <= s.config.RetentionCount {
		return nil
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].modTime.Before(archives[j].modTime)
	})

	for _, archive := range archives[:len(archives)-s.config.RetentionCount] {
		if err := os.Remove(archive.path); err != nil {
			logging.Error("failed to delete old archive", err, map[string]interface{}{
				"path": archive.path,
			})
			continue
		}
		logging.Info("deleted old archive", map[string]interface{}{
			"path": archive.path,
		})
	}
	return nil
}

type archiveFile struct {
	path    string
	modTime time.Time
}

// listArchives returns the archive artifacts in dir, encrypted or not.
func listArchives(dir string) ([]archiveFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var archives []archiveFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".tar.gz") && !strings.HasSuffix(name, ".tar.gz.enc") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archiveFile{
			path:    filepath.Join(dir, name),
			modTime: info.ModTime(),
		})
	}
	return archives, nil
}
