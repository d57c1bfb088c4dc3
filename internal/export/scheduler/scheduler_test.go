// Package scheduler tests for periodic archive scheduling.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caredock/caresync/internal/export"
)

// waitFor polls until cond holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestNewScheduler_defaults verifies configuration defaults.
func TestNewScheduler_defaults(t *testing.T) {
	s := NewScheduler(export.NewMockService(), Config{RetentionCount: -3})

	if s.config.Interval != 24*time.Hour {
		t.Errorf("Interval = %v, want 24h", s.config.Interval)
	}
	if s.config.RetentionCount != 0 {
		t.Errorf("RetentionCount = %d, want 0", s.config.RetentionCount)
	}
	if s.config.Directory != "archives" {
		t.Errorf("Directory = %q, want 'archives'", s.config.Directory)
	}
	if s.ticker != nil {
		t.Error("ticker should be nil before Start")
	}
	if s.stopCh == nil {
		t.Error("stopCh should not be nil")
	}
}

// TestSchedulerStart_initialRun verifies a run fires on startup.
func TestSchedulerStart_initialRun(t *testing.T) {
	mock := export.NewMockService()
	s := NewScheduler(mock, Config{Interval: time.Hour, Directory: t.TempDir()})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, mock.WasRunCalled)
}

// TestSchedulerStart_periodicRuns verifies the ticker keeps firing.
func TestSchedulerStart_periodicRuns(t *testing.T) {
	mock := export.NewMockService()
	s := NewScheduler(mock, Config{Interval: 20 * time.Millisecond, Directory: t.TempDir()})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return mock.GetCallCount() >= 3 })
}

// TestSchedulerStop verifies runs halt after Stop.
func TestSchedulerStop(t *testing.T) {
	mock := export.NewMockService()
	s := NewScheduler(mock, Config{Interval: 20 * time.Millisecond, Directory: t.TempDir()})

	s.Start(context.Background())
	waitFor(t, time.Second, mock.WasRunCalled)
	s.Stop()

	count := mock.GetCallCount()
	time.Sleep(80 * time.Millisecond)
	// One in-flight tick may still land; the loop must not keep going.
	if after := mock.GetCallCount(); after > count+1 {
		t.Errorf("runs after Stop: %d -> %d", count, after)
	}
}

// TestSchedulerStart_contextCancelled verifies cancellation stops the loop.
func TestSchedulerStart_contextCancelled(t *testing.T) {
	mock := export.NewMockService()
	s := NewScheduler(mock, Config{Interval: 20 * time.Millisecond, Directory: t.TempDir()})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, time.Second, mock.WasRunCalled)
	cancel()

	count := mock.GetCallCount()
	time.Sleep(80 * time.Millisecond)
	if after := mock.GetCallCount(); after > count+1 {
		t.Errorf("runs after cancellation: %d -> %d", count, after)
	}
	s.Stop()
}

// TestSchedulerStart_failedRuns verifies a failing service does not
// break the loop.
func TestSchedulerStart_failedRuns(t *testing.T) {
	mock := export.NewMockService()
	mock.SetShouldSucceed(false)
	s := NewScheduler(mock, Config{Interval: 20 * time.Millisecond, Directory: t.TempDir()})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return mock.GetCallCount() >= 2 })
}

// touchArchive creates an archive file with the given modification time.
func touchArchive(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("archive"), 0o600); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", name, err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("Chtimes(%s) failed: %v", name, err)
	}
	return path
}

// TestApplyRetention verifies the oldest archives are removed.
func TestApplyRetention(t *testing.T) {
	dir := t.TempDir()
	oldest := touchArchive(t, dir, "caresync_audit_20250101_000000.tar.gz", 4*time.Hour)
	older := touchArchive(t, dir, "caresync_audit_20250102_000000.tar.gz.enc", 3*time.Hour)
	recent := touchArchive(t, dir, "caresync_audit_20250103_000000.tar.gz", 2*time.Hour)
	newest := touchArchive(t, dir, "caresync_audit_20250104_000000.tar.gz", time.Hour)
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	s := NewScheduler(export.NewMockService(), Config{RetentionCount: 2, Directory: dir})
	if err := s.applyRetention(); err != nil {
		t.Fatalf("applyRetention() error = %v", err)
	}

	for _, gone := range []string{oldest, older} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("Old archive %s still exists", filepath.Base(gone))
		}
	}
	for _, kept := range []string{recent, newest, unrelated} {
		if _, err := os.Stat(kept); err != nil {
			t.Errorf("File %s should survive retention: %v", filepath.Base(kept), err)
		}
	}
}

// TestApplyRetention_underLimit verifies nothing is removed below the cap.
func TestApplyRetention_underLimit(t *testing.T) {
	dir := t.TempDir()
	path := touchArchive(t, dir, "caresync_audit_20250101_000000.tar.gz", time.Hour)

	s := NewScheduler(export.NewMockService(), Config{RetentionCount: 5, Directory: dir})
	if err := s.applyRetention(); err != nil {
		t.Fatalf("applyRetention() error = %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Archive removed while under retention limit: %v", err)
	}
}

// TestListArchives_missingDirectory verifies a missing directory is empty.
func TestListArchives_missingDirectory(t *testing.T) {
	archives, err := listArchives(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("listArchives() error = %v", err)
	}
	if len(archives) != 0 {
		t.Errorf("listArchives() = %d entries, want 0", len(archives))
	}
}
