package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/seiro/internal/jobstore"
	"github.com/jkaninda/seiro/internal/service"
	"github.com/jkaninda/seiro/internal/toolerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mysql"}, testLogger()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(Config{Driver: DriverSQLite}, testLogger()); err == nil {
		t.Fatal("expected error for empty sqlite path")
	}
	if _, err := Open(Config{Driver: DriverPostgres}, testLogger()); err == nil {
		t.Fatal("expected error for empty postgres dsn")
	}
}

func TestOpen_FileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(Config{Driver: DriverSQLite, DSN: path}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestRecordAndList(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	code := 0

	for i := 0; i < 3; i++ {
		status := "succeeded"
		if i == 1 {
			status = "failed"
		}
		finished := base.Add(time.Duration(i)*time.Minute + 30*time.Second)
		if err := s.Record(ctx, Entry{
			JobID:       fmt.Sprintf("job-%d", i),
			ProjectPath: "/work/App",
			Scheme:      "App",
			Status:      status,
			ExitCode:    &code,
			ElapsedMS:   30000,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			FinishedAt:  &finished,
		}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	all, err := s.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].JobID != "job-2" || all[2].JobID != "job-0" {
		t.Errorf("order = %s, %s, %s; want newest first", all[0].JobID, all[1].JobID, all[2].JobID)
	}
	if all[0].ExitCode == nil || *all[0].ExitCode != 0 || all[0].FinishedAt == nil {
		t.Errorf("entry = %+v", all[0])
	}

	failed, err := s.List(ctx, ListOptions{Status: "failed"})
	if err != nil || len(failed) != 1 || failed[0].JobID != "job-1" {
		t.Errorf("failed = %+v, %v", failed, err)
	}

	limited, err := s.List(ctx, ListOptions{Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Errorf("limited = %d, %v", len(limited), err)
	}
}

func TestRecord_DuplicateJobID(t *testing.T) {
	s := openMemory(t)
	e := Entry{JobID: "dup", ProjectPath: "/w", Scheme: "S", Status: "failed", StartedAt: time.Now()}
	if err := s.Record(context.Background(), e); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(context.Background(), e); err == nil {
		t.Error("expected unique constraint violation")
	}
}

func TestRecorder_BuildFinished(t *testing.T) {
	s := openMemory(t)
	r := NewRecorder(s, testLogger())
	start := time.Now().Add(-2 * time.Second)
	code := 65

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // request context gone by the time the build ends

	r.BuildStarted(ctx, service.BuildEvent{JobID: "j1", StartedAt: start})
	r.BuildFinished(ctx, service.BuildEvent{
		JobID:       "j1",
		ProjectPath: "/work/App",
		Scheme:      "App",
		Status:      jobstore.StatusFailed,
		StartedAt:   start,
		FinishedAt:  start.Add(2 * time.Second),
		Elapsed:     2 * time.Second,
		ExitCode:    &code,
		ErrorCode:   toolerr.BuildFailed,
	})

	entries, err := s.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Status != "failed" || e.ErrorCode != "build_failed" || e.ElapsedMS != 2000 || *e.ExitCode != 65 {
		t.Errorf("entry = %+v", e)
	}
}
