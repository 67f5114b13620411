package jobstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/seiro/internal/toolerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, ttl time.Duration, reg *prometheus.Registry) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s := New(Config{TTL: ttl}, NewMetrics(reg), logger)
	s.now = clock.Now
	return s, clock
}

func intPtr(i int) *int { return &i }

// succeed creates and finishes a job with an artifact inside a fresh job dir.
func succeed(t *testing.T, s *Store, id string) Job {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	zip := filepath.Join(dir, "artifact.zip")
	if err := os.WriteFile(zip, []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(Job{ID: id, Dir: dir}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	j, err := s.Finish(id, Completion{
		Status:   StatusSucceeded,
		ExitCode: intPtr(0),
		Artifact: &ArtifactFile{Path: zip, SHA256: "abc", Size: 3},
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return j
}

func TestStore_Lifecycle(t *testing.T) {
	s, clock := newTestStore(t, 10*time.Minute, nil)

	if _, err := s.Create(Job{ID: "j1", Scheme: "App"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get("j1", clock.Now())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRunning || got.FinishedAt != nil || got.Artifact != nil {
		t.Errorf("running job = %+v", got)
	}

	clock.Advance(time.Minute)
	j := succeed(t, s, "j2")
	if j.Status != StatusSucceeded {
		t.Fatalf("Status = %s", j.Status)
	}
	if want := clock.Now().Add(10 * time.Minute); !j.Artifact.TTLDeadline.Equal(want) {
		t.Errorf("TTLDeadline = %s, want %s", j.Artifact.TTLDeadline, want)
	}
}

func TestStore_TerminalExactlyOnce(t *testing.T) {
	s, _ := newTestStore(t, time.Minute, nil)
	if _, err := s.Create(Job{ID: "j"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Finish("j", Completion{Status: StatusFailed, ExitCode: intPtr(65), LogExcerpt: "error"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	for _, st := range []Status{StatusSucceeded, StatusTimedOut, StatusFailed} {
		c := Completion{Status: st}
		if st == StatusSucceeded {
			c.Artifact = &ArtifactFile{Path: "/x"}
		}
		j, err := s.Finish("j", c)
		if !errors.Is(err, ErrAlreadyFinished) {
			t.Errorf("second Finish(%s) err = %v, want ErrAlreadyFinished", st, err)
		}
		if j.Status != StatusFailed {
			t.Errorf("status changed to %s", j.Status)
		}
	}
	if _, err := s.Finish("j", Completion{Status: StatusRunning}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Finish(running) err = %v", err)
	}
}

func TestStore_SucceededRequiresArtifact(t *testing.T) {
	s, _ := newTestStore(t, time.Minute, nil)
	_, _ = s.Create(Job{ID: "j"})
	if _, err := s.Finish("j", Completion{Status: StatusSucceeded}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.Finish("j", Completion{Status: StatusFailed, Artifact: &ArtifactFile{}}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
	got, _ := s.Get("j", time.Now())
	if got.Status != StatusRunning {
		t.Errorf("rejected transition mutated the job: %s", got.Status)
	}
}

func TestStore_CreateErrors(t *testing.T) {
	s, _ := newTestStore(t, time.Minute, nil)
	if _, err := s.Create(Job{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("empty id err = %v", err)
	}
	if _, err := s.Create(Job{ID: "a", Status: StatusSucceeded}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal create err = %v", err)
	}
	_, _ = s.Create(Job{ID: "a"})
	if _, err := s.Create(Job{ID: "a"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate err = %v", err)
	}
	if _, err := s.Get("missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v", err)
	}
	if _, err := s.Finish("missing", Completion{Status: StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Finish(missing) err = %v", err)
	}
}

func TestStore_ExpiryAtReadTime(t *testing.T) {
	s, clock := newTestStore(t, time.Minute, nil)
	j := succeed(t, s, "j")

	if _, err := s.Get("j", j.Artifact.TTLDeadline); err != nil {
		t.Errorf("Get at deadline err = %v", err)
	}
	clock.Advance(time.Minute + time.Nanosecond)
	got, err := s.Get("j", clock.Now())
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("Get after deadline err = %v, want ErrExpired", err)
	}
	if got.ID != "j" {
		t.Errorf("expired read lost the record: %+v", got)
	}
	// No sweep has run: the file is still there, but it is not served.
	if _, statErr := os.Stat(j.Artifact.Path); statErr != nil {
		t.Errorf("artifact removed without a sweep: %v", statErr)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, clock := newTestStore(t, time.Minute, nil)
	succeed(t, s, "j")
	a, _ := s.Get("j", clock.Now())
	a.Artifact.SHA256 = "tampered"
	*a.ExitCode = 99
	b, _ := s.Get("j", clock.Now())
	if b.Artifact.SHA256 != "abc" || *b.ExitCode != 0 {
		t.Errorf("store record mutated through a returned copy: %+v", b)
	}
}

func TestStore_Sweep(t *testing.T) {
	s, clock := newTestStore(t, time.Minute, nil)
	j := succeed(t, s, "old")
	_, _ = s.Create(Job{ID: "running"})
	_, _ = s.Create(Job{ID: "failed"})
	_, _ = s.Finish("failed", Completion{Status: StatusFailed, ExitCode: intPtr(1)})

	if ids := s.Sweep(clock.Now()); len(ids) != 0 {
		t.Fatalf("premature sweep removed %v", ids)
	}

	clock.Advance(2 * time.Minute)
	ids := s.Sweep(clock.Now())
	if len(ids) != 2 {
		t.Fatalf("swept %v, want old and failed", ids)
	}
	if _, err := os.Stat(j.Dir); !os.IsNotExist(err) {
		t.Errorf("job dir still present: %v", err)
	}
	if _, err := s.Get("old", clock.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(old) err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get("running", clock.Now()); err != nil {
		t.Errorf("running job swept: %v", err)
	}

	// Idempotent.
	if ids := s.Sweep(clock.Now()); len(ids) != 0 {
		t.Errorf("second sweep removed %v", ids)
	}
}

func TestStore_OverlappingSweepIsNoop(t *testing.T) {
	s, clock := newTestStore(t, time.Minute, nil)
	succeed(t, s, "j")
	clock.Advance(time.Hour)

	s.sweeping.Lock()
	if ids := s.Sweep(clock.Now()); ids != nil {
		t.Errorf("overlapping sweep removed %v", ids)
	}
	s.sweeping.Unlock()

	if ids := s.Sweep(clock.Now()); len(ids) != 1 {
		t.Errorf("sweep removed %v, want [j]", ids)
	}
}

func TestStore_Concurrent(t *testing.T) {
	s, clock := newTestStore(t, time.Minute, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		id := fmt.Sprintf("job-%d", i)
		go func() {
			defer wg.Done()
			if _, err := s.Create(Job{ID: id}); err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			_, _ = s.Finish(id, Completion{
				Status:   StatusSucceeded,
				Artifact: &ArtifactFile{Path: "/nonexistent/" + id, SHA256: id},
			})
		}()
		go func() {
			defer wg.Done()
			j, err := s.Get(id, clock.Now())
			if err == nil && j.Status == StatusSucceeded && (j.Artifact == nil || j.Artifact.SHA256 != id) {
				t.Errorf("observed partial record %+v", j)
			}
		}()
		go func() {
			defer wg.Done()
			s.Sweep(clock.Now())
		}()
	}
	wg.Wait()

	if got := s.Stats()[StatusSucceeded]; got != 50 {
		t.Errorf("succeeded = %d, want 50", got)
	}
}

func TestStore_FinishKeepsError(t *testing.T) {
	s, clock := newTestStore(t, time.Minute, nil)
	_, _ = s.Create(Job{ID: "t"})
	terr := toolerr.New(toolerr.Timeout, "build exceeded 1m")
	if _, err := s.Finish("t", Completion{Status: StatusTimedOut, LogExcerpt: "tail", Err: terr}); err != nil {
		t.Fatal(err)
	}
	j, _ := s.Get("t", clock.Now())
	if j.Err == nil || j.Err.Code != toolerr.Timeout || j.LogExcerpt != "tail" {
		t.Errorf("job = %+v", j)
	}
}

func TestCleanupOrphans(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	for name, age := range map[string]time.Duration{"stale": 2 * time.Hour, "fresh": time.Minute} {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Join(p, "staging"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, now.Add(-age), now.Add(-age)); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := CleanupOrphans(root, time.Hour, now)
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if len(removed) != 1 || removed[0] != "stale" {
		t.Errorf("removed = %v, want [stale]", removed)
	}
	if _, err := os.Stat(filepath.Join(root, "fresh")); err != nil {
		t.Errorf("fresh dir removed: %v", err)
	}

	if removed, err := CleanupOrphans(filepath.Join(root, "missing"), time.Hour, now); err != nil || removed != nil {
		t.Errorf("missing root = %v, %v", removed, err)
	}
}

func TestMetrics_TrackStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, clock := newTestStore(t, time.Minute, reg)
	succeed(t, s, "a")
	_, _ = s.Create(Job{ID: "b"})
	clock.Advance(time.Hour)
	_, _ = s.Get("a", clock.Now())
	s.Sweep(clock.Now())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			values[key] = metricValue(m)
		}
	}
	if got := values["seiro_jobstore_jobs,status=running"]; got != 1 {
		t.Errorf("running gauge = %v, want 1", got)
	}
	if got := values["seiro_jobstore_jobs,status=succeeded"]; got != 0 {
		t.Errorf("succeeded gauge = %v, want 0", got)
	}
	if got := values["seiro_jobstore_swept_total"]; got != 1 {
		t.Errorf("swept = %v, want 1", got)
	}
	if got := values["seiro_jobstore_expired_reads_total"]; got != 1 {
		t.Errorf("expired reads = %v, want 1", got)
	}
}

func metricValue(m *dto.Metric) float64 {
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}
	return m.GetCounter().GetValue()
}
