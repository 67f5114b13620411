package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/jkaninda/seiro/internal/artifact"
	"github.com/jkaninda/seiro/internal/jobstore"
	"github.com/jkaninda/seiro/internal/sandbox"
	"github.com/jkaninda/seiro/internal/toolerr"
)

// fakeXcodebuild behaves according to MOCK_XCODEBUILD_BEHAVIOR and writes its
// arguments into the artifact directory so each job's output is distinct.
const fakeXcodebuild = `#!/bin/sh
echo "fake xcodebuild $*"
case "$MOCK_XCODEBUILD_BEHAVIOR" in
  fail)
    echo "error: compile failed" >&2
    exit 65
    ;;
  hang)
    sleep 300
    ;;
  derived)
    out="$VISIONOS_BUILD_ARTIFACT_DIR/../DerivedData/Build/Products/Debug-xrsimulator/App.app"
    mkdir -p "$out"
    echo derived > "$out/App"
    ;;
  *)
    mkdir -p "$VISIONOS_BUILD_ARTIFACT_DIR/App.app"
    echo "$*" > "$VISIONOS_BUILD_ARTIFACT_DIR/App.app/build-info"
    ;;
esac
echo "** BUILD DONE **"
`

type fixture struct {
	exec  *Executor
	store *jobstore.Store
	root  string
	proj  string
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	tool := filepath.Join(dir, "xcodebuild")
	if err := os.WriteFile(tool, []byte(fakeXcodebuild), 0o755); err != nil {
		t.Fatal(err)
	}
	proj := filepath.Join(dir, "App")
	if err := os.MkdirAll(proj, 0o755); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := jobstore.New(jobstore.Config{TTL: time.Minute}, nil, logger)
	sbx := sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, logger)
	root := filepath.Join(dir, "builds")
	exec := NewExecutor(Config{
		XcodebuildPath: tool,
		XcodePath:      "/Xcode.app/Contents/Developer",
		ArtifactRoot:   root,
		Timeout:        timeout,
		KillGrace:      200 * time.Millisecond,
		LogTailBytes:   5000,
	}, sbx, store, logger)
	return &fixture{exec: exec, store: store, root: root, proj: proj}
}

func (f *fixture) request(behavior string) Request {
	return Request{
		ProjectPath:  f.proj,
		Scheme:       "App",
		EnvOverrides: map[string]string{"MOCK_XCODEBUILD_BEHAVIOR": behavior},
	}
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	job, err := f.exec.Execute(context.Background(), "job-ok", f.request("success"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if job.Status != jobstore.StatusSucceeded {
		t.Fatalf("Status = %s", job.Status)
	}
	if job.ExitCode == nil || *job.ExitCode != 0 {
		t.Errorf("ExitCode = %v", job.ExitCode)
	}
	if !strings.Contains(job.LogExcerpt, "BUILD DONE") {
		t.Errorf("LogExcerpt = %q", job.LogExcerpt)
	}
	if job.Artifact == nil {
		t.Fatal("no artifact")
	}
	if want := filepath.Join(f.root, "job-ok", "artifact.zip"); job.Artifact.Path != want {
		t.Errorf("artifact path = %q, want %q", job.Artifact.Path, want)
	}
	if err := artifact.Verify(job.Artifact.Path, job.Artifact.SHA256); err != nil {
		t.Errorf("Verify: %v", err)
	}

	stored, err := f.store.Get("job-ok", time.Now())
	if err != nil || stored.Status != jobstore.StatusSucceeded {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	job, err := f.exec.Execute(context.Background(), "job-fail", f.request("fail"))
	if !toolerr.IsCode(err, toolerr.BuildFailed) {
		t.Fatalf("err = %v, want build_failed", err)
	}
	te, _ := toolerr.As(err)
	if te.JobID != "job-fail" || te.Details["exit_code"] != 65 {
		t.Errorf("error = %+v", te)
	}
	if job.Status != jobstore.StatusFailed || job.ExitCode == nil || *job.ExitCode != 65 {
		t.Errorf("job = %+v", job)
	}
	if job.Artifact != nil {
		t.Error("failed job has an artifact")
	}
	if !strings.Contains(job.LogExcerpt, "compile failed") {
		t.Errorf("LogExcerpt = %q", job.LogExcerpt)
	}
	if _, err := os.Stat(filepath.Join(f.root, "job-fail", "artifact.zip")); !os.IsNotExist(err) {
		t.Error("packaging attempted for a failed build")
	}
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond)
	start := time.Now()
	job, err := f.exec.Execute(context.Background(), "job-hang", f.request("hang"))
	if !toolerr.IsCode(err, toolerr.Timeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if job.Status != jobstore.StatusTimedOut {
		t.Errorf("Status = %s", job.Status)
	}
	if !strings.Contains(job.LogExcerpt, "fake xcodebuild") {
		t.Errorf("log tail lost: %q", job.LogExcerpt)
	}
	te, _ := toolerr.As(err)
	if !te.Retryable {
		t.Error("timeout should be retryable")
	}
}

func TestExecute_SpawnFailure(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	f.exec.cfg.XcodebuildPath = filepath.Join(t.TempDir(), "missing-xcodebuild")
	job, err := f.exec.Execute(context.Background(), "job-spawn", f.request("success"))
	if !toolerr.IsCode(err, toolerr.SpawnFailed) {
		t.Fatalf("err = %v, want spawn_failed", err)
	}
	if toolerr.IsCode(err, toolerr.BuildFailed) {
		t.Error("spawn failure conflated with build failure")
	}
	if job.Status != jobstore.StatusFailed || job.ExitCode != nil {
		t.Errorf("job = %+v", job)
	}
}

func TestExecute_RejectsBeforeSpawn(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	req := f.request("success")
	req.ExtraArgs = []string{"-exportArchive"}
	_, err := f.exec.Execute(context.Background(), "job-bad", req)
	if !toolerr.IsCode(err, toolerr.InvalidRequest) {
		t.Fatalf("err = %v, want invalid_request", err)
	}
	if _, err := f.store.Get("job-bad", time.Now()); err == nil {
		t.Error("rejected request registered a job")
	}
	if _, err := os.Stat(filepath.Join(f.root, "job-bad")); !os.IsNotExist(err) {
		t.Error("rejected request created a job directory")
	}
}

func TestExecute_DerivedDataFallback(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	job, err := f.exec.Execute(context.Background(), "job-dd", f.request("derived"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	zr, err := zip.OpenReader(job.Artifact.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	found := false
	for _, file := range zr.File {
		if file.Name == "Debug-xrsimulator/App.app/App" {
			found = true
		}
	}
	if !found {
		t.Error("DerivedData products not packaged")
	}
}

func TestExecute_ConcurrentJobsIsolated(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	const n = 4
	jobs := make([]jobstore.Job, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := f.request("success")
			req.Scheme = fmt.Sprintf("Scheme%d", i)
			jobs[i], errs[i] = f.exec.Execute(context.Background(), fmt.Sprintf("job-%d", i), req)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("job %d: %v", i, errs[i])
		}
		a := jobs[i].Artifact
		if !strings.Contains(a.Path, fmt.Sprintf("job-%d", i)) {
			t.Errorf("job %d artifact path %q", i, a.Path)
		}
		if seen[a.SHA256] {
			t.Errorf("job %d shares a digest with another job", i)
		}
		seen[a.SHA256] = true

		zr, err := zip.OpenReader(a.Path)
		if err != nil {
			t.Fatal(err)
		}
		for _, file := range zr.File {
			if file.Name != "App.app/build-info" {
				continue
			}
			rc, _ := file.Open()
			buf := make([]byte, 512)
			nr, _ := rc.Read(buf)
			rc.Close()
			if !strings.Contains(string(buf[:nr]), fmt.Sprintf("-scheme Scheme%d", i)) {
				t.Errorf("job %d archive holds %q", i, buf[:nr])
			}
		}
		zr.Close()
	}
}
