package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  transport: http
  port: 9000
auth:
  token: 0123456789abcdef0123
visionos:
  xcode_path: /Applications/Xcode.app/Contents/Developer
  allowed_paths: [/Users/dev/Projects]
  allowed_schemes: [VisionApp]
history:
  driver: sqlite
  dsn: /tmp/seiro-history.db
`

func TestLoad_YAMLDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr())
	}
	v := cfg.VisionOS
	if v.XcodebuildPath != DefaultXcodebuildPath {
		t.Errorf("XcodebuildPath = %q", v.XcodebuildPath)
	}
	if v.MaxBuildMinutes != 20 || v.ArtifactTTLSecs != 600 || v.CleanupScheduleSecs != 60 {
		t.Errorf("limits = %d/%d/%d", v.MaxBuildMinutes, v.ArtifactTTLSecs, v.CleanupScheduleSecs)
	}
	if len(v.RequiredSDKs) != 2 || v.RequiredSDKs[0] != "visionOS" {
		t.Errorf("RequiredSDKs = %v", v.RequiredSDKs)
	}
	if v.MinFreeBytes() != 20<<30 {
		t.Errorf("MinFreeBytes = %d", v.MinFreeBytes())
	}
	if len(v.Aliases()) != 2 {
		t.Errorf("Aliases = %v", v.Aliases())
	}
	if v.ArtifactTTL() != 10*time.Minute || v.CleanupInterval() != time.Minute {
		t.Errorf("durations = %s/%s", v.ArtifactTTL(), v.CleanupInterval())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"visionos": {"xcode_path": "/Xcode.app/Contents/Developer", "max_build_minutes": 5}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Transport != TransportStdio {
		t.Errorf("Transport = %q", cfg.Server.Transport)
	}
	if cfg.VisionOS.MaxBuildMinutes != 5 {
		t.Errorf("MaxBuildMinutes = %d", cfg.VisionOS.MaxBuildMinutes)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParse_Validation(t *testing.T) {
	base := "visionos:\n  xcode_path: /Xcode.app\n"
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{"missing xcode", "visionos:\n  max_build_minutes: 5\n", "xcode_path is required"},
		{"relative xcode", "visionos:\n  xcode_path: Xcode.app\n", "xcode_path must be absolute"},
		{"build minutes", base + "  max_build_minutes: 61\n", "max_build_minutes"},
		{"ttl low", base + "  artifact_ttl_secs: 59\n", "artifact_ttl_secs"},
		{"ttl high", base + "  artifact_ttl_secs: 3601\n", "artifact_ttl_secs"},
		{"cleanup", base + "  cleanup_schedule_secs: 10\n", "cleanup_schedule_secs"},
		{"relative allowed path", base + "  allowed_paths: [projects]\n", "allowed_paths[0]"},
		{"probe mode", base + "  probe_mode: docker\n", "probe_mode"},
		{"port", base + "server:\n  port: 80\n", "server.port"},
		{"transport", base + "server:\n  transport: grpc\n", "server.transport"},
		{"http needs token", base + "server:\n  transport: http\n", "auth.token"},
		{"short token", base + "auth:\n  token: short\n", "auth.token"},
		{"history driver", base + "history:\n  driver: mysql\n  dsn: x\n", "history.driver"},
		{"history dsn", base + "history:\n  driver: sqlite\n", "history.dsn"},
		{"alias rule", base + "  sdk_aliases:\n    - prefixes: [xros]\n", "sdk_aliases[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.extra), ".yaml")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("SEIRO_AUTH_TOKEN", "env-token-0123456789")
	t.Setenv("SEIRO_LISTEN", "0.0.0.0:9999")
	t.Setenv("VISIONOS_SANDBOX_PROBE", "env")

	cfg, err := Parse([]byte("server:\n  transport: http\nvisionos:\n  xcode_path: /Xcode.app\n"), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Auth.Token != "env-token-0123456789" {
		t.Errorf("Token = %q", cfg.Auth.Token)
	}
	if cfg.Server.Addr() != "0.0.0.0:9999" {
		t.Errorf("Addr = %q", cfg.Server.Addr())
	}
	if cfg.VisionOS.ProbeMode != "env" {
		t.Errorf("ProbeMode = %q", cfg.VisionOS.ProbeMode)
	}
}

func TestBuildTimeout_TimeScale(t *testing.T) {
	v := VisionOSConfig{MaxBuildMinutes: 2}
	if got := v.BuildTimeout(); got != 2*time.Minute {
		t.Errorf("BuildTimeout = %s, want 2m", got)
	}
	t.Setenv("VISIONOS_TEST_TIME_SCALE", "0.5")
	if got := v.BuildTimeout(); got != time.Second {
		t.Errorf("scaled BuildTimeout = %s, want 1s", got)
	}
}

func TestResolveArtifactRoot(t *testing.T) {
	dir := t.TempDir()
	v := VisionOSConfig{ArtifactRoot: filepath.Join(dir, "builds")}
	root, err := v.ResolveArtifactRoot()
	if err != nil {
		t.Fatalf("ResolveArtifactRoot: %v", err)
	}
	if root != filepath.Join(dir, "builds") {
		t.Errorf("root = %q", root)
	}

	// A file in the way forces the fallback.
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	v = VisionOSConfig{ArtifactRoot: filepath.Join(blocker, "builds")}
	root, err = v.ResolveArtifactRoot()
	if err != nil {
		t.Fatalf("ResolveArtifactRoot fallback: %v", err)
	}
	if !strings.HasSuffix(root, filepath.Join("seiro", "visionos-builds")) {
		t.Errorf("fallback root = %q", root)
	}
}
