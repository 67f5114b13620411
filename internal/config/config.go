// Package config handles loading and validating seiro configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/seiro/internal/probe"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Defaults.
const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 8787
	DefaultXcodebuildPath      = "/usr/bin/xcodebuild"
	DefaultArtifactRoot        = "target/visionos-builds"
	DefaultMaxBuildMinutes     = 20
	DefaultArtifactTTLSecs     = 600
	DefaultCleanupScheduleSecs = 60
	DefaultMinFreeDiskGB       = 20
	DefaultLogTailBytes        = 5000
	DefaultKillGraceSecs       = 5
)

// Config is the root configuration for seiro.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info, warn, error. Default: info.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Auth          AuthConfig           `json:"auth" yaml:"auth"`
	VisionOS      VisionOSConfig       `json:"visionos" yaml:"visionos"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	History       *HistoryConfig       `json:"history,omitempty" yaml:"history,omitempty"`             // nil = no build history
}

// ServerConfig configures the MCP transport.
type ServerConfig struct {
	Transport string          `json:"transport" yaml:"transport"` // "stdio" (default) or "http".
	Host      string          `json:"host" yaml:"host"`           // Default: 127.0.0.1
	Port      int             `json:"port" yaml:"port"`           // 1024-65535. Default: 8787
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	// MaxRequestSizeBytes bounds HTTP request bodies. Default: 1 MiB.
	MaxRequestSizeBytes int64 `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig configures per-client rate limiting on the HTTP transport.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// AuthConfig holds the shared bearer token.
// The token can be set here or via SEIRO_AUTH_TOKEN / MCP_SHARED_TOKEN env vars.
type AuthConfig struct {
	Token string `json:"token" yaml:"token"` // 16-128 chars. Required for the http transport.
}

// VisionOSConfig is the sandbox and build policy.
type VisionOSConfig struct {
	AllowedPaths        []string          `json:"allowed_paths" yaml:"allowed_paths"`     // Empty = path allowlist disabled.
	AllowedSchemes      []string          `json:"allowed_schemes" yaml:"allowed_schemes"` // Empty = scheme allowlist disabled.
	RequiredSDKs        []string          `json:"required_sdks" yaml:"required_sdks"`     // Default: visionOS, visionOS Simulator.
	SDKAliases          []probe.AliasRule `json:"sdk_aliases,omitempty" yaml:"sdk_aliases,omitempty"`
	XcodePath           string            `json:"xcode_path" yaml:"xcode_path"` // Absolute. Exported as DEVELOPER_DIR.
	XcodebuildPath      string            `json:"xcodebuild_path" yaml:"xcodebuild_path"`
	MaxBuildMinutes     int               `json:"max_build_minutes" yaml:"max_build_minutes"`         // 1-60. Default: 20
	ArtifactTTLSecs     int               `json:"artifact_ttl_secs" yaml:"artifact_ttl_secs"`         // 60-3600. Default: 600
	CleanupScheduleSecs int               `json:"cleanup_schedule_secs" yaml:"cleanup_schedule_secs"` // 30-1800. Default: 60
	ArtifactRoot        string            `json:"artifact_root" yaml:"artifact_root"`                 // Default: target/visionos-builds
	ProbeMode           string            `json:"probe_mode" yaml:"probe_mode"`                       // "system" (default) or "env". Override: VISIONOS_SANDBOX_PROBE.
	MinFreeDiskGB       int               `json:"min_free_disk_gb" yaml:"min_free_disk_gb"`           // Default: 20
	LogTailBytes        int               `json:"log_tail_bytes" yaml:"log_tail_bytes"`               // Default: 5000
	KillGraceSecs       int               `json:"kill_grace_secs" yaml:"kill_grace_secs"`             // SIGTERM to SIGKILL delay. Default: 5
	MaxConcurrentBuilds int               `json:"max_concurrent_builds" yaml:"max_concurrent_builds"` // 0 = unlimited
	VerifyOnFetch       bool              `json:"verify_on_fetch" yaml:"verify_on_fetch"`             // Recompute the digest before serving.
}

// BuildTimeout is max_build_minutes expressed as a duration. The
// VISIONOS_TEST_TIME_SCALE env var sets the seconds per minute (default 60)
// so tests can exercise timeouts quickly.
func (v *VisionOSConfig) BuildTimeout() time.Duration {
	scale := 60.0
	if s := os.Getenv("VISIONOS_TEST_TIME_SCALE"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			scale = f
		}
	}
	return time.Duration(float64(v.MaxBuildMinutes) * scale * float64(time.Second))
}

// ArtifactTTL returns the artifact time-to-live.
func (v *VisionOSConfig) ArtifactTTL() time.Duration {
	return time.Duration(v.ArtifactTTLSecs) * time.Second
}

// CleanupInterval returns the sweep interval.
func (v *VisionOSConfig) CleanupInterval() time.Duration {
	return time.Duration(v.CleanupScheduleSecs) * time.Second
}

// KillGrace returns the delay between SIGTERM and SIGKILL.
func (v *VisionOSConfig) KillGrace() time.Duration {
	return time.Duration(v.KillGraceSecs) * time.Second
}

// MinFreeBytes returns the free-disk floor in bytes.
func (v *VisionOSConfig) MinFreeBytes() uint64 {
	return uint64(v.MinFreeDiskGB) << 30
}

// Aliases returns the configured alias table or the built-in one.
func (v *VisionOSConfig) Aliases() []probe.AliasRule {
	if len(v.SDKAliases) > 0 {
		return v.SDKAliases
	}
	return probe.DefaultAliases()
}

// ObservabilityConfig groups metrics and tracing settings.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "seiro"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HistoryConfig configures the build history database.
type HistoryConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "postgres". Empty = disabled.
	DSN    string `json:"dsn" yaml:"dsn"`       // File path for sqlite, connection string for postgres.
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return "config.yaml"
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes, applies env overrides and defaults, and validates a config.
// ext selects the format (".yaml"/".yml" or JSON otherwise).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MCP_SHARED_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("SEIRO_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("SEIRO_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("SEIRO_LISTEN"); v != "" {
		if host, port, ok := strings.Cut(v, ":"); ok {
			if host != "" {
				c.Server.Host = host
			}
			if p, err := strconv.Atoi(port); err == nil {
				c.Server.Port = p
			}
		}
	}
	if v := os.Getenv("VISIONOS_SANDBOX_PROBE"); v != "" {
		c.VisionOS.ProbeMode = v
	}
	if v := os.Getenv("SEIRO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = TransportStdio
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.MaxRequestSizeBytes == 0 {
		c.Server.MaxRequestSizeBytes = 1 << 20
	}

	v := &c.VisionOS
	if len(v.RequiredSDKs) == 0 {
		v.RequiredSDKs = []string{"visionOS", "visionOS Simulator"}
	}
	if v.XcodebuildPath == "" {
		v.XcodebuildPath = DefaultXcodebuildPath
	}
	if v.MaxBuildMinutes == 0 {
		v.MaxBuildMinutes = DefaultMaxBuildMinutes
	}
	if v.ArtifactTTLSecs == 0 {
		v.ArtifactTTLSecs = DefaultArtifactTTLSecs
	}
	if v.CleanupScheduleSecs == 0 {
		v.CleanupScheduleSecs = DefaultCleanupScheduleSecs
	}
	if v.ArtifactRoot == "" {
		v.ArtifactRoot = DefaultArtifactRoot
	}
	if v.MinFreeDiskGB == 0 {
		v.MinFreeDiskGB = DefaultMinFreeDiskGB
	}
	if v.LogTailBytes == 0 {
		v.LogTailBytes = DefaultLogTailBytes
	}
	if v.KillGraceSecs == 0 {
		v.KillGraceSecs = DefaultKillGraceSecs
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("server.transport %q is not supported (use stdio or http)", c.Server.Transport)
	}
	if c.Server.Port < 1024 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1024 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must not be negative")
	}

	if c.Auth.Token != "" || c.Server.Transport == TransportHTTP {
		if n := len(c.Auth.Token); n < 16 || n > 128 {
			return fmt.Errorf("auth.token must be 16-128 characters (set it in the config or SEIRO_AUTH_TOKEN)")
		}
	}

	v := c.VisionOS
	if v.XcodePath == "" {
		return fmt.Errorf("visionos.xcode_path is required")
	}
	if !filepath.IsAbs(v.XcodePath) {
		return fmt.Errorf("visionos.xcode_path must be absolute: %s", v.XcodePath)
	}
	if !filepath.IsAbs(v.XcodebuildPath) {
		return fmt.Errorf("visionos.xcodebuild_path must be absolute: %s", v.XcodebuildPath)
	}
	for i, p := range v.AllowedPaths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("visionos.allowed_paths[%d] must be absolute: %s", i, p)
		}
	}
	for i, s := range v.AllowedSchemes {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("visionos.allowed_schemes[%d] must not be empty", i)
		}
	}
	for i, r := range v.SDKAliases {
		if len(r.Prefixes) == 0 || len(r.Names) == 0 {
			return fmt.Errorf("visionos.sdk_aliases[%d] needs prefixes and names", i)
		}
	}
	if v.MaxBuildMinutes < 1 || v.MaxBuildMinutes > 60 {
		return fmt.Errorf("visionos.max_build_minutes must be between 1 and 60, got %d", v.MaxBuildMinutes)
	}
	if v.ArtifactTTLSecs < 60 || v.ArtifactTTLSecs > 3600 {
		return fmt.Errorf("visionos.artifact_ttl_secs must be between 60 and 3600, got %d", v.ArtifactTTLSecs)
	}
	if v.CleanupScheduleSecs < 30 || v.CleanupScheduleSecs > 1800 {
		return fmt.Errorf("visionos.cleanup_schedule_secs must be between 30 and 1800, got %d", v.CleanupScheduleSecs)
	}
	switch strings.ToLower(v.ProbeMode) {
	case "", probe.ModeSystem, probe.ModeEnv, "mock":
	default:
		return fmt.Errorf("visionos.probe_mode %q is not supported (use system or env)", v.ProbeMode)
	}
	if v.MinFreeDiskGB < 0 || v.LogTailBytes < 0 || v.KillGraceSecs < 0 || v.MaxConcurrentBuilds < 0 {
		return fmt.Errorf("visionos numeric limits must not be negative")
	}

	if c.History != nil && c.History.Driver != "" {
		switch c.History.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("history.driver %q is not supported (use sqlite or postgres)", c.History.Driver)
		}
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn is required when history.driver is set")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	return nil
}

// ResolveArtifactRoot returns an absolute, writable artifact root. When the
// configured root cannot be created or written, it falls back to
// $TMPDIR/seiro/visionos-builds.
func (v *VisionOSConfig) ResolveArtifactRoot() (string, error) {
	root, err := resolvePath(v.ArtifactRoot)
	if err == nil {
		if err = ensureWritable(root); err == nil {
			return root, nil
		}
	}
	fallback := filepath.Join(os.TempDir(), "seiro", "visionos-builds")
	if ferr := ensureWritable(fallback); ferr != nil {
		return "", fmt.Errorf("artifact root %s not writable (%v) and fallback %s failed: %w", v.ArtifactRoot, err, fallback, ferr)
	}
	return fallback, nil
}

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
