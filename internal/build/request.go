// Package build runs xcodebuild for a validated request and turns its outcome
// into a terminal job record in the job store.
package build

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/jkaninda/seiro/internal/toolerr"
)

// Request limits.
const (
	MaxProjectPathLen  = 512
	MaxSchemeLen       = 128
	MaxDestinationLen  = 256
	MaxExtraArgs       = 5
	MaxExtraArgLen     = 64
	DefaultDestination = "platform=visionOS Simulator,name=Apple Vision Pro"
)

// Build configurations.
const (
	ConfigurationDebug   = "Debug"
	ConfigurationRelease = "Release"
)

// AllowedExtraArgs are the only xcodebuild flags a client may append.
var AllowedExtraArgs = []string{
	"-quiet",
	"-UseModernBuildSystem=YES",
	"-skipPackagePluginValidation",
	"-allowProvisioningUpdates",
}

// AllowedEnvOverrides are the only environment keys a client may set.
var AllowedEnvOverrides = []string{
	"DEVELOPER_DIR",
	"NSUnbufferedIO",
	"CI",
	"MOCK_XCODEBUILD_BEHAVIOR",
}

// Request is a build request as received from a client.
type Request struct {
	ProjectPath   string            `json:"project_path"`
	Workspace     string            `json:"workspace,omitempty"`
	Scheme        string            `json:"scheme"`
	Destination   string            `json:"destination,omitempty"`
	Configuration string            `json:"configuration,omitempty"`
	Clean         bool              `json:"clean,omitempty"`
	ExtraArgs     []string          `json:"extra_args,omitempty"`
	EnvOverrides  map[string]string `json:"env_overrides,omitempty"`
}

// Normalize fills defaults and validates the request shape, the extra-args
// allow-list and the env-override allow-list. It returns the normalized copy.
func (r Request) Normalize() (Request, *toolerr.Error) {
	r.ProjectPath = strings.TrimSpace(r.ProjectPath)
	r.Workspace = strings.TrimSpace(r.Workspace)
	r.Scheme = strings.TrimSpace(r.Scheme)
	r.Destination = strings.TrimSpace(r.Destination)
	r.Configuration = strings.TrimSpace(r.Configuration)

	switch {
	case r.ProjectPath == "":
		return r, invalid("project_path is required")
	case !filepath.IsAbs(r.ProjectPath):
		return r, invalid("project_path must be absolute: %s", r.ProjectPath)
	case len(r.ProjectPath) > MaxProjectPathLen:
		return r, invalid("project_path exceeds %d characters", MaxProjectPathLen)
	}
	if r.Workspace != "" {
		if !filepath.IsAbs(r.Workspace) {
			return r, invalid("workspace must be absolute: %s", r.Workspace)
		}
		if len(r.Workspace) > MaxProjectPathLen {
			return r, invalid("workspace exceeds %d characters", MaxProjectPathLen)
		}
	}

	if r.Scheme == "" {
		return r, invalid("scheme is required")
	}
	if len(r.Scheme) > MaxSchemeLen {
		return r, invalid("scheme exceeds %d characters", MaxSchemeLen)
	}

	if r.Destination == "" {
		r.Destination = DefaultDestination
	}
	if len(r.Destination) > MaxDestinationLen {
		return r, invalid("destination exceeds %d characters", MaxDestinationLen)
	}
	if !strings.Contains(r.Destination, "platform=") {
		return r, invalid("destination must contain platform=")
	}

	switch r.Configuration {
	case "":
		r.Configuration = ConfigurationDebug
	case ConfigurationDebug, ConfigurationRelease:
	default:
		return r, invalid("configuration must be Debug or Release, got %s", r.Configuration)
	}

	if len(r.ExtraArgs) > MaxExtraArgs {
		return r, invalid("extra_args accepts at most %d entries", MaxExtraArgs)
	}
	for _, a := range r.ExtraArgs {
		if len(a) > MaxExtraArgLen {
			return r, invalid("extra_args entry exceeds %d characters", MaxExtraArgLen)
		}
		if !slices.Contains(AllowedExtraArgs, a) {
			return r, invalid("extra_args entry %q is not allowed", a).
				WithDetail("allowed", AllowedExtraArgs)
		}
	}
	for k := range r.EnvOverrides {
		if !slices.Contains(AllowedEnvOverrides, k) {
			return r, invalid("env_overrides key %q is not allowed", k).
				WithDetail("allowed", AllowedEnvOverrides)
		}
	}
	return r, nil
}

func invalid(format string, args ...any) *toolerr.Error {
	return toolerr.New(toolerr.InvalidRequest, format, args...)
}

// WorkDir returns the directory xcodebuild runs in: the project directory,
// or the parent of a .xcodeproj/.xcworkspace bundle.
func (r Request) WorkDir() string {
	switch strings.ToLower(filepath.Ext(r.ProjectPath)) {
	case ".xcodeproj", ".xcworkspace":
		return filepath.Dir(r.ProjectPath)
	}
	return r.ProjectPath
}

// Paths are the host locations a command is built against.
type Paths struct {
	XcodebuildPath  string
	XcodePath       string
	StagingDir      string // Exported as VISIONOS_BUILD_ARTIFACT_DIR.
	DerivedDataPath string // Passed as -derivedDataPath when set.
}

// Command returns the xcodebuild argv and environment for a normalized request.
// Client env overrides are applied last.
func Command(r Request, p Paths) ([]string, map[string]string) {
	argv := []string{p.XcodebuildPath}
	switch {
	case r.Workspace != "":
		argv = append(argv, "-workspace", r.Workspace)
	case strings.EqualFold(filepath.Ext(r.ProjectPath), ".xcworkspace"):
		argv = append(argv, "-workspace", r.ProjectPath)
	case strings.EqualFold(filepath.Ext(r.ProjectPath), ".xcodeproj"):
		argv = append(argv, "-project", r.ProjectPath)
	}
	argv = append(argv,
		"-scheme", r.Scheme,
		"-configuration", r.Configuration,
		"-destination", r.Destination,
	)
	if p.DerivedDataPath != "" {
		argv = append(argv, "-derivedDataPath", p.DerivedDataPath)
	}
	if r.Clean {
		argv = append(argv, "clean")
	}
	argv = append(argv, "build")
	argv = append(argv, r.ExtraArgs...)

	env := map[string]string{
		"NSUnbufferedIO":              "YES",
		"DEVELOPER_DIR":               p.XcodePath,
		"VISIONOS_BUILD_ARTIFACT_DIR": p.StagingDir,
	}
	for k, v := range r.EnvOverrides {
		env[k] = v
	}
	return argv, env
}
