// Package policy decides whether a build may be attempted on this host.
//
// Validation gathers every probe fact once into an immutable context, then runs
// a fixed sequence of pure checks over it. All checks are evaluated so the
// diagnostics are complete; the first failing check determines the error.
// When the probe fails, the path and scheme gates still run and the checks
// that need probe facts are reported as skipped.
// The validator is read-only: it never touches the filesystem or job state.
package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jkaninda/seiro/internal/probe"
	"github.com/jkaninda/seiro/internal/toolerr"
)

// DefaultMinFreeBytes is the free-space floor required before a build (20 GiB).
const DefaultMinFreeBytes uint64 = 20 << 30

// Check names, in evaluation order.
const (
	CheckAllowedPath      = "allowed_path"
	CheckScheme           = "scheme"
	CheckSDK              = "sdk"
	CheckDevToolsSecurity = "devtools_security"
	CheckXcodeLicense     = "xcode_license"
	CheckDiskSpace        = "disk_space"
)

// Check outcomes.
const (
	OutcomePass    = "pass"
	OutcomeFail    = "fail"
	OutcomeSkipped = "skipped"
)

// Policy is the operator-configured sandbox policy.
type Policy struct {
	AllowedPaths   []string
	AllowedSchemes []string
	RequiredSDKs   []string
	Aliases        []probe.AliasRule
	MinFreeBytes   uint64
}

// Request is a validation request.
type Request struct {
	ProjectPath  string
	Scheme       string   // Optional; the scheme gate runs only when set.
	RequiredSDKs []string // Overrides Policy.RequiredSDKs when non-empty.
	XcodePath    string   // Informational; must be absolute when set.
}

// Check is the outcome of one gate.
type Check struct {
	Name    string       `json:"name"`
	Outcome string       `json:"outcome"`
	Code    toolerr.Code `json:"code,omitempty"`
	Details string       `json:"details"`
}

// Diagnostics lets a caller self-diagnose without re-running the toolchain.
type Diagnostics struct {
	ProbeMode              string   `json:"probe_mode"`
	RequiredSDKs           []string `json:"required_sdks"`
	DetectedSDKsRaw        []string `json:"detected_sdks_raw"`
	DetectedSDKsNormalized []string `json:"detected_sdks_normalized"`
	SDKInvocation          string   `json:"sdk_invocation,omitempty"`
	Notes                  []string `json:"notes,omitempty"`
	FreeDiskBytes          uint64   `json:"free_disk_bytes"`
	MinFreeBytes           uint64   `json:"min_free_bytes"`
	XcodePath              string   `json:"xcode_path,omitempty"`
}

// Result is the validator's decision.
type Result struct {
	Status      string         `json:"status"` // "ok" or "error"
	Checks      []Check        `json:"checks"`
	Diagnostics Diagnostics    `json:"diagnostics"`
	Err         *toolerr.Error `json:"-"`
}

// OK reports whether every check passed.
func (r *Result) OK() bool { return r.Err == nil }

// Validator runs the sandbox policy checks.
type Validator struct {
	policy Policy
	probe  probe.Probe
	logger *slog.Logger
}

// NewValidator creates a validator over the given probe.
func NewValidator(p Policy, pr probe.Probe, logger *slog.Logger) *Validator {
	if p.MinFreeBytes == 0 {
		p.MinFreeBytes = DefaultMinFreeBytes
	}
	if p.Aliases == nil {
		p.Aliases = probe.DefaultAliases()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{policy: p, probe: pr, logger: logger}
}

// Policy returns the effective policy.
func (v *Validator) Policy() Policy { return v.policy }

// Validate runs all checks. Invalid input and probe failures are reported in
// Result.Err; Validate never panics on an unready environment.
func (v *Validator) Validate(ctx context.Context, req Request) *Result {
	required := req.RequiredSDKs
	if len(required) == 0 {
		required = v.policy.RequiredSDKs
	}
	res := &Result{
		Status: "error",
		Diagnostics: Diagnostics{
			ProbeMode:    v.probe.Mode(),
			RequiredSDKs: required,
			MinFreeBytes: v.policy.MinFreeBytes,
			XcodePath:    req.XcodePath,
		},
	}

	if err := validateInput(req); err != nil {
		res.Err = err
		return res
	}

	cc, perr := v.gather(ctx, req, required)
	res.Diagnostics.DetectedSDKsRaw = cc.inventory.Raw
	res.Diagnostics.DetectedSDKsNormalized = cc.normalized
	res.Diagnostics.SDKInvocation = cc.inventory.Invocation
	res.Diagnostics.Notes = cc.inventory.Notes
	res.Diagnostics.FreeDiskBytes = cc.freeBytes

	for _, c := range checks {
		if c.name == CheckScheme && req.Scheme == "" {
			continue
		}
		var out checkOutcome
		if c.probed && perr != nil {
			out = checkOutcome{outcome: OutcomeSkipped, details: "not evaluated: " + perr.Error()}
		} else {
			out = c.run(cc)
		}
		check := Check{Name: c.name, Outcome: out.outcome, Details: out.details}
		if out.outcome == OutcomeFail {
			check.Code = c.code
			if res.Err == nil {
				res.Err = toolerr.New(c.code, "%s", out.details).WithDetail("check", c.name)
			}
		}
		res.Checks = append(res.Checks, check)
	}
	// Policy gates need no probe facts and take precedence over a probe failure.
	if res.Err == nil && perr != nil {
		res.Err = perr
	}

	if res.Err == nil {
		res.Status = "ok"
	}
	v.logger.Info("sandbox policy evaluated",
		slog.String("project_path", req.ProjectPath),
		slog.String("status", res.Status),
		slog.String("probe_mode", res.Diagnostics.ProbeMode),
	)
	return res
}

func validateInput(req Request) *toolerr.Error {
	if strings.TrimSpace(req.ProjectPath) == "" {
		return toolerr.New(toolerr.InvalidRequest, "project_path is required")
	}
	if !filepath.IsAbs(req.ProjectPath) {
		return toolerr.New(toolerr.InvalidRequest, "project_path must be absolute: %s", req.ProjectPath)
	}
	if req.XcodePath != "" && !filepath.IsAbs(req.XcodePath) {
		return toolerr.New(toolerr.InvalidRequest, "xcode_path must be absolute: %s", req.XcodePath)
	}
	return nil
}

// gather collects every probe fact into the immutable check context. On a
// probe failure the facts gathered so far are kept.
func (v *Validator) gather(ctx context.Context, req Request, required []string) (checkContext, *toolerr.Error) {
	cc := checkContext{
		projectPath:    req.ProjectPath,
		scheme:         req.Scheme,
		allowedPaths:   v.policy.AllowedPaths,
		allowedSchemes: v.policy.AllowedSchemes,
		requiredSDKs:   required,
		minFreeBytes:   v.policy.MinFreeBytes,
	}

	inv, err := v.probe.ListSDKs(ctx)
	cc.inventory = inv
	if err != nil {
		return cc, toolerr.Wrap(toolerr.SandboxInternal, err, "sdk probe failed")
	}
	cc.normalized = probe.Normalize(inv.Raw, v.policy.Aliases)

	if cc.devtools, err = v.probe.DeveloperModeEnabled(ctx); err != nil {
		return cc, toolerr.Wrap(toolerr.SandboxInternal, err, "developer mode probe failed")
	}
	if cc.license, err = v.probe.LicenseAccepted(ctx); err != nil {
		return cc, toolerr.Wrap(toolerr.SandboxInternal, err, "license probe failed")
	}
	if cc.freeBytes, err = v.probe.FreeDiskBytes(ctx, req.ProjectPath); err != nil {
		return cc, toolerr.Wrap(toolerr.SandboxInternal, err, "disk probe failed")
	}
	return cc, nil
}
