// Package toolerr defines the structured error descriptors returned to clients.
// Every code carries a remediation hint, a retryable flag and the sandbox state
// so a calling agent can decide what to do next without parsing messages.
package toolerr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	PathNotAllowed           Code = "path_not_allowed"
	SchemeNotAllowed         Code = "scheme_not_allowed"
	SDKMissing               Code = "sdk_missing"
	DevToolsSecurityDisabled Code = "devtools_security_disabled"
	XcodeUnlicensed          Code = "xcode_unlicensed"
	DiskInsufficient         Code = "disk_insufficient"
	SandboxInternal          Code = "sandbox_internal_error"
	InvalidRequest           Code = "invalid_request"
	SpawnFailed              Code = "spawn_failed"
	BuildFailed              Code = "build_failed"
	Timeout                  Code = "timeout"
	SandboxViolationBlocked  Code = "sandbox_violation_blocked"
	InvalidJobID             Code = "invalid_job_id"
	JobNotFound              Code = "job_not_found"
	ArtifactExpired          Code = "artifact_expired"
	BuildFailedNoArtifact    Code = "build_failed_no_artifact"
	Internal                 Code = "internal_error"
)

// SandboxState reports whether the sandbox policy played a part in the error.
type SandboxState string

const (
	StateNotApplicable SandboxState = "not_applicable"
	StateNoViolation   SandboxState = "no_violation"
	StateBlocked       SandboxState = "blocked"
)

type descriptor struct {
	remediation string
	retryable   bool
	state       SandboxState
}

var descriptors = map[Code]descriptor{
	PathNotAllowed: {
		remediation: "Update visionos.allowed_paths in the config file and restart the server.",
		state:       StateBlocked,
	},
	SchemeNotAllowed: {
		remediation: "Add the scheme to visionos.allowed_schemes in the config file and restart the server.",
		state:       StateBlocked,
	},
	SDKMissing: {
		remediation: "Add the visionOS SDK via Xcode > Settings > Platforms.",
		state:       StateNoViolation,
	},
	DevToolsSecurityDisabled: {
		remediation: "Run `DevToolsSecurity -enable` and confirm developer mode is enabled.",
		state:       StateNoViolation,
	},
	XcodeUnlicensed: {
		remediation: "Run `sudo xcodebuild -license` to accept the license.",
		state:       StateNoViolation,
	},
	DiskInsufficient: {
		remediation: "Remove unnecessary files where the project is stored and ensure enough free space.",
		retryable:   true,
		state:       StateNoViolation,
	},
	SandboxInternal: {
		remediation: "Check the server logs; the environment probe could not complete.",
		state:       StateNotApplicable,
	},
	InvalidRequest: {
		remediation: "Fix the request parameters and retry.",
		state:       StateNotApplicable,
	},
	SpawnFailed: {
		remediation: "Verify visionos.xcodebuild_path points to an executable xcodebuild.",
		state:       StateNoViolation,
	},
	BuildFailed: {
		remediation: "Inspect log_excerpt, fix the build errors and retry.",
		retryable:   true,
		state:       StateNoViolation,
	},
	Timeout: {
		remediation: "Increase visionos.max_build_minutes or simplify the build, then retry.",
		retryable:   true,
		state:       StateNoViolation,
	},
	SandboxViolationBlocked: {
		remediation: "The request was blocked by the sandbox policy; adjust the request to stay within the allowed paths.",
		state:       StateBlocked,
	},
	InvalidJobID: {
		remediation: "Use the job_id returned by build_visionos_app.",
		state:       StateNotApplicable,
	},
	JobNotFound: {
		remediation: "Use the job_id returned by build_visionos_app.",
		state:       StateNotApplicable,
	},
	ArtifactExpired: {
		remediation: "Run build_visionos_app again to produce a fresh artifact.",
		retryable:   true,
		state:       StateNotApplicable,
	},
	BuildFailedNoArtifact: {
		remediation: "The job did not produce an artifact; inspect log_excerpt and rebuild.",
		state:       StateNotApplicable,
	},
	Internal: {
		remediation: "Check the server logs and retry.",
		state:       StateNotApplicable,
	},
}

// Error is a structured, client-facing error.
type Error struct {
	Code         Code
	Message      string
	Remediation  string
	Retryable    bool
	SandboxState SandboxState
	JobID        string
	Details      map[string]any
	Err          error
}

// New creates an Error with the remediation, retryable flag and sandbox state
// registered for code.
func New(code Code, format string, args ...any) *Error {
	d, ok := descriptors[code]
	if !ok {
		d = descriptors[Internal]
	}
	return &Error{
		Code:         code,
		Message:      fmt.Sprintf(format, args...),
		Remediation:  d.remediation,
		Retryable:    d.retryable,
		SandboxState: d.state,
	}
}

// Wrap creates an Error that unwraps to err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithJob attaches the job id.
func (e *Error) WithJob(id string) *Error {
	e.JobID = id
	return e
}

// WithDetail attaches a detail key.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithState overrides the sandbox state.
func (e *Error) WithState(s SandboxState) *Error {
	e.SandboxState = s
	return e
}

// Payload returns the JSON-ready representation sent to clients.
func (e *Error) Payload() map[string]any {
	p := map[string]any{
		"code":          string(e.Code),
		"message":       e.Message,
		"remediation":   e.Remediation,
		"retryable":     e.Retryable,
		"sandbox_state": string(e.SandboxState),
	}
	if e.JobID != "" {
		p["job_id"] = e.JobID
	}
	if len(e.Details) > 0 {
		p["details"] = e.Details
	}
	return p
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// From converts any error into an *Error, classifying unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := As(err); ok {
		return te
	}
	return Wrap(Internal, err, "unexpected error")
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	te, ok := As(err)
	return ok && te.Code == code
}

// Envelope is the JSON body returned to clients for a failed operation.
type Envelope struct {
	Status    string         `json:"status"`
	ErrorCode Code           `json:"error_code"`
	Error     map[string]any `json:"error"`
}

// Envelope wraps the payload in the client-facing error body.
func (e *Error) Envelope() Envelope {
	return Envelope{Status: "error", ErrorCode: e.Code, Error: e.Payload()}
}
