package toolerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew_FillsDescriptor(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		state     SandboxState
	}{
		{PathNotAllowed, false, StateBlocked},
		{SDKMissing, false, StateNoViolation},
		{Timeout, true, StateNoViolation},
		{BuildFailed, true, StateNoViolation},
		{ArtifactExpired, true, StateNotApplicable},
		{JobNotFound, false, StateNotApplicable},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := New(tt.code, "boom %d", 1)
			if e.Message != "boom 1" {
				t.Errorf("Message = %q", e.Message)
			}
			if e.Remediation == "" {
				t.Error("Remediation is empty")
			}
			if e.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", e.Retryable, tt.retryable)
			}
			if e.SandboxState != tt.state {
				t.Errorf("SandboxState = %q, want %q", e.SandboxState, tt.state)
			}
		})
	}
}

func TestEveryCodeHasRemediation(t *testing.T) {
	for code, d := range descriptors {
		if d.remediation == "" {
			t.Errorf("%s has no remediation", code)
		}
		if d.state == "" {
			t.Errorf("%s has no sandbox state", code)
		}
	}
}

func TestAsThroughWrapping(t *testing.T) {
	base := New(JobNotFound, "job %s not found", "abc").WithJob("abc")
	wrapped := fmt.Errorf("fetch: %w", base)

	got, ok := As(wrapped)
	if !ok {
		t.Fatal("As() did not find the error")
	}
	if got.JobID != "abc" {
		t.Errorf("JobID = %q, want abc", got.JobID)
	}
	if !IsCode(wrapped, JobNotFound) {
		t.Error("IsCode(JobNotFound) = false")
	}
	if IsCode(errors.New("plain"), JobNotFound) {
		t.Error("IsCode on plain error = true")
	}
}

func TestFrom_UnknownIsInternal(t *testing.T) {
	cause := errors.New("disk on fire")
	e := From(cause)
	if e.Code != Internal {
		t.Errorf("Code = %q, want %q", e.Code, Internal)
	}
	if !errors.Is(e, cause) {
		t.Error("From() lost the cause")
	}
	if From(nil) != nil {
		t.Error("From(nil) != nil")
	}
}

func TestPayload(t *testing.T) {
	p := New(BuildFailed, "exit 65").WithJob("j1").WithDetail("exit_code", 65).Payload()
	if p["code"] != "build_failed" {
		t.Errorf("code = %v", p["code"])
	}
	if p["job_id"] != "j1" {
		t.Errorf("job_id = %v", p["job_id"])
	}
	details, ok := p["details"].(map[string]any)
	if !ok || details["exit_code"] != 65 {
		t.Errorf("details = %v", p["details"])
	}

	p = New(InvalidRequest, "bad").Payload()
	if _, ok := p["job_id"]; ok {
		t.Error("job_id present without a job")
	}
	if _, ok := p["details"]; ok {
		t.Error("details present without details")
	}
}
