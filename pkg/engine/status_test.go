package engine

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ResourceStatus
		want     bool
	}{
		{StatusRequested, StatusProvisioning, true},
		{StatusRequested, StatusTerminated, true},
		{StatusProvisioning, StatusRunning, true},
		{StatusProvisioning, StatusFailed, true},
		{StatusRunning, StatusStopping, true},
		{StatusRunning, StatusTerminating, true},
		{StatusStopping, StatusStopped, true},
		{StatusStopped, StatusProvisioning, true},
		{StatusStopped, StatusTerminating, true},
		{StatusTerminating, StatusTerminated, true},
		{StatusRunning, StatusProvisioning, false},
		{StatusRunning, StatusFailed, false},
		{StatusStopped, StatusRunning, false},
		{StatusTerminated, StatusProvisioning, false},
		{StatusFailed, StatusTerminating, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusClasses(t *testing.T) {
	for _, s := range []ResourceStatus{StatusStopped, StatusTerminated, StatusFailed} {
		if s.HoldsQuota() {
			t.Errorf("%s should not hold quota", s)
		}
	}
	for _, s := range QuotaStatuses {
		if !s.HoldsQuota() {
			t.Errorf("%s should hold quota", s)
		}
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !StatusTerminated.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Error("terminated and failed are terminal")
	}
}

func TestActionStatuses(t *testing.T) {
	tests := []struct {
		action    Action
		inFlight  ResourceStatus
		success   ResourceStatus
		retryable bool
	}{
		{ActionCreate, StatusProvisioning, StatusRunning, false},
		{ActionStart, StatusProvisioning, StatusRunning, true},
		{ActionStop, StatusStopping, StatusStopped, true},
		{ActionTerminate, StatusTerminating, StatusTerminated, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			if got := tt.action.InFlightStatus(); got != tt.inFlight {
				t.Errorf("InFlightStatus() = %s, want %s", got, tt.inFlight)
			}
			if got := tt.action.SuccessStatus(); got != tt.success {
				t.Errorf("SuccessStatus() = %s, want %s", got, tt.success)
			}
			if got := tt.action.Idempotent(); got != tt.retryable {
				t.Errorf("Idempotent() = %v, want %v", got, tt.retryable)
			}
			if !tt.inFlight.CanTransition(tt.success) {
				t.Errorf("%s cannot reach %s", tt.inFlight, tt.success)
			}
		})
	}
}

func TestResourceTypeHierarchy(t *testing.T) {
	if _, ok := ResourceTypeProject.ParentType(); ok {
		t.Error("project has no parent")
	}
	for _, typ := range []ResourceType{ResourceTypeEdge, ResourceTypeExploratory, ResourceTypeComputational} {
		parent, ok := typ.ParentType()
		if !ok || parent.Validate() != nil {
			t.Errorf("%s parent = %q", typ, parent)
		}
		if !typ.Stoppable() {
			t.Errorf("%s should be stoppable", typ)
		}
	}
	if ResourceTypeProject.Stoppable() {
		t.Error("project should not be stoppable")
	}
	if err := ResourceType("vm").Validate(); err == nil {
		t.Error("unknown type accepted")
	}
}

func TestResourceStatusJSON(t *testing.T) {
	data, err := json.Marshal(StatusStopping)
	if err != nil || string(data) != `"stopping"` {
		t.Fatalf("Marshal = %s, %v", data, err)
	}

	var s ResourceStatus
	if err := json.Unmarshal([]byte(`"running"`), &s); err != nil || s != StatusRunning {
		t.Errorf("Unmarshal = %s, %v", s, err)
	}
	if err := json.Unmarshal([]byte(`"exploding"`), &s); err == nil {
		t.Error("invalid status accepted")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		code      string
	}{
		{"transient", NewTransientError("timeout", nil), true, ""},
		{"throttled", NewThrottledError("slow down", nil), true, ErrCodeRateLimited},
		{"conflict", NewConflictError("busy", nil), false, ErrCodeConflict},
		{"quota", NewQuotaExceededError("user", ResourceTypeExploratory, 2), false, ErrCodeQuotaExceeded},
		{"pending", NewActionPendingError("r1", ActionStop), false, ErrCodeActionPending},
		{"provider transient", NewCloudProviderError(ErrorClassTransient, "aws", errors.New("503")), true, ErrCodeCloudProvider},
		{"provider permanent", NewCloudProviderError(ErrorClassPermanent, "aws", errors.New("bad ami")), false, ErrCodeCloudProvider},
		{"plain error", errors.New("boom"), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if tt.code != "" && !HasCode(tt.err, tt.code) {
				t.Errorf("expected code %s on %v", tt.code, tt.err)
			}
		})
	}

	wrapped := NewProvisioningFailure("r1", ActionCreate, NewPermanentError("rejected", nil))
	if !HasCode(wrapped, ErrCodeProvisioningFailure) || IsRetryable(wrapped) {
		t.Errorf("unexpected provisioning failure: %v", wrapped)
	}
}
