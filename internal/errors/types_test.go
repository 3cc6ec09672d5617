package errors

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestKindClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "transient", err: &TransientError{Err: fmt.Errorf("boom")}, want: KindTransient},
		{name: "permanent", err: &PermanentError{Err: fmt.Errorf("boom")}, want: KindPermanent},
		{name: "circuit open", err: &CircuitOpenError{Endpoint: "http://jira:9002"}, want: KindCircuitOpen},
		{name: "agent rejected", err: &AgentRejectedError{Agent: "jira", Reason: "no project"}, want: KindAgentRejected},
		{name: "unknown capability", err: &UnknownCapabilityError{Capability: "crm_search"}, want: KindUnknownCapability},
		{name: "invalid request", err: NewInvalidRequest("missing taskID"), want: KindInvalidRequest},
		{name: "user escape", err: NewUserEscape("user pressed escape"), want: KindInterrupted},
		{name: "human input", err: NewHumanInput("which account?"), want: KindInterrupted},
		{name: "conflict", err: &ConflictError{Namespace: "workflow", Key: "t1"}, want: KindConflict},
		{name: "store down", err: &StoreUnavailableError{Err: fmt.Errorf("disk gone")}, want: KindStoreUnavailable},
		{name: "plain error defaults to permanent", err: fmt.Errorf("weird"), want: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrappedClassification(t *testing.T) {
	inner := &AgentRejectedError{Agent: "crm", Reason: "bad filter"}
	wrapped := fmt.Errorf("step 2: %w", inner)

	if !IsAgentRejected(wrapped) {
		t.Fatal("wrapped AgentRejectedError not detected")
	}
	if IsTransient(wrapped) {
		t.Fatal("agent rejection must never classify as transient")
	}

	interrupt := fmt.Errorf("driver: %w", NewHumanInput("which one?"))
	got, ok := AsInterrupted(interrupt)
	if !ok {
		t.Fatal("wrapped InterruptedError not detected")
	}
	if got.Type != InterruptHumanInput || got.Question != "which one?" {
		t.Fatalf("unexpected interrupt payload: %+v", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{status: 500, transient: true},
		{status: 502, transient: true},
		{status: 503, transient: true},
		{status: 504, transient: true},
		{status: 408, transient: true},
		{status: 429, transient: true},
		{status: 400, transient: false},
		{status: 401, transient: false},
		{status: 403, transient: false},
		{status: 404, transient: false},
		{status: 409, transient: false},
		{status: 422, transient: false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := FromHTTPStatus(tt.status, fmt.Errorf("status %d", tt.status))
			if got := IsTransient(err); got != tt.transient {
				t.Fatalf("status %d: IsTransient = %v, want %v", tt.status, got, tt.transient)
			}
			if got := IsPermanent(err); got == tt.transient {
				t.Fatalf("status %d: IsPermanent = %v, want %v", tt.status, got, !tt.transient)
			}
		})
	}
}

func TestNetworkErrorsAreTransient(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}
	if !IsTransient(opErr) {
		t.Fatal("net.OpError should be transient")
	}

	if !IsTransient(fmt.Errorf("context deadline exceeded")) {
		t.Fatal("deadline exceeded should be transient")
	}

	if IsTransient(context.Canceled) {
		t.Fatal("bare context.Canceled should not read as an endpoint failure")
	}
}

func TestCircuitOpenErrorMessage(t *testing.T) {
	err := &CircuitOpenError{Endpoint: "http://crm:9001", RetryAfter: 42 * time.Second}
	msg := err.Error()
	if msg == "" {
		t.Fatal("empty error message")
	}
	if !IsCircuitOpen(err) {
		t.Fatal("IsCircuitOpen failed on its own type")
	}
}
