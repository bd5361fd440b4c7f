package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := New(KindMigration, "migrate staging", errors.New("exit code 1"))
	wrapped := fmt.Errorf("rollout: %w", err)

	if !errors.Is(wrapped, ErrMigration) {
		t.Error("expected wrapped error to match ErrMigration")
	}
	if errors.Is(wrapped, ErrHealthCheckTimeout) {
		t.Error("did not expect match with ErrHealthCheckTimeout")
	}
}

func TestError_UnwrapReachesCause(t *testing.T) {
	err := New(KindCancelled, "wait healthy", context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Error("expected cause to be reachable through Unwrap")
	}
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{New(KindBuild, "ci", errors.New("boom")), "BuildFailure: ci: boom"},
		{New(KindBuild, "", errors.New("boom")), "BuildFailure: boom"},
		{New(KindApprovalRejected, "gate", nil), "ApprovalRejected: gate"},
		{&Error{Kind: KindLockContention}, "LockContention"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"lock contention", New(KindLockContention, "lock", nil), true},
		{"provider unavailable", fmt.Errorf("x: %w", New(KindProviderUnavailable, "ecs", errors.New("throttled"))), true},
		{"migration", New(KindMigration, "migrate", nil), false},
		{"health", New(KindHealthCheckTimeout, "batch 1", nil), false},
		{"unclassified", errors.New("plain"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if k := KindOf(errors.New("plain")); k != "" {
		t.Errorf("expected empty kind, got %q", k)
	}
	if k := KindOf(Newf(KindBuild, "step", "exit %d", 2)); k != KindBuild {
		t.Errorf("expected %s, got %s", KindBuild, k)
	}
}
