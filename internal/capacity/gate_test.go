package capacity

import (
	"strings"
	"testing"
)

func TestCheckAllowsWithinCap(t *testing.T) {
	// 10 active hosts, 80% cap -> 8 hosts max. 5 already profiling + 3 more == 8, allowed.
	if err := Check(10, 5, 3, 80); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCheckRejectsOverCap(t *testing.T) {
	err := Check(10, 5, 4, 80)
	if err == nil {
		t.Fatal("expected capacity error, got nil")
	}
	var capErr *ErrCapacityExceeded
	if ce, ok := err.(*ErrCapacityExceeded); !ok {
		t.Fatalf("expected *ErrCapacityExceeded, got %T", err)
	} else {
		capErr = ce
	}
	if capErr.MaxProfilingHosts != 8 {
		t.Errorf("expected max profiling hosts 8, got %d", capErr.MaxProfilingHosts)
	}
}

func TestCheckZeroActiveHostsRejectsAnyRequest(t *testing.T) {
	if err := Check(0, 0, 1, 80); err == nil {
		t.Fatal("expected rejection when there are no active hosts")
	}
}

func TestCheckExactBoundary(t *testing.T) {
	// floor(10*50/100) == 5; 5+0 <= 5 must be allowed.
	if err := Check(10, 0, 5, 50); err != nil {
		t.Fatalf("boundary request should be allowed, got %v", err)
	}
	if err := Check(10, 1, 5, 50); err == nil {
		t.Fatal("one past the boundary should be rejected")
	}
}

func TestErrorMessageIncludesCounts(t *testing.T) {
	err := Check(10, 5, 4, 80)
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
	for _, want := range []string{"currently profiling 5", "request size 4", "active hosts 10", "(80%) 8 hosts"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error message to contain %q, got %q", want, msg)
		}
	}
}
