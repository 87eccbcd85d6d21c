package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/sells-group/rakeback-engine/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient", Transient(errors.New("503"), 503), ClassTransient},
		{"gateway timeout", &model.GatewayTimeoutError{Validator: "v", Block: 1, Err: errors.New("deadline")}, ClassTransient},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassTransient},
		{"permanent", errors.New("bad block payload"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueueBlockAndReschedule(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Policy{Initial: time.Minute, Max: time.Hour, Factor: 2}

	e := QueueBlock("5Fval", 100, Transient(errors.New("busy"), 429), 3, p, now)
	if e.ID == "" || e.BlockNumber != 100 || e.ErrorType != ClassTransient {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if !e.NextRetryAt.Equal(now.Add(time.Minute)) {
		t.Errorf("NextRetryAt = %v", e.NextRetryAt)
	}

	later := now.Add(time.Minute)
	e = Reschedule(e, errors.New("decode"), p, later)
	if e.RetryCount != 1 || e.ErrorType != ClassPermanent {
		t.Errorf("unexpected rescheduled entry: %+v", e)
	}
	if !e.NextRetryAt.Equal(later.Add(2 * time.Minute)) {
		t.Errorf("NextRetryAt = %v", e.NextRetryAt)
	}
	if !e.CanRetry() {
		t.Error("entry should still be retryable")
	}
}

func TestStatusError(t *testing.T) {
	if !IsTransient(StatusError("chaindata", 503, "down")) {
		t.Error("503 should be transient")
	}
	if IsTransient(StatusError("chaindata", 404, "no such block")) {
		t.Error("404 should not be transient")
	}
}

func TestPolicyFrom_Defaults(t *testing.T) {
	p := PolicyFrom(0, 0, 0, 0, -1)
	d := DefaultPolicy()
	if p.Attempts != d.Attempts || p.Initial != d.Initial || p.Max != d.Max {
		t.Errorf("expected defaults, got %+v", p)
	}
	p = PolicyFrom(6, 100, 2000, 3, 0)
	if p.Attempts != 6 || p.Initial != 100*time.Millisecond || p.Max != 2*time.Second || p.Factor != 3 || p.Jitter != 0 {
		t.Errorf("unexpected policy %+v", p)
	}
}
