package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func failing(_ context.Context) error { return errors.New("fail") }
func passing(_ context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker(BreakerConfig{Threshold: 3, CoolDown: time.Minute}, clock)

	for i := 0; i < 3; i++ {
		_ = b.Do(context.Background(), failing)
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	err := b.Do(context.Background(), func(_ context.Context) error {
		t.Error("call should be rejected")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 2}, clockwork.NewFakeClock())
	_ = b.Do(context.Background(), failing)
	_ = b.Do(context.Background(), passing)
	_ = b.Do(context.Background(), failing)
	if b.State() != Closed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var transitions []string
	b := NewBreaker(BreakerConfig{
		Threshold: 1,
		CoolDown:  10 * time.Second,
		OnChange:  func(from, to BreakerState) { transitions = append(transitions, from.String()+">"+to.String()) },
	}, clock)

	_ = b.Do(context.Background(), failing)
	clock.Advance(11 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open after cool-down, got %s", b.State())
	}
	if err := b.Do(context.Background(), passing); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("expected closed, got %s", b.State())
	}
	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker(BreakerConfig{Threshold: 1, CoolDown: time.Second}, clock)
	_ = b.Do(context.Background(), failing)
	clock.Advance(2 * time.Second)
	_ = b.Do(context.Background(), failing)
	if b.State() != Open {
		t.Errorf("expected open, got %s", b.State())
	}
}

func TestBreaker_IgnoresUncountedErrors(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, Counts: IsTransient}, clockwork.NewFakeClock())
	_ = b.Do(context.Background(), failing)
	if b.State() != Closed {
		t.Errorf("permanent errors should not open the breaker, got %s", b.State())
	}
}

func TestCall_ReturnsValue(t *testing.T) {
	b := NewBreaker(BreakerConfig{}, nil)
	v, err := Call(context.Background(), b, func(_ context.Context) (string, error) {
		return "head", nil
	})
	if err != nil || v != "head" {
		t.Errorf("Call() = %q, %v", v, err)
	}
}
