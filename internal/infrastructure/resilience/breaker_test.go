package resilience

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("engine down")

func trippy() *Breaker {
	return New("test", Settings{
		MaxRequests: 1,
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
}

func TestStaysClosedOnSuccess(t *testing.T) {
	b := trippy()

	for i := 0; i < 10; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("Expected closed, got %s", b.State())
	}
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := trippy()

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errFail })
	}
	if b.State() != StateOpen {
		t.Fatalf("Expected open after 3 failures, got %s", b.State())
	}

	err := b.Do(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b := trippy()

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errFail })
	}

	time.Sleep(30 * time.Millisecond)

	// First probe succeeds, breaker closes again.
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Probe should be allowed: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := trippy()

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errFail })
	}
	time.Sleep(30 * time.Millisecond)

	b.Do(func() error { return errFail })
	if b.State() != StateOpen {
		t.Errorf("Expected reopen after failed probe, got %s", b.State())
	}
}

func TestOnStateChange(t *testing.T) {
	var transitions []State
	b := New("watched", Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, to)
		},
	})

	b.Do(func() error { return errFail })
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("Expected one transition to open, got %v", transitions)
	}
}
