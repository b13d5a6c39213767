package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errRemote = errors.New("remote failure")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := New(Settings{Name: "mx.example.com", Threshold: 3, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Do(func() error { return errRemote }); !errors.Is(err, errRemote) {
			t.Fatalf("attempt %d: expected remote error, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected open state after 3 failures, got %v", cb.State())
	}

	called := false
	err := cb.Do(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("wrapped function must not run while breaker is open")
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := New(Settings{Name: "mx.example.com", Threshold: 3, Cooldown: time.Minute})

	cb.Do(func() error { return errRemote })
	cb.Do(func() error { return errRemote })
	cb.Do(func() error { return nil })
	cb.Do(func() error { return errRemote })
	cb.Do(func() error { return errRemote })

	if cb.State() != StateClosed {
		t.Fatalf("expected closed state, got %v", cb.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb := New(Settings{Name: "mx.example.com", Threshold: 1, Cooldown: 10 * time.Millisecond})

	cb.Do(func() error { return errRemote })
	if cb.State() != StateOpen {
		t.Fatalf("expected open state, got %v", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %v", cb.State())
	}

	// A successful probe closes the breaker.
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed after successful probe, got %v", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(Settings{Name: "mx.example.com", Threshold: 1, Cooldown: 10 * time.Millisecond})

	cb.Do(func() error { return errRemote })
	time.Sleep(20 * time.Millisecond)

	if err := cb.Do(func() error { return errRemote }); !errors.Is(err, errRemote) {
		t.Fatalf("expected remote error from probe, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("expected breaker reopened after failed probe, got %v", cb.State())
	}
}

func TestBreakerCustomErrorClassifier(t *testing.T) {
	errPolicy := errors.New("recipient rejected")

	cb := New(Settings{
		Name:      "mx.example.com",
		Threshold: 1,
		Cooldown:  time.Minute,
		IsSuccessful: func(err error) bool {
			// Policy rejections are host-healthy outcomes.
			return err == nil || errors.Is(err, errPolicy)
		},
	})

	cb.Do(func() error { return errPolicy })
	if cb.State() != StateClosed {
		t.Errorf("policy rejection must not trip the breaker, state = %v", cb.State())
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := New(Settings{
		Name:      "mx.example.com",
		Threshold: 1,
		Cooldown:  time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	cb.Do(func() error { return errRemote })

	if len(transitions) != 1 || transitions[0] != "closed>open" {
		t.Errorf("expected [closed>open], got %v", transitions)
	}
}

func TestRegistryReturnsSameBreakerPerKey(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 2, Cooldown: time.Minute})

	a := r.Get("mx1.example.com")
	b := r.Get("mx1.example.com")
	c := r.Get("mx2.example.com")

	if a != b {
		t.Error("expected the same breaker instance for the same key")
	}
	if a == c {
		t.Error("expected distinct breakers for distinct keys")
	}
	if a.Name() != "mx1.example.com" {
		t.Errorf("breaker name = %q, want key", a.Name())
	}

	a.Do(func() error { return errRemote })
	a.Do(func() error { return errRemote })

	states := r.States()
	if states["mx1.example.com"] != StateOpen {
		t.Errorf("expected mx1 open, got %v", states["mx1.example.com"])
	}
	if states["mx2.example.com"] != StateClosed {
		t.Errorf("expected mx2 closed, got %v", states["mx2.example.com"])
	}
}
