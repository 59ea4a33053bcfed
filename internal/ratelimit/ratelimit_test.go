package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fixedClock lets tests advance time deterministically.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fixedClock) {
	t.Helper()
	l := NewLimiter(cfg, nil)
	clock := &fixedClock{t: time.Unix(1000, 0)}
	l.now = clock.now
	return l, clock
}

func TestCheck_BurstAtSameInstant(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 2})
	clock.advance(50 * time.Second)

	for i := 0; i < 2; i++ {
		if limited, _ := l.Check("1.2.3.4"); limited {
			t.Fatalf("request %d limited, want allowed", i+1)
		}
	}

	limited, retryAfter := l.Check("1.2.3.4")
	if !limited {
		t.Fatal("third request allowed, want limited")
	}
	// Both recorded timestamps are at the same instant, so the oldest
	// leaves the window in exactly 60 seconds.
	if retryAfter != 60 {
		t.Errorf("retryAfter = %d, want 60", retryAfter)
	}
}

func TestCheck_RetryAfterFromOldest(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 2})

	l.Check("ip")
	clock.advance(10 * time.Second)
	l.Check("ip")
	clock.advance(5 * time.Second)

	limited, retryAfter := l.Check("ip")
	if !limited {
		t.Fatal("want limited")
	}
	// Oldest entry is 15s old; it leaves the window in 45s.
	if retryAfter != 45 {
		t.Errorf("retryAfter = %d, want 45", retryAfter)
	}
}

func TestCheck_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 1})

	if limited, _ := l.Check("ip"); limited {
		t.Fatal("first request limited")
	}
	if limited, _ := l.Check("ip"); !limited {
		t.Fatal("second immediate request allowed")
	}

	clock.advance(61 * time.Second)
	if limited, _ := l.Check("ip"); limited {
		t.Fatal("request after window limited")
	}
}

func TestCheck_IdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 1})

	l.Check("attacker")
	if limited, _ := l.Check("attacker"); !limited {
		t.Fatal("attacker not limited")
	}

	// An unrelated identity's check must not touch the attacker's history.
	if limited, _ := l.Check("bystander"); limited {
		t.Fatal("bystander limited")
	}
	if limited, _ := l.Check("attacker"); !limited {
		t.Fatal("attacker history was reset by another identity's check")
	}
}

func TestCheck_DeniedRequestsNotRecorded(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 1})

	l.Check("ip")
	for i := 0; i < 10; i++ {
		l.Check("ip") // all denied
	}
	clock.advance(61 * time.Second)
	// Only the one recorded timestamp existed; it has expired.
	if limited, _ := l.Check("ip"); limited {
		t.Fatal("denied requests extended the window")
	}
}

func TestCheck_EmergencyResetOnIdentityOverflow(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 5, MaxIdentities: 3})

	l.Check("a")
	l.Check("b")
	l.Check("c")
	if got := l.Identities(); got != 3 {
		t.Fatalf("Identities() = %d, want 3", got)
	}

	// The fourth identity trips the ceiling and resets the table.
	l.Check("d")
	if got := l.Identities(); got != 1 {
		t.Errorf("Identities() after reset = %d, want 1", got)
	}
}

func TestCheck_Unlimited(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 0})
	for i := 0; i < 100; i++ {
		if limited, _ := l.Check("ip"); limited {
			t.Fatal("unlimited limiter denied a request")
		}
	}
	if got := l.Identities(); got != 0 {
		t.Errorf("unlimited limiter tracked %d identities, want 0", got)
	}
}

func TestSweep_EvictsIdleIdentities(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 10})

	l.Check("idle")
	clock.advance(30 * time.Second)
	l.Check("active")
	clock.advance(31 * time.Second)

	l.Sweep()
	if got := l.Identities(); got != 1 {
		t.Errorf("Identities() after sweep = %d, want 1", got)
	}

	// The surviving identity's history is intact, not reset.
	l.Check("active")
	limited, _ := l.Check("active")
	if limited {
		t.Error("active identity was wiped by sweep")
	}
}

func TestAllow(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 1})
	if err := l.Allow("ip"); err != nil {
		t.Fatalf("Allow = %v", err)
	}
	if err := l.Allow("ip"); err != ErrRateLimited {
		t.Fatalf("Allow = %v, want ErrRateLimited", err)
	}
}

func TestCheck_Concurrent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1000}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Check("shared")
				l.Sweep()
			}
		}(i)
	}
	wg.Wait()
}
