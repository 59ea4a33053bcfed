// Package ratelimit implements a per-identity sliding-window rate limiter.
// Thread-safe, in-process only. Each identity keeps an ordered log of
// request timestamps inside the trailing window; expired entries are pruned
// on access and by the periodic Sweep, never by wiping active histories.
package ratelimit

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when an identity has exhausted its window.
var ErrRateLimited = errors.New("rate limit exceeded")

// window is fixed at one minute; limits are expressed per minute.
const window = 60 * time.Second

// defaultMaxIdentities bounds the tracked-identity table. Beyond it the
// limiter performs an emergency full reset: availability over precision
// when someone floods the table with spoofed identities.
const defaultMaxIdentities = 10000

// Config configures a sliding-window limiter instance. Construct one
// instance per traffic class (mutating vs read).
type Config struct {
	RequestsPerMinute int // 0 = unlimited (Check always allows).
	MaxIdentities     int // Tracked-identity ceiling. 0 = 10,000.
}

// Limiter is a per-identity sliding-window request counter.
// One identity cannot reset or exhaust another's history.
type Limiter struct {
	mu            sync.Mutex
	limit         int
	maxIdentities int
	history       map[string][]time.Time
	logger        *slog.Logger
	now           func() time.Time // test hook
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(cfg Config, logger *slog.Logger) *Limiter {
	maxIdents := cfg.MaxIdentities
	if maxIdents <= 0 {
		maxIdents = defaultMaxIdentities
	}
	return &Limiter{
		limit:         cfg.RequestsPerMinute,
		maxIdentities: maxIdents,
		history:       make(map[string][]time.Time),
		logger:        logger,
		now:           time.Now,
	}
}

// Check prunes the identity's expired timestamps, then either records the
// request and allows it, or denies it with the number of seconds until the
// oldest recorded request leaves the window (at least 1).
func (l *Limiter) Check(identity string) (limited bool, retryAfter int) {
	if l.limit <= 0 {
		return false, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entries := l.pruneLocked(identity, now)

	if len(entries) >= l.limit {
		wait := window - now.Sub(entries[0])
		retryAfter = int(math.Ceil(wait.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return true, retryAfter
	}

	if _, tracked := l.history[identity]; !tracked && len(l.history) >= l.maxIdentities {
		// Emergency escape valve: the table itself is under attack.
		// This is the only code path that discards live histories.
		if l.logger != nil {
			l.logger.Warn("rate limiter identity table overflow, resetting",
				slog.Int("identities", len(l.history)),
			)
		}
		l.history = make(map[string][]time.Time)
		entries = nil
	}

	l.history[identity] = append(entries, now)
	return false, 0
}

// Allow wraps Check with an error return for call sites that only need a
// yes/no answer.
func (l *Limiter) Allow(identity string) error {
	if limited, _ := l.Check(identity); limited {
		return ErrRateLimited
	}
	return nil
}

// Sweep prunes every identity's expired prefix and evicts empty entries.
// Run periodically so idle identities do not pin memory between requests.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for identity := range l.history {
		l.pruneLocked(identity, now)
	}
}

// Identities returns the number of identities currently tracked.
func (l *Limiter) Identities() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

// pruneLocked drops the expired prefix of one identity's log and removes
// the map entry entirely once empty. Caller holds l.mu.
func (l *Limiter) pruneLocked(identity string, now time.Time) []time.Time {
	entries := l.history[identity]
	cutoff := 0
	for cutoff < len(entries) && now.Sub(entries[cutoff]) >= window {
		cutoff++
	}
	if cutoff > 0 {
		entries = entries[cutoff:]
	}
	if len(entries) == 0 {
		delete(l.history, identity)
		return nil
	}
	l.history[identity] = entries
	return entries
}
