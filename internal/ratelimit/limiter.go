// Package ratelimit tracks failed login attempts per client identifier and
// decides whether the next attempt may proceed.
//
// A client moves through ABSENT -> ACTIVE -> BLOCKED -> ABSENT. An ACTIVE
// record that stays idle longer than the attempt window decays back to
// ABSENT. A BLOCKED record is only released once the block duration has
// elapsed since the last failure.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	DefaultMaxAttempts   = 5
	DefaultAttemptWindow = 5 * time.Minute
	DefaultBlockDuration = 15 * time.Minute
)

// Record is the per-client attempt state. Blocked implies Count >= MaxAttempts.
type Record struct {
	Count       int       `json:"count"`
	LastAttempt time.Time `json:"last_attempt"`
	Blocked     bool      `json:"blocked"`
}

// Decision is the outcome of Check. BlockedUntil is zero unless the client is blocked.
type Decision struct {
	Allowed           bool
	RemainingAttempts int
	BlockedUntil      time.Time
}

// Store persists records by key. Records whose ttl has passed must be
// reported as absent. Increment must be atomic across every process that
// shares the store: it is the only write path for failed attempts.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Increment(ctx context.Context, key string, at time.Time, cfg Config) (Record, error)
	Delete(ctx context.Context, key string) error
}

type Config struct {
	MaxAttempts   int
	AttemptWindow time.Duration
	BlockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = DefaultAttemptWindow
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	return c
}

type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func NewLimiter(store Store, cfg Config) *Limiter {
	return &Limiter{
		store: store,
		cfg:   cfg.withDefaults(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests to move time forward.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *Limiter) Config() Config {
	return l.cfg
}

// Check reports whether key may attempt a login now. It never writes: a
// lapsed record reads as absent, the store's ttl removes it, and the next
// failure starts over from it.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	fresh := Decision{Allowed: true, RemainingAttempts: l.cfg.MaxAttempts}

	record, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return fresh, fmt.Errorf("read attempt record: %w", err)
	}
	if !ok {
		return fresh, nil
	}

	now := l.now()

	if record.lapsed(now, l.cfg) {
		return fresh, nil
	}

	if record.Blocked {
		return Decision{Allowed: false, RemainingAttempts: 0, BlockedUntil: record.LastAttempt.Add(l.cfg.BlockDuration)}, nil
	}

	remaining := l.cfg.MaxAttempts - record.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: record.Count < l.cfg.MaxAttempts, RemainingAttempts: remaining}, nil
}

// RecordFailure counts one failed attempt for key and blocks it once the
// count reaches MaxAttempts. The increment happens inside the store, so
// limiters in other processes sharing the store never lose an attempt.
func (l *Limiter) RecordFailure(ctx context.Context, key string) (Record, error) {
	record, err := l.store.Increment(ctx, key, l.now(), l.cfg)
	if err != nil {
		return Record{}, fmt.Errorf("record failed attempt: %w", err)
	}
	return record, nil
}

// Clear forgets key entirely. Called after a fully authorized login.
func (l *Limiter) Clear(ctx context.Context, key string) error {
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear attempt record: %w", err)
	}
	return nil
}

// RetryAfter is how long a denied client has to wait. Denials without a
// known block end fall back to the full block duration.
func (l *Limiter) RetryAfter(d Decision) time.Duration {
	if d.BlockedUntil.IsZero() {
		return l.cfg.BlockDuration
	}
	wait := d.BlockedUntil.Sub(l.now())
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// WaitMinutes rounds a wait up to whole minutes.
func WaitMinutes(wait time.Duration) int {
	minutes := int(math.Ceil(wait.Seconds() / 60))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// lapsed reports whether the record no longer constrains the client at now:
// a block whose duration has passed, or an active window left idle too long.
func (r Record) lapsed(now time.Time, cfg Config) bool {
	if r.Blocked {
		return !now.Before(r.LastAttempt.Add(cfg.BlockDuration))
	}
	return now.Sub(r.LastAttempt) > cfg.AttemptWindow
}

// NextRecord applies one failed attempt at time at to the stored record and
// returns the new record with the ttl the store should give it. Stores call
// it inside their atomic section; a lapsed record starts over.
func NextRecord(current Record, found bool, at time.Time, cfg Config) (Record, time.Duration) {
	cfg = cfg.withDefaults()

	next := Record{Count: 1, LastAttempt: at}
	if found && !current.lapsed(at, cfg) {
		next = current
		next.Count++
		next.LastAttempt = at
	}
	if next.Count >= cfg.MaxAttempts {
		next.Blocked = true
	}

	ttl := cfg.AttemptWindow
	if next.Blocked {
		ttl = cfg.BlockDuration
	}
	return next, ttl
}
