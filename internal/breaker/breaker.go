package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the wrapped call while the breaker is
// open. Callers match it with errors.Is to tell a tripped breaker apart from
// the dependency's own failures.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Breaker shields a single remote dependency. Each dependency gets its own
// instance; a fault in one must not block traffic to another.
//
// Closed counts consecutive failures and trips to Open at the threshold.
// Open fails fast until the cool-down elapses, then admits one probe call in
// HalfOpen. A successful probe closes the breaker and resets both the
// failure counter and the cool-down; a failed probe reopens it with the
// cool-down doubled, up to the cap.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	threshold    int
	cooldown     time.Duration
	cooldownBase time.Duration
	cooldownMax  time.Duration
	openedAt     time.Time
	now          func() time.Time
}

type Options struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker. Zero means the default of 3.
	FailureThreshold int
	// CooldownBase is the first Open period. Zero means 60s.
	CooldownBase time.Duration
	// CooldownMax caps the doubling. Zero means 15m.
	CooldownMax time.Duration
	// Now is an injectable clock for tests.
	Now func() time.Time
}

func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 60 * time.Second
	}
	if opts.CooldownMax <= 0 {
		opts.CooldownMax = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		state:        Closed,
		threshold:    opts.FailureThreshold,
		cooldown:     opts.CooldownBase,
		cooldownBase: opts.CooldownBase,
		cooldownMax:  opts.CooldownMax,
		now:          opts.Now,
	}
}

// Do runs fn through the breaker. While Open it returns ErrOpen without
// calling fn. Context errors from fn count as failures like any other error.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// State reports the current state, moving Open to HalfOpen when the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// RemainingCooldown reports how long until an Open breaker will admit a
// probe. Zero when not Open.
func (b *Breaker) RemainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	if b.state != Open {
		return 0
	}
	rem := b.cooldown - b.now().Sub(b.openedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	if b.state == Open {
		return fmt.Errorf("%w: retry in %s", ErrOpen, (b.cooldown - b.now().Sub(b.openedAt)).Round(time.Second))
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state == HalfOpen {
			// Recovery probe succeeded: full reset, including the cool-down
			// doubling accumulated across earlier trips.
			b.cooldown = b.cooldownBase
		}
		b.state = Closed
		b.failures = 0
		return
	}
	switch b.state {
	case HalfOpen:
		// Probe failed: reopen with a longer cool-down.
		b.trip()
		b.cooldown = minDuration(b.cooldown*2, b.cooldownMax)
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	}
}

// refresh moves Open to HalfOpen once the cool-down has elapsed. Callers
// hold b.mu.
func (b *Breaker) refresh() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = HalfOpen
	}
}

// trip opens the breaker. Callers hold b.mu.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.failures = 0
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
