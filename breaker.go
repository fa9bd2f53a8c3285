package hydra

import (
	"fmt"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

const (
	breakerFailureThreshold = 5
	breakerFailureWindow    = 60 * time.Second
	breakerBaseCooldown     = 30 * time.Second
	breakerMaxCooldown      = 5 * time.Minute

	// A probe admitted by Check but never resolved (caller cancelled before
	// recording an outcome) is abandoned after this long; it must outlast
	// the longest request deadline or a live probe could be double-admitted.
	breakerProbeTimeout = 6 * time.Minute
)

// ErrCircuitOpen is returned by Check while the breaker rejects calls.
type ErrCircuitOpen struct {
	RetryIn time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit open, try again in %ds", int(e.RetryIn.Round(time.Second).Seconds()))
}

// Breaker is a per-provider circuit breaker. Closed admits everything; five
// consecutive failures within the failure window open it. Open rejects
// without touching the network until the cooldown elapses, then half-open
// admits exactly one probe: success closes, failure re-opens with the
// cooldown doubled up to a five-minute cap.
type Breaker struct {
	mu sync.Mutex

	state         string
	failures      int
	firstFailure  time.Time
	openedAt      time.Time
	cooldown      time.Duration
	probeInFlight bool
	probeStarted  time.Time

	now func() time.Time // test seam
}

// NewBreaker creates a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{state: CircuitClosed, cooldown: breakerBaseCooldown, now: time.Now}
}

// Check reports whether a call may proceed. In half-open it admits a single
// probe; concurrent callers are rejected until the probe resolves.
func (b *Breaker) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return &ErrCircuitOpen{RetryIn: b.cooldown - elapsed}
		}
		b.state = CircuitHalfOpen
		b.probeInFlight = true
		b.probeStarted = b.now()
		return nil
	default: // half-open
		if b.probeInFlight && b.now().Sub(b.probeStarted) < breakerProbeTimeout {
			return &ErrCircuitOpen{RetryIn: time.Second}
		}
		// No probe, or the previous one was abandoned; admit a fresh one.
		b.probeInFlight = true
		b.probeStarted = b.now()
		return nil
	}
}

// RecordSuccess clears the failure count; a successful half-open probe
// closes the breaker and resets the cooldown.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == CircuitHalfOpen {
		b.state = CircuitClosed
		b.cooldown = breakerBaseCooldown
		b.probeInFlight = false
	}
}

// RecordFailure counts one failure. Failures older than the window restart
// the count. A failed half-open probe re-opens with a doubled cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = now
		b.cooldown = min(b.cooldown*2, breakerMaxCooldown)
		b.probeInFlight = false
		b.failures = 0
	case CircuitClosed:
		if b.failures == 0 || now.Sub(b.firstFailure) > breakerFailureWindow {
			b.failures = 0
			b.firstFailure = now
		}
		b.failures++
		if b.failures >= breakerFailureThreshold {
			b.state = CircuitOpen
			b.openedAt = now
			b.cooldown = breakerBaseCooldown
			b.failures = 0
		}
	}
}

// State returns the current state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSet holds one breaker per provider, process-wide.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for provider, creating it on first use.
func (s *BreakerSet) Get(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[provider]
	if !ok {
		b = NewBreaker()
		s.breakers[provider] = b
	}
	return b
}
