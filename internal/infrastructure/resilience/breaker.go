package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateHalfOpen: "half-open",
	StateOpen:     "open",
}

// String returns the string representation of the state
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Settings configures a Breaker. Zero values take defaults.
type Settings struct {
	// MaxRequests is how many probes pass while half-open, and how many
	// must succeed to close again. Default 1.
	MaxRequests uint32
	// Interval clears the counts of a closed breaker. Default 60s.
	Interval time.Duration
	// Timeout is how long the breaker stays open. Default 60s.
	Timeout time.Duration
	// ReadyToTrip decides after a failure whether to open. Default: more
	// than five consecutive failures.
	ReadyToTrip func(counts Counts) bool
	// IsSuccessful decides whether an error counts against the breaker.
	// Errors it accepts are returned to the caller but recorded as successes.
	IsSuccessful func(err error) bool
	// OnStateChange observes transitions
	OnStateChange func(name string, from State, to State)
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Counts are the outcomes recorded since the last transition or interval
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker fails calls fast once an origin keeps failing. Every transition
// starts a new epoch; outcomes of calls admitted in an earlier epoch are
// ignored.
type Breaker struct {
	name     string
	settings Settings

	mu       sync.Mutex
	state    State
	epoch    uint64
	counts   Counts
	deadline time.Time
}

// New creates a closed breaker
func New(name string, settings Settings) *Breaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Interval <= 0 {
		settings.Interval = 60 * time.Second
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 60 * time.Second
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts Counts) bool { return counts.ConsecutiveFailures > 5 }
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = func(err error) bool { return err == nil }
	}
	if settings.Clock == nil {
		settings.Clock = time.Now
	}

	b := &Breaker{name: name, settings: settings, state: StateClosed}
	b.deadline = settings.Clock().Add(settings.Interval)
	return b
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(b.settings.Clock())
	return b.state
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs req if b admits it and records the outcome. A panic in req
// is recorded as a failure and re-raised.
func Execute[T any](b *Breaker, req func() (T, error)) (T, error) {
	var zero T
	epoch, err := b.admit()
	if err != nil {
		return zero, err
	}

	ok := false
	defer func() {
		if !ok {
			b.record(epoch, false)
		}
	}()

	out, err := req()
	ok = true
	b.record(epoch, b.settings.IsSuccessful(err))
	return out, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tick(b.settings.Clock())
	switch b.state {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.settings.MaxRequests {
			return 0, ErrTooManyRequests
		}
	}
	b.counts.Requests++
	return b.epoch, nil
}

func (b *Breaker) record(epoch uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Clock()
	b.tick(now)
	if epoch != b.epoch {
		return
	}

	switch {
	case success:
		b.counts.success()
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
			b.transition(StateClosed, now)
		}
	case b.state == StateHalfOpen:
		b.transition(StateOpen, now)
	default:
		b.counts.failure()
		if b.settings.ReadyToTrip(b.counts) {
			b.transition(StateOpen, now)
		}
	}
}

// tick applies the time-driven changes: an open breaker half-opens after
// its timeout and a closed one forgets its counts every interval.
func (b *Breaker) tick(now time.Time) {
	if b.deadline.IsZero() || !now.After(b.deadline) {
		return
	}
	switch b.state {
	case StateOpen:
		b.transition(StateHalfOpen, now)
	case StateClosed:
		b.newEpoch(now)
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.newEpoch(now)
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) newEpoch(now time.Time) {
	b.epoch++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		b.deadline = now.Add(b.settings.Interval)
	case StateOpen:
		b.deadline = now.Add(b.settings.Timeout)
	default:
		b.deadline = time.Time{}
	}
}
