// Package breaker implements a three-state circuit breaker guarding calls
// to the external downloader, grounded on the pkg/circuitbreaker shape
// used by the code-lupe-v2 downloader (Config{MaxFailures, Timeout,
// OnStateChange}, New, Execute/ExecuteContext).
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit states from spec §4.4.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Execute/ExecuteContext when the breaker is OPEN
// and the recovery timeout has not yet elapsed.
var ErrOpen = errors.New("breaker: circuit open")

// Config configures a CircuitBreaker.
type Config struct {
	// MaxFailures is the number of consecutive transport-class failures
	// that trip the breaker from CLOSED to OPEN.
	MaxFailures int
	// Timeout is how long the breaker stays OPEN before allowing a single
	// HALF_OPEN probe call through.
	Timeout time.Duration
	// OnStateChange, if set, is invoked whenever the breaker transitions.
	OnStateChange func(from, to State)
}

// CircuitBreaker guards a dependency that can fail in bursts (spec §4.4):
// CLOSED lets every call through, OPEN rejects immediately for Timeout,
// HALF_OPEN allows exactly one probe call to decide whether to close again.
type CircuitBreaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	lastSuccessAt time.Time
	lastFailureAt time.Time
	halfOpenBusy  bool
}

// Snapshot is the read model spec §4.4 exposes for diagnostics:
// {state, failure_count, last_success_at, last_failure_at, opened_at}.
type Snapshot struct {
	State         State
	FailureCount  int
	LastSuccessAt time.Time
	LastFailureAt time.Time
	OpenedAt      time.Time
}

// New builds a CircuitBreaker. A MaxFailures <= 0 defaults to 5, a
// Timeout <= 0 defaults to 30s.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: Closed}
}

// State reports the current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's full exposed read model (spec §4.4),
// used by OrchestratorAPI.Health to report breaker diagnostics.
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		FailureCount:  b.failures,
		LastSuccessAt: b.lastSuccessAt,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
	}
}

// Allow reports whether a call may proceed right now, transitioning OPEN
// to HALF_OPEN once the recovery timeout has elapsed. Execute/
// ExecuteContext call this internally; it is exported so dispatch loops
// can skip work without paying the call's own timeout cost.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *CircuitBreaker) allowLocked() bool {
	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.setState(HalfOpen)
			// this caller is the single probe; others wait for its outcome
			b.halfOpenBusy = true
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenBusy {
			return false
		}
		b.halfOpenBusy = true
		return true
	default:
		return true
	}
}

func (b *CircuitBreaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		cb := b.cfg.OnStateChange
		go cb(from, to)
	}
}

func (b *CircuitBreaker) recordResult(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.lastSuccessAt = time.Now()
	} else {
		b.lastFailureAt = time.Now()
	}

	switch b.state {
	case HalfOpen:
		b.halfOpenBusy = false
		if ok {
			b.failures = 0
			b.setState(Closed)
		} else {
			b.openedAt = time.Now()
			b.setState(Open)
		}
	case Closed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.openedAt = time.Now()
			b.setState(Open)
		}
	case Open:
		// a call slipped through a race with Allow(); ignore its result.
	}
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (b *CircuitBreaker) Execute(fn func() error) error {
	return b.ExecuteContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteContext runs fn if the breaker allows it, recording the outcome.
// It returns ErrOpen without calling fn when the breaker rejects the call.
func (b *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	b.recordResult(err == nil)
	return err
}

// RecordOutcome lets a caller report a call's success/failure when the
// call was dispatched manually after a prior Allow() check, rather than
// through Execute/ExecuteContext — needed because only transport-class
// errors count against the breaker (spec §4.4), and the engine needs the
// call's result for other bookkeeping regardless of outcome.
func (b *CircuitBreaker) RecordOutcome(ok bool) {
	b.recordResult(ok)
}
