// Package breaker implements a named circuit breaker guarding calls to a
// flaky dependency.
//
// A Breaker is CLOSED while the dependency is healthy. Outcomes of the last
// WindowSize calls are kept; once MinimumCalls of them are recorded and the
// failure rate reaches FailureRateThreshold percent the breaker OPENs and
// every call is answered by its fallback without touching the dependency.
// After OpenTimeout the next call moves it to HALF_OPEN and is let through as
// a trial: a successful trial closes the breaker, a failed one reopens it.
//
// Usage:
//
//	b := breaker.New(breaker.Settings{Name: "email-service"})
//	res := breaker.Execute(ctx, b,
//	    func(ctx context.Context) (string, error) { return send(ctx) },
//	    func(ctx context.Context, err error) string { return "skipped" },
//	)
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrOpenState is handed to the fallback when a call is short-circuited.
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrTooManyTrials is handed to the fallback when HALF_OPEN already has
	// HalfOpenMaxCalls trials in flight.
	ErrTooManyTrials = errors.New("circuit breaker half-open trial limit reached")
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Settings struct {
	Name string

	// FailureRateThreshold is the failure percentage (1-100) that opens the breaker.
	FailureRateThreshold int
	// MinimumCalls is how many outcomes must be in the window before the
	// failure rate is evaluated.
	MinimumCalls int
	// WindowSize is the number of most recent outcomes considered.
	WindowSize int
	// OpenTimeout is how long the breaker stays OPEN before allowing a trial.
	OpenTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent trials while HALF_OPEN.
	HalfOpenMaxCalls int

	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
	// Clock defaults to time.Now.
	Clock func() time.Time
}

const (
	defaultFailureRateThreshold = 50
	defaultMinimumCalls         = 5
	defaultWindowSize           = 10
	defaultOpenTimeout          = 30 * time.Second
	defaultHalfOpenMaxCalls     = 1
)

func (s Settings) withDefaults() Settings {
	if s.FailureRateThreshold <= 0 || s.FailureRateThreshold > 100 {
		s.FailureRateThreshold = defaultFailureRateThreshold
	}
	if s.WindowSize <= 0 {
		s.WindowSize = defaultWindowSize
	}
	if s.MinimumCalls <= 0 {
		s.MinimumCalls = defaultMinimumCalls
	}
	if s.MinimumCalls > s.WindowSize {
		s.WindowSize = s.MinimumCalls
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = defaultOpenTimeout
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	return s
}

// Breaker is safe for concurrent use. Build one per protected operation name
// at process start and share it with every caller.
type Breaker struct {
	settings Settings

	mu               sync.Mutex
	state            State
	window           *window
	openedAt         time.Time
	halfOpenInFlight int
	// generation changes on every transition so outcomes of calls admitted
	// under an earlier state are discarded instead of skewing the new one.
	generation uint64
}

func New(settings Settings) *Breaker {
	settings = settings.withDefaults()
	return &Breaker{
		settings: settings,
		state:    StateClosed,
		window:   newWindow(settings.WindowSize),
	}
}

func (b *Breaker) Name() string { return b.settings.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts is a snapshot of the sliding window.
type Counts struct {
	Calls     int
	Failures  int
	Successes int
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		Calls:     b.window.len(),
		Failures:  b.window.failures,
		Successes: b.window.len() - b.window.failures,
	}
}

// Execute runs op through b. When b rejects the call or op fails, fallback
// receives the triggering error and its result is returned instead. The
// fallback must not panic; Execute never returns an error of its own.
//
// A context error from op after ctx itself is done is the caller giving up,
// not the dependency failing: it reaches the fallback but is not counted.
func Execute[T any](
	ctx context.Context,
	b *Breaker,
	op func(context.Context) (T, error),
	fallback func(context.Context, error) T,
) T {
	gen, err := b.admit()
	if err != nil {
		return fallback(ctx, err)
	}

	res, err := callGuarded(ctx, op)
	if err != nil && callerGaveUp(ctx, err) {
		b.release(gen)
		return fallback(ctx, err)
	}
	b.record(gen, err == nil)
	if err != nil {
		return fallback(ctx, err)
	}
	return res
}

// callerGaveUp reports whether err is the caller's own cancellation or
// deadline rather than a failure of the protected dependency.
func callerGaveUp(ctx context.Context, err error) bool {
	return ctx.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// callGuarded turns a panic in op into an error so the outcome is still
// recorded and HALF_OPEN trial slots are released.
func callGuarded[T any](ctx context.Context, op func(context.Context) (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protected call panicked: %v", r)
		}
	}()
	return op(ctx)
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	var transition *stateChange

	switch b.state {
	case StateOpen:
		if b.settings.Clock().Sub(b.openedAt) < b.settings.OpenTimeout {
			b.mu.Unlock()
			return 0, ErrOpenState
		}
		transition = b.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.settings.HalfOpenMaxCalls {
			b.mu.Unlock()
			b.notify(transition)
			return 0, ErrTooManyTrials
		}
		b.halfOpenInFlight++
	}

	gen := b.generation
	b.mu.Unlock()
	b.notify(transition)
	return gen, nil
}

func (b *Breaker) record(gen uint64, success bool) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	var transition *stateChange
	switch b.state {
	case StateClosed:
		b.window.add(success)
		if b.window.len() >= b.settings.MinimumCalls &&
			b.window.failures*100 >= b.settings.FailureRateThreshold*b.window.len() {
			transition = b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenInFlight--
		if success {
			transition = b.setState(StateClosed)
		} else {
			transition = b.setState(StateOpen)
		}
	}
	b.mu.Unlock()
	b.notify(transition)
}

// release frees an admission without recording an outcome.
func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.generation && b.state == StateHalfOpen {
		b.halfOpenInFlight--
	}
}

type stateChange struct {
	from, to State
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) *stateChange {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.generation++
	b.halfOpenInFlight = 0
	switch to {
	case StateOpen:
		b.openedAt = b.settings.Clock()
	case StateClosed:
		b.window.reset()
	}
	return &stateChange{from: from, to: to}
}

func (b *Breaker) notify(c *stateChange) {
	if c == nil || b.settings.OnStateChange == nil {
		return
	}
	b.settings.OnStateChange(b.settings.Name, c.from, c.to)
}
