package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errTransport = errors.New("smtp: connection refused")

type stubOp struct {
	calls atomic.Int32
	err   error
}

func (p *stubOp) op(context.Context) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	return "sent", nil
}

type fallbackSpy struct {
	mu   sync.Mutex
	errs []error
}

func (f *fallbackSpy) fn(_ context.Context, err error) string {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
	return "fallback"
}

func (f *fallbackSpy) last() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return nil
	}
	return f.errs[len(f.errs)-1]
}

func thresholdBreaker(clock *fakeClock, threshold int) *Breaker {
	return New(Settings{
		Name:                 "email-service",
		FailureRateThreshold: 50,
		MinimumCalls:         threshold,
		WindowSize:           10,
		OpenTimeout:          30 * time.Second,
		HalfOpenMaxCalls:     1,
		Clock:                clock.Now,
	})
}

func TestClosedPassesThrough(t *testing.T) {
	b := thresholdBreaker(newFakeClock(), 3)
	p := &stubOp{}
	fb := &fallbackSpy{}

	got := Execute(context.Background(), b, p.op, fb.fn)

	assert.Equal(t, "sent", got)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Nil(t, fb.last())
	assert.Equal(t, StateClosed, b.State())
}

func TestFailureRunsFallbackWithError(t *testing.T) {
	b := thresholdBreaker(newFakeClock(), 3)
	p := &stubOp{err: errTransport}
	fb := &fallbackSpy{}

	got := Execute(context.Background(), b, p.op, fb.fn)

	assert.Equal(t, "fallback", got)
	assert.ErrorIs(t, fb.last(), errTransport)
	assert.Equal(t, StateClosed, b.State())
}

func TestOpensAfterThresholdAndShortCircuits(t *testing.T) {
	for _, n := range []int{3, 4, 7} {
		b := thresholdBreaker(newFakeClock(), 3)
		p := &stubOp{err: errTransport}
		fb := &fallbackSpy{}

		for i := 0; i < n; i++ {
			Execute(context.Background(), b, p.op, fb.fn)
			if b.State() == StateOpen {
				break
			}
		}
		require.Equal(t, StateOpen, b.State(), "n=%d", n)
		before := p.calls.Load()

		got := Execute(context.Background(), b, p.op, fb.fn)

		assert.Equal(t, "fallback", got)
		assert.Equal(t, before, p.calls.Load(), "open breaker must not reach the operation")
		assert.ErrorIs(t, fb.last(), ErrOpenState)
	}
}

func TestBelowMinimumCallsStaysClosed(t *testing.T) {
	b := thresholdBreaker(newFakeClock(), 3)
	p := &stubOp{err: errTransport}
	fb := &fallbackSpy{}

	Execute(context.Background(), b, p.op, fb.fn)
	Execute(context.Background(), b, p.op, fb.fn)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{Calls: 2, Failures: 2}, b.Counts())
}

func TestFailureRateBelowThresholdStaysClosed(t *testing.T) {
	b := New(Settings{FailureRateThreshold: 50, MinimumCalls: 4, WindowSize: 4, Clock: newFakeClock().Now})
	ok := &stubOp{}
	bad := &stubOp{err: errTransport}
	fb := &fallbackSpy{}

	Execute(context.Background(), b, bad.op, fb.fn)
	Execute(context.Background(), b, ok.op, fb.fn)
	Execute(context.Background(), b, ok.op, fb.fn)
	Execute(context.Background(), b, ok.op, fb.fn)
	assert.Equal(t, StateClosed, b.State())

	Execute(context.Background(), b, bad.op, fb.fn)
	assert.Equal(t, StateClosed, b.State(), "window slid: 1 of 4 failed")

	// 2 of 4 = 50% reaches the threshold.
	Execute(context.Background(), b, bad.op, fb.fn)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := thresholdBreaker(clock, 3)
	p := &stubOp{err: errTransport}
	fb := &fallbackSpy{}
	for i := 0; i < 3; i++ {
		Execute(context.Background(), b, p.op, fb.fn)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	Execute(context.Background(), b, p.op, fb.fn)
	assert.Equal(t, int32(3), p.calls.Load(), "still inside the reset window")

	clock.Advance(2 * time.Second)
	p.err = nil
	got := Execute(context.Background(), b, p.op, fb.fn)

	assert.Equal(t, "sent", got)
	assert.Equal(t, int32(4), p.calls.Load())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := thresholdBreaker(clock, 3)
	p := &stubOp{err: errTransport}
	fb := &fallbackSpy{}
	for i := 0; i < 3; i++ {
		Execute(context.Background(), b, p.op, fb.fn)
	}

	clock.Advance(31 * time.Second)
	Execute(context.Background(), b, p.op, fb.fn)
	require.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, fb.last(), errTransport)

	// openedAt was reset by the failed trial.
	clock.Advance(10 * time.Second)
	Execute(context.Background(), b, p.op, fb.fn)
	assert.ErrorIs(t, fb.last(), ErrOpenState)
	assert.Equal(t, int32(4), p.calls.Load())
}

func TestHalfOpenLimitsConcurrentTrials(t *testing.T) {
	clock := newFakeClock()
	b := thresholdBreaker(clock, 3)
	fail := &stubOp{err: errTransport}
	fb := &fallbackSpy{}
	for i := 0; i < 3; i++ {
		Execute(context.Background(), b, fail.op, fb.fn)
	}
	clock.Advance(31 * time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan string)
	go func() {
		done <- Execute(context.Background(), b, func(context.Context) (string, error) {
			close(entered)
			<-release
			return "sent", nil
		}, fb.fn)
	}()
	<-entered
	require.Equal(t, StateHalfOpen, b.State())

	got := Execute(context.Background(), b, fail.op, fb.fn)
	assert.Equal(t, "fallback", got)
	assert.ErrorIs(t, fb.last(), ErrTooManyTrials)

	close(release)
	assert.Equal(t, "sent", <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestPanickingOperationCountsAsFailure(t *testing.T) {
	b := thresholdBreaker(newFakeClock(), 1)
	fb := &fallbackSpy{}

	got := Execute(context.Background(), b, func(context.Context) (string, error) {
		panic("boom")
	}, fb.fn)

	assert.Equal(t, "fallback", got)
	require.Error(t, fb.last())
	assert.Contains(t, fb.last().Error(), "boom")
	assert.Equal(t, StateOpen, b.State())
}

func TestStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var (
		mu          sync.Mutex
		transitions []string
	)
	b := New(Settings{
		Name:         "email-service",
		MinimumCalls: 1,
		OpenTimeout:  time.Second,
		Clock:        clock.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	fail := &stubOp{err: errTransport}
	ok := &stubOp{}
	fb := &fallbackSpy{}

	Execute(context.Background(), b, fail.op, fb.fn)
	clock.Advance(2 * time.Second)
	Execute(context.Background(), b, ok.op, fb.fn)

	assert.Equal(t, []string{
		"email-service:CLOSED->OPEN",
		"email-service:OPEN->HALF_OPEN",
		"email-service:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestConcurrentOutcomesAreAllRecorded(t *testing.T) {
	b := New(Settings{MinimumCalls: 1000, WindowSize: 1000, Clock: newFakeClock().Now})
	ok := &stubOp{}
	fb := &fallbackSpy{}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Execute(context.Background(), b, ok.op, fb.fn)
		}()
	}
	wg.Wait()

	assert.Equal(t, Counts{Calls: 200, Successes: 200}, b.Counts())
	assert.Equal(t, int32(200), ok.calls.Load())
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{MinimumCalls: 20}.withDefaults()
	assert.Equal(t, 50, s.FailureRateThreshold)
	assert.Equal(t, 20, s.WindowSize, "window grows to fit the minimum")
	assert.Equal(t, 30*time.Second, s.OpenTimeout)
	assert.Equal(t, 1, s.HalfOpenMaxCalls)
	assert.NotNil(t, s.Clock)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestCallerCancellationIsNotCounted(t *testing.T) {
	b := thresholdBreaker(newFakeClock(), 3)
	fb := &fallbackSpy{}
	honorsCtx := func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "sent", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		assert.Equal(t, "fallback", Execute(ctx, b, honorsCtx, fb.fn))
		assert.ErrorIs(t, fb.last(), context.Canceled)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
	assert.Equal(t, "sent", Execute(context.Background(), b, honorsCtx, fb.fn))
}

func TestDependencyTimeoutIsCounted(t *testing.T) {
	b := thresholdBreaker(newFakeClock(), 3)
	fb := &fallbackSpy{}
	timesOut := func(context.Context) (string, error) {
		return "", context.DeadlineExceeded
	}

	for i := 0; i < 3; i++ {
		Execute(context.Background(), b, timesOut, fb.fn)
	}
	assert.Equal(t, StateOpen, b.State(), "deadline hit inside the dependency with a live caller context")
}

func TestCancelledTrialFreesHalfOpenSlot(t *testing.T) {
	clock := newFakeClock()
	b := thresholdBreaker(clock, 3)
	fail := &stubOp{err: errTransport}
	fb := &fallbackSpy{}
	for i := 0; i < 3; i++ {
		Execute(context.Background(), b, fail.op, fb.fn)
	}
	clock.Advance(31 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Execute(ctx, b, func(ctx context.Context) (string, error) { return "", ctx.Err() }, fb.fn)
	require.Equal(t, StateHalfOpen, b.State())

	ok := &stubOp{}
	assert.Equal(t, "sent", Execute(context.Background(), b, ok.op, fb.fn))
	assert.Equal(t, StateClosed, b.State())
}
