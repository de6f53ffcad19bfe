// Package retry drives the attempt loop for one task invocation: sequential
// attempts, fixed or exponential backoff between them, and a single Result at
// the end so callers never juggle raised-vs-returned failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	logx "taskhive/pkg/logx"
)

type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// Policy controls the attempt loop. MaxInterval == 0 means uncapped.
type Policy struct {
	MaxAttempts int
	Strategy    Strategy
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
}

// Normalize clamps a policy into its documented invariants.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Strategy != StrategyFixed && p.Strategy != StrategyExponential {
		p.Strategy = StrategyFixed
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	if p.MaxInterval < 0 {
		p.MaxInterval = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay returns how long to wait after a failed attempt (1-based) before the
// next one. There is never a delay before attempt 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := p.Interval
	if p.Strategy == StrategyExponential {
		d = time.Duration(float64(p.Interval) * math.Pow(p.Multiplier, float64(attempt-1)))
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Failure is a value a task body may return instead of an error. The engine
// treats it exactly like a returned error: logged, retried, surfaced the same.
type Failure struct {
	Message string
}

func (f Failure) Error() string { return f.Message }

// NoRetry marks an error as non-retryable. The attempt loop stops immediately
// and surfaces the wrapped error.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// ExhaustedError wraps the final attempt's error with the attempt count.
// Its text is what failure signals report to external observers.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Attempt executes one try of the task body. attempt is 1-based.
type Attempt func(ctx context.Context, attempt, total int) (any, error)

// Result is the single outcome of a full attempt loop.
type Result struct {
	Value    any
	Attempts int
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }

// Engine runs attempt loops. Sleep is injectable for tests; the default
// blocks the calling goroutine (the pool worker) honoring ctx cancellation.
type Engine struct {
	log   logx.Logger
	sleep func(ctx context.Context, d time.Duration) error
	sink  func(line string)
}

type Option func(*Engine)

// WithSleep replaces the inter-attempt delay function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithSink installs an external log sink invoked with each attempt line.
func WithSink(fn func(line string)) Option {
	return func(e *Engine) { e.sink = fn }
}

func New(log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{log: log, sleep: sleepCtx}
	for _, o := range opts {
		o(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// Run drives up to policy.MaxAttempts sequential attempts of body.
//
// A failed attempt is either a returned error or a returned Failure value;
// both are handled identically. Only the terminal failure (after exhausting
// attempts) surfaces to the caller, wrapped in *ExhaustedError.
func (e *Engine) Run(ctx context.Context, name string, policy Policy, body Attempt) Result {
	p := policy.Normalize()
	total := p.MaxAttempts

	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		val, err := body(ctx, attempt, total)
		if err == nil {
			if f, failed := failureValue(val); failed {
				err = f
			}
		}
		if err == nil {
			if attempt > 1 {
				e.emit(name, attempt, total, "succeeded after retry")
			}
			return Result{Value: val, Attempts: attempt}
		}

		var nr noRetryError
		if errors.As(err, &nr) {
			return Result{Attempts: attempt, Err: nr.err}
		}

		lastErr = err
		e.emit(name, attempt, total, fmt.Sprintf("attempt failed: %v", err))

		if attempt == total {
			break
		}
		delay := p.Delay(attempt)
		e.log.Debug("retry scheduled",
			logx.String("task", name),
			logx.Int("next_attempt", attempt+1),
			logx.Duration("delay", delay))
		if serr := e.sleep(ctx, delay); serr != nil {
			return Result{Attempts: attempt, Err: serr}
		}
	}

	return Result{Attempts: total, Err: &ExhaustedError{Attempts: total, Last: lastErr}}
}

func (e *Engine) emit(name string, attempt, total int, msg string) {
	line := fmt.Sprintf("[attempt %d/%d] %s", attempt, total, msg)
	e.log.Info(line, logx.String("task", name))
	if e.sink != nil {
		e.sink(line)
	}
}

func failureValue(val any) (error, bool) {
	switch f := val.(type) {
	case Failure:
		return f, true
	case *Failure:
		if f != nil {
			return *f, true
		}
	}
	return nil, false
}
