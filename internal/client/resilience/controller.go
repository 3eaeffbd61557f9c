// Package resilience drives transfers through an unreliable remote channel:
// it classifies failures, backs off, honours flood-control waits, bounds
// every attempt with a size-scaled timeout and paces consecutive transfers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/msgvault/internal/common"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

const (
	DefaultMaxAttempts  = 5
	DefaultProbeTimeout = 10 * time.Second
)

// Prober is a cheap liveness check of the remote side.
type Prober interface {
	Ping(ctx context.Context) error
}

// Observer receives attempt and retry counts; client/metrics implements it.
type Observer interface {
	Attempt(op string)
	Retry(op, reason string)
}

type nopObserver struct{}

func (nopObserver) Attempt(string)       {}
func (nopObserver) Retry(string, string) {}

// Operation is one logical transfer.
type Operation struct {
	// Name labels logs and metrics, e.g. "upload".
	Name string
	// Target identifies the file in logs.
	Target string

	// Timeout bounds every attempt. Zero means UploadTimeout(Size).
	Timeout time.Duration
	Size    int64

	// Attempt performs the transfer once. attempt is 1-based.
	Attempt func(ctx context.Context, attempt int) error

	// Refresh re-acquires cached remote handles. It runs before a retry when
	// the health probe fails.
	Refresh func(ctx context.Context) error

	// OnRetry is told about every scheduled retry.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Controller runs operations under the retry policy.
type Controller struct {
	prober       Prober
	logger       logging.Logger
	observer     Observer
	sleep        func(ctx context.Context, d time.Duration) error
	pacing       func(size int64) time.Duration
	maxAttempts  int
	probeTimeout time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleep replaces the context-aware sleep, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithObserver attaches metrics.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithProbeTimeout overrides the health probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithPacing replaces PacingDelay.
func WithPacing(f func(size int64) time.Duration) Option {
	return func(c *Controller) { c.pacing = f }
}

// NewController builds a Controller. prober may be nil, which skips health
// checks.
func NewController(prober Prober, logger logging.Logger, opts ...Option) *Controller {
	c := &Controller{
		prober:       prober,
		logger:       logger,
		observer:     nopObserver{},
		sleep:        Sleep,
		pacing:       PacingDelay,
		maxAttempts:  DefaultMaxAttempts,
		probeTimeout: DefaultProbeTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes op until it succeeds, fails fatally or the attempt budget is
// spent. Fatal errors come back as *common.TransferFailed, a spent budget as
// *common.TransferExhausted. Cancelling ctx ends the run.
func (c *Controller) Run(ctx context.Context, op Operation) error {
	logger := c.logger.With("op", op.Name, "target", op.Target)

	var last error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.healthCheck(ctx, logger, op)
		}

		c.observer.Attempt(op.Name)
		err := c.runAttempt(ctx, op, attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info(ctx, "transfer succeeded after retry", "attempts", attempt)
			}
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return &common.TransferFailed{Err: ctxErr}
		}

		cls := Classify(err)
		if cls.Kind == Fatal {
			logger.Error(ctx, "transfer failed", "attempt", attempt, "error", err)
			return &common.TransferFailed{Err: err}
		}

		last = err
		if attempt == c.maxAttempts {
			break
		}

		wait := Backoff(attempt, cls)
		logger.Warn(ctx, "transfer attempt failed, retrying",
			"attempt", attempt, "reason", cls.Reason, "wait", wait, "error", err)
		c.observer.Retry(op.Name, cls.Reason)
		if op.OnRetry != nil {
			op.OnRetry(attempt, err, wait)
		}

		if err := c.sleep(ctx, wait); err != nil {
			return &common.TransferFailed{Err: err}
		}
	}

	logger.Error(ctx, "transfer retry budget exhausted", "attempts", c.maxAttempts, "error", last)
	return &common.TransferExhausted{Attempts: c.maxAttempts, Last: last}
}

type attemptResult struct{ err error }

// runAttempt bounds one attempt by its timeout. An attempt that ignores its
// context is abandoned when the timeout fires.
func (c *Controller) runAttempt(ctx context.Context, op Operation, attempt int) error {
	timeout := op.Timeout
	if timeout <= 0 {
		timeout = UploadTimeout(op.Size)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		done <- attemptResult{err: op.Attempt(actx, attempt)}
	}()

	select {
	case res := <-done:
		return attemptError(ctx, actx, timeout, res.err)
	case <-actx.Done():
		select {
		case res := <-done:
			return attemptError(ctx, actx, timeout, res.err)
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", common.ErrAttemptTimedOut, timeout)
	}
}

func attemptError(ctx, actx context.Context, timeout time.Duration, err error) error {
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", common.ErrAttemptTimedOut, timeout, err)
	}
	return err
}

func (c *Controller) healthCheck(ctx context.Context, logger logging.Logger, op Operation) {
	if c.prober == nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	err := c.prober.Ping(pctx)
	cancel()
	if err == nil {
		return
	}

	logger.Warn(ctx, "remote probe failed", "error", err)
	if op.Refresh == nil {
		return
	}
	if err := op.Refresh(ctx); err != nil {
		logger.Warn(ctx, "refreshing remote handles failed", "error", err)
	}
}

// Pace sleeps for the pacing delay of a transfer of size bytes.
func (c *Controller) Pace(ctx context.Context, size int64) error {
	return c.sleep(ctx, c.pacing(size))
}
