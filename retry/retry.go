// Package retry runs operations with bounded, jittered exponential backoff.
// Transient failures are recognized either structurally (network errors,
// retryable HTTP status codes) or explicitly via Mark.
package retry

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/leadfold/enrich/ops"
)

// Retryable is the marker matched by errors.Is for errors that are safe
// to retry. Attach it with Mark.
var Retryable = errors.New("retryable")

type marked struct{ cause error }

func (m marked) Error() string        { return m.cause.Error() }
func (m marked) Unwrap() error        { return m.cause }
func (m marked) Is(target error) bool { return target == Retryable }

// Mark attaches the Retryable marker to err.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return marked{cause: err}
}

// Cause strips the Retryable marker from err, if present.
func Cause(err error) error {
	var m marked
	if errors.As(err, &m) {
		return m.cause
	}
	return err
}

// statusCoder is implemented by errors which carry an HTTP status code,
// such as httpclient.StatusError.
type statusCoder interface{ StatusCode() int }

// delayHinter is implemented by errors which carry a server-requested
// minimum delay before the next attempt (Retry-After).
type delayHinter interface{ RetryAfter() (time.Duration, bool) }

// Policy bounds the attempts of Do. The sleep before attempt N is
// min(MaxDelay, BaseDelay * 2^(N-2)), scaled by a random factor in
// [1-Jitter, 1+Jitter].
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	// Classify overrides the default decision of whether an error is
	// transient. Mark'd errors retry regardless.
	Classify func(error) bool
}

// DefaultPolicy is the transport-grade default: up to five attempts,
// half-second base, thirty-second cap.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Jitter:      0.2,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	return p
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, Retryable) {
		return true
	}
	if p.Classify != nil {
		return p.Classify(err)
	}
	return Transient(err)
}

// delay computes the sleep which follows a failed |attempt| (1-indexed).
func (p Policy) delay(attempt int) time.Duration {
	var d = p.MaxDelay
	if attempt-1 < 32 {
		if shifted := p.BaseDelay << (attempt - 1); shifted < d {
			d = shifted
		}
	}
	if p.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + p.Jitter*(2*rand.Float64()-1)))
	}
	return d
}

// Transient is the default classifier: network-level failures and
// HTTP 429 / 5xx responses retry, everything else is terminal.
func Transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		var code = sc.StatusCode()
		return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// Do runs fn until it succeeds, fails terminally, or exhausts
// policy.MaxAttempts. Sleeps are cut short by ctx cancellation. The
// returned error is fn's last error, stripped of the Retryable marker;
// per-attempt context lives in the logs, not the error chain.
func Do(ctx context.Context, policy Policy, name string, fn func(context.Context) error) error {
	policy = policy.withDefaults()
	var started = time.Now()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(ctx); lastErr == nil {
			if attempt > 1 {
				ops.Debug(ctx, "operation succeeded after retry",
					"op", name,
					"attempt", attempt,
					"elapsed", time.Since(started).String(),
				)
			}
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		} else if !policy.retryable(lastErr) {
			return Cause(lastErr)
		} else if attempt == policy.MaxAttempts {
			ops.Warn(ctx, "operation failed (attempts exhausted)",
				"op", name,
				"attempt", attempt,
				"elapsed", time.Since(started).String(),
				"error", lastErr,
			)
			return Cause(lastErr)
		}

		var delay = policy.delay(attempt)
		var hinter delayHinter
		if errors.As(lastErr, &hinter) {
			if hint, ok := hinter.RetryAfter(); ok && hint > delay {
				delay = min(hint, policy.MaxDelay)
			}
		}

		ops.Warn(ctx, "operation failed (will retry)",
			"op", name,
			"attempt", attempt,
			"delay", delay.String(),
			"error", lastErr,
		)

		var timer = time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
