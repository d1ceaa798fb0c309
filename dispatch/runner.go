package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/metrics"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/results"
	"golang.org/x/sync/singleflight"
)

// DefaultDeadline bounds one delivery end to end. The queue's own
// delivery deadline is ten minutes; finishing under it leaves room to
// return a response.
const DefaultDeadline = 540 * time.Second

// ErrCallbackAfterStore marks a callback failure that happened after the
// result was stored. The delivery must report failure so the queue
// redelivers: the next delivery finds the stored entry and reissues the
// callback without re-running the handler.
var ErrCallbackAfterStore = errors.New("callback delivery failed after result was stored")

// StageError attributes a failure to a named stage of a handler's
// pipeline. The stage lands in the failure callback's error details.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %s", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

type panicError struct{ value interface{} }

func (e panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }

// Runner owns steps the handlers must not: the idempotency check, the
// result store write, and callback delivery.
type Runner struct {
	registry *Registry
	results  *results.Store
	sender   results.Sender
	env      *Env
	deadline time.Duration

	flights singleflight.Group
}

// NewRunner builds a Runner. A zero deadline takes DefaultDeadline.
func NewRunner(registry *Registry, store *results.Store, sender results.Sender, env *Env, deadline time.Duration) *Runner {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Runner{
		registry: registry,
		results:  store,
		sender:   sender,
		env:      env,
		deadline: deadline,
	}
}

// Run executes one delivery and returns the summary for the queue
// response. A nil error means the delivery was handled, even when the
// handler reported failure. A non-nil error means the delivery could
// not complete and should be redelivered; ErrUnknownTask means no
// handler serves the kind.
func (r *Runner) Run(ctx context.Context, taskKind string, payload *Payload) (Summary, error) {
	var handler, err = r.registry.Lookup(taskKind)
	if err != nil {
		return nil, err
	}

	ctx = ops.With(ctx,
		ops.WithJob(payload.JobID),
		ops.WithEntity(payload.EntityID()),
		ops.WithTask(taskKind),
	)

	var deadline = r.deadline
	if hint, ok := handler.(DeadlineHint); ok && hint.DeliveryDeadline() > 0 {
		deadline = hint.DeliveryDeadline()
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	metrics.DeliveriesStarted.WithLabelValues(taskKind).Inc()

	// Concurrent deliveries of one idempotency key collapse to a single
	// execution. Losers share the winner's outcome and context.
	var flightKey = taskKind + "\x00" + payload.JobID + "\x00" + payload.EntityID()
	out, err, shared := r.flights.Do(flightKey, func() (interface{}, error) {
		return r.run(ctx, handler, taskKind, payload)
	})
	if shared {
		ops.Debug(ctx, "delivery joined an in-flight execution of the same key")
	}

	var summary, _ = out.(Summary)
	return summary, err
}

func (r *Runner) run(ctx context.Context, handler Handler, taskKind string, payload *Payload) (Summary, error) {
	// Snapshot the delivery body. The snapshot is what makes attempt
	// counting and the admin retry endpoint possible.
	r.env.Recorder.Record(ctx, StageDelivery, payload.Raw)

	var existing, err = r.results.Get(ctx, taskKind, payload.JobID, payload.EntityID())
	if err != nil {
		metrics.DeliveriesHandled.WithLabelValues(taskKind, "redeliver").Inc()
		return nil, fmt.Errorf("reading stored result: %w", err)
	}

	if existing != nil {
		ops.Info(ctx, "skipping reprocess of a completed task, resending stored result")
		if err = r.sender.Send(ctx, existing); err != nil {
			metrics.DeliveriesHandled.WithLabelValues(taskKind, "redeliver").Inc()
			return nil, fmt.Errorf("%w: %v", ErrCallbackAfterStore, err)
		}
		metrics.DeliveriesHandled.WithLabelValues(taskKind, "replayed").Inc()
		return summaryOf(existing, true), nil
	}

	var started = time.Now()
	result, summary, err := r.execute(ctx, handler, payload)
	metrics.HandlerDuration.WithLabelValues(taskKind).Observe(time.Since(started).Seconds())

	if err != nil && ctx.Err() != nil {
		// The delivery itself timed out or was cancelled. Don't turn
		// that into a failure callback; redelivery will retry the work.
		metrics.DeliveriesHandled.WithLabelValues(taskKind, "redeliver").Inc()
		return nil, fmt.Errorf("delivery cancelled: %w", err)
	}
	if err != nil {
		var details = errorDetails(err)
		ops.Error(ctx, "task failed", "error", err, "stage", details.Stage)

		result = &callback.Payload{
			Status:       callback.StatusFailed,
			ErrorDetails: details,
		}
		if summary == nil {
			summary = Summary{"status": string(callback.StatusFailed), "error": details.Message}
		}
	}

	if result == nil {
		// No final callback is due.
		metrics.DeliveriesHandled.WithLabelValues(taskKind, "none").Inc()
		if summary == nil {
			summary = Summary{"status": "accepted"}
		}
		return summary, nil
	}

	// The delivery identity is authoritative for the callback key.
	result.JobID = payload.JobID
	result.TaskKind = taskKind
	result.EntityID = payload.EntityID()

	switch result.Status {
	case callback.StatusCompleted:
		if err := r.results.Put(ctx, result); err != nil {
			metrics.DeliveriesHandled.WithLabelValues(taskKind, "redeliver").Inc()
			return nil, fmt.Errorf("storing result: %w", err)
		}
		if err := r.sender.Send(ctx, result); err != nil {
			metrics.DeliveriesHandled.WithLabelValues(taskKind, "redeliver").Inc()
			return nil, fmt.Errorf("%w: %v", ErrCallbackAfterStore, err)
		}
		metrics.DeliveriesHandled.WithLabelValues(taskKind, "completed").Inc()

	case callback.StatusFailed:
		if result.ErrorDetails == nil {
			result.ErrorDetails = &callback.ErrorDetails{
				Type:    "failure",
				Message: "task failed",
				Stage:   "execute",
			}
		}
		r.env.Recorder.RecordFailure(ctx, result.ErrorDetails)
		if err := r.sender.Send(ctx, result); err != nil {
			metrics.DeliveriesHandled.WithLabelValues(taskKind, "redeliver").Inc()
			return nil, fmt.Errorf("delivering failure callback: %w", err)
		}
		metrics.DeliveriesHandled.WithLabelValues(taskKind, "failed").Inc()

	default:
		// Interim statuses are delivered but never stored.
		if err := r.sender.Send(ctx, result); err != nil {
			metrics.DeliveriesHandled.WithLabelValues(taskKind, "redeliver").Inc()
			return nil, fmt.Errorf("delivering %s callback: %w", result.Status, err)
		}
		metrics.DeliveriesHandled.WithLabelValues(taskKind, string(result.Status)).Inc()
	}

	if summary == nil {
		summary = summaryOf(result, false)
	}
	return summary, nil
}

// execute invokes the handler, converting a panic into an error.
func (r *Runner) execute(ctx context.Context, handler Handler, payload *Payload) (result *callback.Payload, summary Summary, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ops.Error(ctx, "handler panicked", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			result, summary = nil, nil
			err = &StageError{Stage: "execute", Err: panicError{value: rec}}
		}
	}()
	return handler.Execute(ctx, r.env, payload)
}

// summaryOf derives a queue response from a delivered payload.
func summaryOf(result *callback.Payload, replayed bool) Summary {
	var summary = Summary{
		"job_id":                result.JobID,
		"task_kind":             result.TaskKind,
		"entity_id":             result.EntityID,
		"status":                string(result.Status),
		"completion_percentage": result.CompletionPercentage,
	}
	if replayed {
		summary["replayed"] = true
	}
	if result.ErrorDetails != nil {
		summary["error"] = result.ErrorDetails.Message
	}
	return summary
}

// errorDetails shapes |err| for a failure callback.
func errorDetails(err error) *callback.ErrorDetails {
	var stage = "execute"
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}
	return &callback.ErrorDetails{
		Type:    errorType(err),
		Message: err.Error(),
		Stage:   stage,
	}
}

// errorType names the deepest cause, the most specific thing known
// about what went wrong.
func errorType(err error) string {
	for {
		var next = errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}

	var name = strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndexByte(name, '.'); i != -1 {
		name = name[i+1:]
	}
	return name
}
