package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/entomex/analysis-service/internal/observability"
)

// Context carries the execution state of one workflow invocation and exposes
// the durable step primitives to workflow definitions.
type Context struct {
	ctx      context.Context
	instance *Instance
	store    InstanceStore
	logger   zerolog.Logger
	metrics  *observability.Metrics
	clock    func() time.Time
}

// newContext builds a Context for a single invocation of an instance.
func newContext(ctx context.Context, inst *Instance, store InstanceStore, logger zerolog.Logger, metrics *observability.Metrics, clock func() time.Time) *Context {
	return &Context{
		ctx:      ctx,
		instance: inst,
		store:    store,
		logger:   observability.WithWorkflowContext(logger, inst.Workflow, inst.ID.String()),
		metrics:  metrics,
		clock:    clock,
	}
}

// Context returns the underlying context.Context for cancellation and deadlines.
func (c *Context) Context() context.Context {
	return c.ctx
}

// CaseID returns the case this instance belongs to.
func (c *Context) CaseID() string {
	return c.instance.CaseID
}

// Attempt returns the zero-based invocation attempt for this run.
func (c *Context) Attempt() int {
	return c.instance.Attempt
}

// Logger returns a logger annotated with the workflow and instance fields.
func (c *Context) Logger() zerolog.Logger {
	return c.logger
}

// SuspendError signals the runner that the workflow parked itself on a
// durable sleep and must be re-driven once the wake time has elapsed.
type SuspendError struct {
	Step   string
	WakeAt time.Time
}

// Error implements the error interface.
func (e *SuspendError) Error() string {
	return fmt.Sprintf("workflow suspended at step %q until %s", e.Step, e.WakeAt.Format(time.RFC3339))
}

// Sleep suspends the workflow without holding a worker for the duration.
// On first execution it persists the wake time and returns a *SuspendError;
// the runner parks the instance and re-drives it after the duration has
// elapsed, even across process restarts. On re-entry an elapsed sleep is
// marked complete and returns nil; completed sleeps replay as no-ops.
func (c *Context) Sleep(name string, d time.Duration) error {
	rec, err := c.store.GetStep(c.ctx, c.instance.ID, name)
	if err != nil {
		return fmt.Errorf("load sleep step %q: %w", name, err)
	}

	now := c.clock()

	if rec == nil {
		wakeAt := now.Add(d)
		if err := c.store.RecordSleep(c.ctx, c.instance.ID, name, wakeAt); err != nil {
			return fmt.Errorf("record sleep step %q: %w", name, err)
		}
		c.logger.Debug().Str("step", name).Time("wake_at", wakeAt).Msg("workflow sleeping")
		return &SuspendError{Step: name, WakeAt: wakeAt}
	}

	if rec.Completed() {
		return nil
	}

	if rec.WakeAt != nil && now.Before(*rec.WakeAt) {
		// Woken early (e.g. lease reclaim); park again until the wake time.
		return &SuspendError{Step: name, WakeAt: *rec.WakeAt}
	}

	if err := c.store.CompleteSleep(c.ctx, c.instance.ID, name); err != nil {
		return fmt.Errorf("complete sleep step %q: %w", name, err)
	}
	return nil
}

// Run executes a named step at most once per workflow instance. The first
// successful execution persists the result; on workflow re-entry the cached
// result is returned without re-running fn. A failing fn is not recorded, so
// the step re-executes on the next invocation. fn must therefore be
// idempotent with respect to its side effects.
func Run[T any](c *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	rec, err := c.store.GetStep(c.ctx, c.instance.ID, name)
	if err != nil {
		return zero, fmt.Errorf("load step %q: %w", name, err)
	}

	if rec != nil && rec.Completed() {
		var cached T
		if len(rec.Result) > 0 {
			if err := json.Unmarshal(rec.Result, &cached); err != nil {
				return zero, fmt.Errorf("decode cached result of step %q: %w", name, err)
			}
		}
		if c.metrics != nil {
			c.metrics.StepsReplayed.WithLabelValues(name).Inc()
		}
		c.logger.Debug().Str("step", name).Msg("step replayed from log")
		return cached, nil
	}

	out, err := fn(c.ctx)
	if err != nil {
		return zero, fmt.Errorf("step %q: %w", name, err)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("encode result of step %q: %w", name, err)
	}
	if err := c.store.RecordStep(c.ctx, c.instance.ID, name, encoded); err != nil {
		return zero, fmt.Errorf("record step %q: %w", name, err)
	}

	if c.metrics != nil {
		c.metrics.StepsExecuted.WithLabelValues(name).Inc()
	}
	c.logger.Debug().Str("step", name).Msg("step executed")
	return out, nil
}

// RunVoid executes a named step that produces no value.
func RunVoid(c *Context, name string, fn func(ctx context.Context) error) error {
	_, err := Run(c, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
