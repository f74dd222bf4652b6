package workflow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/entomex/analysis-service/internal/domain"
	"github.com/entomex/analysis-service/internal/observability"
)

// Handler is the body of a workflow definition. It is invoked with a fresh
// Context on every (re-)entry of the instance and must drive all side effects
// through the durable step primitives.
type Handler func(c *Context, event domain.TriggerEvent) error

// FailureHook runs after a workflow instance has exhausted its retries. It is
// the single point that converts an unrecoverable error into user-visible
// state.
type FailureHook func(ctx context.Context, event domain.TriggerEvent, failure error)

// Definition binds a workflow name, its triggering event, the handler, and
// the terminal failure hook.
type Definition struct {
	// Name identifies the workflow (e.g. "case-analysis").
	Name string
	// Event is the trigger event name this definition subscribes to.
	Event string
	// Handler is the step sequence.
	Handler Handler
	// OnFailure runs once after retries are exhausted. Optional.
	OnFailure FailureHook
}

// Config holds engine tuning knobs.
type Config struct {
	// Workers is the number of concurrent instance runners.
	Workers int
	// PollInterval is how often idle runners poll for due instances.
	PollInterval time.Duration
	// LeaseDuration is how long a claim on an instance lasts before another
	// runner may reclaim it.
	LeaseDuration time.Duration
	// MaxRetries is the number of full workflow re-invocations after the
	// first failed attempt.
	MaxRetries int
	// RetryBackoffBase is the base delay before a workflow re-invocation,
	// doubled per attempt.
	RetryBackoffBase time.Duration
}

// Engine drives workflow instances to completion. Instances for different
// cases run concurrently on the worker pool; a per-case lock guarantees that
// two instances for one case never overlap.
type Engine struct {
	store   InstanceStore
	locks   CaseLocker
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
	clock   func() time.Time

	mu   sync.RWMutex
	defs map[string]*Definition // keyed by trigger event name
}

// NewEngine creates a workflow engine.
func NewEngine(store InstanceStore, locks CaseLocker, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 5 * time.Second
	}

	return &Engine{
		store:   store,
		locks:   locks,
		cfg:     cfg,
		logger:  logger.With().Str("component", "workflow_engine").Logger(),
		metrics: metrics,
		clock:   time.Now,
		defs:    make(map[string]*Definition),
	}
}

// Register adds a workflow definition. It panics on a duplicate trigger
// event, which is a programming error caught at startup.
func (e *Engine) Register(def *Definition) {
	if def == nil || def.Name == "" || def.Event == "" || def.Handler == nil {
		panic("workflow: incomplete definition")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.defs[def.Event]; dup {
		panic(fmt.Sprintf("workflow: duplicate registration for event %q", def.Event))
	}
	e.defs[def.Event] = def
}

// Dispatch creates a new instance for the trigger event. Duplicate deliveries
// of the same event while an instance is in flight are dropped, which gives
// effective dedup on top of at-least-once event delivery.
func (e *Engine) Dispatch(ctx context.Context, event domain.TriggerEvent) error {
	e.mu.RLock()
	def, ok := e.defs[event.Name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no workflow registered for event %q", event.Name)
	}

	inst := &Instance{
		ID:       uuid.New(),
		Workflow: def.Name,
		CaseID:   event.Data.CaseID,
		Event:    event,
		Status:   InstanceStatusPending,
		RunAt:    e.clock(),
	}

	if err := e.store.Create(ctx, inst); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			e.logger.Debug().
				Str("workflow", def.Name).
				Str("case_id", event.Data.CaseID).
				Msg("duplicate trigger event dropped, instance already in flight")
			return nil
		}
		return fmt.Errorf("create workflow instance: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordWorkflowStarted(def.Name)
	}
	e.logger.Info().
		Str("workflow", def.Name).
		Str("case_id", event.Data.CaseID).
		Str("instance_id", inst.ID.String()).
		Msg("workflow instance created")
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Int("workers", e.cfg.Workers).Msg("workflow engine starting")

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.workerLoop(ctx, worker)
		}(i)
	}

	wg.Wait()
	e.logger.Info().Msg("workflow engine stopped")
	return ctx.Err()
}

// workerLoop claims and runs due instances until the context is cancelled.
func (e *Engine) workerLoop(ctx context.Context, worker int) {
	logger := e.logger.With().Int("worker", worker).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		inst, err := e.store.ClaimDue(ctx, e.clock(), e.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("failed to claim due instance")
			e.sleep(ctx, e.cfg.PollInterval)
			continue
		}

		if inst == nil {
			e.sleep(ctx, e.cfg.PollInterval)
			continue
		}

		e.runInstance(ctx, inst, logger)
	}
}

// runInstance drives a single claimed instance through one invocation.
func (e *Engine) runInstance(ctx context.Context, inst *Instance, logger zerolog.Logger) {
	logger = observability.WithWorkflowContext(logger, inst.Workflow, inst.ID.String())
	logger = observability.WithCaseContext(logger, inst.CaseID)

	e.mu.RLock()
	def, ok := e.defs[inst.Event.Name]
	e.mu.RUnlock()
	if !ok {
		logger.Error().Str("event", inst.Event.Name).Msg("claimed instance has no registered definition")
		_ = e.store.MarkFailed(ctx, inst.ID, fmt.Sprintf("no workflow registered for event %q", inst.Event.Name))
		return
	}

	// Per-case exclusive lease: a recalculation must not run while the
	// initial analysis for the same case is still in flight.
	key := caseLockKey(inst.CaseID)
	acquired, err := e.locks.TryAcquire(ctx, key)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire case lock")
		_ = e.store.Release(ctx, inst.ID, e.clock().Add(e.cfg.PollInterval))
		return
	}
	if !acquired {
		logger.Debug().Msg("case lock held by another instance, releasing claim")
		_ = e.store.Release(ctx, inst.ID, e.clock().Add(e.cfg.PollInterval))
		return
	}
	defer func() {
		if err := e.locks.Release(context.WithoutCancel(ctx), key); err != nil {
			logger.Error().Err(err).Msg("failed to release case lock")
		}
	}()

	// Heartbeat the lease while the handler runs; computation calls can
	// outlive the initial lease by a wide margin.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx, inst.ID, logger)

	logger.Info().Int("attempt", inst.Attempt).Msg("running workflow instance")
	runErr := def.Handler(newContext(ctx, inst, e.store, e.logger, e.metrics, e.clock), inst.Event)
	stopHeartbeat()

	// Terminal writes survive a cancelled worker context.
	finCtx := context.WithoutCancel(ctx)

	switch {
	case runErr == nil:
		if err := e.store.MarkCompleted(finCtx, inst.ID); err != nil {
			logger.Error().Err(err).Msg("failed to mark instance completed")
			return
		}
		if e.metrics != nil {
			e.metrics.RecordWorkflowCompleted(def.Name, e.clock().Sub(inst.CreatedAt).Seconds())
		}
		logger.Info().Msg("workflow instance completed")

	case isSuspend(runErr):
		var suspend *SuspendError
		errors.As(runErr, &suspend)
		if err := e.store.MarkSleeping(finCtx, inst.ID, suspend.WakeAt); err != nil {
			logger.Error().Err(err).Msg("failed to park sleeping instance")
			return
		}
		logger.Debug().Time("wake_at", suspend.WakeAt).Msg("workflow instance sleeping")

	case errors.Is(runErr, domain.ErrCancelled):
		if err := e.store.MarkCancelled(finCtx, inst.ID, runErr.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to mark instance cancelled")
			return
		}
		if e.metrics != nil {
			e.metrics.RecordWorkflowCancelled(def.Name)
		}
		logger.Info().Msg("workflow instance cancelled, case record gone")

	case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		// Shutdown, not a workflow failure: release so another worker
		// resumes from the step log.
		_ = e.store.Release(finCtx, inst.ID, e.clock())
		logger.Info().Msg("workflow instance released on shutdown")

	default:
		e.handleFailure(finCtx, def, inst, runErr, logger)
	}
}

// handleFailure either schedules a full re-invocation or, once the retry
// budget is spent, runs the failure hook and marks the instance failed.
func (e *Engine) handleFailure(ctx context.Context, def *Definition, inst *Instance, runErr error, logger zerolog.Logger) {
	if inst.Attempt < e.cfg.MaxRetries {
		attempt := inst.Attempt + 1
		runAt := e.clock().Add(Delay(inst.Attempt, e.cfg.RetryBackoffBase, 0))
		if err := e.store.Reschedule(ctx, inst.ID, runAt, attempt, runErr.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to reschedule instance for retry")
			return
		}
		if e.metrics != nil {
			e.metrics.WorkflowRetries.WithLabelValues(def.Name).Inc()
		}
		logger.Warn().Err(runErr).
			Int("next_attempt", attempt).
			Time("run_at", runAt).
			Msg("workflow invocation failed, retrying")
		return
	}

	logger.Error().Err(runErr).Int("attempts", inst.Attempt+1).Msg("workflow retries exhausted")

	if def.OnFailure != nil {
		def.OnFailure(ctx, inst.Event, runErr)
	}

	if err := e.store.MarkFailed(ctx, inst.ID, runErr.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to mark instance failed")
		return
	}
	if e.metrics != nil {
		e.metrics.RecordWorkflowFailed(def.Name, e.clock().Sub(inst.CreatedAt).Seconds())
	}
}

// heartbeat extends the instance lease at half the lease interval until
// stopped.
func (e *Engine) heartbeat(ctx context.Context, id uuid.UUID, logger zerolog.Logger) {
	interval := e.cfg.LeaseDuration / 2
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.ExtendLease(ctx, id, e.clock().Add(e.cfg.LeaseDuration)); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("failed to extend instance lease")
			}
		}
	}
}

// sleep waits for d or until ctx is cancelled.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// isSuspend reports whether err carries a *SuspendError.
func isSuspend(err error) bool {
	var suspend *SuspendError
	return errors.As(err, &suspend)
}

// caseLockKey maps a case ID onto the advisory lock keyspace.
func caseLockKey(caseID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(caseID))
	return int64(h.Sum64())
}
