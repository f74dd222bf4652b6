// Package workflow provides a durable step-execution engine backed by an
// event-sourced step log in PostgreSQL.
//
// Each workflow is a finite sequence of named steps. Step results are
// persisted keyed by (instance ID, step name); when an instance is re-driven
// after a crash or a retry, completed steps are replayed from the log instead
// of re-executing. Sleeps are persisted wake times plus a scheduled
// re-invocation, so a sleeping workflow holds no worker resources.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/entomex/analysis-service/internal/domain"
)

// InstanceStatus represents the lifecycle states of a workflow instance.
// These values must match the database enum workflow_status.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusSleeping  InstanceStatus = "sleeping"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// Instance is one run of a workflow definition for a specific trigger event.
// Exactly one non-terminal instance may exist per (workflow, case) pair.
type Instance struct {
	ID       uuid.UUID
	Workflow string
	CaseID   string
	Event    domain.TriggerEvent
	Status   InstanceStatus

	// Attempt counts full workflow invocations; 0 is the first run.
	Attempt int

	// RunAt is when the instance becomes due: the enqueue time for new
	// instances, the wake time for sleeping ones, and the backoff deadline
	// for retried ones.
	RunAt time.Time

	// LeaseExpiresAt guards against two runners driving the same instance.
	// A running instance whose lease has lapsed is reclaimable.
	LeaseExpiresAt *time.Time

	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepKind distinguishes executed steps from durable sleeps in the step log.
type StepKind string

const (
	StepKindRun   StepKind = "run"
	StepKindSleep StepKind = "sleep"
)

// StepRecord is one entry of the event-sourced step log.
type StepRecord struct {
	InstanceID  uuid.UUID
	Name        string
	Kind        StepKind
	Result      json.RawMessage
	WakeAt      *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Completed reports whether the step has a persisted terminal result.
func (s *StepRecord) Completed() bool {
	return s.CompletedAt != nil
}

// InstanceStore persists workflow instances and their step logs.
// Implementations must be safe for concurrent use.
type InstanceStore interface {
	// Create inserts a new pending instance. It returns an error wrapping
	// domain.ErrAlreadyExists when a non-terminal instance already exists for
	// the same workflow and case, which callers treat as a duplicate delivery.
	Create(ctx context.Context, inst *Instance) error

	// Get returns an instance by ID.
	Get(ctx context.Context, id uuid.UUID) (*Instance, error)

	// ClaimDue atomically claims the next due instance: status pending or
	// sleeping with run_at elapsed, or running with an expired lease. The
	// claimed instance is marked running with a fresh lease. Returns nil when
	// nothing is due.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration) (*Instance, error)

	// ExtendLease pushes the lease of a running instance forward.
	ExtendLease(ctx context.Context, id uuid.UUID, until time.Time) error

	// Release returns a claimed instance to the pending state without
	// counting an attempt, due again at runAt.
	Release(ctx context.Context, id uuid.UUID, runAt time.Time) error

	// MarkSleeping parks the instance until wakeAt.
	MarkSleeping(ctx context.Context, id uuid.UUID, wakeAt time.Time) error

	// Reschedule records a failed attempt and makes the instance due again at
	// runAt with the given attempt counter.
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, attempt int, lastError string) error

	// MarkCompleted, MarkFailed, and MarkCancelled move the instance to a
	// terminal state.
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error

	// GetStep returns the step log entry for the given step, or nil when the
	// step has not run yet.
	GetStep(ctx context.Context, instanceID uuid.UUID, name string) (*StepRecord, error)

	// RecordStep persists a completed step result.
	RecordStep(ctx context.Context, instanceID uuid.UUID, name string, result json.RawMessage) error

	// RecordSleep persists the wake time of a durable sleep step.
	RecordSleep(ctx context.Context, instanceID uuid.UUID, name string, wakeAt time.Time) error

	// CompleteSleep marks an elapsed sleep step as done.
	CompleteSleep(ctx context.Context, instanceID uuid.UUID, name string) error
}

// CaseLocker provides per-case exclusive leases so that two workflow
// instances for the same case never execute concurrently, regardless of the
// workflow definition that owns them.
type CaseLocker interface {
	// TryAcquire attempts to take the lock for key without blocking.
	TryAcquire(ctx context.Context, key int64) (bool, error)

	// Release releases a previously acquired lock.
	Release(ctx context.Context, key int64) error
}
