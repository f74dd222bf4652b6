package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/entomex/analysis-service/internal/domain"
	"github.com/entomex/analysis-service/internal/workflow"
)

// Compile-time interface verification.
var _ workflow.InstanceStore = (*PgWorkflowRepository)(nil)

// PgWorkflowRepository is the PostgreSQL persistence layer of the workflow
// engine: the instance table and the event-sourced step log.
type PgWorkflowRepository struct {
	db DBTX
}

// NewPgWorkflowRepository creates a new PostgreSQL workflow repository.
func NewPgWorkflowRepository(db DBTX) *PgWorkflowRepository {
	return &PgWorkflowRepository{db: db}
}

const instanceColumns = `id, workflow, case_id, event, status, attempt,
		run_at, lease_expires_at, last_error, created_at, updated_at`

// Create inserts a new pending instance. The partial unique index on
// (workflow, case_id) for non-terminal statuses turns a duplicate trigger
// event into domain.ErrAlreadyExists, which the engine drops.
func (r *PgWorkflowRepository) Create(ctx context.Context, inst *workflow.Instance) error {
	if inst == nil {
		return domain.NewValidationError("instance", "instance cannot be nil")
	}
	if inst.ID == uuid.Nil {
		return domain.NewValidationError("id", "instance ID is required")
	}
	if inst.CaseID == "" {
		return domain.NewValidationError("case_id", "case ID is required")
	}

	eventJSON, err := json.Marshal(inst.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger event: %w", err)
	}

	query := `
		INSERT INTO workflow_instances (
			id, workflow, case_id, event, status, attempt, run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.Exec(ctx, query,
		inst.ID, inst.Workflow, inst.CaseID, eventJSON,
		inst.Status, inst.Attempt, inst.RunAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("workflow instance", inst.CaseID)
		}
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}

	return nil
}

// Get retrieves a workflow instance by ID.
func (r *PgWorkflowRepository) Get(ctx context.Context, id uuid.UUID) (*workflow.Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_instances WHERE id = $1`, instanceColumns)

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow instance: %w", err)
	}

	inst, err := scanInstanceRows(rows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("workflow instance", id.String())
		}
		return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
	}

	return inst, nil
}

// ClaimDue atomically claims one due instance for this runner. Due means
// pending or sleeping with run_at in the past, or running with an expired
// lease (a crashed runner's claim being reclaimed). FOR UPDATE SKIP LOCKED
// keeps concurrent runners from fighting over the same row.
func (r *PgWorkflowRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration) (*workflow.Instance, error) {
	query := fmt.Sprintf(`
		UPDATE workflow_instances
		SET status = 'running', lease_expires_at = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM workflow_instances
			WHERE (status IN ('pending', 'sleeping') AND run_at <= $2)
			   OR (status = 'running' AND lease_expires_at < $2)
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, instanceColumns)

	rows, err := r.db.Query(ctx, query, now.Add(lease), now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due instance: %w", err)
	}

	inst, err := scanInstanceRows(rows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan claimed instance: %w", err)
	}

	return inst, nil
}

// ExtendLease pushes the lease deadline of a running instance.
func (r *PgWorkflowRepository) ExtendLease(ctx context.Context, id uuid.UUID, until time.Time) error {
	query := `
		UPDATE workflow_instances
		SET lease_expires_at = $1, updated_at = now()
		WHERE id = $2 AND status = 'running'`

	result, err := r.db.Exec(ctx, query, until, id)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("running workflow instance", id.String())
	}
	return nil
}

// Release puts a claimed instance back to pending without consuming a retry.
func (r *PgWorkflowRepository) Release(ctx context.Context, id uuid.UUID, runAt time.Time) error {
	return r.setScheduling(ctx, id, workflow.InstanceStatusPending, runAt)
}

// MarkSleeping parks the instance until wakeAt.
func (r *PgWorkflowRepository) MarkSleeping(ctx context.Context, id uuid.UUID, wakeAt time.Time) error {
	return r.setScheduling(ctx, id, workflow.InstanceStatusSleeping, wakeAt)
}

func (r *PgWorkflowRepository) setScheduling(ctx context.Context, id uuid.UUID, status workflow.InstanceStatus, runAt time.Time) error {
	query := `
		UPDATE workflow_instances
		SET status = $1, run_at = $2, lease_expires_at = NULL, updated_at = now()
		WHERE id = $3`

	result, err := r.db.Exec(ctx, query, status, runAt, id)
	if err != nil {
		return fmt.Errorf("failed to update instance scheduling: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("workflow instance", id.String())
	}
	return nil
}

// Reschedule queues a full workflow re-invocation after a failed attempt.
func (r *PgWorkflowRepository) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, attempt int, lastError string) error {
	query := `
		UPDATE workflow_instances
		SET status = 'pending', run_at = $1, attempt = $2, last_error = $3,
			lease_expires_at = NULL, updated_at = now()
		WHERE id = $4`

	result, err := r.db.Exec(ctx, query, runAt, attempt, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("workflow instance", id.String())
	}
	return nil
}

// MarkCompleted finalizes a successful instance.
func (r *PgWorkflowRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.setTerminal(ctx, id, workflow.InstanceStatusCompleted, nil)
}

// MarkFailed finalizes an instance whose retries are exhausted.
func (r *PgWorkflowRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.setTerminal(ctx, id, workflow.InstanceStatusFailed, &lastError)
}

// MarkCancelled finalizes an instance whose case record disappeared.
func (r *PgWorkflowRepository) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	return r.setTerminal(ctx, id, workflow.InstanceStatusCancelled, &reason)
}

func (r *PgWorkflowRepository) setTerminal(ctx context.Context, id uuid.UUID, status workflow.InstanceStatus, lastError *string) error {
	query := `
		UPDATE workflow_instances
		SET status = $1, last_error = COALESCE($2, last_error),
			lease_expires_at = NULL, updated_at = now()
		WHERE id = $3`

	result, err := r.db.Exec(ctx, query, status, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to finalize instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("workflow instance", id.String())
	}
	return nil
}

// GetStep returns the step log record for (instanceID, name), or nil when the
// step has never run.
func (r *PgWorkflowRepository) GetStep(ctx context.Context, instanceID uuid.UUID, name string) (*workflow.StepRecord, error) {
	query := `
		SELECT instance_id, step_name, kind, result, wake_at, completed_at
		FROM workflow_steps
		WHERE instance_id = $1 AND step_name = $2`

	var rec workflow.StepRecord
	err := r.db.QueryRow(ctx, query, instanceID, name).Scan(
		&rec.InstanceID, &rec.Name, &rec.Kind, &rec.Result, &rec.WakeAt, &rec.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow step: %w", err)
	}

	return &rec, nil
}

// RecordStep appends a completed step with its memoized result. The upsert
// keeps a step that raced its own replay from failing on the primary key.
func (r *PgWorkflowRepository) RecordStep(ctx context.Context, instanceID uuid.UUID, name string, result json.RawMessage) error {
	query := `
		INSERT INTO workflow_steps (instance_id, step_name, kind, result, completed_at)
		VALUES ($1, $2, 'run', $3, now())
		ON CONFLICT (instance_id, step_name) DO UPDATE
		SET result = EXCLUDED.result, completed_at = EXCLUDED.completed_at`

	if _, err := r.db.Exec(ctx, query, instanceID, name, result); err != nil {
		return fmt.Errorf("failed to record workflow step: %w", err)
	}
	return nil
}

// RecordSleep appends a sleep step carrying its wake deadline.
func (r *PgWorkflowRepository) RecordSleep(ctx context.Context, instanceID uuid.UUID, name string, wakeAt time.Time) error {
	query := `
		INSERT INTO workflow_steps (instance_id, step_name, kind, wake_at)
		VALUES ($1, $2, 'sleep', $3)
		ON CONFLICT (instance_id, step_name) DO UPDATE
		SET wake_at = EXCLUDED.wake_at`

	if _, err := r.db.Exec(ctx, query, instanceID, name, wakeAt); err != nil {
		return fmt.Errorf("failed to record workflow sleep: %w", err)
	}
	return nil
}

// CompleteSleep marks an elapsed sleep step so it replays as a no-op.
func (r *PgWorkflowRepository) CompleteSleep(ctx context.Context, instanceID uuid.UUID, name string) error {
	query := `
		UPDATE workflow_steps
		SET completed_at = now()
		WHERE instance_id = $1 AND step_name = $2 AND kind = 'sleep'`

	result, err := r.db.Exec(ctx, query, instanceID, name)
	if err != nil {
		return fmt.Errorf("failed to complete workflow sleep: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("workflow sleep step", name)
	}
	return nil
}

// instanceScanDest holds the destination pointers for scanning an instance row.
type instanceScanDest struct {
	inst      workflow.Instance
	eventJSON []byte
}

func (d *instanceScanDest) destinations() []interface{} {
	return []interface{}{
		&d.inst.ID, &d.inst.Workflow, &d.inst.CaseID, &d.eventJSON,
		&d.inst.Status, &d.inst.Attempt, &d.inst.RunAt,
		&d.inst.LeaseExpiresAt, &d.inst.LastError, &d.inst.CreatedAt,
		&d.inst.UpdatedAt,
	}
}

func (d *instanceScanDest) finalize() (*workflow.Instance, error) {
	if len(d.eventJSON) > 0 {
		if err := json.Unmarshal(d.eventJSON, &d.inst.Event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger event: %w", err)
		}
	}
	return &d.inst, nil
}

// scanInstanceRows scans a single row from pgx.Rows into an Instance.
func scanInstanceRows(rows pgx.Rows) (*workflow.Instance, error) {
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	var dest instanceScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
