package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entomex/analysis-service/internal/domain"
)

// MemoryStore is an in-memory InstanceStore used in tests and local
// development. It mirrors the scheduling semantics of the PostgreSQL store,
// including the one-in-flight-instance-per-case constraint.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*Instance
	steps     map[string]*StepRecord
}

// NewMemoryStore creates an empty in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[uuid.UUID]*Instance),
		steps:     make(map[string]*StepRecord),
	}
}

var _ InstanceStore = (*MemoryStore)(nil)

func memStepKey(id uuid.UUID, name string) string {
	return id.String() + "/" + name
}

// Instances returns a snapshot of all stored instances.
func (s *MemoryStore) Instances() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// Create stores a new instance, enforcing at most one in-flight instance per
// workflow and case.
func (s *MemoryStore) Create(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.instances {
		if other.Workflow == inst.Workflow && other.CaseID == inst.CaseID && !other.Status.IsTerminal() {
			return domain.NewAlreadyExistsError("workflow instance", inst.CaseID)
		}
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

// Get retrieves an instance by ID.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, domain.NewNotFoundError("workflow instance", id.String())
	}
	cp := *inst
	return &cp, nil
}

// ClaimDue claims one due instance, if any.
func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		var due bool
		switch {
		case inst.Status == InstanceStatusRunning:
			due = inst.LeaseExpiresAt != nil && inst.LeaseExpiresAt.Before(now)
		case inst.Status.IsTerminal():
			due = false
		default:
			due = !inst.RunAt.After(now)
		}
		if due {
			inst.Status = InstanceStatusRunning
			until := now.Add(lease)
			inst.LeaseExpiresAt = &until
			cp := *inst
			return &cp, nil
		}
	}
	return nil, nil
}

// ExtendLease pushes the lease deadline of an instance.
func (s *MemoryStore) ExtendLease(_ context.Context, id uuid.UUID, until time.Time) error {
	return s.update(id, func(inst *Instance) {
		inst.LeaseExpiresAt = &until
	})
}

// Release returns a claimed instance to pending.
func (s *MemoryStore) Release(_ context.Context, id uuid.UUID, runAt time.Time) error {
	return s.update(id, func(inst *Instance) {
		inst.Status = InstanceStatusPending
		inst.RunAt = runAt
		inst.LeaseExpiresAt = nil
	})
}

// MarkSleeping parks an instance until wakeAt.
func (s *MemoryStore) MarkSleeping(_ context.Context, id uuid.UUID, wakeAt time.Time) error {
	return s.update(id, func(inst *Instance) {
		inst.Status = InstanceStatusSleeping
		inst.RunAt = wakeAt
		inst.LeaseExpiresAt = nil
	})
}

// Reschedule queues a retry invocation.
func (s *MemoryStore) Reschedule(_ context.Context, id uuid.UUID, runAt time.Time, attempt int, lastError string) error {
	return s.update(id, func(inst *Instance) {
		inst.Status = InstanceStatusPending
		inst.RunAt = runAt
		inst.Attempt = attempt
		inst.LastError = &lastError
		inst.LeaseExpiresAt = nil
	})
}

// MarkCompleted finalizes a successful instance.
func (s *MemoryStore) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(inst *Instance) { inst.Status = InstanceStatusCompleted })
}

// MarkFailed finalizes a failed instance.
func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, lastError string) error {
	return s.update(id, func(inst *Instance) {
		inst.Status = InstanceStatusFailed
		inst.LastError = &lastError
	})
}

// MarkCancelled finalizes a cancelled instance.
func (s *MemoryStore) MarkCancelled(_ context.Context, id uuid.UUID, reason string) error {
	return s.update(id, func(inst *Instance) {
		inst.Status = InstanceStatusCancelled
		inst.LastError = &reason
	})
}

func (s *MemoryStore) update(id uuid.UUID, fn func(*Instance)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return domain.NewNotFoundError("workflow instance", id.String())
	}
	fn(inst)
	return nil
}

// GetStep returns the step record, or nil when the step has never run.
func (s *MemoryStore) GetStep(_ context.Context, id uuid.UUID, name string) (*StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.steps[memStepKey(id, name)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// RecordStep stores a completed step result.
func (s *MemoryStore) RecordStep(_ context.Context, id uuid.UUID, name string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.steps[memStepKey(id, name)] = &StepRecord{
		InstanceID:  id,
		Name:        name,
		Kind:        StepKindRun,
		Result:      result,
		CompletedAt: &now,
	}
	return nil
}

// RecordSleep stores a sleep step with its wake deadline.
func (s *MemoryStore) RecordSleep(_ context.Context, id uuid.UUID, name string, wakeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[memStepKey(id, name)] = &StepRecord{
		InstanceID: id,
		Name:       name,
		Kind:       StepKindSleep,
		WakeAt:     &wakeAt,
	}
	return nil
}

// CompleteSleep marks an elapsed sleep step as done.
func (s *MemoryStore) CompleteSleep(_ context.Context, id uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.steps[memStepKey(id, name)]
	if !ok {
		return domain.NewNotFoundError("workflow step", name)
	}
	now := time.Now()
	rec.CompletedAt = &now
	return nil
}

// MemoryLocker is an in-memory CaseLocker for tests and local development.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewMemoryLocker creates an empty in-memory case locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[int64]bool)}
}

var _ CaseLocker = (*MemoryLocker)(nil)

// TryAcquire takes the lock for key if free.
func (l *MemoryLocker) TryAcquire(_ context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

// Release frees the lock for key.
func (l *MemoryLocker) Release(_ context.Context, key int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
