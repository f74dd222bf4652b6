package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/entomex/analysis-service/internal/domain"
)

// Compile-time interface verification.
var _ AuditRepository = (*PgAuditRepository)(nil)

// PgAuditRepository is a PostgreSQL implementation of AuditRepository.
type PgAuditRepository struct {
	db DBTX
}

// NewPgAuditRepository creates a new PostgreSQL audit repository.
func NewPgAuditRepository(db DBTX) *PgAuditRepository {
	return &PgAuditRepository{db: db}
}

// Insert writes one audit log entry with JSON-encoded old/new value snapshots.
func (r *PgAuditRepository) Insert(ctx context.Context, entry *domain.AuditLogEntry) error {
	if entry == nil {
		return domain.NewValidationError("entry", "entry cannot be nil")
	}
	if entry.CaseID == "" {
		return domain.NewValidationError("case_id", "case ID is required")
	}
	if entry.UserID == "" {
		return domain.NewValidationError("user_id", "user ID is required")
	}
	if entry.Field == "" {
		return domain.NewValidationError("field", "field name is required")
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.BatchID == uuid.Nil {
		entry.BatchID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	oldJSON, err := json.Marshal(entry.OldValue)
	if err != nil {
		return fmt.Errorf("failed to marshal old value: %w", err)
	}
	newJSON, err := json.Marshal(entry.NewValue)
	if err != nil {
		return fmt.Errorf("failed to marshal new value: %w", err)
	}

	query := `
		INSERT INTO audit_log_entries (
			id, case_id, user_id, batch_id, field, old_value, new_value, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.Exec(ctx, query,
		entry.ID, entry.CaseID, entry.UserID, entry.BatchID,
		entry.Field, oldJSON, newJSON, entry.Timestamp,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("audit log entry", entry.ID.String())
		}
		return fmt.Errorf("failed to insert audit log entry: %w", err)
	}

	return nil
}
