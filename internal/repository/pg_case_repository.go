package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/entomex/analysis-service/internal/domain"
)

// Compile-time interface verification.
var _ CaseRepository = (*PgCaseRepository)(nil)

// PgCaseRepository is a PostgreSQL implementation of CaseRepository.
type PgCaseRepository struct {
	db DBTX
}

// NewPgCaseRepository creates a new PostgreSQL case repository.
func NewPgCaseRepository(db DBTX) *PgCaseRepository {
	return &PgCaseRepository{db: db}
}

// GetByID retrieves a case by its ID.
func (r *PgCaseRepository) GetByID(ctx context.Context, id string) (*domain.Case, error) {
	if id == "" {
		return nil, domain.NewValidationError("id", "case ID is required")
	}

	query := `
		SELECT id, user_id, recalculation_needed, created_at, updated_at
		FROM cases
		WHERE id = $1`

	var c domain.Case
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.UserID, &c.RecalculationNeeded, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("case", id)
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}

	return &c, nil
}

// ClearRecalculationNeeded resets the recalculation flag on the case.
func (r *PgCaseRepository) ClearRecalculationNeeded(ctx context.Context, id string) error {
	if id == "" {
		return domain.NewValidationError("id", "case ID is required")
	}

	query := `
		UPDATE cases
		SET recalculation_needed = FALSE, updated_at = $1
		WHERE id = $2`

	result, err := r.db.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to clear recalculation flag: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("case", id)
	}

	return nil
}
