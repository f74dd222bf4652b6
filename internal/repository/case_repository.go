package repository

import (
	"context"

	"github.com/entomex/analysis-service/internal/domain"
)

// CaseRepository reads the owning case fields the workflows need and clears
// the recalculation flag once a recalculation run completes.
type CaseRepository interface {
	// GetByID retrieves a case by its ID. Returns domain.ErrNotFound when the
	// case has been deleted.
	GetByID(ctx context.Context, id string) (*domain.Case, error)

	// ClearRecalculationNeeded resets the recalculation flag on the case.
	ClearRecalculationNeeded(ctx context.Context, id string) error
}
