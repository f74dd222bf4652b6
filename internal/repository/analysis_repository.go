package repository

import (
	"context"

	"github.com/entomex/analysis-service/internal/domain"
)

// ResultFields carries the optional result columns written together with a
// status change. A nil ResultFields leaves all result columns untouched.
type ResultFields struct {
	TotalCounts             map[string]int
	OldestStageDetected     *string
	StageUsedForCalculation *string
	PMIDays                 *float64
	PMIHours                *float64
	PMIMinutes              *float64
	PMISourceImageKey       *string
	TemperatureProvided     *float64
	CalculatedADH           *float64
	LDTUsed                 *float64
	Explanation             *string
}

// AnalysisRepository manages the per-case AnalysisResult row. The row is
// created outside this service when a case is submitted; the workflows only
// read and mutate it.
type AnalysisRepository interface {
	// GetByCaseID retrieves the analysis result for a case.
	// Returns domain.ErrNotFound if no row exists, which the workflows
	// interpret as "case cancelled".
	GetByCaseID(ctx context.Context, caseID string) (*domain.AnalysisResult, error)

	// SetStatus transitions the analysis result to status and, when fields is
	// non-nil, writes the result columns in the same single-row update.
	// Writing the current status again is an idempotent no-op update so that
	// a replayed workflow step never trips the transition check.
	SetStatus(ctx context.Context, caseID string, status domain.AnalysisStatus, fields *ResultFields) error

	// SetExplanation updates only the explanation text.
	SetExplanation(ctx context.Context, caseID string, text string) error
}
