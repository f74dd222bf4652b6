package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/entomex/analysis-service/internal/database"
	"github.com/entomex/analysis-service/internal/domain"
)

// txRunner runs a function inside a database transaction. *database.DB
// satisfies it; a DBTX that is already a transaction does not and executes
// the statements directly.
type txRunner interface {
	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// The pool wrapper handed to repositories in production must take the
// transactional path.
var _ txRunner = (*database.DB)(nil)

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation = "23505" // unique_violation
)

const analysisResultColumns = `id, case_id, status,
		total_counts, oldest_stage_detected, stage_used_for_calculation,
		pmi_days, pmi_hours, pmi_minutes, pmi_source_image_key,
		temperature_provided, calculated_adh, ldt_used,
		explanation, processing_started_at, completed_at,
		created_at, updated_at`

// Compile-time interface verification.
var _ AnalysisRepository = (*PgAnalysisRepository)(nil)

// PgAnalysisRepository is a PostgreSQL implementation of AnalysisRepository.
type PgAnalysisRepository struct {
	db DBTX
}

// NewPgAnalysisRepository creates a new PostgreSQL analysis repository.
func NewPgAnalysisRepository(db DBTX) *PgAnalysisRepository {
	return &PgAnalysisRepository{db: db}
}

// GetByCaseID retrieves the analysis result for a case.
func (r *PgAnalysisRepository) GetByCaseID(ctx context.Context, caseID string) (*domain.AnalysisResult, error) {
	if caseID == "" {
		return nil, domain.NewValidationError("case_id", "case ID is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM analysis_results WHERE case_id = $1`, analysisResultColumns)

	row := r.db.QueryRow(ctx, query, caseID)
	result, err := scanAnalysisResult(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("analysis result", caseID)
		}
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}

	return result, nil
}

// SetStatus transitions the analysis result row and optionally writes the
// result columns in the same update.
//
// The SELECT FOR UPDATE + UPDATE pair runs inside a transaction. When the
// repository holds the pool it opens one through WithTransaction; when it
// already holds a transaction the statements execute within it.
func (r *PgAnalysisRepository) SetStatus(ctx context.Context, caseID string, status domain.AnalysisStatus, fields *ResultFields) error {
	if caseID == "" {
		return domain.NewValidationError("case_id", "case ID is required")
	}

	if runner, ok := r.db.(txRunner); ok {
		return runner.WithTransaction(ctx, func(tx pgx.Tx) error {
			txRepo := &PgAnalysisRepository{db: tx}
			return txRepo.setStatusInTx(ctx, caseID, status, fields)
		})
	}

	return r.setStatusInTx(ctx, caseID, status, fields)
}

// setStatusInTx performs the locked read, transition check, and update. Must
// run within a transaction for correct row-level locking.
func (r *PgAnalysisRepository) setStatusInTx(ctx context.Context, caseID string, status domain.AnalysisStatus, fields *ResultFields) error {
	selectQuery := fmt.Sprintf(`SELECT %s FROM analysis_results WHERE case_id = $1 FOR UPDATE`, analysisResultColumns)

	rows, err := r.db.Query(ctx, selectQuery, caseID)
	if err != nil {
		return fmt.Errorf("failed to query analysis result for update: %w", err)
	}

	current, err := scanAnalysisResultRows(rows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("analysis result", caseID)
		}
		return fmt.Errorf("failed to scan analysis result: %w", err)
	}

	// Same-status writes are idempotent no-op transitions: a replayed step
	// that already applied its status must not fail on re-entry.
	if status != current.Status && !current.Status.CanTransitionTo(status) {
		return fmt.Errorf("invalid status transition from %s to %s: %w",
			current.Status, status, domain.ErrInvalidInput)
	}

	now := time.Now().UTC()

	processingStartedAt := current.ProcessingStartedAt
	if status == domain.AnalysisStatusProcessing && processingStartedAt == nil {
		processingStartedAt = &now
	}
	completedAt := current.CompletedAt
	if status.IsTerminal() && completedAt == nil {
		completedAt = &now
	}

	if fields == nil {
		updateQuery := `
			UPDATE analysis_results
			SET status = $1,
				processing_started_at = $2,
				completed_at = $3,
				updated_at = $4
			WHERE case_id = $5`

		if _, err := r.db.Exec(ctx, updateQuery, status, processingStartedAt, completedAt, now, caseID); err != nil {
			return fmt.Errorf("failed to update analysis status: %w", err)
		}
		return nil
	}

	var totalCountsJSON []byte
	if fields.TotalCounts != nil {
		totalCountsJSON, err = json.Marshal(fields.TotalCounts)
		if err != nil {
			return fmt.Errorf("failed to marshal total counts: %w", err)
		}
	}

	updateQuery := `
		UPDATE analysis_results
		SET status = $1,
			total_counts = $2,
			oldest_stage_detected = $3,
			stage_used_for_calculation = $4,
			pmi_days = $5,
			pmi_hours = $6,
			pmi_minutes = $7,
			pmi_source_image_key = $8,
			temperature_provided = $9,
			calculated_adh = $10,
			ldt_used = $11,
			explanation = $12,
			processing_started_at = $13,
			completed_at = $14,
			updated_at = $15
		WHERE case_id = $16`

	_, err = r.db.Exec(ctx, updateQuery,
		status,
		totalCountsJSON,
		fields.OldestStageDetected,
		fields.StageUsedForCalculation,
		fields.PMIDays,
		fields.PMIHours,
		fields.PMIMinutes,
		fields.PMISourceImageKey,
		fields.TemperatureProvided,
		fields.CalculatedADH,
		fields.LDTUsed,
		fields.Explanation,
		processingStartedAt,
		completedAt,
		now,
		caseID,
	)
	if err != nil {
		return fmt.Errorf("failed to update analysis result: %w", err)
	}

	return nil
}

// SetExplanation updates only the explanation text.
func (r *PgAnalysisRepository) SetExplanation(ctx context.Context, caseID string, text string) error {
	if caseID == "" {
		return domain.NewValidationError("case_id", "case ID is required")
	}

	query := `
		UPDATE analysis_results
		SET explanation = $1, updated_at = $2
		WHERE case_id = $3`

	result, err := r.db.Exec(ctx, query, text, time.Now().UTC(), caseID)
	if err != nil {
		return fmt.Errorf("failed to set explanation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("analysis result", caseID)
	}

	return nil
}

// isPgUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// analysisScanDest holds the destination pointers for scanning an AnalysisResult row.
// This eliminates code duplication between pgx.Row and pgx.Rows scanning.
type analysisScanDest struct {
	result          domain.AnalysisResult
	totalCountsJSON []byte
}

// destinations returns the slice of pointers for Scan operations.
func (d *analysisScanDest) destinations() []interface{} {
	return []interface{}{
		&d.result.ID, &d.result.CaseID, &d.result.Status,
		&d.totalCountsJSON, &d.result.OldestStageDetected, &d.result.StageUsedForCalculation,
		&d.result.PMIDays, &d.result.PMIHours, &d.result.PMIMinutes, &d.result.PMISourceImageKey,
		&d.result.TemperatureProvided, &d.result.CalculatedADH, &d.result.LDTUsed,
		&d.result.Explanation, &d.result.ProcessingStartedAt, &d.result.CompletedAt,
		&d.result.CreatedAt, &d.result.UpdatedAt,
	}
}

// finalize performs post-scan processing: unmarshals the total counts JSON.
func (d *analysisScanDest) finalize() (*domain.AnalysisResult, error) {
	if len(d.totalCountsJSON) > 0 {
		if err := json.Unmarshal(d.totalCountsJSON, &d.result.TotalCounts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal total counts: %w", err)
		}
	}
	return &d.result, nil
}

// scanAnalysisResult scans a single row into an AnalysisResult.
func scanAnalysisResult(row pgx.Row) (*domain.AnalysisResult, error) {
	var dest analysisScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanAnalysisResultRows scans a single row from pgx.Rows into an AnalysisResult.
// This is used with SELECT FOR UPDATE which returns Rows instead of Row.
func scanAnalysisResultRows(rows pgx.Rows) (*domain.AnalysisResult, error) {
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	var dest analysisScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
