package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/entomex/analysis-service/internal/domain"
	"github.com/entomex/analysis-service/internal/observability"
	"github.com/entomex/analysis-service/internal/workflow"
)

// NewRecalculationDefinition builds the PMI recalculation workflow. It
// snapshots the current PMI estimate, re-runs the computation, clears the
// recalculation flag, and writes an audit entry when the estimate changed.
func NewRecalculationDefinition(deps Deps) *workflow.Definition {
	return &workflow.Definition{
		Name:      RecalculationWorkflowName,
		Event:     domain.EventRecalculationRequested,
		Handler:   recalculationHandler(deps),
		OnFailure: recalculationFailureHook(deps),
	}
}

func recalculationHandler(deps Deps) workflow.Handler {
	return func(c *workflow.Context, event domain.TriggerEvent) error {
		caseID := event.Data.CaseID

		oldValues, err := workflow.Run(c, "capture-old-pmi-values", func(ctx context.Context) (*domain.PMIValues, error) {
			result, err := deps.Analyses.GetByCaseID(ctx, caseID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil, fmt.Errorf("analysis record for case %s is gone: %w", caseID, domain.ErrCancelled)
				}
				return nil, err
			}
			return result.PMISnapshot(), nil
		})
		if err != nil {
			return err
		}

		err = workflow.RunVoid(c, "update-status-to-processing", func(ctx context.Context) error {
			return asCancelled(deps.Analyses.SetStatus(ctx, caseID, domain.AnalysisStatusProcessing, nil))
		})
		if err != nil {
			return err
		}

		// The recalculation call carries no internal retry; a failure here
		// consumes the workflow-level retry budget directly.
		err = workflow.RunVoid(c, "run-recalculation", func(ctx context.Context) error {
			_, err := deps.Computation.Recalculate(ctx, caseID)
			return err
		})
		if err != nil {
			return err
		}

		err = workflow.RunVoid(c, "finalize-recalculation-status", func(ctx context.Context) error {
			if err := deps.Cases.ClearRecalculationNeeded(ctx, caseID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return asCancelled(deps.Analyses.SetStatus(ctx, caseID, domain.AnalysisStatusCompleted, nil))
		})
		if err != nil {
			return err
		}

		return workflow.RunVoid(c, "create-pmi-audit-log", func(ctx context.Context) error {
			return deps.writeRecalculationAudit(ctx, c, caseID, oldValues)
		})
	}
}

// writeRecalculationAudit inserts one audit entry when the recalculated PMI
// differs from the captured snapshot. Missing old or new data skips the entry
// silently; the recalculation itself already succeeded.
func (deps Deps) writeRecalculationAudit(ctx context.Context, c *workflow.Context, caseID string, oldValues *domain.PMIValues) error {
	logger := c.Logger()

	result, err := deps.Analyses.GetByCaseID(ctx, caseID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug().Msg("analysis row gone before audit, skipping audit entry")
			return nil
		}
		return err
	}

	newValues := result.PMISnapshot()
	if oldValues == nil || newValues == nil {
		logger.Debug().Msg("missing old or new PMI data, skipping audit entry")
		return nil
	}
	if pmiMinutesEqual(oldValues, newValues) {
		logger.Debug().Msg("PMI estimate unchanged, skipping audit entry")
		return nil
	}

	owner, err := deps.Cases.GetByID(ctx, caseID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug().Msg("case gone before audit, skipping audit entry")
			return nil
		}
		return err
	}

	entry := &domain.AuditLogEntry{
		CaseID:   caseID,
		UserID:   owner.UserID,
		BatchID:  uuid.New(),
		Field:    domain.AuditFieldPMIRecalculation,
		OldValue: oldValues,
		NewValue: newValues,
	}
	if err := deps.Audits.Insert(ctx, entry); err != nil {
		return err
	}

	if deps.Metrics != nil {
		deps.Metrics.AuditEntriesWritten.WithLabelValues(domain.AuditFieldPMIRecalculation).Inc()
	}
	logger.Info().Str("batch_id", entry.BatchID.String()).Msg("PMI change recorded in audit log")
	return nil
}

// pmiMinutesEqual compares snapshots by their minutes value, the finest
// granularity the estimator produces.
func pmiMinutesEqual(a, b *domain.PMIValues) bool {
	if a.Minutes == nil || b.Minutes == nil {
		return a.Minutes == nil && b.Minutes == nil
	}
	return *a.Minutes == *b.Minutes
}

// recalculationFailureHook mirrors the analysis failure hook with a
// recalculation-specific explanation.
func recalculationFailureHook(deps Deps) workflow.FailureHook {
	return func(ctx context.Context, event domain.TriggerEvent, failure error) {
		caseID := event.Data.CaseID
		logger := observability.WithCaseContext(deps.Logger, caseID)

		explanation := fmt.Sprintf("Recalculation failed: %s", failure.Error())
		if err := deps.markFailed(ctx, caseID, explanation); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				logger.Debug().Msg("analysis row gone before failure could be recorded")
				return
			}
			logger.Error().Err(err).Msg("failed to persist recalculation failure")
			return
		}

		logger.Error().Err(failure).Msg("recalculation workflow failed terminally")
	}
}
