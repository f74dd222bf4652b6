package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/entomex/analysis-service/internal/computation"
	"github.com/entomex/analysis-service/internal/domain"
	"github.com/entomex/analysis-service/internal/observability"
	"github.com/entomex/analysis-service/internal/repository"
	"github.com/entomex/analysis-service/internal/workflow"
)

// NewAnalysisDefinition builds the first-run analysis workflow. It waits out
// the upload grace period, marks the case processing, runs the detection, and
// persists the outcome. A missing analysis row at any write means the user
// deleted the case, which ends the run as cancelled rather than failed.
func NewAnalysisDefinition(deps Deps) *workflow.Definition {
	return &workflow.Definition{
		Name:      AnalysisWorkflowName,
		Event:     domain.EventAnalysisRequested,
		Handler:   analysisHandler(deps),
		OnFailure: analysisFailureHook(deps),
	}
}

func analysisHandler(deps Deps) workflow.Handler {
	return func(c *workflow.Context, event domain.TriggerEvent) error {
		caseID := event.Data.CaseID

		// Client-side uploads may still be trickling in when the trigger
		// event arrives; the detection call must see the complete image set.
		if err := c.Sleep("wait-for-uploads", deps.UploadGracePeriod); err != nil {
			return err
		}

		err := workflow.RunVoid(c, "update-status-to-processing", func(ctx context.Context) error {
			return asCancelled(deps.Analyses.SetStatus(ctx, caseID, domain.AnalysisStatusProcessing, nil))
		})
		if err != nil {
			return err
		}

		resp, err := workflow.Run(c, "run-full-analysis", func(ctx context.Context) (*computation.Response, error) {
			return deps.Computation.Detect(ctx, caseID)
		})
		if err != nil {
			return err
		}

		if !resp.HasDetections() {
			// Nothing found: complete with the explanation and stop. The
			// cancellation check and full persistence never run.
			explanation := noEvidenceExplanation
			return workflow.RunVoid(c, "complete-without-detections", func(ctx context.Context) error {
				return asCancelled(deps.Analyses.SetStatus(ctx, caseID, domain.AnalysisStatusCompleted,
					&repository.ResultFields{Explanation: &explanation}))
			})
		}

		cancelled, err := workflow.Run(c, "check-if-cancelled", func(ctx context.Context) (bool, error) {
			_, err := deps.Analyses.GetByCaseID(ctx, caseID)
			if errors.Is(err, domain.ErrNotFound) {
				return true, nil
			}
			return false, err
		})
		if err != nil {
			return err
		}
		if cancelled {
			return fmt.Errorf("analysis record for case %s deleted during computation: %w", caseID, domain.ErrCancelled)
		}

		return workflow.RunVoid(c, "save-analysis-results", func(ctx context.Context) error {
			return asCancelled(deps.Analyses.SetStatus(ctx, caseID, domain.AnalysisStatusCompleted, resultFields(resp)))
		})
	}
}

// analysisFailureHook converts an exhausted retry budget into user-visible
// state on the analysis row.
func analysisFailureHook(deps Deps) workflow.FailureHook {
	return func(ctx context.Context, event domain.TriggerEvent, failure error) {
		caseID := event.Data.CaseID
		logger := observability.WithCaseContext(deps.Logger, caseID)

		explanation := fmt.Sprintf("Analysis failed: %s", failure.Error())
		if err := deps.markFailed(ctx, caseID, explanation); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				logger.Debug().Msg("analysis row gone before failure could be recorded")
				return
			}
			logger.Error().Err(err).Msg("failed to persist analysis failure")
			return
		}

		logger.Error().Err(failure).Msg("analysis workflow failed terminally")
	}
}

// asCancelled maps a missing analysis row onto the cancellation
// short-circuit: row absent means the owning case was deleted.
func asCancelled(err error) error {
	if err != nil && errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%s: %w", err.Error(), domain.ErrCancelled)
	}
	return err
}
