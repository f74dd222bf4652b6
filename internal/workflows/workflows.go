// Package workflows defines the durable workflow definitions of the analysis
// service: the first-run case analysis and the PMI recalculation.
package workflows

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/entomex/analysis-service/internal/computation"
	"github.com/entomex/analysis-service/internal/domain"
	"github.com/entomex/analysis-service/internal/observability"
	"github.com/entomex/analysis-service/internal/repository"
)

// Workflow and step names referenced across definitions and dashboards.
const (
	AnalysisWorkflowName      = "case-analysis"
	RecalculationWorkflowName = "pmi-recalculation"
)

// noEvidenceExplanation is the user-visible narrative for a completed
// analysis that found nothing in the uploaded images.
const noEvidenceExplanation = "no evidence detected"

// ComputationClient is the slice of the computation service client the
// workflows need.
type ComputationClient interface {
	Detect(ctx context.Context, caseID string) (*computation.Response, error)
	Recalculate(ctx context.Context, caseID string) (*computation.Response, error)
}

// Deps bundles the collaborators shared by both workflow definitions.
type Deps struct {
	Analyses    repository.AnalysisRepository
	Cases       repository.CaseRepository
	Audits      repository.AuditRepository
	Computation ComputationClient
	Logger      zerolog.Logger
	Metrics     *observability.Metrics

	// UploadGracePeriod is how long the analysis workflow sleeps before the
	// detection call, letting client-side image uploads finish.
	UploadGracePeriod time.Duration
}

// markFailed records a terminal workflow failure on the analysis row without
// touching previously persisted result columns. A run can die before the row
// was reopened to processing, in which case the row still sits at completed
// and the direct transition to failed is illegal; the row is reopened first
// so the failure still becomes visible. The explanation goes through
// SetExplanation to leave earlier PMI values intact.
func (deps Deps) markFailed(ctx context.Context, caseID, explanation string) error {
	err := deps.Analyses.SetStatus(ctx, caseID, domain.AnalysisStatusFailed, nil)
	if errors.Is(err, domain.ErrInvalidInput) {
		if err = deps.Analyses.SetStatus(ctx, caseID, domain.AnalysisStatusProcessing, nil); err != nil {
			return err
		}
		err = deps.Analyses.SetStatus(ctx, caseID, domain.AnalysisStatusFailed, nil)
	}
	if err != nil {
		return err
	}
	return deps.Analyses.SetExplanation(ctx, caseID, explanation)
}

// resultFields maps a computation response onto the analysis result columns.
func resultFields(resp *computation.Response) *repository.ResultFields {
	fields := &repository.ResultFields{
		Explanation: resp.Explanation,
	}
	if resp.AggregatedResults != nil {
		fields.TotalCounts = resp.AggregatedResults.TotalCounts
		fields.OldestStageDetected = resp.AggregatedResults.OldestStageDetected
	}
	if est := resp.PMIEstimation; est != nil {
		fields.StageUsedForCalculation = est.StageUsedForCalculation
		fields.PMIDays = est.PMIDays
		fields.PMIHours = est.PMIHours
		fields.PMIMinutes = est.PMIMinutes
		fields.PMISourceImageKey = est.SourceImageKey
		fields.TemperatureProvided = est.TemperatureProvided
		fields.CalculatedADH = est.CalculatedADH
		fields.LDTUsed = est.LDTUsed
	}
	return fields
}
