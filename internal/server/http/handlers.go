package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/entomex/analysis-service/internal/domain"
)

// analysisResponse is the JSON representation of a persisted analysis result.
type analysisResponse struct {
	CaseID string `json:"case_id"`
	Status string `json:"status"`

	TotalCounts             map[string]int `json:"total_counts,omitempty"`
	OldestStageDetected     *string        `json:"oldest_stage_detected,omitempty"`
	StageUsedForCalculation *string        `json:"stage_used_for_calculation,omitempty"`
	PMIDays                 *float64       `json:"pmi_days,omitempty"`
	PMIHours                *float64       `json:"pmi_hours,omitempty"`
	PMIMinutes              *float64       `json:"pmi_minutes,omitempty"`
	PMISourceImageKey       *string        `json:"pmi_source_image_key,omitempty"`
	TemperatureProvided     *float64       `json:"temperature_provided,omitempty"`
	CalculatedADH           *float64       `json:"calculated_adh,omitempty"`
	LDTUsed                 *float64       `json:"ldt_used,omitempty"`
	Explanation             *string        `json:"explanation,omitempty"`

	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func toAnalysisResponse(result *domain.AnalysisResult) analysisResponse {
	return analysisResponse{
		CaseID:                  result.CaseID,
		Status:                  string(result.Status),
		TotalCounts:             result.TotalCounts,
		OldestStageDetected:     result.OldestStageDetected,
		StageUsedForCalculation: result.StageUsedForCalculation,
		PMIDays:                 result.PMIDays,
		PMIHours:                result.PMIHours,
		PMIMinutes:              result.PMIMinutes,
		PMISourceImageKey:       result.PMISourceImageKey,
		TemperatureProvided:     result.TemperatureProvided,
		CalculatedADH:           result.CalculatedADH,
		LDTUsed:                 result.LDTUsed,
		Explanation:             result.Explanation,
		ProcessingStartedAt:     result.ProcessingStartedAt,
		CompletedAt:             result.CompletedAt,
		CreatedAt:               result.CreatedAt,
		UpdatedAt:               result.UpdatedAt,
	}
}

// getCaseAnalysis handles GET /v1/cases/{caseID}/analysis.
func (s *Server) getCaseAnalysis(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	if caseID == "" {
		s.writeError(w, http.StatusBadRequest, "case ID is required")
		return
	}

	result, err := s.analyses.GetByCaseID(r.Context(), caseID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "analysis not found")
		case errors.Is(err, domain.ErrInvalidInput):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error().Err(err).Str("case_id", caseID).Msg("failed to load analysis result")
			s.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, toAnalysisResponse(result))
}
