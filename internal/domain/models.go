// Package domain provides domain models and business logic for the Analysis Service.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisStatus represents the lifecycle states of an analysis result.
// These values must match the database enum analysis_status.
type AnalysisStatus string

const (
	AnalysisStatusPending    AnalysisStatus = "pending"
	AnalysisStatusProcessing AnalysisStatus = "processing"
	AnalysisStatusCompleted  AnalysisStatus = "completed"
	AnalysisStatusFailed     AnalysisStatus = "failed"
)

// IsTerminal returns true if the status represents a final state that will not change.
func (s AnalysisStatus) IsTerminal() bool {
	switch s {
	case AnalysisStatusCompleted, AnalysisStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is a legal status
// transition. Status only moves forward within a run: pending -> processing ->
// completed, and failed is reachable only from pending or processing. A
// terminal row can move back to processing, which is how a recalculation run
// reopens a finished analysis.
func (s AnalysisStatus) CanTransitionTo(next AnalysisStatus) bool {
	switch s {
	case AnalysisStatusPending:
		return next == AnalysisStatusProcessing || next == AnalysisStatusCompleted || next == AnalysisStatusFailed
	case AnalysisStatusProcessing:
		return next == AnalysisStatusCompleted || next == AnalysisStatusFailed
	case AnalysisStatusCompleted, AnalysisStatusFailed:
		return next == AnalysisStatusProcessing
	default:
		return false
	}
}

// AnalysisResult holds the per-case analysis status and computed PMI values.
// There is exactly one row per case; the row is created (status pending) when
// the case is submitted and mutated exclusively by the workflows while they run.
type AnalysisResult struct {
	ID     uuid.UUID
	CaseID string
	Status AnalysisStatus

	// Result fields, populated only on completion with detections.
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

	// Explanation is a human-readable narrative, set on no-detection
	// completion and on failure.
	Explanation *string

	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasDetections reports whether the result carries any detection data.
func (r *AnalysisResult) HasDetections() bool {
	return len(r.TotalCounts) > 0 || r.OldestStageDetected != nil
}

// PMISnapshot returns the PMI values as a snapshot for audit diffing, or nil
// if no PMI estimation is present.
func (r *AnalysisResult) PMISnapshot() *PMIValues {
	if r.PMIDays == nil && r.PMIHours == nil && r.PMIMinutes == nil {
		return nil
	}
	return &PMIValues{
		Days:    r.PMIDays,
		Hours:   r.PMIHours,
		Minutes: r.PMIMinutes,
	}
}

// PMIValues is a structured snapshot of a PMI estimate, used as the old/new
// value payload of recalculation audit log entries.
type PMIValues struct {
	Minutes *float64 `json:"minutes"`
	Hours   *float64 `json:"hours"`
	Days    *float64 `json:"days"`
}

// Case holds the fields of the owning forensic case that the workflows read
// and write. The full case record belongs to the web application; only these
// columns matter here.
type Case struct {
	ID                  string
	UserID              string
	RecalculationNeeded bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AuditLogEntry is an append-only record of a user-visible data change.
// Entries written as part of one logical change share a BatchID. Entries are
// never mutated or deleted.
type AuditLogEntry struct {
	ID        uuid.UUID
	CaseID    string
	UserID    string
	BatchID   uuid.UUID
	Field     string
	OldValue  interface{}
	NewValue  interface{}
	Timestamp time.Time
}

// AuditFieldPMIRecalculation is the audit field name for PMI changes produced
// by the recalculation workflow.
const AuditFieldPMIRecalculation = "pmiRecalculation"
