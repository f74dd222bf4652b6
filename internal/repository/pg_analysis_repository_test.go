package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entomex/analysis-service/internal/domain"
)

var analysisResultColumnNames = []string{
	"id", "case_id", "status",
	"total_counts", "oldest_stage_detected", "stage_used_for_calculation",
	"pmi_days", "pmi_hours", "pmi_minutes", "pmi_source_image_key",
	"temperature_provided", "calculated_adh", "ldt_used",
	"explanation", "processing_started_at", "completed_at",
	"created_at", "updated_at",
}

func analysisRow(id uuid.UUID, caseID string, status domain.AnalysisStatus) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows(analysisResultColumnNames).
		AddRow(id, caseID, status,
			[]byte(nil), (*string)(nil), (*string)(nil),
			(*float64)(nil), (*float64)(nil), (*float64)(nil), (*string)(nil),
			(*float64)(nil), (*float64)(nil), (*float64)(nil),
			(*string)(nil), (*time.Time)(nil), (*time.Time)(nil),
			now, now)
}

func TestPgAnalysisRepository_GetByCaseID(t *testing.T) {
	t.Run("returns result when found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)
		ctx := context.Background()

		id := uuid.New()
		now := time.Now().UTC()
		stage := "adult"
		pmiDays := 2.5
		mock.ExpectQuery(`SELECT .+ FROM analysis_results WHERE case_id = \$1`).
			WithArgs("case-1").
			WillReturnRows(pgxmock.NewRows(analysisResultColumnNames).
				AddRow(id, "case-1", domain.AnalysisStatusCompleted,
					[]byte(`{"adult": 3}`), &stage, &stage,
					&pmiDays, (*float64)(nil), (*float64)(nil), (*string)(nil),
					(*float64)(nil), (*float64)(nil), (*float64)(nil),
					(*string)(nil), &now, &now,
					now, now))

		result, err := repo.GetByCaseID(ctx, "case-1")
		require.NoError(t, err)
		assert.Equal(t, "case-1", result.CaseID)
		assert.Equal(t, domain.AnalysisStatusCompleted, result.Status)
		assert.Equal(t, map[string]int{"adult": 3}, result.TotalCounts)
		require.NotNil(t, result.OldestStageDetected)
		assert.Equal(t, "adult", *result.OldestStageDetected)
		require.NotNil(t, result.PMIDays)
		assert.Equal(t, 2.5, *result.PMIDays)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found when row absent", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)

		mock.ExpectQuery(`SELECT .+ FROM analysis_results WHERE case_id = \$1`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.GetByCaseID(context.Background(), "missing")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects empty case ID", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)

		_, err = repo.GetByCaseID(context.Background(), "")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})
}

// The pgxmock pool has no WithTransaction, so SetStatus runs the locked
// read and update directly here; the transactional wrapping belongs to
// database.DB and is asserted by the txRunner interface check.
func TestPgAnalysisRepository_SetStatus(t *testing.T) {
	t.Run("transitions pending to processing", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)

		mock.ExpectQuery(`SELECT .+ FROM analysis_results WHERE case_id = \$1 FOR UPDATE`).
			WithArgs("case-1").
			WillReturnRows(analysisRow(uuid.New(), "case-1", domain.AnalysisStatusPending))
		mock.ExpectExec(`UPDATE analysis_results`).
			WithArgs(domain.AnalysisStatusProcessing,
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "case-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.SetStatus(context.Background(), "case-1", domain.AnalysisStatusProcessing, nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same status write is an idempotent no-op transition", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)

		mock.ExpectQuery(`SELECT .+ FROM analysis_results WHERE case_id = \$1 FOR UPDATE`).
			WithArgs("case-1").
			WillReturnRows(analysisRow(uuid.New(), "case-1", domain.AnalysisStatusProcessing))
		mock.ExpectExec(`UPDATE analysis_results`).
			WithArgs(domain.AnalysisStatusProcessing,
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "case-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.SetStatus(context.Background(), "case-1", domain.AnalysisStatusProcessing, nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects illegal transition", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)

		mock.ExpectQuery(`SELECT .+ FROM analysis_results WHERE case_id = \$1 FOR UPDATE`).
			WithArgs("case-1").
			WillReturnRows(analysisRow(uuid.New(), "case-1", domain.AnalysisStatusCompleted))

		err = repo.SetStatus(context.Background(), "case-1", domain.AnalysisStatusFailed, nil)
		assert.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("writes result fields on completion", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)

		stage := "adult"
		pmiDays := 2.0
		fields := &ResultFields{
			TotalCounts:         map[string]int{"adult": 3},
			OldestStageDetected: &stage,
			PMIDays:             &pmiDays,
		}

		mock.ExpectQuery(`SELECT .+ FROM analysis_results WHERE case_id = \$1 FOR UPDATE`).
			WithArgs("case-1").
			WillReturnRows(analysisRow(uuid.New(), "case-1", domain.AnalysisStatusProcessing))
		mock.ExpectExec(`UPDATE analysis_results`).
			WithArgs(domain.AnalysisStatusCompleted,
				[]byte(`{"adult":3}`), &stage, (*string)(nil),
				&pmiDays, (*float64)(nil), (*float64)(nil), (*string)(nil),
				(*float64)(nil), (*float64)(nil), (*float64)(nil),
				(*string)(nil), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				"case-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.SetStatus(context.Background(), "case-1", domain.AnalysisStatusCompleted, fields)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found when row absent", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)

		mock.ExpectQuery(`SELECT .+ FROM analysis_results WHERE case_id = \$1 FOR UPDATE`).
			WithArgs("missing").
			WillReturnRows(pgxmock.NewRows(analysisResultColumnNames))

		err = repo.SetStatus(context.Background(), "missing", domain.AnalysisStatusProcessing, nil)
		assert.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgAnalysisRepository_SetExplanation(t *testing.T) {
	t.Run("updates explanation", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)

		mock.ExpectExec(`UPDATE analysis_results`).
			WithArgs("no evidence detected", pgxmock.AnyArg(), "case-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.SetExplanation(context.Background(), "case-1", "no evidence detected")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found when row absent", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgAnalysisRepository(mock)

		mock.ExpectExec(`UPDATE analysis_results`).
			WithArgs("text", pgxmock.AnyArg(), "missing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = repo.SetExplanation(context.Background(), "missing", "text")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
