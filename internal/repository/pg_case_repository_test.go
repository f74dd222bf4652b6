package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entomex/analysis-service/internal/domain"
)

func TestPgCaseRepository_GetByID(t *testing.T) {
	t.Run("returns case when found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCaseRepository(mock)

		now := time.Now().UTC()
		mock.ExpectQuery(`SELECT id, user_id, recalculation_needed, created_at, updated_at FROM cases WHERE id = \$1`).
			WithArgs("case-1").
			WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "recalculation_needed", "created_at", "updated_at"}).
				AddRow("case-1", "user-7", true, now, now))

		c, err := repo.GetByID(context.Background(), "case-1")
		require.NoError(t, err)
		assert.Equal(t, "user-7", c.UserID)
		assert.True(t, c.RecalculationNeeded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found for deleted case", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCaseRepository(mock)

		mock.ExpectQuery(`SELECT id, user_id, recalculation_needed, created_at, updated_at FROM cases WHERE id = \$1`).
			WithArgs("gone").
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.GetByID(context.Background(), "gone")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects empty ID", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCaseRepository(mock)

		_, err = repo.GetByID(context.Background(), "")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})
}

func TestPgCaseRepository_ClearRecalculationNeeded(t *testing.T) {
	t.Run("clears flag", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCaseRepository(mock)

		mock.ExpectExec(`UPDATE cases`).
			WithArgs(pgxmock.AnyArg(), "case-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.ClearRecalculationNeeded(context.Background(), "case-1")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found when case absent", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCaseRepository(mock)

		mock.ExpectExec(`UPDATE cases`).
			WithArgs(pgxmock.AnyArg(), "gone").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = repo.ClearRecalculationNeeded(context.Background(), "gone")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
