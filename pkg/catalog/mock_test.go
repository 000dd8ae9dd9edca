package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/utils"
)

func TestListProvidersMocked(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()
	store := New(mockDB, testLogger())

	rows := sqlmock.NewRows([]string{"id", "slug", "name"}).
		AddRow(1, "fakku", "Fakku").
		AddRow(2, "panda", "Panda")
	mock.ExpectQuery(`SELECT id, slug, name FROM providers ORDER BY slug`).WillReturnRows(rows)

	providers, err := store.ListProviders(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []models.Provider{{ID: 1, Slug: "fakku", Name: "Fakku"}, {ID: 2, Slug: "panda", Name: "Panda"}}, providers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryErrorsWrapErrDatabase(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()
	store := New(mockDB, testLogger())

	mock.ExpectQuery(`SELECT archive_id, gallery_id, match_type, match_accuracy FROM archive_matches`).
		WithArgs(int64(7)).
		WillReturnError(errors.New("disk I/O error"))

	_, err = store.ArchiveMatches(context.Background(), 7)
	assert.ErrorIs(t, err, utils.ErrDatabase)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttributeMissingMocked(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()
	store := New(mockDB, testLogger())

	mock.ExpectQuery(`SELECT provider, name, kind, value FROM attributes WHERE provider=\? AND name=\?`).
		WithArgs("mugi", "last_query_date").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "name", "kind", "value"}))

	_, found, err := store.GetAttribute(context.Background(), "mugi", "last_query_date")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmArchiveMatchRollsBack(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()
	store := New(mockDB, testLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE archives SET gallery_id=\?, match_type=\? WHERE id=\?`).
		WithArgs(int64(3), models.MatchTypeTitle, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM archive_matches WHERE archive_id=\?`).
		WithArgs(int64(1)).
		WillReturnError(errors.New("locked"))
	mock.ExpectRollback()

	err = store.ConfirmArchiveMatch(context.Background(), 1, 3, models.MatchTypeTitle)
	assert.ErrorIs(t, err, utils.ErrDatabase)
	assert.NoError(t, mock.ExpectationsWereMet())
}
