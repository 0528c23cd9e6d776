package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"inkpost/internal/types"
)

func TestBrandRepository_GetByCreatorID_Found(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBrandRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"creator_1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "creator_1"
			*dest[1].(*string) = "The Weekly Loaf"
			*dest[2].(*string) = "baker@example.com"
			*dest[3].(*time.Time) = testNow
			return nil
		}})

	brand, err := repo.GetByCreatorID(context.Background(), "creator_1")
	require.NoError(t, err)
	require.NotNil(t, brand)
	assert.Equal(t, "The Weekly Loaf", brand.BrandName)
	assert.Equal(t, "baker@example.com", brand.Email)
}

func TestBrandRepository_GetByCreatorID_Absent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBrandRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	brand, err := repo.GetByCreatorID(context.Background(), "creator_1")
	require.NoError(t, err)
	assert.Nil(t, brand)
}

func TestBrandRepository_GetByCreatorID_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBrandRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := repo.GetByCreatorID(context.Background(), "creator_1")
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestSubscriberRepository_ListActiveEmails(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepository(db)

	rows := newMockRows("a@example.com", "b@example.com", "c@example.com")
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{"creator_1"}).Return(rows, nil)

	emails, err := repo.ListActiveEmails(context.Background(), "creator_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, emails)
	assert.True(t, rows.closed)
}

func TestSubscriberRepository_ListActiveEmails_Empty(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriberRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(newMockRows(), nil)

	emails, err := repo.ListActiveEmails(context.Background(), "creator_1")
	require.NoError(t, err)
	assert.NotNil(t, emails)
	assert.Empty(t, emails)
}

func TestSubscriberRepository_ListActiveEmails_Errors(t *testing.T) {
	t.Run("query", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
			Return(nil, errors.New("too many connections"))

		_, err := NewSubscriberRepository(db).ListActiveEmails(context.Background(), "creator_1")
		assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
	})

	t.Run("scan", func(t *testing.T) {
		db := new(mockDBTX)
		rows := newMockRows("a@example.com")
		rows.scanErr = errors.New("bad column")
		db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

		_, err := NewSubscriberRepository(db).ListActiveEmails(context.Background(), "creator_1")
		assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
	})

	t.Run("iteration", func(t *testing.T) {
		db := new(mockDBTX)
		rows := newMockRows()
		rows.errVal = errors.New("stream reset")
		db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

		_, err := NewSubscriberRepository(db).ListActiveEmails(context.Background(), "creator_1")
		assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
	})
}
