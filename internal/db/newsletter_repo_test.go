package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"inkpost/internal/types"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// newsletterRow fills the scan destinations in newsletterColumns order.
func newsletterRow(status types.NewsletterStatus, delivery types.DeliveryStatus, sentCount *int, errMsg *string) *mockRow {
	return &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "nl_1"
			*dest[1].(*string) = "creator_1"
			*dest[2].(*string) = "Issue #12"
			*dest[3].(*string) = "<p>Hello</p>"
			*dest[4].(*types.NewsletterStatus) = status
			*dest[5].(*types.DeliveryStatus) = delivery
			*dest[6].(**int) = sentCount
			*dest[8].(**string) = errMsg
			*dest[10].(*time.Time) = testNow.Add(-time.Hour)
			*dest[11].(*time.Time) = testNow
			return nil
		},
	}
}

func TestNewsletterRepository_GetByID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	sent := 42
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"nl_1"}).
		Return(newsletterRow(types.NewsletterStatusSent, types.DeliveryStatusCompleted, &sent, nil))

	n, err := repo.GetByID(context.Background(), "nl_1")
	require.NoError(t, err)
	assert.Equal(t, "creator_1", n.CreatorID)
	assert.Equal(t, types.NewsletterStatusSent, n.Status)
	assert.Equal(t, types.DeliveryStatusCompleted, n.DeliveryStatus)
	require.NotNil(t, n.Stats)
	assert.Equal(t, 42, n.Stats.SentCount)
	assert.Empty(t, n.Error)
	db.AssertExpectations(t)
}

func TestNewsletterRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "nl_missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundNewsletter, types.CodeOf(err))
}

func TestNewsletterRepository_GetByID_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.GetByID(context.Background(), "nl_1")
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestNewsletterRepository_MarkSent_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 6 && sql[:6] == "SELECT"
	}), mock.Anything).Return(newsletterRow(types.NewsletterStatusDraft, types.DeliveryStatusNone, nil, nil)).Once()
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 6 && sql[:6] == "UPDATE"
	}), []any{"nl_1", "creator_1", testNow}).Return(newsletterRow(types.NewsletterStatusSent, types.DeliveryStatusNone, nil, nil)).Once()

	before, after, err := repo.MarkSent(context.Background(), "nl_1", "creator_1", testNow)
	require.NoError(t, err)
	assert.Equal(t, types.NewsletterStatusDraft, before.Status)
	assert.Equal(t, types.NewsletterStatusSent, after.Status)
	db.AssertExpectations(t)
}

func TestNewsletterRepository_MarkSent_AlreadySent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newsletterRow(types.NewsletterStatusSent, types.DeliveryStatusCompleted, nil, nil)).Once()

	_, _, err := repo.MarkSent(context.Background(), "nl_1", "creator_1", testNow)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictAlreadySent, types.CodeOf(err))
	db.AssertNumberOfCalls(t, "QueryRow", 1)
}

func TestNewsletterRepository_MarkSent_WrongCreator(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newsletterRow(types.NewsletterStatusDraft, types.DeliveryStatusNone, nil, nil)).Once()

	_, _, err := repo.MarkSent(context.Background(), "nl_1", "creator_other", testNow)
	assert.Equal(t, types.ErrCodeNotFoundNewsletter, types.CodeOf(err))
}

func TestNewsletterRepository_MarkSent_LostRace(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"nl_1"}).
		Return(newsletterRow(types.NewsletterStatusDraft, types.DeliveryStatusNone, nil, nil)).Once()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"nl_1", "creator_1", testNow}).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()

	_, _, err := repo.MarkSent(context.Background(), "nl_1", "creator_1", testNow)
	assert.Equal(t, types.ErrCodeConflictAlreadySent, types.CodeOf(err))
}

func TestNewsletterRepository_ClaimDelivery(t *testing.T) {
	tests := []struct {
		name    string
		tag     string
		execErr error
		want    bool
		wantErr bool
	}{
		{"claimed", "UPDATE 1", nil, true, false},
		{"already claimed", "UPDATE 0", nil, false, false},
		{"db error", "", errors.New("timeout"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewNewsletterRepository(db, nil)

			db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"nl_1", "run_1", testNow}).
				Return(pgconn.NewCommandTag(tt.tag), tt.execErr)

			got, err := repo.ClaimDelivery(context.Background(), "nl_1", "run_1", testNow)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			db.AssertExpectations(t)
		})
	}
}

func TestNewsletterRepository_CompleteDelivery_WithPartialFailures(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	partial := &types.PartialFailures{Count: 1, Sample: []string{"bad@example.com"}}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"),
		[]any{"nl_1", "run_1", 2, *partial, testNow},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.CompleteDelivery(context.Background(), "nl_1", "run_1", 2, partial, testNow)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestNewsletterRepository_CompleteDelivery_NoFailuresWritesNull(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"),
		[]any{"nl_1", "run_1", 0, nil, testNow},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.CompleteDelivery(context.Background(), "nl_1", "run_1", 0, nil, testNow))
	db.AssertExpectations(t)
}

func TestNewsletterRepository_CompleteDelivery_NotInProgress(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.CompleteDelivery(context.Background(), "nl_1", "run_1", 3, nil, testNow)
	assert.Equal(t, types.ErrCodeConflictInvalidTransition, types.CodeOf(err))
}

func TestNewsletterRepository_FailDelivery(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"),
		[]any{"nl_1", "run_1", "resolution failed: connection refused", testNow},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.FailDelivery(context.Background(), "nl_1", "run_1", "resolution failed: connection refused", testNow)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestNewsletterRepository_FailDelivery_Terminal(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNewsletterRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.FailDelivery(context.Background(), "nl_1", "run_1", "boom", testNow)
	assert.Equal(t, types.ErrCodeConflictInvalidTransition, types.CodeOf(err))
}
