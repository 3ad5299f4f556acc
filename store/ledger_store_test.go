package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stake-settlement/models"
	"stake-settlement/services"
)

func newMockStore(t *testing.T) (*GormLedgerStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGormLedgerStore(db), mock
}

func TestGetChallenge(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM "challenges" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "stake_amount", "escrow_address"}).
			AddRow("c1", "30 Day Run", "100.000000", "Escrow111"))

	c, err := s.GetChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "30 Day Run", c.Title)
	assert.True(t, c.StakeAmount.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, c.EscrowAddress)
	assert.Equal(t, "Escrow111", *c.EscrowAddress)

	mock.ExpectQuery(`SELECT \* FROM "challenges"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = s.GetChallenge(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrChallengeNotFound)
	assert.ErrorIs(t, err, services.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockChallengeSettlement(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("settle:c1").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	locked, err := s.LockChallengeSettlement(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, locked)

	mock.ExpectQuery(`pg_try_advisory_xact_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	locked, err = s.LockChallengeSettlement(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEscrowAddressUnknownChallenge(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "challenges" SET "escrow_address"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.SetEscrowAddress(context.Background(), "missing", "Escrow111")
	assert.ErrorIs(t, err, services.ErrChallengeNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSubmissionDuplicateDay(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "submissions"`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := s.CreateSubmission(context.Background(), &models.Submission{
		UserID:          "alice",
		ChallengeID:     "c1",
		ParticipationID: "p1",
		ImageRef:        "proofs/a.jpg",
		SubmissionDate:  time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Status:          models.SubmissionPending,
	})
	assert.ErrorIs(t, err, services.ErrDuplicateSubmission)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePayoutAttemptOnce(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	attempt := func() *models.PayoutAttempt {
		return &models.PayoutAttempt{
			IdempotencyKey:  "5b0f7c56-2f7a-5c44-9f59-6c1a1f4e1c01",
			ChallengeID:     "c1",
			UserID:          "alice",
			SettlementRunID: "r1",
			Kind:            models.LedgerReward,
			Amount:          decimal.NewFromInt(130),
			Destination:     "wallet-alice",
			Status:          models.AttemptPending,
			Attempts:        1,
		}
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "payout_attempts" .* ON CONFLICT \("idempotency_key"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1"))
	mock.ExpectCommit()
	created, err := s.CreatePayoutAttempt(ctx, attempt())
	require.NoError(t, err)
	assert.True(t, created)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "payout_attempts"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()
	created, err = s.CreatePayoutAttempt(ctx, attempt())
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTransactionRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(`pg_try_advisory_xact_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectRollback()

	err := s.RunTransaction(context.Background(), func(tx services.LedgerStore) error {
		locked, err := tx.LockChallengeSettlement(context.Background(), "c1")
		require.NoError(t, err)
		require.True(t, locked)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProfilesSkipsEmptyLookup(t *testing.T) {
	s, mock := newMockStore(t)

	out, err := s.GetProfiles(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	mock.ExpectQuery(`SELECT \* FROM "participant_profiles" WHERE external_user_id IN \(\$1,\$2\)`).
		WillReturnRows(sqlmock.NewRows([]string{"external_user_id", "username"}).
			AddRow("alice", "alice_runs"))
	out, err = s.GetProfiles(context.Background(), []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, "alice_runs", out["alice"].Username)
	_, ok := out["bob"]
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPayoutRetryOnlyFromFailed(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	attempt := &models.PayoutAttempt{
		IdempotencyKey: "5b0f7c56-2f7a-5c44-9f59-6c1a1f4e1c01",
		Destination:    "wallet-bob",
		Status:         models.AttemptFailed,
		Attempts:       1,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "payout_attempts" SET .* WHERE idempotency_key = \$\d+ AND status = \$\d+ AND attempts = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	claimed, err := s.ClaimPayoutRetry(ctx, attempt, 1)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, models.AttemptPending, attempt.Status)
	assert.Equal(t, 2, attempt.Attempts)

	// a second instance holding the same stale read loses the race
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "payout_attempts" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	claimed, err = s.ClaimPayoutRetry(ctx, &models.PayoutAttempt{IdempotencyKey: attempt.IdempotencyKey}, 1)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, mock.ExpectationsWereMet())
}
