package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stake-settlement/models"
	"stake-settlement/services"
)

// GormLedgerStore is the postgres-backed LedgerStore.
type GormLedgerStore struct {
	DB *gorm.DB
}

var _ services.LedgerStore = (*GormLedgerStore)(nil)

func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{DB: db}
}

// AutoMigrate creates or updates every table the service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Challenge{},
		&models.Participation{},
		&models.Submission{},
		&models.LedgerEntry{},
		&models.EscrowWallet{},
		&models.SettlementRun{},
		&models.PayoutAttempt{},
		&models.ParticipantProfile{},
	)
}

func (s *GormLedgerStore) db(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}

func notFound(err error, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

func (s *GormLedgerStore) RunTransaction(ctx context.Context, fn func(tx services.LedgerStore) error) error {
	return s.db(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormLedgerStore{DB: tx})
	})
}

func (s *GormLedgerStore) LockChallengeSettlement(ctx context.Context, challengeID string) (bool, error) {
	var locked bool
	if err := s.db(ctx).Raw("SELECT pg_try_advisory_xact_lock(hashtext(?))", "settle:"+challengeID).Scan(&locked).Error; err != nil {
		return false, fmt.Errorf("failed to take settlement lock: %w", err)
	}
	return locked, nil
}

func (s *GormLedgerStore) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	var c models.Challenge
	if err := s.db(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, services.ErrChallengeNotFound)
	}
	return &c, nil
}

func (s *GormLedgerStore) CreateChallenge(ctx context.Context, c *models.Challenge) error {
	return s.db(ctx).Create(c).Error
}

func (s *GormLedgerStore) SetEscrowAddress(ctx context.Context, challengeID, address string) error {
	res := s.db(ctx).Model(&models.Challenge{}).Where("id = ?", challengeID).Update("escrow_address", address)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return services.ErrChallengeNotFound
	}
	return nil
}

func (s *GormLedgerStore) ListEscrowChallenges(ctx context.Context, endedAfter time.Time) ([]models.Challenge, error) {
	var challenges []models.Challenge
	err := s.db(ctx).
		Where("escrow_address IS NOT NULL AND end_date >= ?", endedAfter).
		Order("end_date ASC").
		Find(&challenges).Error
	return challenges, err
}

func (s *GormLedgerStore) AddChallengeStake(ctx context.Context, challengeID string, amount decimal.Decimal) error {
	return s.db(ctx).Model(&models.Challenge{}).Where("id = ?", challengeID).Updates(map[string]any{
		"participants":     gorm.Expr("participants + 1"),
		"total_prize_pool": gorm.Expr("total_prize_pool + ?", amount),
	}).Error
}

func (s *GormLedgerStore) FindParticipantsByChallenge(ctx context.Context, challengeID string) ([]models.Participation, error) {
	var ps []models.Participation
	err := s.db(ctx).Where("challenge_id = ?", challengeID).Order("created_at ASC").Find(&ps).Error
	return ps, err
}

func (s *GormLedgerStore) GetParticipation(ctx context.Context, userID, challengeID string) (*models.Participation, error) {
	var p models.Participation
	if err := s.db(ctx).Where("user_id = ? AND challenge_id = ?", userID, challengeID).First(&p).Error; err != nil {
		return nil, notFound(err, services.ErrParticipationNotFound)
	}
	return &p, nil
}

func (s *GormLedgerStore) CreateParticipation(ctx context.Context, p *models.Participation) error {
	return s.db(ctx).Create(p).Error
}

func (s *GormLedgerStore) UpdateParticipation(ctx context.Context, p *models.Participation) error {
	return s.db(ctx).Save(p).Error
}

func (s *GormLedgerStore) FindApprovedSubmissions(ctx context.Context, participationID string) ([]models.Submission, error) {
	var subs []models.Submission
	err := s.db(ctx).
		Where("participation_id = ? AND status = ?", participationID, models.SubmissionApproved).
		Order("submission_date ASC").
		Find(&subs).Error
	return subs, err
}

func (s *GormLedgerStore) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	var sub models.Submission
	if err := s.db(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, notFound(err, services.ErrSubmissionNotFound)
	}
	return &sub, nil
}

func (s *GormLedgerStore) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	if err := s.db(ctx).Create(sub).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return services.ErrDuplicateSubmission
		}
		return err
	}
	return nil
}

func (s *GormLedgerStore) UpdateSubmission(ctx context.Context, sub *models.Submission) error {
	return s.db(ctx).Save(sub).Error
}

func (s *GormLedgerStore) AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	return s.db(ctx).Create(e).Error
}

func (s *GormLedgerStore) FindStakeEntry(ctx context.Context, userID, challengeID string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db(ctx).
		Where("user_id = ? AND challenge_id = ? AND kind = ? AND amount > 0", userID, challengeID, models.LedgerStake).
		Order("timestamp ASC").
		First(&e).Error
	if err != nil {
		return nil, notFound(err, services.ErrStakeEntryNotFound)
	}
	return &e, nil
}

func (s *GormLedgerStore) FindEntryByReceipt(ctx context.Context, receipt string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := s.db(ctx).Where("external_receipt_id = ?", receipt).First(&e).Error; err != nil {
		return nil, notFound(err, services.ErrNotFound)
	}
	return &e, nil
}

func (s *GormLedgerStore) FindEntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := s.db(ctx).Where("idempotency_key = ?", key).First(&e).Error; err != nil {
		return nil, notFound(err, services.ErrNotFound)
	}
	return &e, nil
}

func (s *GormLedgerStore) LatestPayoutEntry(ctx context.Context, userID, challengeID string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db(ctx).
		Where("user_id = ? AND challenge_id = ? AND status = ? AND kind IN ?",
			userID, challengeID, models.LedgerCompleted, []models.LedgerEntryKind{models.LedgerReward, models.LedgerRefund}).
		Order("timestamp DESC").
		First(&e).Error
	if err != nil {
		return nil, notFound(err, services.ErrNotFound)
	}
	return &e, nil
}

func (s *GormLedgerStore) ListEntriesSince(ctx context.Context, userID string, since time.Time) ([]models.LedgerEntry, error) {
	var es []models.LedgerEntry
	err := s.db(ctx).
		Where("user_id = ? AND created_at > ?", userID, since).
		Order("created_at ASC").
		Limit(100).
		Find(&es).Error
	return es, err
}

func (s *GormLedgerStore) GetEscrowWallet(ctx context.Context, challengeID string) (*models.EscrowWallet, error) {
	var w models.EscrowWallet
	if err := s.db(ctx).Where("challenge_id = ?", challengeID).First(&w).Error; err != nil {
		return nil, notFound(err, services.ErrEscrowNotFound)
	}
	return &w, nil
}

func (s *GormLedgerStore) CreateEscrowWallet(ctx context.Context, w *models.EscrowWallet) error {
	return s.db(ctx).Create(w).Error
}

func (s *GormLedgerStore) GetSettlementRun(ctx context.Context, challengeID string) (*models.SettlementRun, error) {
	var r models.SettlementRun
	if err := s.db(ctx).Where("challenge_id = ?", challengeID).First(&r).Error; err != nil {
		return nil, notFound(err, services.ErrSettlementNotFound)
	}
	return &r, nil
}

func (s *GormLedgerStore) CreateSettlementRun(ctx context.Context, r *models.SettlementRun) error {
	return s.db(ctx).Create(r).Error
}

func (s *GormLedgerStore) CreatePayoutAttempt(ctx context.Context, a *models.PayoutAttempt) (bool, error) {
	res := s.db(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(a)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormLedgerStore) GetPayoutAttempt(ctx context.Context, key string) (*models.PayoutAttempt, error) {
	var a models.PayoutAttempt
	if err := s.db(ctx).Where("idempotency_key = ?", key).First(&a).Error; err != nil {
		return nil, notFound(err, services.ErrNotFound)
	}
	return &a, nil
}

func (s *GormLedgerStore) ClaimPayoutRetry(ctx context.Context, a *models.PayoutAttempt, seenAttempts int) (bool, error) {
	res := s.db(ctx).Model(&models.PayoutAttempt{}).
		Where("idempotency_key = ? AND status = ? AND attempts = ?", a.IdempotencyKey, models.AttemptFailed, seenAttempts).
		Updates(map[string]any{
			"status":      models.AttemptPending,
			"attempts":    seenAttempts + 1,
			"destination": a.Destination,
			"signature":   nil,
			"last_error":  "",
			"detail":      a.Detail,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	a.Status = models.AttemptPending
	a.Attempts = seenAttempts + 1
	a.Signature = nil
	a.LastError = ""
	return true, nil
}

func (s *GormLedgerStore) UpdatePayoutAttempt(ctx context.Context, a *models.PayoutAttempt) error {
	return s.db(ctx).Save(a).Error
}

func (s *GormLedgerStore) ListUnresolvedAttempts(ctx context.Context, olderThan time.Time, limit int) ([]models.PayoutAttempt, error) {
	var as []models.PayoutAttempt
	err := s.db(ctx).
		Where("status IN ? AND updated_at < ?", []models.PayoutAttemptStatus{models.AttemptPending, models.AttemptUnknown}, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&as).Error
	return as, err
}

func (s *GormLedgerStore) GetProfiles(ctx context.Context, userIDs []string) (map[string]models.ParticipantProfile, error) {
	out := make(map[string]models.ParticipantProfile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var ps []models.ParticipantProfile
	if err := s.db(ctx).Where("external_user_id IN ?", userIDs).Find(&ps).Error; err != nil {
		return nil, err
	}
	for _, p := range ps {
		out[p.ExternalUserID] = p
	}
	return out, nil
}
