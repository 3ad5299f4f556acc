package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type SettlementRegime string

const (
	RegimeRefundAll   SettlementRegime = "refund_all"
	RegimeStakeReturn SettlementRegime = "stake_return"
	RegimeSplit       SettlementRegime = "split"
)

// SettlementRun records the single settlement of a challenge. Its ID seeds
// payout idempotency keys.
type SettlementRun struct {
	ID             string           `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ChallengeID    string           `gorm:"type:uuid;not null;uniqueIndex" json:"challenge_id"`
	Regime         SettlementRegime `gorm:"type:varchar(16);not null" json:"regime"`
	PrizePool      decimal.Decimal  `gorm:"type:numeric(20,6);not null" json:"prize_pool"`
	PerWinnerShare decimal.Decimal  `gorm:"type:numeric(20,6);not null" json:"per_winner_share"`
	Remainder      decimal.Decimal  `gorm:"type:numeric(20,6);not null;default:0" json:"remainder"`
	Winners        int              `gorm:"not null" json:"winners"`
	Losers         int              `gorm:"not null" json:"losers"`
	SettledBy      string           `json:"settled_by"`
	SettledAt      time.Time        `gorm:"not null" json:"settled_at"`
	Summary        datatypes.JSON   `gorm:"type:jsonb" json:"summary,omitempty"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

type PayoutAttemptStatus string

const (
	AttemptPending   PayoutAttemptStatus = "PENDING"
	AttemptCompleted PayoutAttemptStatus = "COMPLETED"
	AttemptFailed    PayoutAttemptStatus = "FAILED"
	AttemptUnknown   PayoutAttemptStatus = "UNKNOWN"
)

// PayoutAttempt is the durable idempotency token for one recipient's payout.
// It is written PENDING before broadcast and Signature is stored before the
// transaction leaves the process.
type PayoutAttempt struct {
	ID              string              `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	IdempotencyKey  string              `gorm:"type:uuid;not null;uniqueIndex" json:"idempotency_key"`
	ChallengeID     string              `gorm:"type:uuid;not null;index" json:"challenge_id"`
	UserID          string              `gorm:"not null;index" json:"user_id"`
	SettlementRunID string              `gorm:"type:uuid;not null;index" json:"settlement_run_id"`
	Kind            LedgerEntryKind     `gorm:"type:varchar(16);not null" json:"kind"`
	Amount          decimal.Decimal     `gorm:"type:numeric(20,6);not null" json:"amount"`
	Destination     string              `gorm:"type:varchar(64);not null" json:"destination"`
	Signature       *string             `gorm:"type:varchar(128);index" json:"signature,omitempty"`
	Status          PayoutAttemptStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Attempts        int                 `gorm:"not null;default:0" json:"attempts"`
	LastError       string              `gorm:"type:text" json:"last_error,omitempty"`
	Detail          datatypes.JSON      `gorm:"type:jsonb" json:"detail,omitempty"`
	ResolvedAt      *time.Time          `json:"resolved_at,omitempty"`
	CreatedAt       time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}
