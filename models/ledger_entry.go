package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// LedgerEntryKind is the money-moving event a ledger row records.
type LedgerEntryKind string

const (
	LedgerStake  LedgerEntryKind = "STAKE"
	LedgerReward LedgerEntryKind = "REWARD"
	LedgerRefund LedgerEntryKind = "REFUND"
)

type LedgerEntryStatus string

const (
	LedgerPending   LedgerEntryStatus = "PENDING"
	LedgerCompleted LedgerEntryStatus = "COMPLETED"
	LedgerFailed    LedgerEntryStatus = "FAILED"
)

// LedgerEntry is append-only. Forfeited stakes are negative STAKE rows.
// ExternalReceiptID is the on-chain signature; IdempotencyKey ties a payout
// row to the PayoutAttempt that produced it.
type LedgerEntry struct {
	ID                string            `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID            string            `gorm:"not null;index:idx_ledger_user_challenge" json:"user_id"`
	ChallengeID       string            `gorm:"type:uuid;not null;index:idx_ledger_user_challenge" json:"challenge_id"`
	Kind              LedgerEntryKind   `gorm:"column:kind;type:varchar(16);not null;index" json:"kind"`
	Amount            decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"amount"`
	Status            LedgerEntryStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ExternalReceiptID *string           `gorm:"type:varchar(128);uniqueIndex" json:"external_receipt_id,omitempty"`
	IdempotencyKey    *string           `gorm:"type:uuid;uniqueIndex" json:"idempotency_key,omitempty"`
	Description       string            `gorm:"type:text" json:"description"`
	Timestamp         time.Time         `gorm:"not null;index" json:"timestamp"`
	Metadata          datatypes.JSON    `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
}
