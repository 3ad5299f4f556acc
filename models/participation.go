package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ParticipationStatus string

const (
	ParticipationActive    ParticipationStatus = "ACTIVE"
	ParticipationCompleted ParticipationStatus = "COMPLETED"
	ParticipationFailed    ParticipationStatus = "FAILED"
)

// Participation = a user's enrollment and stake in one challenge
type Participation struct {
	ID          string              `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID      string              `gorm:"not null;uniqueIndex:idx_participation_user_challenge" json:"user_id"`
	ChallengeID string              `gorm:"type:uuid;not null;index;uniqueIndex:idx_participation_user_challenge" json:"challenge_id"`
	StakeAmount decimal.Decimal     `gorm:"type:numeric(20,6);not null" json:"stake_amount"`
	Status      ParticipationStatus `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"status"`
	Progress    float64             `gorm:"not null;default:0" json:"progress"` // 0–100
	StartDate   time.Time           `gorm:"not null" json:"start_date"`
	EndDate     *time.Time          `json:"end_date,omitempty"` // set at settlement

	Timestamps
}

// IsTerminal is true once settlement has decided the participation.
func (p *Participation) IsTerminal() bool {
	return p.Status == ParticipationCompleted || p.Status == ParticipationFailed
}
