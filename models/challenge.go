package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Challenge is a time-boxed staking contest. StartDate and EndDate bound an
// inclusive calendar window.
type Challenge struct {
	ID             string          `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Title          string          `gorm:"not null" json:"title"`
	Slug           string          `gorm:"index" json:"slug"`
	Description    string          `gorm:"type:text" json:"description"`
	StartDate      time.Time       `gorm:"not null" json:"start_date"`
	EndDate        time.Time       `gorm:"not null;index" json:"end_date"`
	StakeAmount    decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"stake_amount"`
	TotalPrizePool decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"total_prize_pool"`
	Participants   int             `gorm:"not null;default:0" json:"participants"`
	EscrowAddress  *string         `gorm:"type:varchar(64);uniqueIndex" json:"escrow_address,omitempty"`
	CreatedBy      string          `gorm:"index" json:"created_by"`

	Timestamps
}

// HasEnded reports whether now is at or past the challenge end.
func (c *Challenge) HasEnded(now time.Time) bool {
	return !now.Before(c.EndDate)
}

// HasStarted reports whether now is at or past the challenge start.
func (c *Challenge) HasStarted(now time.Time) bool {
	return !now.Before(c.StartDate)
}
