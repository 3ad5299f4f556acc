package models

import (
	"time"

	"gorm.io/gorm"
)

// ParticipantProfile is a local snapshot of profile data used to label
// payout reports. Populated by the profile sync worker.
type ParticipantProfile struct {
	ID             string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ExternalUserID string    `gorm:"uniqueIndex;not null" json:"external_user_id"`
	Username       string    `gorm:"index;not null" json:"username"`
	Email          string    `json:"email,omitempty"`
	FirstName      *string   `json:"first_name,omitempty"`
	LastName       *string   `json:"last_name,omitempty"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// DisplayName prefers first/last name, then username.
func (p ParticipantProfile) DisplayName() string {
	switch {
	case p.FirstName != nil && p.LastName != nil:
		return *p.FirstName + " " + *p.LastName
	case p.FirstName != nil:
		return *p.FirstName
	default:
		return p.Username
	}
}
