package models

import "time"

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "PENDING"
	SubmissionApproved SubmissionStatus = "APPROVED"
	SubmissionRejected SubmissionStatus = "REJECTED"
)

// Submission is one day's proof. SubmissionDate holds the local calendar day
// at midnight; the unique index keeps one proof per participation per day.
type Submission struct {
	ID              string           `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID          string           `gorm:"not null;index" json:"user_id"`
	ChallengeID     string           `gorm:"type:uuid;not null;index" json:"challenge_id"`
	ParticipationID string           `gorm:"type:uuid;not null;uniqueIndex:idx_submission_participation_day" json:"participation_id"`
	ImageRef        string           `gorm:"type:text;not null" json:"image_ref"`
	Description     string           `gorm:"type:text" json:"description,omitempty"`
	SubmissionDate  time.Time        `gorm:"type:date;not null;uniqueIndex:idx_submission_participation_day" json:"submission_date"`
	Status          SubmissionStatus `gorm:"type:varchar(16);not null;default:'PENDING';index" json:"status"`
	ReviewedBy      *string          `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
	ReviewComments  string           `gorm:"type:text" json:"review_comments,omitempty"`

	Timestamps
}
