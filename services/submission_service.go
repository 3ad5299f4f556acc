package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"stake-settlement/models"
)

type ProofInput struct {
	UserID      string `json:"-"`
	ChallengeID string `json:"challenge_id"`
	ImageRef    string `json:"image_ref"`
	Description string `json:"description"`
}

type Review struct {
	Status   models.SubmissionStatus `json:"status"`
	Comments string                  `json:"review_comments"`
}

type ReviewResult struct {
	Submission *models.Submission `json:"submission"`
	Progress   float64            `json:"user_progress"`
}

// SubmissionService records daily proofs and their review. It never decides
// a participation; that happens at settlement.
type SubmissionService struct {
	Store LedgerStore
	Loc   *time.Location
	Now   Clock
}

func NewSubmissionService(store LedgerStore, loc *time.Location) *SubmissionService {
	return &SubmissionService{Store: store, Loc: loc, Now: time.Now}
}

func (s *SubmissionService) SubmitProof(ctx context.Context, in ProofInput) (*models.Submission, error) {
	if in.ChallengeID == "" || in.ImageRef == "" {
		return nil, invalid("image_ref", "challenge ID and image are required")
	}

	challenge, err := s.Store.GetChallenge(ctx, in.ChallengeID)
	if err != nil {
		return nil, err
	}
	p, err := s.Store.GetParticipation(ctx, in.UserID, in.ChallengeID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ParticipationActive {
		return nil, invalid("participation", "participation is already %s", p.Status)
	}

	now := s.Now()
	w := EffectiveWindow(*p, *challenge)
	today := dateIn(now, s.Loc)
	if dateIn(w.Start, s.Loc).after(today) {
		return nil, invalid("challenge", "your challenge has not started yet")
	}
	if today.after(dateIn(w.End, s.Loc)) {
		return nil, invalid("challenge", "your challenge period has ended")
	}

	sub := &models.Submission{
		UserID:          in.UserID,
		ChallengeID:     in.ChallengeID,
		ParticipationID: p.ID,
		ImageRef:        in.ImageRef,
		Description:     in.Description,
		SubmissionDate:  CalendarDay(now, s.Loc),
		Status:          models.SubmissionPending,
	}
	if err := s.Store.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}

	log.Info().Str("challenge_id", in.ChallengeID).Str("user_id", in.UserID).Msg("📸 Proof submitted")
	return sub, nil
}

// ReviewSubmission approves or rejects a PENDING submission. Approval bumps
// the participation's displayed progress.
func (s *SubmissionService) ReviewSubmission(ctx context.Context, submissionID string, review Review, actor Actor) (*ReviewResult, error) {
	if !actor.IsAdmin {
		return nil, ErrUnauthorized
	}
	if review.Status != models.SubmissionApproved && review.Status != models.SubmissionRejected {
		return nil, invalid("status", "status must be APPROVED or REJECTED")
	}

	result := &ReviewResult{}
	err := s.Store.RunTransaction(ctx, func(tx LedgerStore) error {
		sub, err := tx.GetSubmission(ctx, submissionID)
		if err != nil {
			return err
		}
		if sub.Status != models.SubmissionPending {
			return invalid("status", "submission has already been %s", sub.Status)
		}
		p, err := tx.GetParticipation(ctx, sub.UserID, sub.ChallengeID)
		if err != nil {
			return err
		}
		challenge, err := tx.GetChallenge(ctx, sub.ChallengeID)
		if err != nil {
			return err
		}

		now := s.Now()
		reviewer := actor.UserID
		sub.Status = review.Status
		sub.ReviewedBy = &reviewer
		sub.ReviewedAt = &now
		sub.ReviewComments = review.Comments
		if err := tx.UpdateSubmission(ctx, sub); err != nil {
			return err
		}

		result.Submission = sub
		result.Progress = p.Progress
		if review.Status != models.SubmissionApproved || p.IsTerminal() {
			return nil
		}

		approved, err := tx.FindApprovedSubmissions(ctx, p.ID)
		if err != nil {
			return err
		}
		w := EffectiveWindow(*p, *challenge)
		total := InclusiveDays(w.Start, w.End, s.Loc)
		if total == 0 {
			return nil
		}
		// count this approval once whether or not the read sees it
		count := len(approved)
		seen := false
		for _, a := range approved {
			if a.ID == sub.ID {
				seen = true
				break
			}
		}
		if !seen {
			count++
		}
		p.Progress = math.Min(float64(count)/float64(total)*100, 100)
		if err := tx.UpdateParticipation(ctx, p); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		result.Progress = p.Progress
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("submission_id", submissionID).
		Str("status", string(review.Status)).
		Str("reviewed_by", actor.UserID).
		Msg("📝 Submission reviewed")
	return result, nil
}
