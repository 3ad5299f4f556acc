package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"stake-settlement/metrics"
	"stake-settlement/models"
)

// Actor is the caller as seen by the core. IsAdmin is decided upstream.
type Actor struct {
	UserID  string
	IsAdmin bool
}

// ParticipantOutcome is one row of a settlement result.
type ParticipantOutcome struct {
	ParticipationID string                     `json:"participation_id"`
	UserID          string                     `json:"user_id"`
	Status          models.ParticipationStatus `json:"status"`
	Progress        float64                    `json:"progress"`
	Stake           decimal.Decimal            `json:"stake"`
	Payout          decimal.Decimal            `json:"payout"`
	Rank            int                        `json:"rank,omitempty"`
}

type SettlementResult struct {
	ChallengeID    string                  `json:"challenge_id"`
	SettlementRun  string                  `json:"settlement_run_id"`
	AlreadySettled bool                    `json:"already_settled"`
	Regime         models.SettlementRegime `json:"regime"`
	PrizePool      decimal.Decimal         `json:"prize_pool"`
	PerWinnerShare decimal.Decimal         `json:"per_winner_share"`
	Remainder      decimal.Decimal         `json:"remainder"`
	Total          int                     `json:"total_participants"`
	Winners        []ParticipantOutcome    `json:"winners"`
	Losers         []ParticipantOutcome    `json:"losers"`
	Active         int                     `json:"active"`
}

// SettlementService runs the Completion Evaluator and Settlement Classifier
// for a challenge inside one store transaction.
type SettlementService struct {
	Store   LedgerStore
	Policy  CompletionPolicy
	Loc     *time.Location
	Now     Clock
	Metrics *metrics.Collector
	Archive ReportArchive
}

func NewSettlementService(store LedgerStore, policy CompletionPolicy, loc *time.Location, archive ReportArchive, m *metrics.Collector) *SettlementService {
	return &SettlementService{Store: store, Policy: policy, Loc: loc, Now: time.Now, Archive: archive, Metrics: m}
}

// Settle decides every still-active participation of an ended challenge and
// records the outcome. Terminal participations are left alone, so calling
// Settle again adds no entries and changes no status.
func (s *SettlementService) Settle(ctx context.Context, challengeID string, actor Actor) (*SettlementResult, error) {
	if !actor.IsAdmin {
		return nil, ErrUnauthorized
	}
	if challengeID == "" {
		return nil, invalid("challenge_id", "challenge ID is required")
	}

	challenge, err := s.Store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	if !challenge.HasEnded(now) {
		return nil, invalid("challenge", "challenge has not ended yet")
	}

	var result *SettlementResult
	err = s.Store.RunTransaction(ctx, func(tx LedgerStore) error {
		locked, err := tx.LockChallengeSettlement(ctx, challengeID)
		if err != nil {
			return err
		}
		if !locked {
			return ErrSettlementInProgress
		}

		participants, err := tx.FindParticipantsByChallenge(ctx, challengeID)
		if err != nil {
			return fmt.Errorf("failed to load participants: %w", err)
		}

		evaluations := make(map[string]Evaluation)
		for i := range participants {
			p := &participants[i]
			if p.IsTerminal() {
				continue
			}
			history, err := tx.FindApprovedSubmissions(ctx, p.ID)
			if err != nil {
				return fmt.Errorf("failed to load submissions for %s: %w", p.ID, err)
			}
			w := EffectiveWindow(*p, *challenge)
			ev := s.Policy.Evaluate(history, w, s.Loc)

			// stamp the judged window end so later reads see the same window
			end := w.End
			p.Status = ev.Verdict
			p.Progress = ev.CompletionRate * 100
			p.EndDate = &end
			if err := tx.UpdateParticipation(ctx, p); err != nil {
				return fmt.Errorf("failed to update participation %s: %w", p.ID, err)
			}
			evaluations[p.ID] = ev
		}

		dist := Classify(participants)
		ranks := rankWinners(dist.Winners)
		payouts := make(map[string]Payout, len(dist.Payouts))
		for _, po := range dist.Payouts {
			payouts[po.ParticipationID] = po
		}

		for _, p := range participants {
			ev, decided := evaluations[p.ID]
			if !decided {
				continue
			}
			entry := settlementEntry(challenge, p, dist, payouts[p.ID], ev, s.Policy.FailureReason(ev), ranks[p.ID], now)
			if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
				return fmt.Errorf("failed to record settlement entry for %s: %w", p.UserID, err)
			}
		}

		run, err := tx.GetSettlementRun(ctx, challengeID)
		if err != nil && !errors.Is(err, ErrSettlementNotFound) {
			return fmt.Errorf("failed to load settlement run: %w", err)
		}
		alreadySettled := err == nil && len(evaluations) == 0
		if err != nil {
			run = &models.SettlementRun{
				ChallengeID:    challengeID,
				Regime:         dist.Regime,
				PrizePool:      dist.PrizePool,
				PerWinnerShare: dist.PerWinnerShare,
				Remainder:      dist.Remainder,
				Winners:        len(dist.Winners),
				Losers:         len(dist.Losers),
				SettledBy:      actor.UserID,
				SettledAt:      now,
				Summary: jsonMeta(map[string]any{
					"challengeTitle":    challenge.Title,
					"totalParticipants": len(participants),
					"totalOwed":         dist.TotalOwed().String(),
				}),
			}
			if err := tx.CreateSettlementRun(ctx, run); err != nil {
				return fmt.Errorf("failed to record settlement run: %w", err)
			}
		}

		result = buildSettlementResult(challengeID, run, dist, payouts, ranks, participants)
		result.AlreadySettled = alreadySettled
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadySettled {
		s.Metrics.ObserveSettlement(string(result.Regime), len(result.Winners), len(result.Losers))
		if s.Archive != nil {
			if err := s.Archive.PutJSON(ctx, reportKey("settlements", challenge, now), result); err != nil {
				log.Warn().Err(err).Str("challenge_id", challengeID).Msg("⚠️ Failed to archive settlement report")
			}
		}
	}
	log.Info().
		Str("challenge_id", challengeID).
		Str("regime", string(result.Regime)).
		Int("winners", len(result.Winners)).
		Int("losers", len(result.Losers)).
		Bool("already_settled", result.AlreadySettled).
		Msg("✅ Challenge settled")
	return result, nil
}

// EvaluateParticipation previews a participant's verdict without writing.
func (s *SettlementService) EvaluateParticipation(ctx context.Context, userID, challengeID string) (*Evaluation, error) {
	challenge, err := s.Store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	p, err := s.Store.GetParticipation(ctx, userID, challengeID)
	if err != nil {
		return nil, err
	}
	history, err := s.Store.FindApprovedSubmissions(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	w := EffectiveWindow(*p, *challenge)
	if p.EndDate == nil && s.Now().Before(w.End) {
		// judge an ongoing challenge only up to today
		w.End = s.Now()
	}
	ev := s.Policy.Evaluate(history, w, s.Loc)
	return &ev, nil
}

// rankWinners orders winners by progress, highest first.
func rankWinners(winners []models.Participation) map[string]int {
	sorted := append([]models.Participation(nil), winners...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Progress != sorted[j].Progress {
			return sorted[i].Progress > sorted[j].Progress
		}
		return sorted[i].UserID < sorted[j].UserID
	})
	ranks := make(map[string]int, len(sorted))
	for i, p := range sorted {
		ranks[p.ID] = i + 1
	}
	return ranks
}

func settlementEntry(c *models.Challenge, p models.Participation, d Distribution, po Payout, ev Evaluation, reason string, rank int, now time.Time) *models.LedgerEntry {
	meta := map[string]any{
		"challengeTitle":    c.Title,
		"completionRate":    ev.CompletionRate,
		"consecutiveMisses": ev.ConsecutiveMissStreak,
		"approvedDays":      ev.ApprovedDays,
		"totalDays":         ev.TotalDays,
		"regime":            string(d.Regime),
	}
	entry := &models.LedgerEntry{
		UserID:      p.UserID,
		ChallengeID: c.ID,
		Timestamp:   now,
	}

	switch {
	case d.Regime == models.RegimeRefundAll:
		meta["reason"] = "No winners"
		entry.Kind = models.LedgerRefund
		entry.Amount = p.StakeAmount
		entry.Status = models.LedgerPending
		entry.Description = fmt.Sprintf("Challenge ended with no winners - stake refund owed (%s)", formatUSDC(p.StakeAmount))

	case p.Status == models.ParticipationCompleted:
		meta["rank"] = rank
		meta["stakeRefund"] = po.Stake.String()
		meta["prizeAmount"] = po.PrizeShare.String()
		meta["totalPayout"] = po.Total.String()
		entry.Kind = models.LedgerReward
		entry.Amount = po.Total
		entry.Status = models.LedgerPending
		entry.Description = fmt.Sprintf("Challenge completed - payout owed (%s)", formatUSDC(po.Total))

	default:
		meta["reason"] = reason
		entry.Kind = models.LedgerStake
		entry.Amount = p.StakeAmount.Neg()
		entry.Status = models.LedgerCompleted
		entry.Description = fmt.Sprintf("Challenge failed - stake forfeited (%s)", formatUSDC(p.StakeAmount))
	}
	entry.Metadata = jsonMeta(meta)
	return entry
}

func buildSettlementResult(challengeID string, run *models.SettlementRun, d Distribution, payouts map[string]Payout, ranks map[string]int, participants []models.Participation) *SettlementResult {
	r := &SettlementResult{
		ChallengeID:    challengeID,
		SettlementRun:  run.ID,
		Regime:         d.Regime,
		PrizePool:      d.PrizePool,
		PerWinnerShare: d.PerWinnerShare,
		Remainder:      d.Remainder,
		Total:          len(participants),
		Winners:        []ParticipantOutcome{},
		Losers:         []ParticipantOutcome{},
	}
	for _, p := range participants {
		out := ParticipantOutcome{
			ParticipationID: p.ID,
			UserID:          p.UserID,
			Status:          p.Status,
			Progress:        p.Progress,
			Stake:           p.StakeAmount,
			Payout:          payouts[p.ID].Total,
			Rank:            ranks[p.ID],
		}
		switch p.Status {
		case models.ParticipationCompleted:
			r.Winners = append(r.Winners, out)
		case models.ParticipationActive:
			r.Active++
			r.Losers = append(r.Losers, out)
		default:
			r.Losers = append(r.Losers, out)
		}
	}
	return r
}
