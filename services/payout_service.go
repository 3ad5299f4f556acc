package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"stake-settlement/chain"
	"stake-settlement/metrics"
	"stake-settlement/models"
)

// RecipientPayout is one line of a payout report.
type RecipientPayout struct {
	UserID         string                 `json:"user_id"`
	UserName       string                 `json:"user_name"`
	Kind           models.LedgerEntryKind `json:"kind"`
	Amount         decimal.Decimal        `json:"amount"`
	Destination    string                 `json:"destination,omitempty"`
	Signature      string                 `json:"signature,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// RecipientFailure is a per-recipient failure. It never aborts the batch.
type RecipientFailure struct {
	UserID   string          `json:"user_id"`
	UserName string          `json:"user_name"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
}

type PayoutReport struct {
	ChallengeID     string                  `json:"challenge_id"`
	ChallengeTitle  string                  `json:"challenge_title"`
	SettlementRunID string                  `json:"settlement_run_id"`
	EscrowAddress   string                  `json:"escrow_address"`
	Regime          models.SettlementRegime `json:"regime"`
	PrizePool       decimal.Decimal         `json:"prize_pool"`
	PerWinnerShare  decimal.Decimal         `json:"per_winner_share"`
	TotalOwed       decimal.Decimal         `json:"total_owed"`
	TotalPaid       decimal.Decimal         `json:"total_paid"`

	Succeeded   []RecipientPayout  `json:"succeeded"`
	Failed      []RecipientFailure `json:"failed"`
	Unknown     []RecipientPayout  `json:"unknown"`
	AlreadyPaid []RecipientPayout  `json:"already_paid"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Partial is true when any recipient was not paid in this run.
func (r *PayoutReport) Partial() bool {
	return len(r.Failed) > 0 || len(r.Unknown) > 0
}

// ReportArchive stores a copy of settlement and payout reports.
type ReportArchive interface {
	PutJSON(ctx context.Context, key string, v any) error
}

// PayoutCoordinator moves owed funds out of a challenge escrow. Each
// recipient is paid at most once per settlement run: the idempotency key is
// persisted before broadcast and an unknown broadcast outcome is left to the
// reconcile sweep instead of being retried.
type PayoutCoordinator struct {
	Store   LedgerStore
	Gateway WalletGateway
	Archive ReportArchive
	Metrics *metrics.Collector
	Now     Clock

	// one signer per challenge; transfers sharing it run one at a time
	locks sync.Map
}

func NewPayoutCoordinator(store LedgerStore, gateway WalletGateway, archive ReportArchive, m *metrics.Collector) *PayoutCoordinator {
	return &PayoutCoordinator{Store: store, Gateway: gateway, Archive: archive, Metrics: m, Now: time.Now}
}

func (c *PayoutCoordinator) challengeLock(challengeID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(challengeID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type pendingPayout struct {
	payout  Payout
	key     string
	attempt *models.PayoutAttempt // previous FAILED attempt being retried
}

// Payout pays every recipient of a settled challenge that is not yet paid.
// Batch-level problems (validation, insufficient funds, infrastructure,
// key vault) are returned as errors; per-recipient problems are in the report.
func (c *PayoutCoordinator) Payout(ctx context.Context, challengeID string, actor Actor) (*PayoutReport, error) {
	if !actor.IsAdmin {
		return nil, ErrUnauthorized
	}
	if challengeID == "" {
		return nil, invalid("challenge_id", "challenge ID is required")
	}

	challenge, err := c.Store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !challenge.HasEnded(c.Now()) {
		return nil, invalid("challenge", "challenge has not ended yet")
	}
	if challenge.EscrowAddress == nil || *challenge.EscrowAddress == "" {
		return nil, invalid("challenge", "challenge has no escrow wallet")
	}
	escrow := *challenge.EscrowAddress

	run, err := c.Store.GetSettlementRun(ctx, challengeID)
	if err != nil {
		if errors.Is(err, ErrSettlementNotFound) {
			return nil, invalid("challenge", "challenge must be settled before payout")
		}
		return nil, err
	}

	mu := c.challengeLock(challengeID)
	mu.Lock()
	defer mu.Unlock()

	participants, err := c.Store.FindParticipantsByChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	dist := Classify(participants)
	if dist.Regime != run.Regime {
		log.Warn().
			Str("challenge_id", challengeID).
			Str("recorded", string(run.Regime)).
			Str("derived", string(dist.Regime)).
			Msg("⚠️ Settlement regime differs from recorded run")
	}

	report := &PayoutReport{
		ChallengeID:     challengeID,
		ChallengeTitle:  challenge.Title,
		SettlementRunID: run.ID,
		EscrowAddress:   escrow,
		Regime:          dist.Regime,
		PrizePool:       dist.PrizePool,
		PerWinnerShare:  dist.PerWinnerShare,
		TotalOwed:       dist.TotalOwed(),
		TotalPaid:       decimal.Zero,
		Succeeded:       []RecipientPayout{},
		Failed:          []RecipientFailure{},
		Unknown:         []RecipientPayout{},
		AlreadyPaid:     []RecipientPayout{},
		StartedAt:       c.Now(),
	}

	var todo []pendingPayout
	for _, po := range dist.Payouts {
		key := PayoutKey(challengeID, po.UserID, run.ID)
		line := RecipientPayout{UserID: po.UserID, Kind: po.Kind, Amount: po.Total, IdempotencyKey: key}

		entry, err := c.Store.FindEntryByIdempotencyKey(ctx, key)
		switch {
		case err == nil && entry.Status == models.LedgerCompleted:
			if entry.ExternalReceiptID != nil {
				line.Signature = *entry.ExternalReceiptID
			}
			report.AlreadyPaid = append(report.AlreadyPaid, line)
			continue
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("failed to check payout for %s: %w", po.UserID, err)
		}

		attempt, err := c.Store.GetPayoutAttempt(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load payout attempt for %s: %w", po.UserID, err)
		}
		if err == nil {
			switch attempt.Status {
			case models.AttemptPending, models.AttemptUnknown, models.AttemptCompleted:
				// In flight or awaiting reconciliation; never resent inline.
				line.Destination = attempt.Destination
				if attempt.Signature != nil {
					line.Signature = *attempt.Signature
				}
				report.Unknown = append(report.Unknown, line)
				continue
			}
		} else {
			attempt = nil
		}
		todo = append(todo, pendingPayout{payout: po, key: key, attempt: attempt})
	}

	required := decimal.Zero
	for _, p := range todo {
		required = required.Add(p.payout.Total)
	}
	if required.IsPositive() {
		balance, err := c.Gateway.GetBalance(ctx, escrow)
		if err != nil {
			return nil, fmt.Errorf("failed to query escrow balance: %w", err)
		}
		c.Metrics.SetEscrowBalance(challengeID, balance)
		if balance.LessThan(required) {
			log.Warn().
				Str("challenge_id", challengeID).
				Str("balance", balance.String()).
				Str("required", required.String()).
				Msg("❌ Escrow balance too low for payout")
			return nil, &InsufficientFundsError{Balance: balance, Required: required}
		}
	}

	log.Info().
		Str("challenge_id", challengeID).
		Str("regime", string(dist.Regime)).
		Int("recipients", len(todo)).
		Str("required", required.String()).
		Msg("💸 Starting escrow payout")

	for _, p := range todo {
		if err := c.payOne(ctx, challenge, run, dist, p, report); err != nil {
			return nil, err
		}
	}

	c.attachNames(ctx, report)
	report.FinishedAt = c.Now()

	if c.Archive != nil {
		key := reportKey("payouts", challenge, report.FinishedAt)
		if err := c.Archive.PutJSON(ctx, key, report); err != nil {
			log.Warn().Err(err).Str("challenge_id", challengeID).Msg("⚠️ Failed to archive payout report")
		}
	}

	log.Info().
		Str("challenge_id", challengeID).
		Int("succeeded", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Int("unknown", len(report.Unknown)).
		Int("already_paid", len(report.AlreadyPaid)).
		Str("total_paid", report.TotalPaid.String()).
		Msg("✅ Escrow payout finished")
	return report, nil
}

// payOne transfers a single recipient's payout. Only a key vault failure is
// returned; everything else lands in the report.
func (c *PayoutCoordinator) payOne(ctx context.Context, challenge *models.Challenge, run *models.SettlementRun, dist Distribution, p pendingPayout, report *PayoutReport) error {
	po := p.payout
	line := RecipientPayout{UserID: po.UserID, Kind: po.Kind, Amount: po.Total, IdempotencyKey: p.key}
	fail := func(reason string) {
		report.Failed = append(report.Failed, RecipientFailure{UserID: po.UserID, Amount: po.Total, Reason: reason})
		c.Metrics.ObservePayout("failed", po.Total)
	}

	destination, reason := c.recipientWallet(ctx, po.UserID, challenge.ID)
	if reason != "" {
		fail(reason)
		return nil
	}
	line.Destination = destination

	attempt := p.attempt
	detail := jsonMeta(map[string]any{
		"stakeRefund":    po.Stake.String(),
		"prizeAmount":    po.PrizeShare.String(),
		"totalPayout":    po.Total.String(),
		"escrowAddress":  *challenge.EscrowAddress,
		"regime":         string(dist.Regime),
		"challengeTitle": challenge.Title,
	})
	if attempt == nil {
		attempt = &models.PayoutAttempt{
			IdempotencyKey:  p.key,
			ChallengeID:     challenge.ID,
			UserID:          po.UserID,
			SettlementRunID: run.ID,
			Kind:            po.Kind,
			Amount:          po.Total,
			Destination:     destination,
			Status:          models.AttemptPending,
			Attempts:        1,
			Detail:          detail,
		}
		created, err := c.Store.CreatePayoutAttempt(ctx, attempt)
		if err != nil {
			fail(fmt.Sprintf("failed to record payout attempt: %v", err))
			return nil
		}
		if !created {
			report.Unknown = append(report.Unknown, line)
			return nil
		}
	} else {
		seen := attempt.Attempts
		attempt.Destination = destination
		attempt.Detail = detail
		claimed, err := c.Store.ClaimPayoutRetry(ctx, attempt, seen)
		if err != nil {
			fail(fmt.Sprintf("failed to record payout attempt: %v", err))
			return nil
		}
		if !claimed {
			log.Warn().
				Str("challenge_id", challenge.ID).
				Str("user_id", po.UserID).
				Str("idempotency_key", p.key).
				Msg("⚠️ Payout retry already claimed elsewhere, skipping")
			report.Unknown = append(report.Unknown, line)
			return nil
		}
	}

	started := time.Now()
	signature, err := c.Gateway.Transfer(ctx, chain.TransferRequest{
		ChallengeID: challenge.ID,
		Destination: destination,
		Amount:      po.Total,
		OnSigned: func(sig string) error {
			attempt.Signature = &sig
			return c.Store.UpdatePayoutAttempt(ctx, attempt)
		},
	})
	c.Metrics.ObserveTransfer(time.Since(started))
	if signature == "" && attempt.Signature != nil {
		signature = *attempt.Signature
	}
	line.Signature = signature

	if err != nil {
		var vaultErr *KeyVaultError
		switch {
		case errors.As(err, &vaultErr):
			c.markAttempt(ctx, attempt, models.AttemptFailed, err.Error())
			log.Error().Err(err).Str("challenge_id", challenge.ID).Msg("❌ Escrow key unavailable, stopping payout")
			return err

		case errors.Is(err, chain.ErrTransferRejected), errors.Is(err, chain.ErrTransferFailed),
			!errors.Is(err, chain.ErrOutcomeUnknown) && attempt.Signature == nil:
			c.markAttempt(ctx, attempt, models.AttemptFailed, err.Error())
			log.Warn().Err(err).Str("challenge_id", challenge.ID).Str("user_id", po.UserID).Msg("❌ Payout transfer failed")
			fail(fmt.Sprintf("Transfer failed: %v", err))

		default:
			c.markAttempt(ctx, attempt, models.AttemptUnknown, err.Error())
			log.Warn().Err(err).
				Str("challenge_id", challenge.ID).
				Str("user_id", po.UserID).
				Str("signature", signature).
				Str("idempotency_key", p.key).
				Msg("⚠️ Payout outcome unknown, left for reconciliation")
			report.Unknown = append(report.Unknown, line)
			c.Metrics.ObservePayout("unknown", po.Total)
		}
		return nil
	}

	if err := recordPayout(ctx, c.Store, attempt, signature, c.Now()); err != nil {
		// Funds moved; the attempt keeps its signature and the sweep will
		// write the ledger entry.
		log.Error().Err(err).
			Str("challenge_id", challenge.ID).
			Str("user_id", po.UserID).
			Str("signature", signature).
			Msg("⚠️ Payout confirmed but not recorded")
		report.Unknown = append(report.Unknown, line)
		c.Metrics.ObservePayout("unknown", po.Total)
		return nil
	}

	log.Info().
		Str("challenge_id", challenge.ID).
		Str("user_id", po.UserID).
		Str("signature", signature).
		Str("amount", po.Total.String()).
		Msg("✅ Payout confirmed")
	report.Succeeded = append(report.Succeeded, line)
	report.TotalPaid = report.TotalPaid.Add(po.Total)
	c.Metrics.ObservePayout("succeeded", po.Total)
	return nil
}

// recipientWallet returns the address the user staked from, or a failure
// reason.
func (c *PayoutCoordinator) recipientWallet(ctx context.Context, userID, challengeID string) (string, string) {
	stake, err := c.Store.FindStakeEntry(ctx, userID, challengeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", "Stake transaction not found"
		}
		return "", fmt.Sprintf("failed to load stake transaction: %v", err)
	}
	addr := metaString(stake.Metadata, "userWalletAddress")
	if addr == "" {
		return "", "No wallet address found"
	}
	return addr, ""
}

func (c *PayoutCoordinator) markAttempt(ctx context.Context, a *models.PayoutAttempt, status models.PayoutAttemptStatus, lastErr string) {
	a.Status = status
	a.LastError = lastErr
	if status == models.AttemptFailed {
		now := c.Now()
		a.ResolvedAt = &now
	}
	if err := c.Store.UpdatePayoutAttempt(ctx, a); err != nil {
		log.Error().Err(err).Str("idempotency_key", a.IdempotencyKey).Msg("❌ Failed to update payout attempt")
	}
}

func (c *PayoutCoordinator) attachNames(ctx context.Context, r *PayoutReport) {
	ids := make([]string, 0, len(r.Succeeded)+len(r.Failed)+len(r.Unknown)+len(r.AlreadyPaid))
	for _, l := range r.Succeeded {
		ids = append(ids, l.UserID)
	}
	for _, l := range r.Failed {
		ids = append(ids, l.UserID)
	}
	for _, l := range r.Unknown {
		ids = append(ids, l.UserID)
	}
	for _, l := range r.AlreadyPaid {
		ids = append(ids, l.UserID)
	}
	profiles, err := c.Store.GetProfiles(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Failed to load participant profiles for payout report")
		profiles = nil
	}
	name := func(id string) string {
		if p, ok := profiles[id]; ok {
			return p.DisplayName()
		}
		return id
	}
	for i := range r.Succeeded {
		r.Succeeded[i].UserName = name(r.Succeeded[i].UserID)
	}
	for i := range r.Failed {
		r.Failed[i].UserName = name(r.Failed[i].UserID)
	}
	for i := range r.Unknown {
		r.Unknown[i].UserName = name(r.Unknown[i].UserID)
	}
	for i := range r.AlreadyPaid {
		r.AlreadyPaid[i].UserName = name(r.AlreadyPaid[i].UserID)
	}
}

// recordPayout marks a confirmed attempt COMPLETED and appends its ledger
// entry in one transaction. An entry that already exists for the key is
// left as is.
func recordPayout(ctx context.Context, store LedgerStore, a *models.PayoutAttempt, signature string, now time.Time) error {
	return store.RunTransaction(ctx, func(tx LedgerStore) error {
		if _, err := tx.FindEntryByIdempotencyKey(ctx, a.IdempotencyKey); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			sig, key := signature, a.IdempotencyKey
			entry := &models.LedgerEntry{
				UserID:            a.UserID,
				ChallengeID:       a.ChallengeID,
				Kind:              a.Kind,
				Amount:            a.Amount,
				Status:            models.LedgerCompleted,
				ExternalReceiptID: &sig,
				IdempotencyKey:    &key,
				Description:       payoutDescription(a),
				Timestamp:         now,
				Metadata:          jsonMeta(payoutMetadata(a)),
			}
			if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
				return fmt.Errorf("failed to append payout entry: %w", err)
			}
		}

		a.Status = models.AttemptCompleted
		a.Signature = &signature
		a.LastError = ""
		a.ResolvedAt = &now
		return tx.UpdatePayoutAttempt(ctx, a)
	})
}

func payoutDescription(a *models.PayoutAttempt) string {
	if a.Kind == models.LedgerRefund {
		return fmt.Sprintf("Stake refunded - no winners (%s)", formatUSDC(a.Amount))
	}
	return fmt.Sprintf("Challenge payout (%s)", formatUSDC(a.Amount))
}

func payoutMetadata(a *models.PayoutAttempt) map[string]any {
	meta := map[string]any{
		"totalPayout":      a.Amount.String(),
		"recipientAddress": a.Destination,
		"settlementRunId":  a.SettlementRunID,
		"attempts":         a.Attempts,
	}
	for _, field := range []string{"stakeRefund", "prizeAmount", "escrowAddress", "regime", "challengeTitle"} {
		if v := metaString(a.Detail, field); v != "" {
			meta[field] = v
		}
	}
	switch models.SettlementRegime(metaString(a.Detail, "regime")) {
	case models.RegimeRefundAll:
		meta["reason"] = "No winners - stake refunded"
	case models.RegimeStakeReturn:
		meta["reason"] = "All participants completed - stake returned"
	default:
		meta["reason"] = "Challenge completed - stake plus prize share"
	}
	return meta
}
