package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"stake-settlement/chain"
	"stake-settlement/metrics"
	"stake-settlement/models"
)

// ReconcileSummary counts what one sweep resolved.
type ReconcileSummary struct {
	Examined  int `json:"examined"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Reconciler resolves payout attempts whose broadcast outcome was never
// observed. It only reads chain state; it never sends a transfer.
type Reconciler struct {
	Store   LedgerStore
	Gateway WalletGateway
	Metrics *metrics.Collector
	Now     Clock

	// Grace is how long an attempt is left alone before the first look.
	Grace time.Duration
	// Expiry is how long an unseen signature may stay unresolved. Past it
	// the blockhash has expired and the transaction can no longer land.
	Expiry time.Duration
	Batch  int
}

func NewReconciler(store LedgerStore, gateway WalletGateway, grace, expiry time.Duration, m *metrics.Collector) *Reconciler {
	return &Reconciler{
		Store:   store,
		Gateway: gateway,
		Metrics: m,
		Now:     time.Now,
		Grace:   grace,
		Expiry:  expiry,
		Batch:   100,
	}
}

func (r *Reconciler) Sweep(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary
	now := r.Now()

	attempts, err := r.Store.ListUnresolvedAttempts(ctx, now.Add(-r.Grace), r.Batch)
	if err != nil {
		return sum, fmt.Errorf("failed to list unresolved payout attempts: %w", err)
	}

	for i := range attempts {
		a := &attempts[i]
		sum.Examined++
		switch outcome, err := r.resolve(ctx, a, now); {
		case err != nil:
			sum.Errors++
			log.Warn().Err(err).Str("idempotency_key", a.IdempotencyKey).Msg("⚠️ Reconcile check failed")
		case outcome == models.AttemptCompleted:
			sum.Completed++
			r.Metrics.ObserveReconcile("completed")
			r.Metrics.ObservePayout("succeeded", a.Amount)
		case outcome == models.AttemptFailed:
			sum.Failed++
			r.Metrics.ObserveReconcile("failed")
		default:
			sum.Pending++
		}
	}

	r.Metrics.SetUnresolved(sum.Pending + sum.Errors)
	if sum.Examined > 0 {
		log.Info().
			Int("examined", sum.Examined).
			Int("completed", sum.Completed).
			Int("failed", sum.Failed).
			Int("pending", sum.Pending).
			Msg("🔁 Payout reconcile sweep")
	}
	return sum, nil
}

func (r *Reconciler) resolve(ctx context.Context, a *models.PayoutAttempt, now time.Time) (models.PayoutAttemptStatus, error) {
	if a.Signature == nil {
		// The signature is stored before broadcast, so nothing was sent.
		return models.AttemptFailed, r.fail(ctx, a, "transaction was never signed", now)
	}
	sig := *a.Signature

	status, err := r.Gateway.SignatureStatus(ctx, sig)
	if err != nil {
		return a.Status, err
	}

	switch status {
	case chain.StatusConfirmed:
		if err := recordPayout(ctx, r.Store, a, sig, now); err != nil {
			return a.Status, err
		}
		log.Info().
			Str("challenge_id", a.ChallengeID).
			Str("user_id", a.UserID).
			Str("signature", sig).
			Msg("✅ Reconciled payout as completed")
		return models.AttemptCompleted, nil

	case chain.StatusFailed:
		return models.AttemptFailed, r.fail(ctx, a, "transaction failed on chain", now)

	case chain.StatusNotFound:
		if now.Sub(a.UpdatedAt) >= r.Expiry {
			return models.AttemptFailed, r.fail(ctx, a, "transaction expired without landing", now)
		}
	}
	return a.Status, nil
}

func (r *Reconciler) fail(ctx context.Context, a *models.PayoutAttempt, reason string, now time.Time) error {
	a.Status = models.AttemptFailed
	a.LastError = reason
	a.ResolvedAt = &now
	if err := r.Store.UpdatePayoutAttempt(ctx, a); err != nil {
		return err
	}
	log.Warn().
		Str("challenge_id", a.ChallengeID).
		Str("user_id", a.UserID).
		Str("idempotency_key", a.IdempotencyKey).
		Str("reason", reason).
		Msg("❌ Reconciled payout as failed, eligible for retry")
	return nil
}
