package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"stake-settlement/metrics"
	"stake-settlement/models"
)

// MaxChallengeDays bounds a challenge window.
const MaxChallengeDays = 365

type NewChallenge struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	StakeAmount decimal.Decimal `json:"stake_amount"`
}

type JoinRequest struct {
	UserID               string          `json:"-"`
	ChallengeID          string          `json:"challenge_id"`
	StakeAmount          decimal.Decimal `json:"stake_amount"`
	UserWalletAddress    string          `json:"user_wallet_address"`
	TransactionSignature string          `json:"transaction_signature"`
}

type JoinResult struct {
	Participation *models.Participation `json:"participation"`
	Stake         *models.LedgerEntry   `json:"transaction"`
}

// Claim is what a user was paid for a challenge.
type Claim struct {
	ChallengeID string                 `json:"challenge_id"`
	Kind        models.LedgerEntryKind `json:"kind"`
	Amount      decimal.Decimal        `json:"amount"`
	Signature   string                 `json:"signature"`
	PaidAt      time.Time              `json:"paid_at"`
}

// StakeService covers the money-in side: challenge creation with escrow
// provisioning, and joins backed by a verified on-chain stake.
type StakeService struct {
	Store   LedgerStore
	Gateway WalletGateway
	Keyring *EscrowKeyring
	Metrics *metrics.Collector
	Loc     *time.Location
	Now     Clock
}

func NewStakeService(store LedgerStore, gateway WalletGateway, keyring *EscrowKeyring, loc *time.Location, m *metrics.Collector) *StakeService {
	return &StakeService{Store: store, Gateway: gateway, Keyring: keyring, Metrics: m, Loc: loc, Now: time.Now}
}

func (s *StakeService) CreateChallenge(ctx context.Context, in NewChallenge, actor Actor) (*models.Challenge, error) {
	if !actor.IsAdmin {
		return nil, ErrUnauthorized
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, invalid("title", "title is required")
	}
	if !in.StakeAmount.IsPositive() {
		return nil, invalid("stake_amount", "stake amount must be positive")
	}
	if !whole(in.StakeAmount) {
		return nil, invalid("stake_amount", "stake amount has more than %d decimals", USDCDecimals)
	}
	if !in.EndDate.After(in.StartDate) {
		return nil, invalid("end_date", "end date must be after start date")
	}
	if days := InclusiveDays(in.StartDate, in.EndDate, s.Loc); days > MaxChallengeDays {
		return nil, invalid("end_date", "challenge cannot run longer than %d days", MaxChallengeDays)
	}

	c := &models.Challenge{
		Title:          title,
		Slug:           slug.Make(title),
		Description:    in.Description,
		StartDate:      in.StartDate,
		EndDate:        in.EndDate,
		StakeAmount:    in.StakeAmount,
		TotalPrizePool: decimal.Zero,
		CreatedBy:      actor.UserID,
	}
	if err := s.Store.CreateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}

	wallet, err := s.Keyring.Provision(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("challenge %s created but escrow provisioning failed: %w", c.ID, err)
	}
	c.EscrowAddress = &wallet.PublicKey

	log.Info().Str("challenge_id", c.ID).Str("slug", c.Slug).Str("created_by", actor.UserID).Msg("✅ Challenge created")
	return c, nil
}

// JoinChallenge enrolls a user once their stake transfer into the escrow is
// verified on chain. A transfer signature can back only one stake.
func (s *StakeService) JoinChallenge(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	switch {
	case req.ChallengeID == "":
		return nil, invalid("challenge_id", "challenge ID is required")
	case req.UserWalletAddress == "":
		return nil, invalid("user_wallet_address", "user wallet address is required for staking")
	case req.TransactionSignature == "":
		return nil, invalid("transaction_signature", "stake must be completed on-chain first")
	}

	challenge, err := s.Store.GetChallenge(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	if challenge.HasStarted(now) {
		return nil, invalid("challenge", "challenge has already started, joining is closed")
	}
	if _, err := s.Store.GetParticipation(ctx, req.UserID, req.ChallengeID); err == nil {
		return nil, ErrAlreadyJoined
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if challenge.EscrowAddress == nil {
		return nil, invalid("challenge", "challenge escrow not configured")
	}
	if _, err := s.Store.FindEntryByReceipt(ctx, req.TransactionSignature); err == nil {
		return nil, ErrStakeAlreadyUsed
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	stake := req.StakeAmount
	if !stake.IsPositive() {
		stake = challenge.StakeAmount
	}
	if !whole(stake) {
		return nil, invalid("stake_amount", "stake amount has more than %d decimals", USDCDecimals)
	}
	escrow := *challenge.EscrowAddress

	if !s.Gateway.VerifyInbound(ctx, req.TransactionSignature, req.UserWalletAddress, escrow, stake) {
		return nil, invalid("transaction_signature", "transfer verification failed, ensure the correct amount was sent to the escrow address")
	}

	result := &JoinResult{}
	err = s.Store.RunTransaction(ctx, func(tx LedgerStore) error {
		p := &models.Participation{
			UserID:      req.UserID,
			ChallengeID: challenge.ID,
			StakeAmount: stake,
			Status:      models.ParticipationActive,
			StartDate:   challenge.StartDate,
		}
		if err := tx.CreateParticipation(ctx, p); err != nil {
			return err
		}

		sig := req.TransactionSignature
		entry := &models.LedgerEntry{
			UserID:            req.UserID,
			ChallengeID:       challenge.ID,
			Kind:              models.LedgerStake,
			Amount:            stake,
			Status:            models.LedgerCompleted,
			ExternalReceiptID: &sig,
			Description:       fmt.Sprintf("Staked for challenge: %s (%s)", challenge.Title, formatUSDC(stake)),
			Timestamp:         now,
			Metadata: jsonMeta(map[string]any{
				"challengeTitle":    challenge.Title,
				"userWalletAddress": req.UserWalletAddress,
				"escrowAddress":     escrow,
				"verifiedOnChain":   true,
				"tokenType":         "USDC",
			}),
		}
		if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.AddChallengeStake(ctx, challenge.ID, stake); err != nil {
			return err
		}
		result.Participation, result.Stake = p, entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record stake: %w", err)
	}

	log.Info().
		Str("challenge_id", challenge.ID).
		Str("user_id", req.UserID).
		Str("signature", req.TransactionSignature).
		Str("stake", stake.String()).
		Msg("📥 Stake verified, participant joined")
	return result, nil
}

// EscrowBalance returns the live token balance of a challenge escrow.
func (s *StakeService) EscrowBalance(ctx context.Context, challengeID string, actor Actor) (decimal.Decimal, error) {
	if !actor.IsAdmin {
		return decimal.Zero, ErrUnauthorized
	}
	challenge, err := s.Store.GetChallenge(ctx, challengeID)
	if err != nil {
		return decimal.Zero, err
	}
	if challenge.EscrowAddress == nil {
		return decimal.Zero, ErrEscrowNotFound
	}
	balance, err := s.Gateway.GetBalance(ctx, *challenge.EscrowAddress)
	if err != nil {
		return decimal.Zero, err
	}
	s.Metrics.SetEscrowBalance(challengeID, balance)
	return balance, nil
}

// ClaimableReward reports the completed payout for a user, if any.
func (s *StakeService) ClaimableReward(ctx context.Context, userID, challengeID string) (*Claim, error) {
	if _, err := s.Store.GetParticipation(ctx, userID, challengeID); err != nil {
		return nil, err
	}
	entry, err := s.Store.LatestPayoutEntry(ctx, userID, challengeID)
	if err != nil {
		return nil, err
	}
	c := &Claim{
		ChallengeID: challengeID,
		Kind:        entry.Kind,
		Amount:      entry.Amount,
		PaidAt:      entry.Timestamp,
	}
	if entry.ExternalReceiptID != nil {
		c.Signature = *entry.ExternalReceiptID
	}
	return c, nil
}

// whole reports whether d is a whole number of USDC minimal units.
func whole(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(USDCDecimals))
}
