package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"stake-settlement/chain"
	"stake-settlement/models"
)

// LedgerStore is the durable relational collaborator. Every method is
// scoped to the store it is called on; inside RunTransaction that is the
// transaction-bound store handed to fn.
type LedgerStore interface {
	RunTransaction(ctx context.Context, fn func(tx LedgerStore) error) error
	// LockChallengeSettlement takes a transaction-scoped advisory lock and
	// reports whether it was acquired. Only meaningful inside RunTransaction.
	LockChallengeSettlement(ctx context.Context, challengeID string) (bool, error)

	GetChallenge(ctx context.Context, id string) (*models.Challenge, error)
	CreateChallenge(ctx context.Context, c *models.Challenge) error
	SetEscrowAddress(ctx context.Context, challengeID, address string) error
	// ListEscrowChallenges returns provisioned challenges ending after endedAfter.
	ListEscrowChallenges(ctx context.Context, endedAfter time.Time) ([]models.Challenge, error)
	AddChallengeStake(ctx context.Context, challengeID string, amount decimal.Decimal) error

	FindParticipantsByChallenge(ctx context.Context, challengeID string) ([]models.Participation, error)
	GetParticipation(ctx context.Context, userID, challengeID string) (*models.Participation, error)
	CreateParticipation(ctx context.Context, p *models.Participation) error
	UpdateParticipation(ctx context.Context, p *models.Participation) error

	FindApprovedSubmissions(ctx context.Context, participationID string) ([]models.Submission, error)
	GetSubmission(ctx context.Context, id string) (*models.Submission, error)
	CreateSubmission(ctx context.Context, s *models.Submission) error
	UpdateSubmission(ctx context.Context, s *models.Submission) error

	AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	FindStakeEntry(ctx context.Context, userID, challengeID string) (*models.LedgerEntry, error)
	FindEntryByReceipt(ctx context.Context, receipt string) (*models.LedgerEntry, error)
	FindEntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)
	LatestPayoutEntry(ctx context.Context, userID, challengeID string) (*models.LedgerEntry, error)
	ListEntriesSince(ctx context.Context, userID string, since time.Time) ([]models.LedgerEntry, error)

	GetEscrowWallet(ctx context.Context, challengeID string) (*models.EscrowWallet, error)
	CreateEscrowWallet(ctx context.Context, w *models.EscrowWallet) error

	GetSettlementRun(ctx context.Context, challengeID string) (*models.SettlementRun, error)
	CreateSettlementRun(ctx context.Context, r *models.SettlementRun) error

	// CreatePayoutAttempt inserts a by idempotency key and reports false
	// when a row with that key already exists.
	CreatePayoutAttempt(ctx context.Context, a *models.PayoutAttempt) (bool, error)
	GetPayoutAttempt(ctx context.Context, key string) (*models.PayoutAttempt, error)
	// ClaimPayoutRetry moves a FAILED attempt back to PENDING with a bumped
	// attempt count, only if it is still FAILED with seenAttempts. False
	// means another caller claimed it first.
	ClaimPayoutRetry(ctx context.Context, a *models.PayoutAttempt, seenAttempts int) (bool, error)
	UpdatePayoutAttempt(ctx context.Context, a *models.PayoutAttempt) error
	ListUnresolvedAttempts(ctx context.Context, olderThan time.Time, limit int) ([]models.PayoutAttempt, error)

	GetProfiles(ctx context.Context, userIDs []string) (map[string]models.ParticipantProfile, error)
}

// WalletGateway is the custodial on-chain collaborator.
type WalletGateway interface {
	GetBalance(ctx context.Context, escrowAddress string) (decimal.Decimal, error)
	// Transfer signs and broadcasts from the challenge escrow. It returns the
	// receipt (signature) once confirmed. chain.ErrOutcomeUnknown marks a
	// broadcast whose result could not be determined.
	Transfer(ctx context.Context, req chain.TransferRequest) (string, error)
	VerifyInbound(ctx context.Context, signature, sender, destination string, expected decimal.Decimal) bool
	SignatureStatus(ctx context.Context, signature string) (chain.TransferStatus, error)
}

// Clock is swapped in tests.
type Clock func() time.Time
