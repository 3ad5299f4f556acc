package chain

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrOutcomeUnknown marks a broadcast whose fate could not be observed.
	// The transfer may or may not land; it must be reconciled, never resent.
	ErrOutcomeUnknown = errors.New("transfer outcome unknown")
	// ErrTransferRejected means the node refused the transaction before
	// broadcast. No funds moved.
	ErrTransferRejected = errors.New("transfer rejected")
	// ErrTransferFailed means the transaction landed and failed on chain.
	ErrTransferFailed = errors.New("transfer failed on chain")
	// ErrNoTokenAccount means an owner has no token account for the mint.
	ErrNoTokenAccount = errors.New("no token account for mint")
)

// KeySource yields the escrow signing key for a challenge. Implementations
// decrypt on demand; the key is not cached here.
type KeySource interface {
	SigningKey(ctx context.Context, challengeID string) (ed25519.PrivateKey, error)
}

type TransferRequest struct {
	ChallengeID string
	Destination string
	Amount      decimal.Decimal
	// OnSigned runs after signing and before broadcast. Returning an error
	// aborts the transfer with nothing sent.
	OnSigned func(signature string) error
}

type TransferStatus string

const (
	StatusConfirmed TransferStatus = "confirmed"
	StatusFailed    TransferStatus = "failed"
	StatusPending   TransferStatus = "pending"
	StatusNotFound  TransferStatus = "not_found"
)
