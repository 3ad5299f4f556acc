package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"stake-settlement/chain"
	"stake-settlement/models"
)

// EscrowKeyring provisions per-challenge escrow keypairs and hands the
// decrypted signing key to the wallet gateway. It is the only reader of
// EscrowWallet.EncryptedSecret.
type EscrowKeyring struct {
	Store LedgerStore
	Vault *KeyVault
}

var _ chain.KeySource = (*EscrowKeyring)(nil)

func NewEscrowKeyring(store LedgerStore, vault *KeyVault) *EscrowKeyring {
	return &EscrowKeyring{Store: store, Vault: vault}
}

// Provision creates the challenge's escrow keypair and records its address
// on the challenge. An existing escrow is returned unchanged: rekeying would
// strand funds already deposited.
func (k *EscrowKeyring) Provision(ctx context.Context, challengeID string) (*models.EscrowWallet, error) {
	var wallet *models.EscrowWallet
	err := k.Store.RunTransaction(ctx, func(tx LedgerStore) error {
		existing, err := tx.GetEscrowWallet(ctx, challengeID)
		if err == nil {
			wallet = existing
			return nil
		}
		if !errors.Is(err, ErrEscrowNotFound) {
			return err
		}

		pub, secret, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate escrow keypair: %w", err)
		}
		sealed, err := k.Vault.Encrypt(secret)
		if err != nil {
			return err
		}

		var pk chain.PublicKey
		copy(pk[:], pub)
		wallet = &models.EscrowWallet{
			ChallengeID:     challengeID,
			PublicKey:       pk.String(),
			EncryptedSecret: sealed,
		}
		if err := tx.CreateEscrowWallet(ctx, wallet); err != nil {
			return fmt.Errorf("failed to store escrow wallet: %w", err)
		}
		return tx.SetEscrowAddress(ctx, challengeID, wallet.PublicKey)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("challenge_id", challengeID).Str("escrow", wallet.PublicKey).Msg("🔐 Escrow wallet ready")
	return wallet, nil
}

// SigningKey decrypts the escrow secret for challengeID. Decrypt failures
// and key/address mismatches are KeyVaultErrors.
func (k *EscrowKeyring) SigningKey(ctx context.Context, challengeID string) (ed25519.PrivateKey, error) {
	wallet, err := k.Store.GetEscrowWallet(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	raw, err := k.Vault.Decrypt(wallet.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, &KeyVaultError{Op: "load", Err: fmt.Errorf("escrow secret for %s has %d bytes", challengeID, len(raw))}
	}
	key := ed25519.PrivateKey(raw)
	if chain.PublicKeyOf(key).String() != wallet.PublicKey {
		return nil, &KeyVaultError{Op: "load", Err: fmt.Errorf("escrow secret for %s does not match its address", challengeID)}
	}
	return key, nil
}
