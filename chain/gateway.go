package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// VerifyTolerance absorbs unit-conversion rounding on inbound stakes.
var VerifyTolerance = decimal.RequireFromString("0.01")

type Config struct {
	RPCURL         string
	USDCMint       string
	Decimals       uint8
	RateLimit      float64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// SolanaGateway moves USDC out of per-challenge escrow accounts and reads
// balances and receipts from a Solana RPC node.
type SolanaGateway struct {
	rpc            *rpcClient
	keys           KeySource
	mint           PublicKey
	decimals       uint8
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         zerolog.Logger
}

func NewSolanaGateway(cfg Config, httpClient *http.Client, keys KeySource, logger zerolog.Logger) (*SolanaGateway, error) {
	mint, err := ParsePublicKey(cfg.USDCMint)
	if err != nil {
		return nil, fmt.Errorf("invalid USDC mint: %w", err)
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 6
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger = logger.With().Str("component", "solana_gateway").Logger()
	return &SolanaGateway{
		rpc:            newRPCClient(cfg.RPCURL, httpClient, cfg.RateLimit, logger),
		keys:           keys,
		mint:           mint,
		decimals:       cfg.Decimals,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         logger,
	}, nil
}

type tokenAmount struct {
	Amount   string `json:"amount"`
	Decimals int32  `json:"decimals"`
}

func (t tokenAmount) value() (decimal.Decimal, error) {
	raw, err := decimal.NewFromString(t.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid token amount %q: %w", t.Amount, err)
	}
	return raw.Shift(-t.Decimals), nil
}

type tokenAccountsResult struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount tokenAmount `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

type tokenAccount struct {
	Address PublicKey
	Balance decimal.Decimal
}

func (g *SolanaGateway) tokenAccounts(ctx context.Context, owner string) ([]tokenAccount, error) {
	var res tokenAccountsResult
	err := g.rpc.call(ctx, "getTokenAccountsByOwner", []any{
		owner,
		map[string]string{"mint": g.mint.String()},
		map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
	}, &res)
	if err != nil {
		return nil, err
	}

	out := make([]tokenAccount, 0, len(res.Value))
	for _, v := range res.Value {
		addr, err := ParsePublicKey(v.Pubkey)
		if err != nil {
			return nil, err
		}
		bal, err := v.Account.Data.Parsed.Info.TokenAmount.value()
		if err != nil {
			return nil, err
		}
		out = append(out, tokenAccount{Address: addr, Balance: bal})
	}
	return out, nil
}

// GetBalance reports the balance of the escrow token account that payouts
// draw from. Lookup failures are returned, not reported as zero.
func (g *SolanaGateway) GetBalance(ctx context.Context, escrowAddress string) (decimal.Decimal, error) {
	if _, err := ParsePublicKey(escrowAddress); err != nil {
		return decimal.Zero, err
	}
	accounts, err := g.tokenAccounts(ctx, escrowAddress)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch escrow balance: %w", err)
	}
	source, ok := richest(accounts)
	if !ok {
		return decimal.Zero, nil
	}
	return source.Balance, nil
}

func richest(accounts []tokenAccount) (tokenAccount, bool) {
	if len(accounts) == 0 {
		return tokenAccount{}, false
	}
	best := accounts[0]
	for _, a := range accounts[1:] {
		if a.Balance.GreaterThan(best.Balance) {
			best = a
		}
	}
	return best, true
}

// primaryAccount picks the owner's richest token account for the mint.
func (g *SolanaGateway) primaryAccount(ctx context.Context, owner string) (PublicKey, error) {
	accounts, err := g.tokenAccounts(ctx, owner)
	if err != nil {
		return PublicKey{}, err
	}
	best, ok := richest(accounts)
	if !ok {
		return PublicKey{}, fmt.Errorf("%w: owner %s", ErrNoTokenAccount, owner)
	}
	return best.Address, nil
}

// Transfer pays req.Amount from the challenge escrow to req.Destination and
// waits for confirmation. Errors wrap ErrTransferRejected or
// ErrTransferFailed when no funds can have moved (or the transfer reverted),
// and ErrOutcomeUnknown when the broadcast result could not be observed.
func (g *SolanaGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	dest, err := ParsePublicKey(req.Destination)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	units := req.Amount.Shift(int32(g.decimals)).Floor()
	if !units.IsPositive() {
		return "", fmt.Errorf("%w: amount %s rounds to zero units", ErrTransferRejected, req.Amount)
	}

	key, err := g.keys.SigningKey(ctx, req.ChallengeID)
	if err != nil {
		return "", err
	}
	owner := PublicKeyOf(key)

	source, err := g.primaryAccount(ctx, owner.String())
	if err != nil {
		return "", fmt.Errorf("%w: escrow token account: %v", ErrTransferRejected, err)
	}
	destination, err := g.primaryAccount(ctx, dest.String())
	if err != nil {
		return "", fmt.Errorf("%w: recipient token account: %v", ErrTransferRejected, err)
	}

	var bh struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := g.rpc.call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": "confirmed"}}, &bh); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	blockhash, err := decodeBlockhash(bh.Value.Blockhash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}

	wire, signature, err := signTransfer(key, tokenTransfer{
		Owner:       owner,
		Source:      source,
		Destination: destination,
		Mint:        g.mint,
		Amount:      uint64(units.IntPart()),
		Decimals:    g.decimals,
		Blockhash:   blockhash,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}

	if req.OnSigned != nil {
		if err := req.OnSigned(signature); err != nil {
			return "", fmt.Errorf("%w: signature not recorded: %v", ErrTransferRejected, err)
		}
	}

	log := g.logger.With().Str("challenge_id", req.ChallengeID).Str("signature", signature).Logger()
	log.Info().Str("destination", req.Destination).Str("amount", req.Amount.String()).Msg("📤 Broadcasting escrow payout")

	var sent string
	err = g.rpc.call(ctx, "sendTransaction", []any{
		base64.StdEncoding.EncodeToString(wire),
		map[string]string{"encoding": "base64", "preflightCommitment": "confirmed"},
	}, &sent)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			log.Warn().Err(err).Msg("❌ Payout rejected by node")
			return "", fmt.Errorf("%w: %v", ErrTransferRejected, err)
		}
		log.Error().Err(err).Msg("⚠️ Payout broadcast outcome unknown")
		return "", fmt.Errorf("%w: broadcast: %v", ErrOutcomeUnknown, err)
	}

	return signature, g.awaitConfirmation(ctx, signature)
}

func (g *SolanaGateway) awaitConfirmation(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		status, err := g.SignatureStatus(ctx, signature)
		switch {
		case err != nil:
			g.logger.Warn().Err(err).Str("signature", signature).Msg("⚠️ Signature status lookup failed, retrying")
		case status == StatusConfirmed:
			return nil
		case status == StatusFailed:
			return fmt.Errorf("%w: %s", ErrTransferFailed, signature)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: confirmation wait for %s: %v", ErrOutcomeUnknown, signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

// SignatureStatus reports where a broadcast transaction stands.
func (g *SolanaGateway) SignatureStatus(ctx context.Context, signature string) (TransferStatus, error) {
	var res struct {
		Value []*struct {
			Err                json.RawMessage `json:"err"`
			ConfirmationStatus string          `json:"confirmationStatus"`
		} `json:"value"`
	}
	err := g.rpc.call(ctx, "getSignatureStatuses", []any{
		[]string{signature},
		map[string]bool{"searchTransactionHistory": true},
	}, &res)
	if err != nil {
		return "", err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return StatusNotFound, nil
	}
	st := res.Value[0]
	if len(st.Err) > 0 && string(st.Err) != "null" {
		return StatusFailed, nil
	}
	switch st.ConfirmationStatus {
	case "confirmed", "finalized":
		return StatusConfirmed, nil
	default:
		return StatusPending, nil
	}
}

type tokenBalance struct {
	AccountIndex  int         `json:"accountIndex"`
	Mint          string      `json:"mint"`
	Owner         string      `json:"owner"`
	UITokenAmount tokenAmount `json:"uiTokenAmount"`
}

type transactionResult struct {
	Meta *struct {
		Err               json.RawMessage `json:"err"`
		PreTokenBalances  []tokenBalance  `json:"preTokenBalances"`
		PostTokenBalances []tokenBalance  `json:"postTokenBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			Header struct {
				NumRequiredSignatures int `json:"numRequiredSignatures"`
			} `json:"header"`
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// VerifyInbound confirms a stake deposit: the transaction exists and
// succeeded, sender signed it, and the escrow's token balance for the mint
// grew by expected within VerifyTolerance. Any lookup error yields false.
func (g *SolanaGateway) VerifyInbound(ctx context.Context, signature, sender, destination string, expected decimal.Decimal) bool {
	log := g.logger.With().Str("signature", signature).Str("sender", sender).Str("escrow", destination).Logger()

	ok, reason, err := g.verifyInbound(ctx, signature, sender, destination, expected)
	if err != nil {
		log.Warn().Err(err).Msg("❌ Stake verification lookup failed")
		return false
	}
	if !ok {
		log.Warn().Str("reason", reason).Msg("❌ Stake verification rejected")
		return false
	}
	log.Info().Str("amount", expected.String()).Msg("✅ Stake transfer verified")
	return true
}

func (g *SolanaGateway) verifyInbound(ctx context.Context, signature, sender, destination string, expected decimal.Decimal) (bool, string, error) {
	if _, err := ParsePublicKey(sender); err != nil {
		return false, "", err
	}
	if _, err := ParsePublicKey(destination); err != nil {
		return false, "", err
	}

	var tx *transactionResult
	err := g.rpc.call(ctx, "getTransaction", []any{
		signature,
		map[string]any{"encoding": "json", "commitment": "confirmed", "maxSupportedTransactionVersion": 0},
	}, &tx)
	if err != nil {
		return false, "", err
	}
	if tx == nil || tx.Meta == nil {
		return false, "transaction not found", nil
	}
	if len(tx.Meta.Err) > 0 && string(tx.Meta.Err) != "null" {
		return false, "transaction failed", nil
	}

	keys := tx.Transaction.Message.AccountKeys
	signers := tx.Transaction.Message.Header.NumRequiredSignatures
	if signers > len(keys) {
		signers = len(keys)
	}
	if signers < 0 {
		signers = 0
	}
	senderSigned := false
	for _, k := range keys[:signers] {
		if k == sender {
			senderSigned = true
			break
		}
	}
	if !senderSigned {
		return false, "sender did not sign", nil
	}

	mint := g.mint.String()
	index := -1
	post := decimal.Zero
	for _, b := range tx.Meta.PostTokenBalances {
		if b.Owner == destination && b.Mint == mint {
			index = b.AccountIndex
			if post, err = b.UITokenAmount.value(); err != nil {
				return false, "", err
			}
			break
		}
	}
	if index < 0 {
		return false, "escrow token account not touched", nil
	}
	pre := decimal.Zero
	for _, b := range tx.Meta.PreTokenBalances {
		if b.AccountIndex == index {
			if pre, err = b.UITokenAmount.value(); err != nil {
				return false, "", err
			}
			break
		}
	}

	received := post.Sub(pre)
	if received.Sub(expected).Abs().GreaterThan(VerifyTolerance) {
		return false, fmt.Sprintf("amount mismatch: received %s, expected %s", received, expected), nil
	}
	return true, "", nil
}
