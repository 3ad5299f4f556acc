package chain

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	TokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

	instructionTransferChecked = 12
)

type PublicKey [32]byte

func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	if len(b) != len(pk) {
		return pk, fmt.Errorf("invalid public key %q: want 32 bytes, got %d", s, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string { return base58.Encode(pk[:]) }

// PublicKeyOf returns the Solana address for an ed25519 key.
func PublicKeyOf(key ed25519.PrivateKey) PublicKey {
	var pk PublicKey
	copy(pk[:], key.Public().(ed25519.PublicKey))
	return pk
}

func appendCompactU16(b []byte, n int) []byte {
	for {
		elem := n & 0x7f
		n >>= 7
		if n == 0 {
			return append(b, byte(elem))
		}
		b = append(b, byte(elem|0x80))
	}
}

// tokenTransfer describes one SPL TransferChecked.
type tokenTransfer struct {
	Owner       PublicKey
	Source      PublicKey
	Destination PublicKey
	Mint        PublicKey
	Amount      uint64
	Decimals    uint8
	Blockhash   [32]byte
}

// message serializes a legacy message carrying a single TransferChecked.
// Account order follows the runtime rule: writable signer, writable
// non-signers, read-only non-signers.
func (t tokenTransfer) message() ([]byte, error) {
	if t.Source == t.Destination {
		return nil, errors.New("source and destination token accounts are the same")
	}
	program, err := ParsePublicKey(TokenProgramID)
	if err != nil {
		return nil, err
	}
	keys := []PublicKey{t.Owner, t.Source, t.Destination, t.Mint, program}

	msg := []byte{1, 0, 2}
	msg = appendCompactU16(msg, len(keys))
	for _, k := range keys {
		msg = append(msg, k[:]...)
	}
	msg = append(msg, t.Blockhash[:]...)

	data := make([]byte, 10)
	data[0] = instructionTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], t.Amount)
	data[9] = t.Decimals

	msg = appendCompactU16(msg, 1)
	msg = append(msg, 4) // program id index
	msg = appendCompactU16(msg, 4)
	msg = append(msg, 1, 3, 2, 0) // source, mint, destination, owner
	msg = appendCompactU16(msg, len(data))
	msg = append(msg, data...)
	return msg, nil
}

// signTransfer returns the wire transaction and its base58 signature.
func signTransfer(key ed25519.PrivateKey, t tokenTransfer) ([]byte, string, error) {
	msg, err := t.message()
	if err != nil {
		return nil, "", err
	}
	sig := ed25519.Sign(key, msg)

	wire := appendCompactU16(nil, 1)
	wire = append(wire, sig...)
	wire = append(wire, msg...)
	return wire, base58.Encode(sig), nil
}

func decodeBlockhash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := base58.Decode(s)
	if err != nil || len(b) != 32 {
		return h, fmt.Errorf("invalid blockhash %q", s)
	}
	copy(h[:], b)
	return h, nil
}
