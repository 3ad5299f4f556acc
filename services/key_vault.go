package services

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	vaultPrefix     = "v1:"
	vaultInfo       = "stake-settlement/escrow-key-vault/v1"
	minMasterSecret = 32
)

// KeyVault seals escrow secret keys at rest. The master secret is handed in
// once at construction and never stored with the ciphertext.
type KeyVault struct {
	aead      cipher.AEAD
	legacyKey []byte
}

// NewKeyVault derives the sealing key from master. Callers treat an error as
// fatal at startup.
func NewKeyVault(master string) (*KeyVault, error) {
	if len(master) < minMasterSecret {
		return nil, &KeyVaultError{Op: "init", Err: fmt.Errorf("master secret must be at least %d bytes", minMasterSecret)}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(master), nil, []byte(vaultInfo)), key); err != nil {
		return nil, &KeyVaultError{Op: "init", Err: err}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &KeyVaultError{Op: "init", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &KeyVaultError{Op: "init", Err: err}
	}

	legacy := sha256.Sum256([]byte(master))
	return &KeyVault{aead: aead, legacyKey: legacy[:]}, nil
}

// Encrypt seals raw and returns "v1:" + base64(nonce || ciphertext).
func (v *KeyVault) Encrypt(raw []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", &KeyVaultError{Op: "encrypt", Err: err}
	}
	sealed := v.aead.Seal(nonce, nonce, raw, nil)
	return vaultPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by Encrypt. Payloads in the older
// "ivhex:cthex" AES-256-CBC form are still accepted so existing escrow
// records keep working.
func (v *KeyVault) Decrypt(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, vaultPrefix) {
		return v.decryptGCM(strings.TrimPrefix(payload, vaultPrefix))
	}
	return v.decryptLegacy(payload)
}

func (v *KeyVault) decryptGCM(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &KeyVaultError{Op: "decrypt", Err: fmt.Errorf("invalid payload encoding: %w", err)}
	}
	ns := v.aead.NonceSize()
	if len(sealed) < ns+v.aead.Overhead() {
		return nil, &KeyVaultError{Op: "decrypt", Err: errors.New("payload too short")}
	}
	raw, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, &KeyVaultError{Op: "decrypt", Err: errors.New("authentication failed (wrong key or corrupt payload)")}
	}
	return raw, nil
}

func (v *KeyVault) decryptLegacy(payload string) ([]byte, error) {
	ivHex, ctHex, ok := strings.Cut(payload, ":")
	if !ok || ivHex == "" || ctHex == "" {
		return nil, &KeyVaultError{Op: "decrypt", Err: errors.New("invalid encrypted key payload")}
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, &KeyVaultError{Op: "decrypt", Err: errors.New("invalid iv")}
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, &KeyVaultError{Op: "decrypt", Err: errors.New("invalid ciphertext")}
	}

	block, err := aes.NewCipher(v.legacyKey)
	if err != nil {
		return nil, &KeyVaultError{Op: "decrypt", Err: err}
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	raw, err := pkcs7Unpad(out)
	if err != nil {
		return nil, &KeyVaultError{Op: "decrypt", Err: err}
	}
	return raw, nil
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("bad padding (wrong key or corrupt payload)")
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errors.New("bad padding (wrong key or corrupt payload)")
	}
	return b[:len(b)-n], nil
}
