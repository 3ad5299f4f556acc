package models

// EscrowWallet holds one challenge's custodial keypair. EncryptedSecret is
// key-vault ciphertext and never leaves the signing path.
type EscrowWallet struct {
	ID              string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ChallengeID     string `gorm:"type:uuid;not null;uniqueIndex" json:"challenge_id"`
	PublicKey       string `gorm:"type:varchar(64);not null;uniqueIndex" json:"public_key"`
	EncryptedSecret string `gorm:"type:text;not null" json:"-"`

	Timestamps
}
