package services

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gorm.io/datatypes"
)

var (
	printer         = message.NewPrinter(language.English)
	payoutNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("stake-settlement/payout"))
)

// PayoutKey is the idempotency key for one recipient's payout within one
// settlement run. The same inputs always give the same key.
func PayoutKey(challengeID, userID, settlementRunID string) string {
	return uuid.NewSHA1(payoutNamespace, []byte(challengeID+"|"+userID+"|"+settlementRunID)).String()
}

// formatUSDC renders an amount for human-readable ledger descriptions.
func formatUSDC(d decimal.Decimal) string {
	return printer.Sprintf("%.2f USDC", d.InexactFloat64())
}

func jsonMeta(fields map[string]any) datatypes.JSON {
	b, err := json.Marshal(fields)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}

// metaString reads a string field from ledger metadata.
func metaString(meta datatypes.JSON, field string) string {
	if len(meta) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(meta, &m); err != nil {
		return ""
	}
	s, _ := m[field].(string)
	return s
}
