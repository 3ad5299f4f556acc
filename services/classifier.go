package services

import (
	"github.com/shopspring/decimal"

	"stake-settlement/models"
)

// USDCDecimals is the settlement currency's minimal-unit precision.
const USDCDecimals = 6

// Payout is what one recipient is owed out of escrow.
type Payout struct {
	ParticipationID string                 `json:"participation_id"`
	UserID          string                 `json:"user_id"`
	Kind            models.LedgerEntryKind `json:"kind"`
	Stake           decimal.Decimal        `json:"stake"`
	PrizeShare      decimal.Decimal        `json:"prize_share"`
	Total           decimal.Decimal        `json:"total"`
}

// Distribution is the classifier's output for one challenge.
type Distribution struct {
	Regime         models.SettlementRegime `json:"regime"`
	Winners        []models.Participation  `json:"-"`
	Losers         []models.Participation  `json:"-"`
	PrizePool      decimal.Decimal         `json:"prize_pool"`
	PerWinnerShare decimal.Decimal         `json:"per_winner_share"`
	Remainder      decimal.Decimal         `json:"remainder"`
	Payouts        []Payout                `json:"payouts"`
}

// TotalOwed sums every payout in the distribution.
func (d Distribution) TotalOwed() decimal.Decimal {
	total := decimal.Zero
	for _, p := range d.Payouts {
		total = total.Add(p.Total)
	}
	return total
}

// Classify partitions participants into winners (COMPLETED) and losers
// (everything else) and computes what each recipient is owed.
//
// The no-winner regime is checked first so the split never divides by zero.
// In the split regime the per-winner share is truncated to the currency unit;
// the leftover (less than one unit per winner) stays in escrow.
func Classify(participants []models.Participation) Distribution {
	d := Distribution{
		PrizePool:      decimal.Zero,
		PerWinnerShare: decimal.Zero,
		Remainder:      decimal.Zero,
	}
	for _, p := range participants {
		if p.Status == models.ParticipationCompleted {
			d.Winners = append(d.Winners, p)
		} else {
			d.Losers = append(d.Losers, p)
		}
	}

	switch {
	case len(d.Winners) == 0:
		d.Regime = models.RegimeRefundAll
		for _, p := range participants {
			d.Payouts = append(d.Payouts, Payout{
				ParticipationID: p.ID,
				UserID:          p.UserID,
				Kind:            models.LedgerRefund,
				Stake:           p.StakeAmount,
				PrizeShare:      decimal.Zero,
				Total:           p.StakeAmount,
			})
		}

	case len(d.Winners) == len(participants):
		d.Regime = models.RegimeStakeReturn
		for _, p := range d.Winners {
			d.Payouts = append(d.Payouts, Payout{
				ParticipationID: p.ID,
				UserID:          p.UserID,
				Kind:            models.LedgerReward,
				Stake:           p.StakeAmount,
				PrizeShare:      decimal.Zero,
				Total:           p.StakeAmount,
			})
		}

	default:
		d.Regime = models.RegimeSplit
		for _, p := range d.Losers {
			d.PrizePool = d.PrizePool.Add(p.StakeAmount)
		}
		n := decimal.NewFromInt(int64(len(d.Winners)))
		d.PerWinnerShare, _ = d.PrizePool.QuoRem(n, USDCDecimals)
		d.Remainder = d.PrizePool.Sub(d.PerWinnerShare.Mul(n))
		for _, p := range d.Winners {
			d.Payouts = append(d.Payouts, Payout{
				ParticipationID: p.ID,
				UserID:          p.UserID,
				Kind:            models.LedgerReward,
				Stake:           p.StakeAmount,
				PrizeShare:      d.PerWinnerShare,
				Total:           p.StakeAmount.Add(d.PerWinnerShare),
			})
		}
	}
	return d
}
