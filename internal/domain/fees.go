package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidSplit = errors.New("invalid split percentages")

var hundred = decimal.NewFromInt(100)

// FeeInput carries the stored escrow amounts the calculator works from.
// Amount excludes both fees; the buyer funded Amount + BuyerFee.
type FeeInput struct {
	Amount         decimal.Decimal
	BuyerFee       decimal.Decimal
	SellerFee      decimal.Decimal
	Currency       string
	SellerAccepted bool
}

// Validate rejects negative amounts and a seller fee larger than the escrow amount.
func (in FeeInput) Validate() error {
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: escrow amount must be positive", ErrInvalidAmount)
	}
	if in.BuyerFee.IsNegative() || in.SellerFee.IsNegative() {
		return fmt.Errorf("%w: fees must not be negative", ErrInvalidAmount)
	}
	if in.SellerFee.GreaterThan(in.Amount) {
		return fmt.Errorf("%w: seller fee exceeds escrow amount", ErrInvalidAmount)
	}
	return nil
}

// Refund is the outcome of returning an escrow to the buyer.
type Refund struct {
	Amount       decimal.Decimal
	RetainedFees decimal.Decimal
}

// Release is the outcome of paying an escrow out to the seller.
type Release struct {
	Amount       decimal.Decimal
	RetainedFees decimal.Decimal
}

// Split is the outcome of dividing an escrow between both parties.
type Split struct {
	Splittable   decimal.Decimal
	BuyerShare   decimal.Decimal
	SellerShare  decimal.Decimal
	BuyerPct     int
	SellerPct    int
	RetainedFees decimal.Decimal
}

// RefundToBuyer returns the escrow amount to the buyer. The buyer fee is returned too
// when the seller never accepted; otherwise the platform keeps it.
func RefundToBuyer(in FeeInput) Refund {
	amount := RoundToMinor(in.Amount, in.Currency)
	buyerFee := RoundToMinor(in.BuyerFee, in.Currency)
	if !in.SellerAccepted {
		return Refund{Amount: amount.Add(buyerFee), RetainedFees: decimal.Zero}
	}
	return Refund{Amount: amount, RetainedFees: buyerFee}
}

// ReleaseToSeller pays the escrow amount less the seller fee. Both fees are retained.
func ReleaseToSeller(in FeeInput) Release {
	amount := RoundToMinor(in.Amount, in.Currency)
	buyerFee := RoundToMinor(in.BuyerFee, in.Currency)
	sellerFee := RoundToMinor(in.SellerFee, in.Currency)
	return Release{
		Amount:       amount.Sub(sellerFee),
		RetainedFees: buyerFee.Add(sellerFee),
	}
}

// CustomSplit divides the escrow by percentage. Each share is rounded half-up and
// any rounding remainder goes to the party with the larger percentage (the buyer on a tie),
// so the shares always sum to the splittable amount.
func CustomSplit(in FeeInput, buyerPct, sellerPct int) (Split, error) {
	if err := ValidateSplit(buyerPct, sellerPct); err != nil {
		return Split{}, err
	}

	amount := RoundToMinor(in.Amount, in.Currency)
	buyerFee := RoundToMinor(in.BuyerFee, in.Currency)
	splittable := amount
	retained := buyerFee
	if !in.SellerAccepted {
		splittable = amount.Add(buyerFee)
		retained = decimal.Zero
	}

	buyerShare := RoundToMinor(splittable.Mul(decimal.NewFromInt(int64(buyerPct))).Div(hundred), in.Currency)
	sellerShare := RoundToMinor(splittable.Mul(decimal.NewFromInt(int64(sellerPct))).Div(hundred), in.Currency)

	remainder := splittable.Sub(buyerShare.Add(sellerShare))
	if !remainder.IsZero() {
		if sellerPct > buyerPct {
			sellerShare = sellerShare.Add(remainder)
		} else {
			buyerShare = buyerShare.Add(remainder)
		}
	}

	return Split{
		Splittable:   splittable,
		BuyerShare:   buyerShare,
		SellerShare:  sellerShare,
		BuyerPct:     buyerPct,
		SellerPct:    sellerPct,
		RetainedFees: retained,
	}, nil
}

// ValidateSplit requires two percentages in [0, 100] summing to exactly 100.
func ValidateSplit(buyerPct, sellerPct int) error {
	if buyerPct < 0 || sellerPct < 0 || buyerPct > 100 || sellerPct > 100 {
		return fmt.Errorf("%w: percentages must be between 0 and 100", ErrInvalidSplit)
	}
	if buyerPct+sellerPct != 100 {
		return fmt.Errorf("%w: %d + %d != 100", ErrInvalidSplit, buyerPct, sellerPct)
	}
	return nil
}

// SplitKind renders the stored resolution kind for a split, e.g. "split_70_30".
func SplitKind(buyerPct, sellerPct int) string {
	return fmt.Sprintf("%s_%d_%d", ResolutionSplitPrefix, buyerPct, sellerPct)
}

// Dispute resolution kinds.
const (
	ResolutionRefundedToBuyer  = "refunded_to_buyer"
	ResolutionReleasedToSeller = "released_to_seller"
	ResolutionSplitPrefix      = "split"
)
