package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPlatformFeeBPS is 2.5% expressed in basis points.
const DefaultPlatformFeeBPS = 250

// Scale is the number of decimal places kept for every monetary value.
const Scale = 2

var (
	bpsDivisor = decimal.NewFromInt(10000)
	minorUnit  = decimal.NewFromInt(100)
)

// TotalAmount is what the buyer pays: product price plus logistics fee.
func TotalAmount(price, logisticsFee decimal.Decimal) decimal.Decimal {
	return price.Add(logisticsFee)
}

// PlatformFee returns the platform share of the product price at the default rate.
func PlatformFee(price decimal.Decimal) decimal.Decimal {
	return PlatformFeeAt(price, DefaultPlatformFeeBPS)
}

// PlatformFeeAt computes price * bps / 10000 rounded to 2dp, half away from zero.
// The logistics fee is never charged.
func PlatformFeeAt(price decimal.Decimal, bps int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(bps))).Div(bpsDivisor).Round(Scale)
}

// SellerAmount is the product payout after the platform fee.
func SellerAmount(price decimal.Decimal) decimal.Decimal {
	return SellerAmountAt(price, DefaultPlatformFeeBPS)
}

func SellerAmountAt(price decimal.Decimal, bps int) decimal.Decimal {
	return price.Sub(PlatformFeeAt(price, bps))
}

// ToMinorUnits converts a 2dp amount into kobo/cents for gateway transport.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(minorUnit).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -Scale)
}

// ParseAmount parses a non-negative monetary string with at most 2 decimal places.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %s must not be negative", s)
	}
	if !d.Equal(d.Round(Scale)) {
		return decimal.Zero, fmt.Errorf("amount %s has more than %d decimal places", s, Scale)
	}
	return d.Round(Scale), nil
}

// Breakdown is the full money split for one transaction.
type Breakdown struct {
	ProductPrice decimal.Decimal `json:"product_price"`
	LogisticsFee decimal.Decimal `json:"logistics_fee"`
	Total        decimal.Decimal `json:"total_amount"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	SellerAmount decimal.Decimal `json:"seller_amount"`
}

func NewBreakdown(price, logisticsFee decimal.Decimal) Breakdown {
	return Breakdown{
		ProductPrice: price,
		LogisticsFee: logisticsFee,
		Total:        TotalAmount(price, logisticsFee),
		PlatformFee:  PlatformFee(price),
		SellerAmount: SellerAmount(price),
	}
}
