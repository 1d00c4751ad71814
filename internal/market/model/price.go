package model

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"

	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

// Price is an exact exchange rate: Base.Amount units of the base asset per
// Quote.Amount units of the quote asset. A valid price has two distinct
// assets and strictly positive amounts on both sides.
type Price struct {
	Base  AssetAmount `json:"base"`
	Quote AssetAmount `json:"quote"`
}

// NewPrice validates and builds a price.
func NewPrice(base, quote AssetAmount) (Price, error) {
	p := Price{Base: base, Quote: quote}
	if !p.IsValid() {
		return Price{}, errors.Validation("invalid price %d/%d (assets %d/%d)",
			base.Amount, quote.Amount, base.Asset, quote.Asset)
	}
	return p, nil
}

// IsZero reports the null price sentinel.
func (p Price) IsZero() bool {
	return p.Base.Amount == 0 && p.Quote.Amount == 0
}

// IsValid reports whether p can be used for conversions.
func (p Price) IsValid() bool {
	return p.Base.Amount > 0 && p.Quote.Amount > 0 && p.Base.Asset != p.Quote.Asset
}

// Invert swaps the two sides of the rate.
func (p Price) Invert() Price {
	return Price{Base: p.Quote, Quote: p.Base}
}

// Cmp compares two prices over the same ordered asset pair by exact
// cross-multiplication. It panics on a pair mismatch: every comparison in
// the engine is between same-pair prices by construction, so a mismatch is
// a programming error, not an input error.
func (p Price) Cmp(q Price) int {
	if p.Base.Asset != q.Base.Asset || p.Quote.Asset != q.Quote.Asset {
		panic(fmt.Sprintf("price comparison across pairs: %v vs %v", p, q))
	}
	lhsHi, lhsLo := bits.Mul64(uint64(p.Base.Amount), uint64(q.Quote.Amount))
	rhsHi, rhsLo := bits.Mul64(uint64(q.Base.Amount), uint64(p.Quote.Amount))
	switch {
	case lhsHi != rhsHi:
		if lhsHi < rhsHi {
			return -1
		}
		return 1
	case lhsLo != rhsLo:
		if lhsLo < rhsLo {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (p Price) Less(q Price) bool      { return p.Cmp(q) < 0 }
func (p Price) LessEq(q Price) bool    { return p.Cmp(q) <= 0 }
func (p Price) Greater(q Price) bool   { return p.Cmp(q) > 0 }
func (p Price) GreaterEq(q Price) bool { return p.Cmp(q) >= 0 }
func (p Price) Equal(q Price) bool     { return p.Cmp(q) == 0 }

// MinPrice returns the smaller of two same-pair prices.
func MinPrice(a, b Price) Price {
	if b.Less(a) {
		return b
	}
	return a
}

// MaxPrice returns the larger of two same-pair prices.
func MaxPrice(a, b Price) Price {
	if b.Greater(a) {
		return b
	}
	return a
}

// String renders the rate for logs.
func (p Price) String() string {
	return fmt.Sprintf("%d:%d/%d:%d", p.Base.Amount, p.Base.Asset, p.Quote.Amount, p.Quote.Asset)
}

// Decimal renders base/quote for display payloads only; matching never
// consumes this value.
func (p Price) Decimal() decimal.Decimal {
	if p.Quote.Amount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.Base.Amount).Div(decimal.NewFromInt(p.Quote.Amount))
}

// Mul converts an amount of one side's asset into the other side's asset
// at this price, rounding in the requested direction. The computation uses
// a full 128-bit intermediate; results that do not fit 64 bits are
// rejected, never truncated.
func (aa AssetAmount) Mul(p Price, roundUp bool) (AssetAmount, error) {
	if !p.IsValid() {
		return AssetAmount{}, errors.Validation("conversion at invalid price %v", p)
	}
	if aa.Amount < 0 {
		return AssetAmount{}, errors.Validation("conversion of negative amount %d", aa.Amount)
	}
	var num, den uint64
	var out AssetID
	switch aa.Asset {
	case p.Base.Asset:
		num, den, out = uint64(p.Quote.Amount), uint64(p.Base.Amount), p.Quote.Asset
	case p.Quote.Asset:
		num, den, out = uint64(p.Base.Amount), uint64(p.Quote.Amount), p.Base.Asset
	default:
		return AssetAmount{}, errors.Validation("asset %d not part of price %v", aa.Asset, p)
	}
	q, err := mulDiv64(uint64(aa.Amount), num, den, roundUp)
	if err != nil {
		return AssetAmount{}, err
	}
	if q > uint64(MaxAmount) {
		return AssetAmount{}, errors.Overflow("conversion of %d at %v exceeds amount range", aa.Amount, p)
	}
	return AssetAmount{Asset: out, Amount: Amount(q)}, nil
}

// MulDown is Mul rounding toward zero.
func (aa AssetAmount) MulDown(p Price) (AssetAmount, error) { return aa.Mul(p, false) }

// MulUp is Mul rounding away from zero.
func (aa AssetAmount) MulUp(p Price) (AssetAmount, error) { return aa.Mul(p, true) }

// mulDiv64 computes a*num/den on a 128-bit intermediate with the given
// rounding. Errors when the quotient does not fit 64 bits.
func mulDiv64(a, num, den uint64, roundUp bool) (uint64, error) {
	if den == 0 {
		return 0, errors.Internal("division by zero in amount conversion")
	}
	hi, lo := bits.Mul64(a, num)
	if roundUp {
		var carry uint64
		lo, carry = bits.Add64(lo, den-1, 0)
		hi += carry
	}
	if hi >= den {
		return 0, errors.Overflow("128-bit quotient exceeds 64 bits")
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}

// MulRatio scales the price by num/den, exactly as the settlement math
// requires: multiply into big integers, reduce by gcd, then halve both
// sides until they fit 64 bits again.
func (p Price) MulRatio(num, den uint64) (Price, error) {
	if !p.IsValid() {
		return Price{}, errors.Validation("ratio multiply on invalid price %v", p)
	}
	if num == 0 || den == 0 {
		return Price{}, errors.Validation("ratio multiply by %d/%d", num, den)
	}
	b := new(big.Int).Mul(big.NewInt(p.Base.Amount), new(big.Int).SetUint64(num))
	q := new(big.Int).Mul(big.NewInt(p.Quote.Amount), new(big.Int).SetUint64(den))
	baseAmt, quoteAmt, err := reduceToAmounts(b, q)
	if err != nil {
		return Price{}, err
	}
	return Price{
		Base:  AssetAmount{Asset: p.Base.Asset, Amount: baseAmt},
		Quote: AssetAmount{Asset: p.Quote.Asset, Amount: quoteAmt},
	}, nil
}

// reduceToAmounts normalizes a big rational to a pair of positive int64
// amounts: divide by the gcd, then shift right until both fit.
func reduceToAmounts(b, q *big.Int) (Amount, Amount, error) {
	g := new(big.Int).GCD(nil, nil, b, q)
	if g.Sign() > 0 {
		b.Div(b, g)
		q.Div(q, g)
	}
	maxAmt := big.NewInt(math.MaxInt64)
	for b.Cmp(maxAmt) > 0 || q.Cmp(maxAmt) > 0 {
		b.Rsh(b, 1)
		q.Rsh(q, 1)
	}
	if b.Sign() == 0 || q.Sign() == 0 {
		return 0, 0, errors.Overflow("price ratio reduced to zero")
	}
	return b.Int64(), q.Int64(), nil
}

// CallPrice derives the legacy margin trigger key of a debt position:
// collateral per unit of debt scaled by MCR/1000. Positions sort ascending
// on this key in the pre-collateralization index, and the key goes stale
// when MCR changes after the last position update.
func CallPrice(debt, collateral AssetAmount, mcr uint16) (Price, error) {
	if debt.Amount <= 0 || collateral.Amount <= 0 {
		return Price{}, errors.Validation("call price of empty position")
	}
	b := new(big.Int).Mul(big.NewInt(collateral.Amount), big.NewInt(RatioDenom))
	q := new(big.Int).Mul(big.NewInt(debt.Amount), big.NewInt(int64(mcr)))
	baseAmt, quoteAmt, err := reduceToAmounts(b, q)
	if err != nil {
		return Price{}, err
	}
	return Price{
		Base:  AssetAmount{Asset: collateral.Asset, Amount: baseAmt},
		Quote: AssetAmount{Asset: debt.Asset, Amount: quoteAmt},
	}, nil
}
