package math

import (
	"fmt"
	"math/big"
	"sync"

	sdkmath "cosmossdk.io/math"
)

// Q128 is the fee-growth scale: accumulators hold fee * 2^128 / liquidity.
var Q128 = sdkmath.NewIntFromBigInt(new(big.Int).Lsh(big.NewInt(1), 128))

// maxBits matches the 256-bit bound enforced by sdkmath.Int.
const maxBits = 256

// Intermediate products are pooled to keep the hot path allocation-free.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	bigPool.Put(v)
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // Truncate (default for payouts)
	RoundUp                           // Ceiling (used when the ledger must not under-charge)
	RoundHalfEven                     // Banker's rounding
)

// MulDiv computes a * b / denominator with a 512-bit intermediate so the
// product never overflows. The result must fit in 256 bits.
func MulDiv(a, b, denominator sdkmath.Int, mode RoundingMode) (sdkmath.Int, error) {
	if denominator.IsZero() {
		return sdkmath.Int{}, fmt.Errorf("mul div: division by zero")
	}
	if a.IsNegative() || b.IsNegative() || denominator.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("mul div: negative operand")
	}

	product := getBig()
	quotient := getBig()
	remainder := getBig()
	defer func() {
		putBig(product)
		putBig(quotient)
		putBig(remainder)
	}()

	product.Mul(a.BigInt(), b.BigInt())
	denom := denominator.BigInt()
	quotient.QuoRem(product, denom, remainder)

	if remainder.Sign() != 0 {
		switch mode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			twice := new(big.Int).Lsh(remainder, 1)
			cmp := twice.Cmp(denom)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if quotient.BitLen() > maxBits {
		return sdkmath.Int{}, fmt.Errorf("mul div: result exceeds %d bits", maxBits)
	}
	return sdkmath.NewIntFromBigInt(new(big.Int).Set(quotient)), nil
}

// MulDivDown is MulDiv with truncation.
func MulDivDown(a, b, denominator sdkmath.Int) (sdkmath.Int, error) {
	return MulDiv(a, b, denominator, RoundDown)
}

// Sqrt returns floor(sqrt(v)).
func Sqrt(v sdkmath.Int) sdkmath.Int {
	if !v.IsPositive() {
		return sdkmath.ZeroInt()
	}
	return sdkmath.NewIntFromBigInt(new(big.Int).Sqrt(v.BigInt()))
}

// SqrtProduct returns floor(sqrt(a*b)) without bounding the product.
func SqrtProduct(a, b sdkmath.Int) sdkmath.Int {
	if !a.IsPositive() || !b.IsPositive() {
		return sdkmath.ZeroInt()
	}
	product := new(big.Int).Mul(a.BigInt(), b.BigInt())
	return sdkmath.NewIntFromBigInt(product.Sqrt(product))
}

// Ratio returns numerator / denominator as a decimal, or zero when the
// denominator is zero.
func Ratio(numerator, denominator sdkmath.Int) sdkmath.LegacyDec {
	if denominator.IsZero() {
		return sdkmath.LegacyZeroDec()
	}
	return sdkmath.LegacyNewDecFromInt(numerator).QuoInt(denominator)
}

// ApplyBps returns amount * bps / 10_000, truncated.
func ApplyBps(amount sdkmath.Int, bps uint32) sdkmath.Int {
	if bps == 0 || amount.IsZero() {
		return sdkmath.ZeroInt()
	}
	return amount.MulRaw(int64(bps)).QuoRaw(10_000)
}

// Min returns the smaller of a and b.
func Min(a, b sdkmath.Int) sdkmath.Int {
	if a.LT(b) {
		return a
	}
	return b
}

// OrZero maps the zero value of sdkmath.Int (nil backing) to an explicit zero.
func OrZero(v sdkmath.Int) sdkmath.Int {
	if v.IsNil() {
		return sdkmath.ZeroInt()
	}
	return v
}
