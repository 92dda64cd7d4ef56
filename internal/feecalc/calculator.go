// Package feecalc holds the pluggable fee strategies the engine consults on
// every swap and flash loan. Strategies must be deterministic in their
// inputs; any error they return aborts the calling operation.
package feecalc

import (
	"InsuranceLedger/internal/types"

	sdkmath "cosmossdk.io/math"
)

// Calculator prices insurance fees and flash loans.
type Calculator interface {
	// CalculateInsuranceFee returns the fee charged on a swap's input leg.
	CalculateInsuranceFee(
		pool types.PoolID,
		amount sdkmath.Int,
		existingContribution sdkmath.Int,
		liquidity sdkmath.Int,
		price sdkmath.Int,
		timestamp int64,
	) (sdkmath.Int, error)

	// CalculateFlashLoanFee returns the fee owed on top of the principal.
	CalculateFlashLoanFee(
		amount sdkmath.Int,
		totalLiquidity sdkmath.Int,
		utilization sdkmath.LegacyDec,
		defaultHistory uint64,
	) (sdkmath.Int, error)
}

// VolatilityCalculator is implemented by strategies that price risk from
// recent price movement.
type VolatilityCalculator interface {
	CalculateVolatility(pool types.PoolID, price sdkmath.Int, timestamp int64) (sdkmath.LegacyDec, error)
}

// PriceObserver is implemented by strategies that keep price history. The
// engine calls ObservePrice only after a swap commits, so aborted swaps
// never leak into the history.
type PriceObserver interface {
	ObservePrice(pool types.PoolID, price sdkmath.Int, timestamp int64)
}

// Stateful is implemented by strategies whose history must be carried in
// engine snapshots so that replay reproduces the same fees.
type Stateful interface {
	Export() []Observation
	Import([]Observation)
}

func bpsToDec(bps uint32) sdkmath.LegacyDec {
	return sdkmath.LegacyNewDecWithPrec(int64(bps), 4)
}

func applyRate(amount sdkmath.Int, rate sdkmath.LegacyDec) sdkmath.Int {
	if amount.IsZero() || !rate.IsPositive() {
		return sdkmath.ZeroInt()
	}
	return sdkmath.LegacyNewDecFromInt(amount).Mul(rate).TruncateInt()
}
