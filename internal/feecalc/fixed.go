package feecalc

import (
	fpmath "InsuranceLedger/internal/math"
	"InsuranceLedger/internal/types"

	sdkmath "cosmossdk.io/math"
)

// Fixed charges flat basis-point rates. 100 bps on the insurance side
// yields fee = amount / 100.
type Fixed struct {
	InsuranceBps uint32
	FlashBps     uint32
}

func NewFixed(insuranceBps, flashBps uint32) *Fixed {
	return &Fixed{InsuranceBps: insuranceBps, FlashBps: flashBps}
}

func (f *Fixed) CalculateInsuranceFee(
	_ types.PoolID,
	amount sdkmath.Int,
	_ sdkmath.Int,
	_ sdkmath.Int,
	_ sdkmath.Int,
	_ int64,
) (sdkmath.Int, error) {
	return fpmath.ApplyBps(amount, f.InsuranceBps), nil
}

func (f *Fixed) CalculateFlashLoanFee(
	amount sdkmath.Int,
	_ sdkmath.Int,
	_ sdkmath.LegacyDec,
	_ uint64,
) (sdkmath.Int, error) {
	return fpmath.ApplyBps(amount, f.FlashBps), nil
}
