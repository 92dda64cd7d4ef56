package state

import (
	fpmath "InsuranceLedger/internal/math"
	"sort"

	sdkmath "cosmossdk.io/math"
)

// IsEmpty reports whether the position holds no liquidity and nothing owed.
func (p Position) IsEmpty() bool {
	return p.Liquidity.IsZero() && p.TokensOwed[0].IsZero() && p.TokensOwed[1].IsZero()
}

// LiquidityUnits converts a liquidity change into registry units. An
// explicit delta from the host wins; otherwise the geometric mean of the
// two amounts is used, or the single nonzero amount for one-sided changes.
func LiquidityUnits(amount0, amount1, explicit sdkmath.Int) sdkmath.Int {
	if !explicit.IsNil() && explicit.IsPositive() {
		return explicit
	}

	a0 := fpmath.OrZero(amount0)
	a1 := fpmath.OrZero(amount1)
	switch {
	case a0.IsPositive() && a1.IsPositive():
		return fpmath.SqrtProduct(a0, a1)
	case a0.IsPositive():
		return a0
	case a1.IsPositive():
		return a1
	}
	return sdkmath.ZeroInt()
}

func sortPositions(positions []Position) {
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Provider < positions[j].Provider
	})
}
