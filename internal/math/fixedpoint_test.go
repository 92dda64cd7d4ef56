package math_test

import (
	fpmath "InsuranceLedger/internal/math"
	"math/big"
	"testing"

	sdkmath "cosmossdk.io/math"
)

func TestMulDiv_Rounding(t *testing.T) {
	cases := []struct {
		name    string
		a, b, d int64
		mode    fpmath.RoundingMode
		want    int64
	}{
		{"exact", 10, 10, 4, fpmath.RoundDown, 25},
		{"truncate", 7, 1, 2, fpmath.RoundDown, 3},
		{"ceil", 7, 1, 2, fpmath.RoundUp, 4},
		{"half even down", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even up", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"above half", 5, 1, 3, fpmath.RoundHalfEven, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(sdkmath.NewInt(tc.a), sdkmath.NewInt(tc.b), sdkmath.NewInt(tc.d), tc.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(sdkmath.NewInt(tc.want)) {
				t.Errorf("got %s, want %d", got, tc.want)
			}
		})
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^200 * 2^100) / 2^150 overflows 256 bits in the product only.
	a := sdkmath.NewIntFromBigInt(new(big.Int).Lsh(big.NewInt(1), 200))
	b := sdkmath.NewIntFromBigInt(new(big.Int).Lsh(big.NewInt(1), 100))
	d := sdkmath.NewIntFromBigInt(new(big.Int).Lsh(big.NewInt(1), 150))

	got, err := fpmath.MulDivDown(a, b, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := sdkmath.NewIntFromBigInt(new(big.Int).Lsh(big.NewInt(1), 150))
	if !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMulDiv_Errors(t *testing.T) {
	if _, err := fpmath.MulDivDown(sdkmath.NewInt(1), sdkmath.NewInt(1), sdkmath.ZeroInt()); err == nil {
		t.Error("expected division by zero error")
	}

	huge := sdkmath.NewIntFromBigInt(new(big.Int).Lsh(big.NewInt(1), 200))
	if _, err := fpmath.MulDivDown(huge, huge, sdkmath.NewInt(1)); err == nil {
		t.Error("expected overflow error for 400-bit result")
	}
}

func TestMulDiv_ResultSurvivesPoolReuse(t *testing.T) {
	first, _ := fpmath.MulDivDown(sdkmath.NewInt(6), sdkmath.NewInt(7), sdkmath.NewInt(1))
	_, _ = fpmath.MulDivDown(sdkmath.NewInt(100), sdkmath.NewInt(100), sdkmath.NewInt(1))

	if !first.Equal(sdkmath.NewInt(42)) {
		t.Errorf("pooled intermediate leaked into result: got %s", first)
	}
}

func TestSqrt(t *testing.T) {
	if got := fpmath.Sqrt(sdkmath.NewInt(99)); !got.Equal(sdkmath.NewInt(9)) {
		t.Errorf("sqrt(99): got %s, want 9", got)
	}
	if got := fpmath.Sqrt(sdkmath.ZeroInt()); !got.IsZero() {
		t.Errorf("sqrt(0): got %s, want 0", got)
	}
}

func TestRatio(t *testing.T) {
	got := fpmath.Ratio(sdkmath.NewInt(1), sdkmath.NewInt(4))
	if !got.Equal(sdkmath.LegacyNewDecWithPrec(25, 2)) {
		t.Errorf("got %s, want 0.25", got)
	}
	if !fpmath.Ratio(sdkmath.NewInt(1), sdkmath.ZeroInt()).IsZero() {
		t.Error("ratio with zero denominator should be zero")
	}
}

func TestApplyBps(t *testing.T) {
	got := fpmath.ApplyBps(sdkmath.NewInt(12_345), 100)
	if !got.Equal(sdkmath.NewInt(123)) {
		t.Errorf("got %s, want 123", got)
	}
}

func TestSqrtProduct_BeyondIntRange(t *testing.T) {
	// 2^200 * 2^200 does not fit in 256 bits but its root does.
	v := sdkmath.NewIntFromBigInt(new(big.Int).Lsh(big.NewInt(1), 200))
	if got := fpmath.SqrtProduct(v, v); !got.Equal(v) {
		t.Errorf("got %s, want %s", got, v)
	}
}
