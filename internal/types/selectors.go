package types

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Selector is the 4-byte acknowledgement a hook returns to the host.
type Selector [4]byte

func (s Selector) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

// NewSelector computes keccak256(signature)[:4].
func NewSelector(signature string) Selector {
	var sel Selector
	copy(sel[:], keccak([]byte(signature)))
	return sel
}

func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// Hook acknowledgements expected by the host pool manager.
var (
	AfterInitializeSelector      = NewSelector("afterInitialize(address,(address,address,uint24,int24,address),uint160,int24)")
	AfterAddLiquiditySelector    = NewSelector("afterAddLiquidity(address,(address,address,uint24,int24,address),(int24,int24,int256,bytes32),int256,int256,bytes)")
	AfterRemoveLiquiditySelector = NewSelector("afterRemoveLiquidity(address,(address,address,uint24,int24,address),(int24,int24,int256,bytes32),int256,int256,bytes)")
	BeforeSwapSelector           = NewSelector("beforeSwap(address,(address,address,uint24,int24,address),(bool,int256,uint160),bytes)")
)

// FlashCallbackSuccess is the value a borrower's OnFlashLoan must return.
var FlashCallbackSuccess = func() [32]byte {
	var out [32]byte
	copy(out[:], keccak([]byte("ERC3156FlashBorrower.onFlashLoan")))
	return out
}()
