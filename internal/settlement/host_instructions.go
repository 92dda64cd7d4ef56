package settlement

import (
	"InsuranceLedger/internal/types"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// HostInstructions records transfers for the host to execute instead of
// moving balances itself. Committed instructions travel with the core
// output and are published alongside the events that caused them.
// Balance and allowance checks are the host's responsibility.
type HostInstructions struct {
	pending []Transfer
}

func NewHostInstructions() *HostInstructions {
	return &HostInstructions{}
}

func (h *HostInstructions) Transfer(token types.Token, from, to types.Address, amount sdkmath.Int) error {
	return h.add(Transfer{Token: token, From: from, To: to, Amount: amount})
}

func (h *HostInstructions) TransferFrom(token types.Token, spender, from, to types.Address, amount sdkmath.Int) error {
	return h.add(Transfer{Token: token, From: from, To: to, Spender: spender, Amount: amount})
}

func (h *HostInstructions) add(t Transfer) error {
	if err := requirePositive(t.Amount); err != nil {
		return err
	}
	if t.From == t.To {
		return types.ErrSettlement.Wrapf("transfer of %s to self (%s)", t.Token, t.From)
	}
	h.pending = append(h.pending, t)
	return nil
}

// Pending returns the uncommitted instructions.
func (h *HostInstructions) Pending() []Transfer {
	return append([]Transfer(nil), h.pending...)
}

func (h *HostInstructions) Snapshot() int {
	return len(h.pending)
}

func (h *HostInstructions) RevertToSnapshot(id int) {
	if id < 0 || id > len(h.pending) {
		panic(fmt.Sprintf("settlement: invalid snapshot %d (pending %d)", id, len(h.pending)))
	}
	h.pending = h.pending[:id]
}

func (h *HostInstructions) Commit() []Transfer {
	out := h.pending
	h.pending = nil
	return out
}
