package settlement

import (
	fpmath "InsuranceLedger/internal/math"
	"InsuranceLedger/internal/types"
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
)

type balanceKey struct {
	Token  types.Token
	Holder types.Address
}

type allowanceKey struct {
	Token   types.Token
	Owner   types.Address
	Spender types.Address
}

// bankChange records a prior value so it can be restored. A change with
// neither key set marks an appended transfer record.
type bankChange struct {
	balance   *balanceKey
	allowance *allowanceKey
	prev      sdkmath.Int
}

// MemoryBank holds balances and allowances in memory. It backs standalone
// deployments and simulations where no host executes transfers.
// Not thread-safe: only accessed from the single-threaded core.
type MemoryBank struct {
	balances   map[balanceKey]sdkmath.Int
	allowances map[allowanceKey]sdkmath.Int

	journal   []bankChange
	transfers []Transfer
}

func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances:   make(map[balanceKey]sdkmath.Int),
		allowances: make(map[allowanceKey]sdkmath.Int),
	}
}

// === Queries ===

func (b *MemoryBank) Balance(token types.Token, holder types.Address) sdkmath.Int {
	return b.get(balanceKey{Token: token, Holder: holder})
}

func (b *MemoryBank) Allowance(token types.Token, owner, spender types.Address) sdkmath.Int {
	if v, ok := b.allowances[allowanceKey{Token: token, Owner: owner, Spender: spender}]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

func (b *MemoryBank) get(key balanceKey) sdkmath.Int {
	if v, ok := b.balances[key]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

// === Mutations ===

// Mint creates balance out of nothing. Used to seed simulations.
func (b *MemoryBank) Mint(token types.Token, to types.Address, amount sdkmath.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	key := balanceKey{Token: token, Holder: to}
	b.setBalance(key, b.get(key).Add(amount))
	return nil
}

// Approve sets the allowance owner grants to spender, replacing any
// previous value.
func (b *MemoryBank) Approve(token types.Token, owner, spender types.Address, amount sdkmath.Int) error {
	amount = fpmath.OrZero(amount)
	if amount.IsNegative() {
		return types.ErrInvalidAmount.Wrapf("allowance must not be negative, got %s", amount)
	}
	b.setAllowance(allowanceKey{Token: token, Owner: owner, Spender: spender}, amount)
	return nil
}

func (b *MemoryBank) Transfer(token types.Token, from, to types.Address, amount sdkmath.Int) error {
	if err := b.move(token, from, to, amount); err != nil {
		return err
	}
	b.record(Transfer{Token: token, From: from, To: to, Amount: amount})
	return nil
}

func (b *MemoryBank) TransferFrom(token types.Token, spender, from, to types.Address, amount sdkmath.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}

	key := allowanceKey{Token: token, Owner: from, Spender: spender}
	allowance := b.Allowance(token, from, spender)
	if amount.GT(allowance) {
		return types.ErrSettlement.Wrapf(
			"allowance of %s to %s is %s, need %s %s", from, spender, allowance, amount, token)
	}

	if err := b.move(token, from, to, amount); err != nil {
		return err
	}
	b.setAllowance(key, allowance.Sub(amount))
	b.record(Transfer{Token: token, From: from, To: to, Spender: spender, Amount: amount})
	return nil
}

func (b *MemoryBank) move(token types.Token, from, to types.Address, amount sdkmath.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if from == to {
		return types.ErrSettlement.Wrapf("transfer of %s to self (%s)", token, from)
	}

	fromKey := balanceKey{Token: token, Holder: from}
	available := b.get(fromKey)
	if amount.GT(available) {
		return types.ErrSettlement.Wrapf("%s holds %s %s, need %s", from, available, token, amount)
	}

	toKey := balanceKey{Token: token, Holder: to}
	b.setBalance(fromKey, available.Sub(amount))
	b.setBalance(toKey, b.get(toKey).Add(amount))
	return nil
}

func (b *MemoryBank) record(t Transfer) {
	b.journal = append(b.journal, bankChange{})
	b.transfers = append(b.transfers, t)
}

func (b *MemoryBank) setBalance(key balanceKey, v sdkmath.Int) {
	k := key
	b.journal = append(b.journal, bankChange{balance: &k, prev: b.get(key)})
	if v.IsZero() {
		delete(b.balances, key)
		return
	}
	b.balances[key] = v
}

func (b *MemoryBank) setAllowance(key allowanceKey, v sdkmath.Int) {
	k := key
	b.journal = append(b.journal, bankChange{allowance: &k, prev: b.Allowance(key.Token, key.Owner, key.Spender)})
	if v.IsZero() {
		delete(b.allowances, key)
		return
	}
	b.allowances[key] = v
}

// === Transaction support ===

func (b *MemoryBank) Snapshot() int {
	return len(b.journal)
}

func (b *MemoryBank) RevertToSnapshot(id int) {
	if id < 0 || id > len(b.journal) {
		panic(fmt.Sprintf("settlement: invalid snapshot %d (journal %d)", id, len(b.journal)))
	}

	for i := len(b.journal) - 1; i >= id; i-- {
		c := b.journal[i]
		switch {
		case c.balance != nil:
			if c.prev.IsZero() {
				delete(b.balances, *c.balance)
			} else {
				b.balances[*c.balance] = c.prev
			}
		case c.allowance != nil:
			if c.prev.IsZero() {
				delete(b.allowances, *c.allowance)
			} else {
				b.allowances[*c.allowance] = c.prev
			}
		default:
			b.transfers = b.transfers[:len(b.transfers)-1]
		}
	}
	b.journal = b.journal[:id]
}

func (b *MemoryBank) Commit() []Transfer {
	out := b.transfers
	b.transfers = nil
	b.journal = b.journal[:0]
	return out
}

// === Snapshot ===

// Holding is one persisted balance or allowance.
type Holding struct {
	Token   types.Token   `json:"token"`
	Holder  types.Address `json:"holder"`
	Spender types.Address `json:"spender,omitempty"`
	Amount  sdkmath.Int   `json:"amount"`
}

// BankState is the persisted form of a MemoryBank.
type BankState struct {
	Balances   []Holding `json:"balances"`
	Allowances []Holding `json:"allowances"`
}

// Export returns the bank's state in deterministic order.
func (b *MemoryBank) Export() BankState {
	var s BankState
	for k, v := range b.balances {
		s.Balances = append(s.Balances, Holding{Token: k.Token, Holder: k.Holder, Amount: v})
	}
	for k, v := range b.allowances {
		s.Allowances = append(s.Allowances, Holding{Token: k.Token, Holder: k.Owner, Spender: k.Spender, Amount: v})
	}
	sortHoldings(s.Balances)
	sortHoldings(s.Allowances)
	return s
}

// Import replaces all state. Uncommitted changes are discarded.
func (b *MemoryBank) Import(s BankState) {
	b.balances = make(map[balanceKey]sdkmath.Int, len(s.Balances))
	b.allowances = make(map[allowanceKey]sdkmath.Int, len(s.Allowances))
	b.journal = nil
	b.transfers = nil

	for _, h := range s.Balances {
		if !h.Amount.IsNil() && h.Amount.IsPositive() {
			b.balances[balanceKey{Token: h.Token, Holder: h.Holder}] = h.Amount
		}
	}
	for _, h := range s.Allowances {
		if !h.Amount.IsNil() && h.Amount.IsPositive() {
			b.allowances[allowanceKey{Token: h.Token, Owner: h.Holder, Spender: h.Spender}] = h.Amount
		}
	}
}

func sortHoldings(hs []Holding) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].Token != hs[j].Token {
			return hs[i].Token < hs[j].Token
		}
		if hs[i].Holder != hs[j].Holder {
			return hs[i].Holder < hs[j].Holder
		}
		return hs[i].Spender < hs[j].Spender
	})
}

func requirePositive(amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return types.ErrInvalidAmount.Wrapf("transfer amount must be positive, got %s", amount)
	}
	return nil
}
