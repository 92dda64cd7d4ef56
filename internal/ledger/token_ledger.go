package ledger

import (
	"InsuranceLedger/internal/types"
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// TokenEntry is the ledger state for one token.
type TokenEntry struct {
	TotalFunds        sdkmath.Int                  `json:"total_funds"`
	PoolContributions map[types.PoolID]sdkmath.Int `json:"pool_contributions"`
}

func (e *TokenEntry) contribution(pool types.PoolID) sdkmath.Int {
	if c, ok := e.PoolContributions[pool]; ok {
		return c
	}
	return sdkmath.ZeroInt()
}

func (e *TokenEntry) clone() *TokenEntry {
	out := &TokenEntry{
		TotalFunds:        e.TotalFunds,
		PoolContributions: make(map[types.PoolID]sdkmath.Int, len(e.PoolContributions)),
	}
	for pool, c := range e.PoolContributions {
		out.PoolContributions[pool] = c
	}
	return out
}

// PoolContribution is one pool's share of a token's funds.
type PoolContribution struct {
	Pool   types.PoolID
	Amount sdkmath.Int
}

// TokenLedger maintains totalFunds and per-pool contributions per token.
// Every mutation is posted as a journal entry. Entries stay pending until
// Drain, and RevertTo undoes them in reverse order.
// Not thread-safe: only accessed from the single-threaded core.
type TokenLedger struct {
	entries map[types.Token]*TokenEntry
	pending []Journal
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{
		entries: make(map[types.Token]*TokenEntry),
	}
}

// === Queries ===

// IsSupported reports whether the token has any funds.
func (l *TokenLedger) IsSupported(token types.Token) bool {
	return l.AvailableLiquidity(token).IsPositive()
}

// AvailableLiquidity returns totalFunds for the token.
func (l *TokenLedger) AvailableLiquidity(token types.Token) sdkmath.Int {
	entry := l.entries[token]
	if entry == nil {
		return sdkmath.ZeroInt()
	}
	return entry.TotalFunds
}

// Contribution returns one pool's share of the token.
func (l *TokenLedger) Contribution(token types.Token, pool types.PoolID) sdkmath.Int {
	entry := l.entries[token]
	if entry == nil {
		return sdkmath.ZeroInt()
	}
	return entry.contribution(pool)
}

// Contributions returns every nonzero pool share, ordered by pool id.
func (l *TokenLedger) Contributions(token types.Token) []PoolContribution {
	entry := l.entries[token]
	if entry == nil {
		return nil
	}

	out := make([]PoolContribution, 0, len(entry.PoolContributions))
	for pool, amount := range entry.PoolContributions {
		out = append(out, PoolContribution{Pool: pool, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Pool < out[j].Pool
	})
	return out
}

// TotalContributions sums every pool share of the token.
func (l *TokenLedger) TotalContributions(token types.Token) sdkmath.Int {
	sum := sdkmath.ZeroInt()
	if entry := l.entries[token]; entry != nil {
		for _, c := range entry.PoolContributions {
			sum = sum.Add(c)
		}
	}
	return sum
}

// Unattributed returns the part of totalFunds no pool has a claim on. It
// is negative only while a flash loan is outstanding.
func (l *TokenLedger) Unattributed(token types.Token) sdkmath.Int {
	return l.AvailableLiquidity(token).Sub(l.TotalContributions(token))
}

// Entry returns a copy of the token's state.
func (l *TokenLedger) Entry(token types.Token) TokenEntry {
	if entry := l.entries[token]; entry != nil {
		return *entry.clone()
	}
	return TokenEntry{
		TotalFunds:        sdkmath.ZeroInt(),
		PoolContributions: make(map[types.PoolID]sdkmath.Int),
	}
}

// Tokens returns all tokens with state, sorted.
func (l *TokenLedger) Tokens() []types.Token {
	tokens := make([]types.Token, 0, len(l.entries))
	for token := range l.entries {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// === Mutations ===

// Credit adds amount to totalFunds, received from an outside party.
func (l *TokenLedger) Credit(token types.Token, amount sdkmath.Int, from types.Address, jt JournalType) error {
	return l.post(NewFundsAccountKey(token), NewExternalAccountKey(token, from), amount, jt)
}

// Debit removes amount from totalFunds, paid to an outside party.
// Fails with InsufficientFunds if amount exceeds totalFunds.
func (l *TokenLedger) Debit(token types.Token, amount sdkmath.Int, to types.Address, jt JournalType) error {
	return l.post(NewExternalAccountKey(token, to), NewFundsAccountKey(token), amount, jt)
}

// Contribute credits totalFunds and the pool's contribution in one entry.
func (l *TokenLedger) Contribute(token types.Token, pool types.PoolID, amount sdkmath.Int, from types.Address, jt JournalType) error {
	return l.post(NewPoolAccountKey(token, pool), NewExternalAccountKey(token, from), amount, jt)
}

// Attribute moves already-credited, unattributed funds into a pool's
// contribution. totalFunds is unchanged.
func (l *TokenLedger) Attribute(token types.Token, pool types.PoolID, amount sdkmath.Int, jt JournalType) error {
	if unattributed := l.Unattributed(token); !amount.IsNil() && amount.GT(unattributed) {
		return &types.InsufficientFundsError{Token: token, Requested: amount, Available: unattributed}
	}
	return l.post(NewPoolAccountKey(token, pool), NewFundsAccountKey(token), amount, jt)
}

// Release pays out of a pool's contribution, reducing totalFunds.
func (l *TokenLedger) Release(token types.Token, pool types.PoolID, amount sdkmath.Int, to types.Address, jt JournalType) error {
	return l.post(NewExternalAccountKey(token, to), NewPoolAccountKey(token, pool), amount, jt)
}

func (l *TokenLedger) post(debit, credit AccountKey, amount sdkmath.Int, jt JournalType) error {
	if amount.IsNil() || !amount.IsPositive() {
		return types.ErrInvalidAmount.Wrapf("ledger %s amount must be positive, got %s", jt, amount)
	}

	if err := l.checkAvailable(credit, amount); err != nil {
		return err
	}

	j := Journal{
		JournalID:     uuid.New(),
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         debit.Token,
		Amount:        amount,
		JournalType:   jt,
	}
	l.applyJournal(j, amount)
	l.pending = append(l.pending, j)
	return nil
}

// checkAvailable rejects a credit that would overdraw totalFunds or a pool.
func (l *TokenLedger) checkAvailable(credit AccountKey, amount sdkmath.Int) error {
	if !credit.Internal() {
		return nil
	}

	total := l.AvailableLiquidity(credit.Token)
	if amount.GT(total) {
		return &types.InsufficientFundsError{Token: credit.Token, Requested: amount, Available: total}
	}

	if credit.Scope == AccountScopePool {
		contribution := l.Contribution(credit.Token, credit.Pool)
		if amount.GT(contribution) {
			return &types.InsufficientFundsError{
				Token:     credit.Token,
				Pool:      credit.Pool,
				Requested: amount,
				Available: contribution,
			}
		}
	}
	return nil
}

// applyJournal moves delta from the credit account to the debit account.
// A negative delta undoes the entry.
func (l *TokenLedger) applyJournal(j Journal, delta sdkmath.Int) {
	l.adjust(j.DebitAccount, delta)
	l.adjust(j.CreditAccount, delta.Neg())
}

func (l *TokenLedger) adjust(key AccountKey, delta sdkmath.Int) {
	if !key.Internal() {
		return
	}

	entry := l.entries[key.Token]
	if entry == nil {
		entry = &TokenEntry{
			TotalFunds:        sdkmath.ZeroInt(),
			PoolContributions: make(map[types.PoolID]sdkmath.Int),
		}
		l.entries[key.Token] = entry
	}

	entry.TotalFunds = entry.TotalFunds.Add(delta)

	if key.Scope == AccountScopePool {
		c := entry.contribution(key.Pool).Add(delta)
		if c.IsZero() {
			delete(entry.PoolContributions, key.Pool)
		} else {
			entry.PoolContributions[key.Pool] = c
		}
	}

	// Zero entries are dropped so reverted state is identical to untouched state.
	if entry.TotalFunds.IsZero() && len(entry.PoolContributions) == 0 {
		delete(l.entries, key.Token)
	}
}

// === Transaction support ===

// Checkpoint marks the current position in the pending journal.
func (l *TokenLedger) Checkpoint() int {
	return len(l.pending)
}

// RevertTo undoes every entry posted after the checkpoint.
func (l *TokenLedger) RevertTo(checkpoint int) {
	if checkpoint < 0 || checkpoint > len(l.pending) {
		panic(fmt.Sprintf("ledger: invalid checkpoint %d (pending %d)", checkpoint, len(l.pending)))
	}
	for i := len(l.pending) - 1; i >= checkpoint; i-- {
		j := l.pending[i]
		l.applyJournal(j, j.Amount.Neg())
	}
	l.pending = l.pending[:checkpoint]
}

// Drain returns the pending entries as a committed batch and clears them.
func (l *TokenLedger) Drain(eventRef string, sequence, timestamp int64) *Batch {
	batch := &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, len(l.pending)),
	}
	for i, j := range l.pending {
		j.BatchID = batch.BatchID
		j.EventRef = eventRef
		j.Sequence = sequence
		j.Timestamp = timestamp
		batch.Journals[i] = j
	}
	l.pending = l.pending[:0]
	return batch
}

// === Snapshot ===

// Snapshot returns a deep copy of every token entry.
func (l *TokenLedger) Snapshot() map[types.Token]*TokenEntry {
	out := make(map[types.Token]*TokenEntry, len(l.entries))
	for token, entry := range l.entries {
		out[token] = entry.clone()
	}
	return out
}

// Restore replaces all state with a snapshot. Pending entries are discarded.
func (l *TokenLedger) Restore(snapshot map[types.Token]*TokenEntry) {
	l.entries = make(map[types.Token]*TokenEntry, len(snapshot))
	l.pending = nil
	for token, entry := range snapshot {
		restored := entry.clone()
		for pool, c := range restored.PoolContributions {
			if c.IsNil() || c.IsZero() {
				delete(restored.PoolContributions, pool)
			}
		}
		if restored.TotalFunds.IsNil() {
			restored.TotalFunds = sdkmath.ZeroInt()
		}
		if restored.TotalFunds.IsZero() && len(restored.PoolContributions) == 0 {
			continue
		}
		l.entries[token] = restored
	}
}
