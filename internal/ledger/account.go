package ledger

import (
	"InsuranceLedger/internal/types"
	"fmt"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeFunds is the unattributed part of a token's totalFunds.
	AccountScopeFunds AccountScope = iota
	// AccountScopePool is one pool's contribution to a token's totalFunds.
	AccountScopePool
	// AccountScopeExternal is a party outside the ledger (trader, LP, borrower).
	AccountScopeExternal
)

// AccountKey addresses a balance. totalFunds for a token is the funds
// account plus every pool account for that token, so the contribution
// invariant is equivalent to the funds account never ending negative.
type AccountKey struct {
	Scope AccountScope
	Token types.Token
	Pool  types.PoolID
	Owner types.Address
}

// NewFundsAccountKey creates the key for a token's unattributed funds
func NewFundsAccountKey(token types.Token) AccountKey {
	return AccountKey{Scope: AccountScopeFunds, Token: token}
}

// NewPoolAccountKey creates the key for a pool's contribution in a token
func NewPoolAccountKey(token types.Token, pool types.PoolID) AccountKey {
	return AccountKey{Scope: AccountScopePool, Token: token, Pool: pool}
}

// NewExternalAccountKey creates the key for an outside party
func NewExternalAccountKey(token types.Token, owner types.Address) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Token: token, Owner: owner}
}

// Internal reports whether the account is part of totalFunds.
func (k AccountKey) Internal() bool {
	return k.Scope == AccountScopeFunds || k.Scope == AccountScopePool
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeFunds:
		return fmt.Sprintf("funds:%s", k.Token)
	case AccountScopePool:
		return fmt.Sprintf("pool:%s:%s", k.Pool, k.Token)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.Owner, k.Token)
	}
	return "unknown"
}
