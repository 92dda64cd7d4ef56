package query

import "time"

// Amounts are decimal strings: token amounts do not fit in 64 bits.

// TokenFundsResponse is one token's insurance funds.
type TokenFundsResponse struct {
	Token        string `json:"token"`
	TotalFunds   string `json:"total_funds"`
	Unattributed string `json:"unattributed"`
	PoolCount    int32  `json:"pool_count"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PoolResponse is one pool's contributions and liquidity.
type PoolResponse struct {
	PoolID         string `json:"pool_id"`
	Token0         string `json:"token0"`
	Token1         string `json:"token1"`
	FeeTier        uint32 `json:"fee_tier"`
	Contributions0 string `json:"contributions0"`
	Contributions1 string `json:"contributions1"`
	Liquidity      string `json:"liquidity"`
	LastSequence   int64  `json:"last_sequence"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// ClaimHistoryEntry is one paid insurance claim.
type ClaimHistoryEntry struct {
	Sequence     int64     `json:"sequence"`
	PoolID       string    `json:"pool_id"`
	Provider     string    `json:"provider"`
	Token0       string    `json:"token0"`
	Token1       string    `json:"token1"`
	Fees0        string    `json:"fees0"`
	Fees1        string    `json:"fees1"`
	ClaimedAt    time.Time `json:"claimed_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedTokens []UnbalancedToken `json:"unbalanced_tokens,omitempty"`
}

// UnbalancedToken is a token whose projected funds disagree with the
// journal.
type UnbalancedToken struct {
	Token     string `json:"token"`
	Projected string `json:"projected"`
	Journaled string `json:"journaled"`
}
