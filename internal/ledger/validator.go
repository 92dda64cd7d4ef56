package ledger

import (
	"InsuranceLedger/internal/types"
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *TokenLedger
}

func NewInvariantValidator(ledger *TokenLedger) *InvariantValidator {
	return &InvariantValidator{
		ledger: ledger,
	}
}

// ValidateBatch verifies every entry in a committed batch is well-formed
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateContributionsCovered verifies sum(poolContributions) <= totalFunds
func (v *InvariantValidator) ValidateContributionsCovered(token types.Token) error {
	total := v.ledger.AvailableLiquidity(token)
	contributions := v.ledger.TotalContributions(token)

	if contributions.GT(total) {
		return fmt.Errorf("token %s contributions %s exceed total funds %s", token, contributions, total)
	}
	return nil
}

// ValidateNonNegative verifies no contribution or total is negative
func (v *InvariantValidator) ValidateNonNegative(token types.Token) error {
	if total := v.ledger.AvailableLiquidity(token); total.IsNegative() {
		return fmt.Errorf("token %s has negative total funds: %s", token, total)
	}
	for _, c := range v.ledger.Contributions(token) {
		if c.Amount.IsNegative() {
			return fmt.Errorf("token %s pool %s has negative contribution: %s", token, c.Pool, c.Amount)
		}
	}
	return nil
}

// ValidateTokens runs every per-token check for the given tokens
func (v *InvariantValidator) ValidateTokens(tokens []types.Token) error {
	for _, token := range tokens {
		if err := v.ValidateNonNegative(token); err != nil {
			return err
		}
		if err := v.ValidateContributionsCovered(token); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAll checks every token in the ledger
func (v *InvariantValidator) ValidateAll() error {
	return v.ValidateTokens(v.ledger.Tokens())
}
