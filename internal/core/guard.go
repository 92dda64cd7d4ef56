package core

import (
	"InsuranceLedger/internal/types"
)

// ReentrancyGuard is a single lock shared by the entrypoints that move
// funds out to a counterparty: flashLoan, the claim paths and
// onLiquidityRemoved. Nested entry into any of them fails.
type ReentrancyGuard struct {
	holder string
}

func NewReentrancyGuard() *ReentrancyGuard {
	return &ReentrancyGuard{}
}

// Enter takes the guard for op. The returned release must be deferred.
func (g *ReentrancyGuard) Enter(op string) (release func(), err error) {
	if g.holder != "" {
		return nil, types.ErrReentrancy.Wrapf("%s called while %s is in progress", op, g.holder)
	}
	g.holder = op
	return func() { g.holder = "" }, nil
}

func (c *DeterministicCore) requireHost(caller types.Address, op string) error {
	if caller != c.cfg.Host {
		return &types.UnauthorizedError{Caller: caller, Operation: op}
	}
	return nil
}

// requireHostOrProvider admits the position owner or the host acting on
// their behalf. caller is taken as asserted: the transport in front of the
// core is trusted to authenticate it. Payouts only ever go to provider.
func (c *DeterministicCore) requireHostOrProvider(caller, provider types.Address, op string) error {
	if caller != c.cfg.Host && caller != provider {
		return &types.UnauthorizedError{Caller: caller, Operation: op}
	}
	return nil
}
