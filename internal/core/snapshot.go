package core

import (
	"InsuranceLedger/internal/feecalc"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/settlement"
	"InsuranceLedger/internal/state"
	"InsuranceLedger/internal/types"
	"fmt"
)

// SnapshotState is the full restorable state of the core at a committed
// sequence.
type SnapshotState struct {
	Sequence        int64                              `json:"sequence"`
	StateHash       [32]byte                           `json:"state_hash"`
	PrevHash        [32]byte                           `json:"prev_hash"`
	Ledger          map[types.Token]*ledger.TokenEntry `json:"ledger"`
	Pools           []state.PoolView                   `json:"pools"`
	Bank            *settlement.BankState              `json:"bank,omitempty"`
	Prices          []feecalc.Observation              `json:"prices,omitempty"`
	Defaults        map[types.Token]uint64             `json:"defaults"`
	SequenceState   map[string]int64                   `json:"sequence_state"`
	IdempotencyKeys []string                           `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current state. PrevHash is the chain tip
// before the last commit, so a loader can recompute StateHash.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	defaults := make(map[types.Token]uint64, len(c.defaults))
	for token, n := range c.defaults {
		defaults[token] = n
	}

	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		PrevHash:        c.lastPrevHash,
		Ledger:          c.ledger.Snapshot(),
		Pools:           c.registry.Views(),
		Defaults:        defaults,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
	if stateful, ok := c.bank.(settlement.Stateful); ok {
		bank := stateful.Export()
		snap.Bank = &bank
	}
	if stateful, ok := c.calculator.(feecalc.Stateful); ok {
		snap.Prices = stateful.Export()
	}
	return snap
}

// RestoreFromSnapshot replaces all in-memory state with snap and checks
// that the restored state reproduces the recorded hash.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if c.InTransaction() {
		return fmt.Errorf("restore during an operation")
	}

	c.ledger.Restore(snap.Ledger)
	c.registry = state.NewPoolRegistryFromViews(snap.Pools)
	if stateful, ok := c.bank.(settlement.Stateful); ok && snap.Bank != nil {
		stateful.Import(*snap.Bank)
	}
	if stateful, ok := c.calculator.(feecalc.Stateful); ok {
		stateful.Import(snap.Prices)
	}

	c.defaults = make(map[types.Token]uint64, len(snap.Defaults))
	for token, n := range snap.Defaults {
		c.defaults[token] = n
	}

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.WarmLRU(snap.IdempotencyKeys)

	c.sequence = snap.Sequence + 1
	c.lastPrevHash = snap.PrevHash
	c.hasher.SetPrevHash(snap.StateHash)

	if got := ChainHash(snap.PrevHash, snap.Sequence, c.StateDigest()); got != snap.StateHash {
		return fmt.Errorf("snapshot %d: state hash mismatch: recorded %x, computed %x",
			snap.Sequence, snap.StateHash, got)
	}

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("tokens", len(snap.Ledger)).
		Int("pools", len(snap.Pools)).
		Msg("restored from snapshot")
	return nil
}

// WarmLRU loads recent idempotency keys into the cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}
