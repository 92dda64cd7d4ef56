package core

import (
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/feecalc"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/state"
	"InsuranceLedger/internal/types"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	sdkmath "cosmossdk.io/math"
)

type priceObservation struct {
	pool      types.PoolID
	price     sdkmath.Int
	timestamp int64
}

// txFrame holds the checkpoints taken when an operation begins.
type txFrame struct {
	op            string
	ledgerCP      int
	registryCP    int
	bankCP        int
	emitted       int
	prices        int
	forceSnapshot bool
}

// txState is the in-flight transaction stack. Emitted events and price
// observations are buffered here until the outermost commit.
type txState struct {
	frames        []txFrame
	emitted       []event.Emitted
	prices        []priceObservation
	forceSnapshot bool
}

func newTxState() *txState {
	return &txState{}
}

func (t *txState) depth() int {
	return len(t.frames)
}

// atomic runs fn inside a transaction. On error every change made since
// entry is reverted. Only the outermost successful call commits.
func (c *DeterministicCore) atomic(op string, trigger event.Event, fn func() error) (err error) {
	start := time.Now()
	c.begin(op)

	done := false
	defer func() {
		if !done {
			c.rollback(fmt.Errorf("panic in %s", op))
		}
	}()

	if err = fn(); err != nil {
		done = true
		c.rollback(err)
		return err
	}

	done = true
	if c.tx.depth() > 1 {
		c.tx.frames = c.tx.frames[:len(c.tx.frames)-1]
		return nil
	}

	c.commit(trigger)
	if c.metrics != nil {
		c.metrics.CoreEventDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (c *DeterministicCore) begin(op string) {
	c.tx.frames = append(c.tx.frames, txFrame{
		op:            op,
		ledgerCP:      c.ledger.Checkpoint(),
		registryCP:    c.registry.Checkpoint(),
		bankCP:        c.bank.Snapshot(),
		emitted:       len(c.tx.emitted),
		prices:        len(c.tx.prices),
		forceSnapshot: c.tx.forceSnapshot,
	})
}

func (c *DeterministicCore) rollback(cause error) {
	top := len(c.tx.frames) - 1
	f := c.tx.frames[top]
	c.tx.frames = c.tx.frames[:top]

	c.ledger.RevertTo(f.ledgerCP)
	c.registry.RevertTo(f.registryCP)
	c.bank.RevertToSnapshot(f.bankCP)
	c.tx.emitted = c.tx.emitted[:f.emitted]
	c.tx.prices = c.tx.prices[:f.prices]
	c.tx.forceSnapshot = f.forceSnapshot

	kind := types.Kind(cause)
	c.logger.Warn().
		Str("operation", f.op).
		Int("depth", top).
		Str("kind", kind.String()).
		Err(cause).
		Msg("operation rolled back")
	if c.metrics != nil {
		c.metrics.CoreRollbacks.WithLabelValues(f.op, kind.String()).Inc()
	}
}

// emitEvent buffers an engine event in the current transaction.
func (c *DeterministicCore) emitEvent(e event.Emitted) {
	c.tx.emitted = append(c.tx.emitted, e)
}

func (c *DeterministicCore) observePrice(pool types.PoolID, price sdkmath.Int, timestamp int64) {
	if price.IsNil() || !price.IsPositive() {
		return
	}
	c.tx.prices = append(c.tx.prices, priceObservation{pool: pool, price: price, timestamp: timestamp})
}

// commit finalizes the outermost transaction. An invariant breach here
// means the engine itself is wrong, so it panics rather than continue on
// corrupt state.
func (c *DeterministicCore) commit(trigger event.Event) {
	f := c.tx.frames[0]
	c.tx.frames = c.tx.frames[:0]

	timestamp := trigger.EventTime()
	batch := c.ledger.Drain(trigger.IdempotencyKey(), c.sequence, timestamp.UnixMicro())

	if err := c.validator.ValidateBatch(batch); err != nil {
		c.logger.Error().Err(err).Int64("sequence", c.sequence).Msg("invalid batch")
		panic(fmt.Sprintf("FATAL: invalid batch: %v", err))
	}
	touchedPools := poolsInBatch(batch, trigger)
	if err := c.checkInvariants(batch, touchedPools); err != nil {
		c.logger.Error().Err(err).Int64("sequence", c.sequence).Msg("invariant violated")
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	c.registry.Commit()
	transfers := c.bank.Commit()
	emitted := c.tx.emitted
	prices := c.tx.prices
	forceSnapshot := c.tx.forceSnapshot
	c.tx.emitted = nil
	c.tx.prices = nil
	c.tx.forceSnapshot = false

	if observer, ok := c.calculator.(feecalc.PriceObserver); ok {
		for _, p := range prices {
			observer.ObservePrice(p.pool, p.price, p.timestamp)
		}
	}

	payload, err := json.Marshal(trigger)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", trigger.EventType(), err))
	}

	digest := c.StateDigest()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	c.lastPrevHash = prevHash

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: trigger.IdempotencyKey(),
		EventType:      trigger.EventType(),
		PoolID:         trigger.PoolID(),
		Timestamp:      timestamp,
		SourceSequence: trigger.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		Emitted:    emitted,
		Transfers:  transfers,
		Tokens:     c.tokenEntries(batch),
		Pools:      c.poolViews(touchedPools),
		StateDelta: digest,
	}
	c.sequence++

	if forceSnapshot {
		output.Snapshot = c.CreateSnapshotState()
	}

	c.logger.Debug().
		Str("operation", f.op).
		Int64("sequence", envelope.Sequence).
		Int("journals", len(batch.Journals)).
		Hex("state_hash", stateHash[:]).
		Msg("committed")

	c.recordCommitMetrics(output)
	c.publish(output)
}

// chainRejection takes the next sequence for a refused notification and
// extends the hash chain over the unchanged state. The returned output has
// an empty batch and moves nothing.
func (c *DeterministicCore) chainRejection(trigger event.Event, reason string) CoreOutput {
	payload, err := json.Marshal(trigger)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", trigger.EventType(), err))
	}

	timestamp := trigger.EventTime()
	batch := c.ledger.Drain(trigger.IdempotencyKey(), c.sequence, timestamp.UnixMicro())
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, c.StateDigest())
	c.lastPrevHash = prevHash

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: trigger.IdempotencyKey(),
		EventType:      trigger.EventType(),
		PoolID:         trigger.PoolID(),
		Timestamp:      timestamp,
		SourceSequence: trigger.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
		Rejection:      reason,
	}
	c.sequence++
	return CoreOutput{Envelope: envelope, Batch: batch}
}

// publish sends to persistence with a blocking send and to projections
// with a non-blocking one. Projections rebuild from the event log when
// they fall behind.
func (c *DeterministicCore) publish(output CoreOutput) {
	if c.replaying {
		return
	}
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (c *DeterministicCore) checkInvariants(batch *ledger.Batch, pools []types.PoolID) error {
	tokens := make(map[types.Token]struct{})
	for _, j := range batch.Journals {
		tokens[j.Token] = struct{}{}
	}
	list := make([]types.Token, 0, len(tokens))
	for t := range tokens {
		list = append(list, t)
	}
	if err := c.validator.ValidateTokens(list); err != nil {
		return err
	}

	// The registry's side totals mirror the ledger's pool contributions.
	for _, id := range pools {
		view, err := c.registry.Get(id)
		if err != nil {
			continue
		}
		for side := types.Side0; side <= types.Side1; side++ {
			inLedger := c.ledger.Contribution(view.Token(side), id)
			if !inLedger.Equal(view.TotalContributions[side]) {
				return fmt.Errorf("pool %s %s: registry total %s, ledger contribution %s",
					id, side, view.TotalContributions[side], inLedger)
			}
		}
	}
	return nil
}

func poolsInBatch(batch *ledger.Batch, trigger event.Event) []types.PoolID {
	seen := make(map[types.PoolID]struct{})
	if p := trigger.PoolID(); p != nil {
		seen[*p] = struct{}{}
	}
	for _, j := range batch.Journals {
		for _, acct := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if acct.Scope == ledger.AccountScopePool {
				seen[acct.Pool] = struct{}{}
			}
		}
	}
	out := make([]types.PoolID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *DeterministicCore) tokenEntries(batch *ledger.Batch) map[types.Token]ledger.TokenEntry {
	out := make(map[types.Token]ledger.TokenEntry)
	for _, j := range batch.Journals {
		if _, ok := out[j.Token]; ok {
			continue
		}
		out[j.Token] = c.ledger.Entry(j.Token)
	}
	return out
}

func (c *DeterministicCore) poolViews(ids []types.PoolID) []state.PoolView {
	views := make([]state.PoolView, 0, len(ids))
	for _, id := range ids {
		if v, err := c.registry.Get(id); err == nil {
			views = append(views, v)
		}
	}
	return views
}

func (c *DeterministicCore) recordCommitMetrics(output CoreOutput) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreSequence.Set(float64(output.Envelope.Sequence))
	for _, j := range output.Batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for token, entry := range output.Tokens {
		f, _ := new(big.Float).SetInt(entry.TotalFunds.BigInt()).Float64()
		c.metrics.TotalFunds.WithLabelValues(string(token)).Set(f)
	}
	for _, e := range output.Emitted {
		switch ev := e.(type) {
		case event.InsuranceFeeCollected:
			c.metrics.FeesCollected.WithLabelValues(string(ev.Token)).Inc()
		case event.InsuranceFeesClaimed:
			c.metrics.Claims.WithLabelValues(string(ev.Pool)).Inc()
		case event.FlashLoanExecuted:
			c.metrics.FlashLoans.WithLabelValues(string(ev.Token), "success").Inc()
		}
	}
}
