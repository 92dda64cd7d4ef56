package state

import (
	fpmath "InsuranceLedger/internal/math"
	"InsuranceLedger/internal/types"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// Position is one liquidity provider's stake in a pool.
type Position struct {
	Provider            types.Address  `json:"provider"`
	Liquidity           sdkmath.Int    `json:"liquidity"`
	FeeGrowthCheckpoint [2]sdkmath.Int `json:"fee_growth_checkpoint"`
	TokensOwed          [2]sdkmath.Int `json:"tokens_owed"`
}

func newPosition(provider types.Address, growth [2]sdkmath.Int) *Position {
	return &Position{
		Provider:            provider,
		Liquidity:           sdkmath.ZeroInt(),
		FeeGrowthCheckpoint: growth,
		TokensOwed:          [2]sdkmath.Int{sdkmath.ZeroInt(), sdkmath.ZeroInt()},
	}
}

// PoolView is a detached copy of a pool record.
type PoolView struct {
	ID                 types.PoolID   `json:"id"`
	Token0             types.Token    `json:"token0"`
	Token1             types.Token    `json:"token1"`
	FeeTier            uint32         `json:"fee_tier"`
	TotalContributions [2]sdkmath.Int `json:"total_contributions"`
	FeeGrowthGlobal    [2]sdkmath.Int `json:"fee_growth_global"`
	Liquidity          sdkmath.Int    `json:"liquidity"`
	InitializedAt      int64          `json:"initialized_at"`
	Positions          []Position     `json:"positions,omitempty"`
}

// Token returns the token on the given side.
func (v PoolView) Token(side types.Side) types.Token {
	if side == types.Side1 {
		return v.Token1
	}
	return v.Token0
}

type poolHeader struct {
	tokens        [2]types.Token
	feeTier       uint32
	contributions [2]sdkmath.Int
	feeGrowth     [2]sdkmath.Int
	liquidity     sdkmath.Int
	initializedAt int64
}

type poolRecord struct {
	id types.PoolID
	poolHeader
	positions map[types.Address]*Position
}

// PoolRegistry holds every pool record in an append-only arena with an id
// index. Records are never deleted. Callers only ever receive copies.
// Mutations are recorded in an undo log so a failed operation can be
// reverted to any checkpoint.
// Not thread-safe: only accessed from the single-threaded core.
type PoolRegistry struct {
	records   []*poolRecord
	idToIndex map[types.PoolID]int
	undo      []func()
}

func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{
		idToIndex: make(map[types.PoolID]int),
	}
}

// NewPoolRegistryFromViews rebuilds a registry from snapshot views,
// preserving registration order.
func NewPoolRegistryFromViews(views []PoolView) *PoolRegistry {
	r := &PoolRegistry{
		records:   make([]*poolRecord, 0, len(views)),
		idToIndex: make(map[types.PoolID]int, len(views)),
	}

	for _, v := range views {
		rec := &poolRecord{
			id: v.ID,
			poolHeader: poolHeader{
				tokens:        [2]types.Token{v.Token0, v.Token1},
				feeTier:       v.FeeTier,
				contributions: [2]sdkmath.Int{fpmath.OrZero(v.TotalContributions[0]), fpmath.OrZero(v.TotalContributions[1])},
				feeGrowth:     [2]sdkmath.Int{fpmath.OrZero(v.FeeGrowthGlobal[0]), fpmath.OrZero(v.FeeGrowthGlobal[1])},
				liquidity:     fpmath.OrZero(v.Liquidity),
				initializedAt: v.InitializedAt,
			},
			positions: make(map[types.Address]*Position, len(v.Positions)),
		}
		for _, p := range v.Positions {
			pos := p
			pos.Liquidity = fpmath.OrZero(pos.Liquidity)
			for i := range pos.FeeGrowthCheckpoint {
				pos.FeeGrowthCheckpoint[i] = fpmath.OrZero(pos.FeeGrowthCheckpoint[i])
				pos.TokensOwed[i] = fpmath.OrZero(pos.TokensOwed[i])
			}
			rec.positions[p.Provider] = &pos
		}
		r.idToIndex[v.ID] = len(r.records)
		r.records = append(r.records, rec)
	}

	return r
}

// Register adds a pool. Tokens must be non-empty and distinct, and a pool
// can only be registered once.
func (r *PoolRegistry) Register(id types.PoolID, token0, token1 types.Token, feeTier uint32, timestamp int64) error {
	if id == "" {
		return types.ErrInvalidPool.Wrap("pool id is empty")
	}
	if token0 == "" || token1 == "" {
		return types.ErrInvalidPool.Wrapf("pool %s has an empty token", id)
	}
	if token0 == token1 {
		return types.ErrInvalidPool.Wrapf("pool %s pairs %s with itself", id, token0)
	}
	if _, ok := r.idToIndex[id]; ok {
		return types.ErrPoolExists.Wrapf("pool %s", id)
	}

	zero := sdkmath.ZeroInt()
	rec := &poolRecord{
		id: id,
		poolHeader: poolHeader{
			tokens:        [2]types.Token{token0, token1},
			feeTier:       feeTier,
			contributions: [2]sdkmath.Int{zero, zero},
			feeGrowth:     [2]sdkmath.Int{zero, zero},
			liquidity:     zero,
			initializedAt: timestamp,
		},
		positions: make(map[types.Address]*Position),
	}
	r.idToIndex[id] = len(r.records)
	r.records = append(r.records, rec)

	r.undo = append(r.undo, func() {
		delete(r.idToIndex, id)
		r.records = r.records[:len(r.records)-1]
	})
	return nil
}

// Exists reports whether the pool is registered.
func (r *PoolRegistry) Exists(id types.PoolID) bool {
	_, ok := r.idToIndex[id]
	return ok
}

// Len returns the number of registered pools.
func (r *PoolRegistry) Len() int {
	return len(r.records)
}

// Get returns a copy of the pool record without positions.
func (r *PoolRegistry) Get(id types.PoolID) (PoolView, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return PoolView{}, err
	}
	return rec.view(false), nil
}

// SideOf returns which leg of the pool the token is.
func (r *PoolRegistry) SideOf(id types.PoolID, token types.Token) (types.Side, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	switch token {
	case rec.tokens[0]:
		return types.Side0, nil
	case rec.tokens[1]:
		return types.Side1, nil
	}
	return 0, types.ErrInvalidToken.Wrapf("token %s is not in pool %s", token, id)
}

// Position returns a copy of a provider's position.
func (r *PoolRegistry) Position(id types.PoolID, provider types.Address) (Position, bool) {
	rec, err := r.lookup(id)
	if err != nil {
		return Position{}, false
	}
	p, ok := rec.positions[provider]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Accrue attributes an insurance fee to one side of the pool and folds it
// into the fee-growth accumulator when the pool has tracked liquidity.
// Fees accrued with no liquidity stay in the pool total until a sole
// remaining provider sweeps them.
func (r *PoolRegistry) Accrue(id types.PoolID, side types.Side, amount sdkmath.Int) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return types.ErrInvalidAmount.Wrapf("accrue %s to pool %s", amount, id)
	}

	growth := rec.feeGrowth[side]
	if rec.liquidity.IsPositive() {
		delta, err := fpmath.MulDivDown(amount, fpmath.Q128, rec.liquidity)
		if err != nil {
			return types.ErrOverflow.Wrapf("fee growth for pool %s: %v", id, err)
		}
		growth, err = growth.SafeAdd(delta)
		if err != nil {
			return types.ErrOverflow.Wrapf("fee growth for pool %s: %v", id, err)
		}
	}

	r.touchRecord(rec)
	rec.contributions[side] = rec.contributions[side].Add(amount)
	rec.feeGrowth[side] = growth
	return nil
}

// AddLiquidity grows a provider's position. Fees accrued on the existing
// liquidity are settled into TokensOwed before the checkpoint moves.
func (r *PoolRegistry) AddLiquidity(id types.PoolID, provider types.Address, delta sdkmath.Int) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !delta.IsPositive() {
		return types.ErrInvalidAmount.Wrapf("liquidity delta %s for pool %s", delta, id)
	}

	pos, existed := rec.positions[provider]
	if !existed {
		pos = newPosition(provider, rec.feeGrowth)
	}

	accrued, err := rec.accrued(pos)
	if err != nil {
		return err
	}

	r.touchRecord(rec)
	r.touchPosition(rec, provider)

	updated := *pos
	for i := range updated.TokensOwed {
		updated.TokensOwed[i] = updated.TokensOwed[i].Add(accrued[i])
	}
	updated.FeeGrowthCheckpoint = rec.feeGrowth
	updated.Liquidity = updated.Liquidity.Add(delta)
	rec.positions[provider] = &updated
	rec.liquidity = rec.liquidity.Add(delta)
	return nil
}

// Pending returns what the provider could claim right now.
func (r *PoolRegistry) Pending(id types.PoolID, provider types.Address) ([2]sdkmath.Int, error) {
	zero := [2]sdkmath.Int{sdkmath.ZeroInt(), sdkmath.ZeroInt()}
	rec, err := r.lookup(id)
	if err != nil {
		return zero, err
	}
	pos, ok := rec.positions[provider]
	if !ok {
		return zero, nil
	}
	return rec.pending(pos)
}

// Collect settles a provider's fees. With liquidityRemoved zero the whole
// pending amount is paid and the position stays. Otherwise the position
// shrinks and the payout is the removed fraction of what is pending; the
// rest is kept as TokensOwed. The paid amounts are deducted from the pool
// totals.
func (r *PoolRegistry) Collect(id types.PoolID, provider types.Address, liquidityRemoved sdkmath.Int) ([2]sdkmath.Int, error) {
	zero := [2]sdkmath.Int{sdkmath.ZeroInt(), sdkmath.ZeroInt()}
	rec, err := r.lookup(id)
	if err != nil {
		return zero, err
	}
	if liquidityRemoved.IsNegative() {
		return zero, types.ErrInvalidAmount.Wrapf("liquidity removed %s", liquidityRemoved)
	}

	pos, ok := rec.positions[provider]
	if !ok {
		if liquidityRemoved.IsPositive() {
			return zero, types.ErrInvalidAmount.Wrapf("provider %s has no position in pool %s", provider, id)
		}
		return zero, nil
	}
	if liquidityRemoved.GT(pos.Liquidity) {
		return zero, types.ErrInvalidAmount.Wrapf("provider %s removes %s but holds %s in pool %s",
			provider, liquidityRemoved, pos.Liquidity, id)
	}

	pending, err := rec.pending(pos)
	if err != nil {
		return zero, err
	}

	paid := pending
	partial := liquidityRemoved.IsPositive() && liquidityRemoved.LT(pos.Liquidity)
	if partial {
		for i := range paid {
			paid[i], err = fpmath.MulDivDown(pending[i], liquidityRemoved, pos.Liquidity)
			if err != nil {
				return zero, types.ErrOverflow.Wrapf("payout for %s: %v", provider, err)
			}
		}
	}

	r.touchRecord(rec)
	r.touchPosition(rec, provider)

	updated := *pos
	for i := range updated.TokensOwed {
		updated.TokensOwed[i] = pending[i].Sub(paid[i])
		rec.contributions[i] = rec.contributions[i].Sub(paid[i])
	}
	updated.FeeGrowthCheckpoint = rec.feeGrowth
	updated.Liquidity = updated.Liquidity.Sub(liquidityRemoved)
	rec.liquidity = rec.liquidity.Sub(liquidityRemoved)

	if updated.IsEmpty() {
		delete(rec.positions, provider)
	} else {
		rec.positions[provider] = &updated
	}
	return paid, nil
}

// Pools returns every pool id in registration order.
func (r *PoolRegistry) Pools() []types.PoolID {
	ids := make([]types.PoolID, len(r.records))
	for i, rec := range r.records {
		ids[i] = rec.id
	}
	return ids
}

// Views returns a full copy of the registry, positions included, for
// snapshots.
func (r *PoolRegistry) Views() []PoolView {
	views := make([]PoolView, len(r.records))
	for i, rec := range r.records {
		views[i] = rec.view(true)
	}
	return views
}

// === Transaction support ===

// Checkpoint marks the current position in the undo log.
func (r *PoolRegistry) Checkpoint() int {
	return len(r.undo)
}

// RevertTo undoes every mutation made after the checkpoint.
func (r *PoolRegistry) RevertTo(checkpoint int) {
	if checkpoint < 0 || checkpoint > len(r.undo) {
		panic(fmt.Sprintf("registry: invalid checkpoint %d (undo %d)", checkpoint, len(r.undo)))
	}
	for i := len(r.undo) - 1; i >= checkpoint; i-- {
		r.undo[i]()
	}
	r.undo = r.undo[:checkpoint]
}

// Commit discards the undo log once the outermost operation succeeds.
func (r *PoolRegistry) Commit() {
	r.undo = r.undo[:0]
}

func (r *PoolRegistry) touchRecord(rec *poolRecord) {
	prev := rec.poolHeader
	r.undo = append(r.undo, func() {
		rec.poolHeader = prev
	})
}

func (r *PoolRegistry) touchPosition(rec *poolRecord, provider types.Address) {
	prev, existed := rec.positions[provider]
	var saved Position
	if existed {
		saved = *prev
	}
	r.undo = append(r.undo, func() {
		if existed {
			restored := saved
			rec.positions[provider] = &restored
		} else {
			delete(rec.positions, provider)
		}
	})
}

func (r *PoolRegistry) lookup(id types.PoolID) (*poolRecord, error) {
	idx, ok := r.idToIndex[id]
	if !ok {
		return nil, types.ErrPoolNotFound.Wrapf("pool %s", id)
	}
	return r.records[idx], nil
}

// accrued is the fee growth earned by the position's liquidity since its
// checkpoint, per side.
func (rec *poolRecord) accrued(pos *Position) ([2]sdkmath.Int, error) {
	out := [2]sdkmath.Int{sdkmath.ZeroInt(), sdkmath.ZeroInt()}
	if !pos.Liquidity.IsPositive() {
		return out, nil
	}
	for i := range out {
		delta := rec.feeGrowth[i].Sub(pos.FeeGrowthCheckpoint[i])
		if !delta.IsPositive() {
			continue
		}
		owed, err := fpmath.MulDivDown(delta, pos.Liquidity, fpmath.Q128)
		if err != nil {
			return out, types.ErrOverflow.Wrapf("accrued fees for %s: %v", pos.Provider, err)
		}
		out[i] = owed
	}
	return out, nil
}

// pending is TokensOwed plus accrued growth, capped at the pool total. A
// provider holding all tracked liquidity is owed the whole pool total,
// which sweeps the rounding dust the accumulator leaves behind.
func (rec *poolRecord) pending(pos *Position) ([2]sdkmath.Int, error) {
	accrued, err := rec.accrued(pos)
	if err != nil {
		return accrued, err
	}

	sole := pos.Liquidity.IsPositive() && pos.Liquidity.Equal(rec.liquidity)

	var out [2]sdkmath.Int
	for i := range out {
		if sole {
			out[i] = rec.contributions[i]
			continue
		}
		out[i] = fpmath.Min(pos.TokensOwed[i].Add(accrued[i]), rec.contributions[i])
	}
	return out, nil
}

func (rec *poolRecord) view(withPositions bool) PoolView {
	v := PoolView{
		ID:                 rec.id,
		Token0:             rec.tokens[0],
		Token1:             rec.tokens[1],
		FeeTier:            rec.feeTier,
		TotalContributions: rec.contributions,
		FeeGrowthGlobal:    rec.feeGrowth,
		Liquidity:          rec.liquidity,
		InitializedAt:      rec.initializedAt,
	}
	if withPositions && len(rec.positions) > 0 {
		v.Positions = make([]Position, 0, len(rec.positions))
		for _, p := range rec.positions {
			v.Positions = append(v.Positions, *p)
		}
		sortPositions(v.Positions)
	}
	return v
}
