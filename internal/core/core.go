package core

import (
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/feecalc"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/observability"
	"InsuranceLedger/internal/settlement"
	"InsuranceLedger/internal/state"
	"InsuranceLedger/internal/types"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
)

// Config binds the core to its host and its own settlement address.
type Config struct {
	// Host is the only caller allowed to invoke pool lifecycle hooks.
	Host types.Address
	// Lender holds the pooled funds in settlement and is the spender that
	// pulls flash loan repayments.
	Lender types.Address

	StartSequence        int64
	IdempotencyCacheSize int

	// Clock stamps operations invoked directly rather than through an
	// event. Defaults to time.Now.
	Clock func() time.Time
}

func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host address is required")
	}
	if c.Lender == "" {
		return fmt.Errorf("lender address is required")
	}
	if c.Host == c.Lender {
		return fmt.Errorf("host and lender must differ")
	}
	return nil
}

// Deps are the collaborators injected into the core.
type Deps struct {
	Calculator     feecalc.Calculator
	Bank           settlement.Bank
	DBChecker      DBIdempotencyChecker
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	Metrics        *observability.Metrics
	Logger         *zerolog.Logger
}

// DeterministicCore is the single-threaded insurance and flash loan engine.
// Every public operation is atomic; the outermost commit validates
// invariants, extends the hash chain and emits one CoreOutput.
// Not thread-safe: callers serialize through a Runner or a single goroutine.
type DeterministicCore struct {
	cfg Config

	sequence          int64
	hasher            *StateHasher
	lastPrevHash      [32]byte
	ledger            *ledger.TokenLedger
	validator         *ledger.InvariantValidator
	registry          *state.PoolRegistry
	bank              settlement.Bank
	calculator        feecalc.Calculator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	guard             *ReentrancyGuard
	defaults          map[types.Token]uint64

	tx        *txState
	replaying bool

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything one committed operation produced.
type CoreOutput struct {
	Envelope  *event.EventEnvelope
	Batch     *ledger.Batch
	Emitted   []event.Emitted
	Transfers []settlement.Transfer

	// Post-commit state of the tokens and pools the operation touched.
	Tokens map[types.Token]ledger.TokenEntry
	Pools  []state.PoolView

	StateDelta []byte

	// Snapshot is set for operations that cannot be replayed from the
	// event log (flash loans). It must be persisted with the envelope.
	Snapshot *SnapshotState
}

func NewDeterministicCore(cfg Config, deps Deps) (*DeterministicCore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid core config: %w", err)
	}
	if deps.Calculator == nil {
		return nil, fmt.Errorf("fee calculator is required")
	}
	if deps.Bank == nil {
		return nil, fmt.Errorf("settlement bank is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IdempotencyCacheSize <= 0 {
		cfg.IdempotencyCacheSize = 1_000_000
	}

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	tokenLedger := ledger.NewTokenLedger()

	idempotency := NewIdempotencyChecker(cfg.IdempotencyCacheSize, deps.DBChecker)
	if m := deps.Metrics; m != nil {
		idempotency.OnDuplicate(func(eventType, tier string) {
			m.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
		})
		idempotency.OnLookupError(func(eventType string) {
			m.IdempotencyLookupErrors.WithLabelValues(eventType).Inc()
		})
	}

	return &DeterministicCore{
		cfg:               cfg,
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		ledger:            tokenLedger,
		validator:         ledger.NewInvariantValidator(tokenLedger),
		registry:          state.NewPoolRegistry(),
		bank:              deps.Bank,
		calculator:        deps.Calculator,
		idempotency:       idempotency,
		sequenceValidator: NewSequenceValidator(),
		guard:             NewReentrancyGuard(),
		defaults:          make(map[types.Token]uint64),
		tx:                newTxState(),
		metrics:           deps.Metrics,
		logger:            logger,
		persistChan:       deps.PersistChan,
		projectionChan:    deps.ProjectionChan,
	}, nil
}

// === Read-only accessors ===

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// ExpectedSourceSequence returns the next source sequence the partition
// accepts.
func (c *DeterministicCore) ExpectedSourceSequence(partition string) int64 {
	return c.sequenceValidator.GetExpectedSequence(partition)
}

func (c *DeterministicCore) Config() Config {
	return c.cfg
}

// TotalFunds returns totalFunds for the token.
func (c *DeterministicCore) TotalFunds(token types.Token) sdkmath.Int {
	return c.ledger.AvailableLiquidity(token)
}

// IsSupported reports whether the token has any funds.
func (c *DeterministicCore) IsSupported(token types.Token) bool {
	return c.ledger.IsSupported(token)
}

// Contribution returns one pool's share of a token's funds.
func (c *DeterministicCore) Contribution(token types.Token, pool types.PoolID) sdkmath.Int {
	return c.ledger.Contribution(token, pool)
}

// Contributions returns every nonzero pool share of the token.
func (c *DeterministicCore) Contributions(token types.Token) []ledger.PoolContribution {
	return c.ledger.Contributions(token)
}

// Tokens returns every token with ledger state.
func (c *DeterministicCore) Tokens() []types.Token {
	return c.ledger.Tokens()
}

// Pool returns a copy of the pool record.
func (c *DeterministicCore) Pool(id types.PoolID) (state.PoolView, error) {
	return c.registry.Get(id)
}

// Pools returns every pool id in registration order.
func (c *DeterministicCore) Pools() []types.PoolID {
	return c.registry.Pools()
}

// Position returns a copy of a provider's position.
func (c *DeterministicCore) Position(id types.PoolID, provider types.Address) (state.Position, bool) {
	return c.registry.Position(id, provider)
}

// DefaultHistory returns the number of failed flash loans on the token.
func (c *DeterministicCore) DefaultHistory(token types.Token) uint64 {
	return c.defaults[token]
}

// InTransaction reports whether an operation is in progress.
func (c *DeterministicCore) InTransaction() bool {
	return c.tx.depth() > 0
}
