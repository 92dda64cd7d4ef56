package feecalc

import (
	fpmath "InsuranceLedger/internal/math"
	"InsuranceLedger/internal/types"
	"fmt"
	"sort"
	"sync"

	sdkmath "cosmossdk.io/math"
)

// DynamicConfig parameterizes the Dynamic strategy. All rates are in basis
// points. VolatilityBps is added per 100% of observed volatility and stops
// applying once a pool's contribution/liquidity ratio reaches
// TargetCoverageBps. FlashUtilizationBps is added at full utilization and
// DefaultPenaltyBps per recorded default. VolatilityHalfLife is in seconds.
type DynamicConfig struct {
	InsuranceBaseBps    uint32
	InsuranceMaxBps     uint32
	VolatilityBps       uint32
	TargetCoverageBps   uint32
	FlashBaseBps        uint32
	FlashUtilizationBps uint32
	DefaultPenaltyBps   uint32
	FlashMaxBps         uint32
	VolatilityHalfLife  int64
}

func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		InsuranceBaseBps:    5,
		InsuranceMaxBps:     100,
		VolatilityBps:       200,
		TargetCoverageBps:   100,
		FlashBaseBps:        9,
		FlashUtilizationBps: 50,
		DefaultPenaltyBps:   5,
		FlashMaxBps:         100,
		VolatilityHalfLife:  3600,
	}
}

func (c DynamicConfig) Validate() error {
	if c.InsuranceMaxBps < c.InsuranceBaseBps {
		return fmt.Errorf("insurance max %d bps below base %d bps", c.InsuranceMaxBps, c.InsuranceBaseBps)
	}
	if c.FlashMaxBps < c.FlashBaseBps {
		return fmt.Errorf("flash max %d bps below base %d bps", c.FlashMaxBps, c.FlashBaseBps)
	}
	if c.InsuranceMaxBps > 10_000 || c.FlashMaxBps > 10_000 {
		return fmt.Errorf("rates above 10000 bps are not allowed")
	}
	if c.VolatilityHalfLife <= 0 {
		return fmt.Errorf("volatility half-life must be positive")
	}
	return nil
}

type priceObservation struct {
	price      sdkmath.Int
	timestamp  int64
	volatility sdkmath.LegacyDec
}

// Dynamic scales the insurance rate with observed price volatility and
// pool under-coverage, and the flash rate with utilization and the
// token's default history.
type Dynamic struct {
	cfg DynamicConfig

	mu           sync.RWMutex
	observations map[types.PoolID]priceObservation
}

func NewDynamic(cfg DynamicConfig) (*Dynamic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dynamic fee config: %w", err)
	}
	return &Dynamic{
		cfg:          cfg,
		observations: make(map[types.PoolID]priceObservation),
	}, nil
}

// CalculateVolatility returns the relative price move since the last
// committed observation, or the decayed previous volatility if larger.
func (d *Dynamic) CalculateVolatility(pool types.PoolID, price sdkmath.Int, timestamp int64) (sdkmath.LegacyDec, error) {
	price = fpmath.OrZero(price)
	if price.IsNegative() {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("negative price %s for pool %s", price, pool)
	}

	d.mu.RLock()
	obs, ok := d.observations[pool]
	d.mu.RUnlock()

	if !ok || !price.IsPositive() {
		return sdkmath.LegacyZeroDec(), nil
	}

	instant := fpmath.Ratio(price.Sub(obs.price).Abs(), obs.price)

	// Hyperbolic decay: halfLife / (halfLife + elapsed).
	elapsed := max(timestamp-obs.timestamp, 0)
	decay := sdkmath.LegacyNewDec(d.cfg.VolatilityHalfLife).
		QuoInt64(d.cfg.VolatilityHalfLife + elapsed)
	decayed := obs.volatility.Mul(decay)

	if decayed.GT(instant) {
		return decayed, nil
	}
	return instant, nil
}

// ObservePrice records a committed swap price.
func (d *Dynamic) ObservePrice(pool types.PoolID, price sdkmath.Int, timestamp int64) {
	price = fpmath.OrZero(price)
	if !price.IsPositive() {
		return
	}
	vol, err := d.CalculateVolatility(pool, price, timestamp)
	if err != nil {
		return
	}

	d.mu.Lock()
	d.observations[pool] = priceObservation{price: price, timestamp: timestamp, volatility: vol}
	d.mu.Unlock()
}

func (d *Dynamic) CalculateInsuranceFee(
	pool types.PoolID,
	amount sdkmath.Int,
	existingContribution sdkmath.Int,
	liquidity sdkmath.Int,
	price sdkmath.Int,
	timestamp int64,
) (sdkmath.Int, error) {
	rate := bpsToDec(d.cfg.InsuranceBaseBps)

	if !d.wellCovered(existingContribution, liquidity) {
		vol, err := d.CalculateVolatility(pool, price, timestamp)
		if err != nil {
			return sdkmath.Int{}, err
		}
		rate = rate.Add(bpsToDec(d.cfg.VolatilityBps).Mul(vol))
	}

	if maxRate := bpsToDec(d.cfg.InsuranceMaxBps); rate.GT(maxRate) {
		rate = maxRate
	}
	return applyRate(amount, rate), nil
}

func (d *Dynamic) wellCovered(existing, liquidity sdkmath.Int) bool {
	existing, liquidity = fpmath.OrZero(existing), fpmath.OrZero(liquidity)
	if d.cfg.TargetCoverageBps == 0 || !liquidity.IsPositive() {
		return false
	}
	coverage := fpmath.Ratio(existing, liquidity)
	return coverage.GTE(bpsToDec(d.cfg.TargetCoverageBps))
}

func (d *Dynamic) CalculateFlashLoanFee(
	amount sdkmath.Int,
	totalLiquidity sdkmath.Int,
	utilization sdkmath.LegacyDec,
	defaultHistory uint64,
) (sdkmath.Int, error) {
	if utilization.IsNil() {
		utilization = sdkmath.LegacyZeroDec()
	}
	if utilization.IsNegative() || utilization.GT(sdkmath.LegacyOneDec()) {
		return sdkmath.Int{}, fmt.Errorf("utilization %s outside [0, 1]", utilization)
	}
	if amount.GT(totalLiquidity) {
		return sdkmath.Int{}, fmt.Errorf("amount %s exceeds liquidity %s", amount, totalLiquidity)
	}

	rate := bpsToDec(d.cfg.FlashBaseBps).
		Add(bpsToDec(d.cfg.FlashUtilizationBps).Mul(utilization))

	if defaultHistory > 0 {
		penalty := bpsToDec(d.cfg.DefaultPenaltyBps).MulInt64(int64(min(defaultHistory, 1_000)))
		rate = rate.Add(penalty)
	}

	if maxRate := bpsToDec(d.cfg.FlashMaxBps); rate.GT(maxRate) {
		rate = maxRate
	}
	return applyRate(amount, rate), nil
}

// Observation is the persisted form of a pool's price history.
type Observation struct {
	Pool       types.PoolID      `json:"pool"`
	Price      sdkmath.Int       `json:"price"`
	Timestamp  int64             `json:"timestamp"`
	Volatility sdkmath.LegacyDec `json:"volatility"`
}

// Export returns every observation ordered by pool.
func (d *Dynamic) Export() []Observation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Observation, 0, len(d.observations))
	for pool, obs := range d.observations {
		out = append(out, Observation{
			Pool:       pool,
			Price:      obs.price,
			Timestamp:  obs.timestamp,
			Volatility: obs.volatility,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	return out
}

// Import replaces the price history.
func (d *Dynamic) Import(observations []Observation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.observations = make(map[types.PoolID]priceObservation, len(observations))
	for _, o := range observations {
		vol := o.Volatility
		if vol.IsNil() {
			vol = sdkmath.LegacyZeroDec()
		}
		d.observations[o.Pool] = priceObservation{
			price:      fpmath.OrZero(o.Price),
			timestamp:  o.Timestamp,
			volatility: vol,
		}
	}
}
