package config

import (
	"InsuranceLedger/internal/feecalc"
	"InsuranceLedger/internal/settlement"
	"InsuranceLedger/internal/types"
	"errors"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: db_url is read from
// INSURANCE_DB_URL, fee.flash_bps from INSURANCE_FEE_FLASH_BPS.
const EnvPrefix = "INSURANCE"

// FeeConfig selects and parameterizes the fee calculator.
type FeeConfig struct {
	// Strategy is "fixed" or "dynamic".
	Strategy            string `mapstructure:"strategy"`
	InsuranceBps        uint32 `mapstructure:"insurance_bps"`
	InsuranceMaxBps     uint32 `mapstructure:"insurance_max_bps"`
	FlashBps            uint32 `mapstructure:"flash_bps"`
	FlashMaxBps         uint32 `mapstructure:"flash_max_bps"`
	FlashUtilizationBps uint32 `mapstructure:"flash_utilization_bps"`
	DefaultPenaltyBps   uint32 `mapstructure:"default_penalty_bps"`
	VolatilityBps       uint32 `mapstructure:"volatility_bps"`
	TargetCoverageBps   uint32 `mapstructure:"target_coverage_bps"`
	// VolatilityWindow is the half-life of the price volatility estimate.
	VolatilityWindow time.Duration `mapstructure:"volatility_window"`
}

// GenesisBalance credits Holder with Amount of Token when a memory bank
// starts. Amount is a base-10 integer in the token's smallest unit.
type GenesisBalance struct {
	Token  string `mapstructure:"token"`
	Holder string `mapstructure:"holder"`
	Amount string `mapstructure:"amount"`
}

// Config holds all application configuration.
type Config struct {
	// An empty DBURL runs the service standalone: no event log, no
	// projections, snapshots in a local bolt file.
	DBURL         string `mapstructure:"db_url"`
	NATSURL       string `mapstructure:"nats_url"`
	MigrationsDir string `mapstructure:"migrations_dir"`

	GRPCAddr    string `mapstructure:"grpc_addr"`
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	HostAddress    string          `mapstructure:"host_address"`
	LenderAddress  string          `mapstructure:"lender_address"`
	SettlementMode settlement.Mode `mapstructure:"settlement_mode"`

	// GenesisBalances fund external accounts in settlement_mode "memory".
	// They are applied before recovery, so a replayed log sees the same
	// starting balances; a restored snapshot replaces them.
	GenesisBalances []GenesisBalance `mapstructure:"genesis_balances"`

	Fee FeeConfig `mapstructure:"fee"`

	// SnapshotInterval is the number of committed events between snapshots.
	SnapshotInterval int64  `mapstructure:"snapshot_interval"`
	SnapshotPath     string `mapstructure:"snapshot_path"`
	SnapshotRetain   int    `mapstructure:"snapshot_retain"`

	ChannelBuffer        int           `mapstructure:"channel_buffer"`
	PersistBatchSize     int           `mapstructure:"persist_batch_size"`
	PersistFlushTimeout  time.Duration `mapstructure:"persist_flush_timeout"`
	IdempotencyCacheSize int           `mapstructure:"idempotency_cache_size"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("migrations_dir", "migrations")

	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9091")

	v.SetDefault("host_address", "")
	v.SetDefault("lender_address", "")
	v.SetDefault("settlement_mode", string(settlement.ModeHost))

	d := feecalc.DefaultDynamicConfig()
	v.SetDefault("fee.strategy", "fixed")
	v.SetDefault("fee.insurance_bps", d.InsuranceBaseBps)
	v.SetDefault("fee.insurance_max_bps", d.InsuranceMaxBps)
	v.SetDefault("fee.flash_bps", d.FlashBaseBps)
	v.SetDefault("fee.flash_max_bps", d.FlashMaxBps)
	v.SetDefault("fee.flash_utilization_bps", d.FlashUtilizationBps)
	v.SetDefault("fee.default_penalty_bps", d.DefaultPenaltyBps)
	v.SetDefault("fee.volatility_bps", d.VolatilityBps)
	v.SetDefault("fee.target_coverage_bps", d.TargetCoverageBps)
	v.SetDefault("fee.volatility_window", time.Duration(d.VolatilityHalfLife)*time.Second)

	v.SetDefault("snapshot_interval", 10_000)
	v.SetDefault("snapshot_path", "insuranceledger.db")
	v.SetDefault("snapshot_retain", 3)

	v.SetDefault("channel_buffer", 1024)
	v.SetDefault("persist_batch_size", 256)
	v.SetDefault("persist_flush_timeout", 10*time.Millisecond)
	v.SetDefault("idempotency_cache_size", 1_000_000)

	v.SetDefault("log_level", "info")
}

// Load reads configuration from defaults, an optional config file and the
// environment, in increasing precedence. configFile may be empty, in which
// case insuranceledger.{yaml,json,toml} is looked up in the working
// directory and is not required to exist.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("insuranceledger")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces required fields and ranges.
func (c *Config) Validate() error {
	if c.HostAddress == "" {
		return fmt.Errorf("host_address is required")
	}
	if c.LenderAddress == "" {
		return fmt.Errorf("lender_address is required")
	}
	if c.HostAddress == c.LenderAddress {
		return fmt.Errorf("host_address and lender_address must differ")
	}
	if !c.SettlementMode.Valid() {
		return fmt.Errorf("settlement_mode %q: must be %q or %q", c.SettlementMode, settlement.ModeMemory, settlement.ModeHost)
	}
	if c.SettlementMode == settlement.ModeHost && c.NATSURL == "" {
		return fmt.Errorf("settlement_mode %q publishes transfer instructions and needs nats_url", settlement.ModeHost)
	}
	if len(c.GenesisBalances) > 0 && c.SettlementMode != settlement.ModeMemory {
		return fmt.Errorf("genesis_balances need settlement_mode %q", settlement.ModeMemory)
	}
	for i, g := range c.GenesisBalances {
		if g.Token == "" || g.Holder == "" {
			return fmt.Errorf("genesis_balances[%d]: token and holder are required", i)
		}
		if _, err := g.Int(); err != nil {
			return fmt.Errorf("genesis_balances[%d]: %w", i, err)
		}
	}
	if c.ChannelBuffer <= 0 {
		return fmt.Errorf("channel_buffer must be positive, got %d", c.ChannelBuffer)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot_interval must be positive, got %d", c.SnapshotInterval)
	}
	if c.DBURL == "" && c.SnapshotPath == "" {
		return fmt.Errorf("snapshot_path is required without db_url")
	}
	switch c.Fee.Strategy {
	case "fixed":
		if c.Fee.InsuranceBps > 10_000 || c.Fee.FlashBps > 10_000 {
			return fmt.Errorf("fee rates above 10000 bps are not allowed")
		}
	case "dynamic":
		if err := c.Fee.Dynamic().Validate(); err != nil {
			return fmt.Errorf("fee: %w", err)
		}
	default:
		return fmt.Errorf("fee.strategy %q: must be \"fixed\" or \"dynamic\"", c.Fee.Strategy)
	}
	return nil
}

// Int parses Amount, which must be positive.
func (g GenesisBalance) Int() (sdkmath.Int, error) {
	amount, ok := sdkmath.NewIntFromString(g.Amount)
	if !ok || !amount.IsPositive() {
		return sdkmath.Int{}, fmt.Errorf("amount %q must be a positive integer", g.Amount)
	}
	return amount, nil
}

// SeedBank mints every genesis balance into bank.
func (c *Config) SeedBank(bank *settlement.MemoryBank) error {
	for i, g := range c.GenesisBalances {
		amount, err := g.Int()
		if err != nil {
			return fmt.Errorf("genesis_balances[%d]: %w", i, err)
		}
		if err := bank.Mint(types.Token(g.Token), types.Address(g.Holder), amount); err != nil {
			return fmt.Errorf("genesis_balances[%d]: %w", i, err)
		}
	}
	return nil
}

// Standalone reports whether the service runs without Postgres.
func (c *Config) Standalone() bool {
	return c.DBURL == ""
}

// Dynamic maps the fee settings onto the dynamic strategy.
func (f FeeConfig) Dynamic() feecalc.DynamicConfig {
	return feecalc.DynamicConfig{
		InsuranceBaseBps:    f.InsuranceBps,
		InsuranceMaxBps:     f.InsuranceMaxBps,
		VolatilityBps:       f.VolatilityBps,
		TargetCoverageBps:   f.TargetCoverageBps,
		FlashBaseBps:        f.FlashBps,
		FlashUtilizationBps: f.FlashUtilizationBps,
		DefaultPenaltyBps:   f.DefaultPenaltyBps,
		FlashMaxBps:         f.FlashMaxBps,
		VolatilityHalfLife:  int64(f.VolatilityWindow / time.Second),
	}
}

// Calculator builds the configured fee calculator.
func (f FeeConfig) Calculator() (feecalc.Calculator, error) {
	if f.Strategy == "dynamic" {
		d, err := feecalc.NewDynamic(f.Dynamic())
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return feecalc.NewFixed(f.InsuranceBps, f.FlashBps), nil
}
