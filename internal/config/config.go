// Package config loads the SLM's YAML configuration, in the style of
// ChoSanghyuk-blackholedex/configs/config.go: a single nested struct decoded
// with gopkg.in/yaml.v3 rather than flag parsing or env-only configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SymbolOverride holds a per-symbol override for any of the global risk
// knobs below. Zero values mean "use the global default".
type SymbolOverride struct {
	MaxRiskUSD      float64 `yaml:"max_risk_usd"`
	SweetSpotMinUSD float64 `yaml:"sweet_spot_min_usd"`
	SweetSpotMaxUSD float64 `yaml:"sweet_spot_max_usd"`
	TrailIncrement  float64 `yaml:"trail_increment_usd"`

	// ContractSize, when non-zero, pins the Instrument Metadata Corrector's
	// result for this symbol, skipping every step of its reconciliation
	// algorithm (§4.1) — for a broker known in advance to misreport one
	// particular symbol's contract size.
	ContractSize float64 `yaml:"contract_size"`
}

// DynamicBreakEven configures the profit-zone dwell-time gate supplemented
// from the original implementation's test suite: the break-even SL move
// (for a profit below the sweet-spot band) is withheld until a position has
// stayed profitable for this long. Sweet-spot and trailing moves are not
// gated by it.
type DynamicBreakEven struct {
	Enabled                   bool    `yaml:"enabled"`
	PositiveProfitDurationSec float64 `yaml:"positive_profit_duration_seconds"`
}

// Config is the full enumerated configuration surface of spec.md §6.
type Config struct {
	Mode string `yaml:"mode"` // "live" or "backtest"

	Broker struct {
		GrpcServer string        `yaml:"grpc_server"`
		Login      uint64        `yaml:"login"`
		Password   string        `yaml:"password"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
	} `yaml:"broker"`

	Risk struct {
		MaxRiskUSD         float64                    `yaml:"max_risk_usd"`
		SweetSpotMinUSD    float64                    `yaml:"sweet_spot_min_usd"`
		SweetSpotMaxUSD    float64                    `yaml:"sweet_spot_max_usd"`
		TrailIncrementUSD  float64                    `yaml:"trail_increment_usd"`
		ProfitTolerance    float64                    `yaml:"profit_relaxed_tolerance_usd"`
		SymbolOverrides    map[string]SymbolOverride   `yaml:"symbol_overrides"`
		DynamicBreakEven   DynamicBreakEven            `yaml:"dynamic_break_even"`

		// DisabledSymbols seeds the disabled-set (§7) at startup: symbols an
		// operator already knows have a broken/unreconcilable instrument
		// metadata and wants excluded from loss-protecting updates from the
		// first scan, rather than waiting for the Calculator to discover it.
		DisabledSymbols []string `yaml:"disabled_symbols"`
	} `yaml:"risk"`

	Execution struct {
		VerifyPriceToleranceRatio float64       `yaml:"verify_price_tolerance_ratio"`
		MaxRetries                int           `yaml:"max_retries"`
		BaseBackoff               time.Duration `yaml:"base_backoff"`
		MaxBackoff                time.Duration `yaml:"max_backoff"`
		GuaranteedBudget          time.Duration `yaml:"guaranteed_budget"`
	} `yaml:"execution"`

	RateLimit struct {
		MaxCallsPerSecond int           `yaml:"max_calls_per_second"`
		EmergencyBypass   bool          `yaml:"emergency_bypass"`
		BackoffOnSaturate time.Duration `yaml:"backoff_on_saturate"`
	} `yaml:"rate_limit"`

	Lock struct {
		StaleAfter      time.Duration `yaml:"stale_after"`
		AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	} `yaml:"lock"`

	Worker struct {
		IterationBudget time.Duration `yaml:"iteration_budget"`
		ScanInterval    time.Duration `yaml:"scan_interval"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"worker"`

	FailSafe struct {
		DebounceWindow time.Duration `yaml:"debounce_window"`
		SignatureTTL   time.Duration `yaml:"signature_ttl"`
	} `yaml:"fail_safe"`

	Logging struct {
		DirectoryRoot string `yaml:"directory_root"`
	} `yaml:"logging"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config populated with the SLM's documented defaults,
// so a partial YAML file only needs to override what differs.
func Default() *Config {
	c := &Config{Mode: "live"}
	c.Risk.MaxRiskUSD = 2.00
	c.Risk.SweetSpotMinUSD = 0.03
	c.Risk.SweetSpotMaxUSD = 0.10
	c.Risk.TrailIncrementUSD = 0.10
	c.Risk.ProfitTolerance = 2.0
	c.Risk.DynamicBreakEven = DynamicBreakEven{Enabled: true, PositiveProfitDurationSec: 2.0}
	c.Execution.VerifyPriceToleranceRatio = 0.0
	c.Execution.MaxRetries = 3
	c.Execution.BaseBackoff = 100 * time.Millisecond
	c.Execution.MaxBackoff = 2 * time.Second
	c.Execution.GuaranteedBudget = 250 * time.Millisecond
	c.RateLimit.MaxCallsPerSecond = 10
	c.RateLimit.EmergencyBypass = true
	c.RateLimit.BackoffOnSaturate = 50 * time.Millisecond
	c.Lock.StaleAfter = 30 * time.Second
	c.Lock.AcquireTimeout = 2 * time.Second
	c.Worker.IterationBudget = 50 * time.Millisecond
	c.Worker.ScanInterval = 200 * time.Millisecond
	c.Worker.ShutdownTimeout = 2 * time.Second
	c.FailSafe.DebounceWindow = 1 * time.Second
	c.FailSafe.SignatureTTL = 2 * time.Second
	c.Logging.DirectoryRoot = "logs"
	c.Metrics.ListenAddr = ":9108"
	return c
}

// RiskFor resolves the effective risk knobs for symbol, applying any
// per-symbol override over the global defaults.
func (c *Config) RiskFor(symbol string) (maxRiskUSD, sweetMin, sweetMax, trailIncrement float64) {
	maxRiskUSD, sweetMin, sweetMax, trailIncrement = c.Risk.MaxRiskUSD, c.Risk.SweetSpotMinUSD, c.Risk.SweetSpotMaxUSD, c.Risk.TrailIncrementUSD
	o, ok := c.Risk.SymbolOverrides[symbol]
	if !ok {
		return
	}
	if o.MaxRiskUSD != 0 {
		maxRiskUSD = o.MaxRiskUSD
	}
	if o.SweetSpotMinUSD != 0 {
		sweetMin = o.SweetSpotMinUSD
	}
	if o.SweetSpotMaxUSD != 0 {
		sweetMax = o.SweetSpotMaxUSD
	}
	if o.TrailIncrement != 0 {
		trailIncrement = o.TrailIncrement
	}
	return
}
