package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, decoded from TOML.
type Config struct {
	RPCAddress          string  `toml:"RPCAddress"`
	DataDir             string  `toml:"DataDir"`
	StorageBackend      string  `toml:"StorageBackend"`
	Environment         string  `toml:"Environment"`
	LogLevel            string  `toml:"LogLevel"`
	OracleMaxAgeSeconds uint64  `toml:"OracleMaxAgeSeconds"`
	CloseFactorBps      uint64  `toml:"CloseFactorBps"`
	MinSupplyAmount     string  `toml:"MinSupplyAmount"`
	MinBorrowAmount     string  `toml:"MinBorrowAmount"`
	RateLimitPerSecond  float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst      int     `toml:"RateLimitBurst"`

	Pauses    Pauses         `toml:"pauses"`
	Telemetry Telemetry      `toml:"telemetry"`
	Markets   []MarketConfig `toml:"markets"`
}

// Pauses disables individual ledger flows at startup.
type Pauses struct {
	Supply    bool `toml:"Supply"`
	Withdraw  bool `toml:"Withdraw"`
	Borrow    bool `toml:"Borrow"`
	Repay     bool `toml:"Repay"`
	Liquidate bool `toml:"Liquidate"`
}

// Telemetry configures the OTLP trace exporter.
type Telemetry struct {
	Enabled     bool   `toml:"Enabled"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Environment string `toml:"Environment"`
}

// MarketConfig declares a market to create at startup if it does not exist.
// Annual rates are decimals, e.g. 0.02 for a 2% APR.
type MarketConfig struct {
	ID                      string  `toml:"ID"`
	LTVBps                  uint64  `toml:"LTVBps"`
	LiquidationThresholdBps uint64  `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64  `toml:"LiquidationBonusBps"`
	ProtocolFeeBps          uint64  `toml:"ProtocolFeeBps"`
	BaseAPR                 float64 `toml:"BaseAPR"`
	Slope1APR               float64 `toml:"Slope1APR"`
	Slope2APR               float64 `toml:"Slope2APR"`
	OptimalUtilizationBps   uint64  `toml:"OptimalUtilizationBps"`
}

const (
	defaultRPCAddress     = "127.0.0.1:8645"
	defaultDataDir        = "./creditd-data"
	defaultStorageBackend = "leveldb"
	defaultOracleMaxAge   = 300
	defaultCloseFactorBps = 5000
)

// Load reads the configuration file, creating one with defaults when the
// path does not exist yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = defaultRPCAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.StorageBackend) == "" {
		c.StorageBackend = defaultStorageBackend
	}
	if c.OracleMaxAgeSeconds == 0 {
		c.OracleMaxAgeSeconds = defaultOracleMaxAge
	}
	if c.CloseFactorBps == 0 {
		c.CloseFactorBps = defaultCloseFactorBps
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 100
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 200
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.StorageBackend)) {
	case "memory", "leveldb", "bolt":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.StorageBackend)
	}
	if c.CloseFactorBps > 10000 {
		return fmt.Errorf("config: close factor %d exceeds 10000 bps", c.CloseFactorBps)
	}
	for _, market := range c.Markets {
		if strings.TrimSpace(market.ID) == "" {
			return fmt.Errorf("config: market with empty ID")
		}
		if market.LTVBps == 0 || market.LTVBps >= market.LiquidationThresholdBps {
			return fmt.Errorf("config: market %s must satisfy 0 < LTV < liquidation threshold", market.ID)
		}
		if market.LiquidationThresholdBps >= 10000 {
			return fmt.Errorf("config: market %s liquidation threshold must stay below 10000 bps", market.ID)
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
