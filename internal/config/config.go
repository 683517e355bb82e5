package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chain       ChainConfig       `yaml:"chain"`
	Contracts   ContractsConfig   `yaml:"contracts"`
	Users       []string          `yaml:"users"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ChainConfig holds blockchain connection settings.
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	WSURL          string        `yaml:"ws_url"`
	ChainID        int64         `yaml:"chain_id"`
	RequestsPerSec int           `yaml:"requests_per_second"`
	MaxTries       uint          `yaml:"max_tries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// ContractsConfig holds smart contract addresses.
type ContractsConfig struct {
	SIS        string `yaml:"sis"`
	VeSIS      string `yaml:"vesis"`
	Multicall3 string `yaml:"multicall3"`
}

// RefreshConfig controls how often pools and positions are re-read.
type RefreshConfig struct {
	Interval        time.Duration `yaml:"interval"`
	EveryBlocks     uint64        `yaml:"every_blocks"`
	UserConcurrency int           `yaml:"user_concurrency"`
	Timeout         time.Duration `yaml:"timeout"`
}

// PricingConfig holds token price source settings.
type PricingConfig struct {
	CoinGeckoURL string            `yaml:"coingecko_url"`
	Platform     string            `yaml:"platform"`
	Currency     string            `yaml:"currency"`
	RetryMax     int               `yaml:"retry_max"`
	RetryDelay   time.Duration     `yaml:"retry_delay"`
	StaticPrices map[string]string `yaml:"static_prices"`
}

// PersistenceConfig holds database settings.
type PersistenceConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.setDefaults()

	// Read YAML file if it exists
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// Expand environment variables in YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Chain = ChainConfig{
		ChainID:        1, // Ethereum mainnet
		RequestsPerSec: 10,
		MaxTries:       3,
		RetryDelay:     100 * time.Millisecond,
	}
	c.Contracts = ContractsConfig{
		SIS:        "0xd38BB40815d2B0c2d2c866e0c72c5728ffC76dd9",
		Multicall3: "0xcA11bde05977b3631167028862bE2a173976CA11",
	}
	c.Refresh = RefreshConfig{
		Interval:        5 * time.Minute,
		EveryBlocks:     0, // block-driven refresh disabled
		UserConcurrency: 4,
		Timeout:         time.Minute,
	}
	c.Pricing = PricingConfig{
		CoinGeckoURL: "https://api.coingecko.com/api/v3",
		Platform:     "ethereum",
		Currency:     "usd",
		RetryMax:     3,
		RetryDelay:   10 * time.Second,
	}
	c.Persistence = PersistenceConfig{
		SQLitePath: "./data/vesis.db",
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	// Chain config
	if v := os.Getenv("ETH_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("ETH_WS_URL"); v != "" {
		c.Chain.WSURL = v
	}

	// Contracts config
	if v := os.Getenv("VESIS_ADDRESS"); v != "" {
		c.Contracts.VeSIS = v
	}

	// Users to track, comma separated
	if v := os.Getenv("VESIS_USERS"); v != "" {
		c.Users = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Users = append(c.Users, u)
			}
		}
	}

	// Refresh config
	if v := os.Getenv("REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Refresh.Interval = d
		}
	}
	if v := os.Getenv("REFRESH_EVERY_BLOCKS"); v != "" {
		var n uint64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			c.Refresh.EveryBlocks = n
		}
	}

	// Pricing config
	if v := os.Getenv("COINGECKO_URL"); v != "" {
		c.Pricing.CoinGeckoURL = v
	}

	// Metrics config
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	// Persistence config
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.SQLitePath = v
	}

	// Logging config
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set ETH_RPC_URL env var)")
	}
	if c.Refresh.EveryBlocks > 0 && c.Chain.WSURL == "" {
		return fmt.Errorf("chain.ws_url is required when refresh.every_blocks is set (set ETH_WS_URL env var)")
	}
	if !common.IsHexAddress(c.Contracts.SIS) {
		return fmt.Errorf("contracts.sis must be a hex address")
	}
	if !common.IsHexAddress(c.Contracts.VeSIS) {
		return fmt.Errorf("contracts.vesis must be a hex address (set VESIS_ADDRESS env var)")
	}
	if !common.IsHexAddress(c.Contracts.Multicall3) {
		return fmt.Errorf("contracts.multicall3 must be a hex address")
	}
	for _, u := range c.Users {
		if !common.IsHexAddress(u) {
			return fmt.Errorf("users: %q is not a hex address", u)
		}
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be positive")
	}
	if c.Refresh.UserConcurrency <= 0 {
		return fmt.Errorf("refresh.user_concurrency must be positive")
	}
	for addr, price := range c.Pricing.StaticPrices {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("pricing.static_prices: %q is not a hex address", addr)
		}
		if strings.TrimSpace(price) == "" {
			return fmt.Errorf("pricing.static_prices: empty price for %s", addr)
		}
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}

// UserAddresses returns the configured users as addresses.
func (c *Config) UserAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Users))
	for _, u := range c.Users {
		out = append(out, common.HexToAddress(u))
	}
	return out
}
