package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Arbflow    ArbflowConfig    `yaml:"arbflow"`
	Exchanges  ExchangesConfig  `yaml:"exchanges"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Detector   DetectorConfig   `yaml:"detector"`
	DexFeed    DexFeedConfig    `yaml:"dex_feed"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
}

// DashboardConfig controls the optional HTTP status API.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	ResourceHistory int           `yaml:"resource_history"`
}

type ArbflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	EventBuffer       int `yaml:"event_buffer"`
	OpportunityBuffer int `yaml:"opportunity_buffer"`
}

// VenueConfig is the per-connector configuration block.
type VenueConfig struct {
	Enabled              bool          `yaml:"enabled"`
	URL                  string        `yaml:"url"`
	RestURL              string        `yaml:"rest_url"`
	Symbols              []string      `yaml:"symbols"`
	Reconnect            bool          `yaml:"reconnect"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ExponentialBackoff   bool          `yaml:"exponential_backoff"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	Testnet              bool          `yaml:"testnet"`
	Depth                int           `yaml:"depth"`
	MakerFeePercent      float64       `yaml:"maker_fee_percent"`
	TakerFeePercent      float64       `yaml:"taker_fee_percent"`
}

type ExchangesConfig struct {
	Binance  VenueConfig `yaml:"binance"`
	Bybit    VenueConfig `yaml:"bybit"`
	Okx      VenueConfig `yaml:"okx"`
	Kucoin   VenueConfig `yaml:"kucoin"`
	Kraken   VenueConfig `yaml:"kraken"`
	Bitfinex VenueConfig `yaml:"bitfinex"`
	Coinbase VenueConfig `yaml:"coinbase"`
	Gateio   VenueConfig `yaml:"gateio"`
	Bitget   VenueConfig `yaml:"bitget"`
}

// Venue returns the configuration block for the named exchange.
func (e *ExchangesConfig) Venue(name string) (VenueConfig, bool) {
	switch strings.ToLower(name) {
	case "binance":
		return e.Binance, true
	case "bybit":
		return e.Bybit, true
	case "okx":
		return e.Okx, true
	case "kucoin":
		return e.Kucoin, true
	case "kraken":
		return e.Kraken, true
	case "bitfinex":
		return e.Bitfinex, true
	case "coinbase":
		return e.Coinbase, true
	case "gateio":
		return e.Gateio, true
	case "bitget":
		return e.Bitget, true
	}
	return VenueConfig{}, false
}

// Names lists all known venue names in a stable order.
func (e *ExchangesConfig) Names() []string {
	return []string{"binance", "bybit", "okx", "kucoin", "kraken", "bitfinex", "coinbase", "gateio", "bitget"}
}

type AggregatorConfig struct {
	MinSpreadBps   float64       `yaml:"min_spread_bps"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

type OracleConfig struct {
	MinPrice                string        `yaml:"min_price"`
	MaxPrice                string        `yaml:"max_price"`
	MaxRateChangeBps        float64       `yaml:"max_rate_change_bps"`
	TimelockDelay           time.Duration `yaml:"timelock_delay"`
	CircuitBreakerEnabled   bool          `yaml:"circuit_breaker_enabled"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
	MaxPriceAge             time.Duration `yaml:"max_price_age"`
}

type DetectorConfig struct {
	MinPriceDiffPercent float64       `yaml:"min_price_diff_percent"`
	MinNetProfitUSD     float64       `yaml:"min_net_profit_usd"`
	MaxTradeSizeUSD     float64       `yaml:"max_trade_size_usd"`
	ScanInterval        time.Duration `yaml:"scan_interval"`
	DexFeePercent       float64       `yaml:"dex_fee_percent"`
}

type DexFeedConfig struct {
	Enabled      bool          `yaml:"enabled"`
	RPCURL       string        `yaml:"rpc_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Venue        string        `yaml:"venue"`
	Pools        []PoolConfig  `yaml:"pools"`
}

type PoolConfig struct {
	Address        string `yaml:"address"`
	Symbol         string `yaml:"symbol"`
	Token0Decimals int    `yaml:"token0_decimals"`
	Token1Decimals int    `yaml:"token1_decimals"`
	BaseIsToken0   bool   `yaml:"base_is_token0"`
}

type SinksConfig struct {
	File  FileSinkConfig  `yaml:"file"`
	Redis RedisSinkConfig `yaml:"redis"`
	S3    S3SinkConfig    `yaml:"s3"`
}

type FileSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	MaxSize  int    `yaml:"max_size"`
	MaxAge   int    `yaml:"max_age"`
	Compress bool   `yaml:"compress"`
}

type RedisSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type S3SinkConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch     bool          `yaml:"cloudwatch"`
	Namespace      string        `yaml:"namespace"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

const defaultConfigPath = "config/config.yml"

// environment specific override files, selected via APP_ENV when the caller
// did not name an explicit path.
var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// LoadConfig reads and validates the YAML configuration file. Secrets are
// overridden from the environment when present so credentials never need to
// live in the file.
func LoadConfig(path string) (*Config, error) {
	if resolved := resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths); resolved != path {
		if _, statErr := os.Stat(resolved); statErr == nil {
			path = resolved
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Aggregator: AggregatorConfig{
			MinSpreadBps:   0,
			UpdateInterval: time.Second,
		},
		Detector: DetectorConfig{
			ScanInterval: time.Second,
		},
		Channels: ChannelsConfig{
			EventBuffer:       1024,
			OpportunityBuffer: 256,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Sinks.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sinks.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sinks.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sinks.S3.Region = strings.TrimSpace(v)
		}
	}
	if config.Sinks.Redis.Enabled {
		if v := os.Getenv("REDIS_PASSWORD"); v != "" {
			config.Sinks.Redis.Password = strings.TrimSpace(v)
		}
	}
	if config.DexFeed.Enabled {
		if v := os.Getenv("ETH_RPC_URL"); v != "" {
			config.DexFeed.RPCURL = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	enabled := 0
	for _, name := range cfg.Exchanges.Names() {
		vc, _ := cfg.Exchanges.Venue(name)
		if !vc.Enabled {
			continue
		}
		enabled++
		if vc.URL == "" {
			return fmt.Errorf("exchange %s enabled without url", name)
		}
		if len(vc.Symbols) == 0 {
			return fmt.Errorf("exchange %s enabled without symbols", name)
		}
		if vc.Reconnect && vc.ReconnectDelay <= 0 {
			return fmt.Errorf("exchange %s: reconnect enabled with non-positive delay", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no exchanges enabled")
	}
	if cfg.Aggregator.UpdateInterval <= 0 {
		return fmt.Errorf("aggregator update_interval must be positive")
	}
	if cfg.Aggregator.MinSpreadBps < 0 {
		return fmt.Errorf("aggregator min_spread_bps must not be negative")
	}
	if cfg.Detector.MinPriceDiffPercent < 0 {
		return fmt.Errorf("detector min_price_diff_percent must not be negative")
	}
	if cfg.Oracle.MaxRateChangeBps < 0 {
		return fmt.Errorf("oracle max_rate_change_bps must not be negative")
	}
	if cfg.DexFeed.Enabled {
		if cfg.DexFeed.RPCURL == "" {
			return fmt.Errorf("dex_feed enabled without rpc_url")
		}
		if len(cfg.DexFeed.Pools) == 0 {
			return fmt.Errorf("dex_feed enabled without pools")
		}
	}
	if cfg.Sinks.S3.Enabled && cfg.Sinks.S3.Bucket == "" {
		return fmt.Errorf("s3 sink enabled without bucket")
	}
	// Production deployments must persist opportunities somewhere; in
	// development a log-only run is fine.
	if IsProductionLike(AppEnvironment()) {
		if !cfg.Sinks.File.Enabled && !cfg.Sinks.Redis.Enabled && !cfg.Sinks.S3.Enabled {
			return fmt.Errorf("no sinks enabled in %s environment", AppEnvironment())
		}
	}
	return nil
}
