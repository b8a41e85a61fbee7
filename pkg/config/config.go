package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Chain     ChainConfig     `yaml:"chain"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Health    HealthConfig    `yaml:"health"`
	Cache     CacheConfig     `yaml:"cache"`
	Purchase  PurchaseConfig  `yaml:"purchase"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Security  SecurityConfig  `yaml:"security"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	JWT       JWTConfig       `yaml:"jwt"`
	Logger    LoggerConfig    `yaml:"logger"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
}

type DatabaseConfig struct {
	Host            string `yaml:"host"`
	Port            string `yaml:"port"`
	User            string `yaml:"user"`
	DBName          string `yaml:"name"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"ssl_mode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// ChainConfig describes the authoritative RPC endpoint and the deployed
// marketplace/token contracts.
type ChainConfig struct {
	RPCURL              string        `yaml:"rpc_url"`
	ChainID             int64         `yaml:"chain_id"`
	MarketplaceContract string        `yaml:"marketplace_contract"`
	TokenContract       string        `yaml:"token_contract"`
	TokenDecimals       int           `yaml:"token_decimals"`
	TokenSymbol         string        `yaml:"token_symbol"`
	Timeout             time.Duration `yaml:"timeout"`
}

type IndexerConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// HealthConfig bounds the indexer health probe loop.
type HealthConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxBlockLag      uint64        `yaml:"max_block_lag"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// PurchaseConfig bounds receipt polling and verification retries for the
// purchase coordinator.
type PurchaseConfig struct {
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	ReceiptWaitCeiling  time.Duration `yaml:"receipt_wait_ceiling"`
	VerifyMaxRetries    int           `yaml:"verify_max_retries"`
	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	ConcurrentWorkers   int           `yaml:"concurrent_workers"`
}

type PricingConfig struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	Timeout          int    `yaml:"timeout"`
	MaxRetries       int    `yaml:"max_retries"`
	RetryBackoffBase int    `yaml:"retry_backoff_base"`
}

type SecurityConfig struct {
	APIKey      string `yaml:"api_key"`
	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`
}

type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	CheckOrigin     bool          `yaml:"check_origin"`
	PingPeriod      time.Duration `yaml:"ping_period"`
}

type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type LoggerConfig struct {
	Level      string `yaml:"level"`
	TimeFormat string `yaml:"time_format"`
	Pretty     bool   `yaml:"pretty"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	path := os.Getenv("CVS_CONFIG")
	if path == "" {
		path = "./config.yaml"
	}

	var config Config
	configData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Health.ProbeInterval == 0 {
		c.Health.ProbeInterval = 15 * time.Second
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 5 * time.Second
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Health.MaxBlockLag == 0 {
		c.Health.MaxBlockLag = 30
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 30 * time.Second
	}
	if c.Purchase.ReceiptPollInterval == 0 {
		c.Purchase.ReceiptPollInterval = 4 * time.Second
	}
	if c.Purchase.ReceiptWaitCeiling == 0 {
		c.Purchase.ReceiptWaitCeiling = 3 * time.Minute
	}
	if c.Purchase.VerifyMaxRetries == 0 {
		c.Purchase.VerifyMaxRetries = 3
	}
	if c.Purchase.ReconcileInterval == 0 {
		c.Purchase.ReconcileInterval = 30 * time.Second
	}
	if c.Purchase.ConcurrentWorkers == 0 {
		c.Purchase.ConcurrentWorkers = 10
	}
	if c.Chain.TokenDecimals == 0 {
		c.Chain.TokenDecimals = 18
	}
	if c.JWT.TokenTTL == 0 {
		c.JWT.TokenTTL = 24 * time.Hour
	}
}
