package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"pairscope/internal/discovery"
	"pairscope/internal/ratelimit"
)

// Config holds all application configuration loaded from environment
// variables and the optional policy file.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":9090"`

	// Infrastructure
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	SnapshotKey   string `envconfig:"SNAPSHOT_KEY" default:"pairscope:snapshot"`
	EventChannel  string `envconfig:"EVENT_CHANNEL" default:"pairscope:events"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/collector.db"`

	// Upstreams
	DexAPI       string `envconfig:"DEX_API" default:"https://api.dexscreener.com"`
	OHLCVAPI     string `envconfig:"OHLCV_API" default:"https://api.geckoterminal.com/api/v2"`
	OHLCVNetwork string `envconfig:"OHLCV_NETWORK"` // defaults to the policy chain

	FetchMaxAttempts int           `envconfig:"FETCH_MAX_ATTEMPTS" default:"3"`
	FetchBackoff     time.Duration `envconfig:"FETCH_BACKOFF" default:"500ms"`

	DiscoveryRateCapacity float64 `envconfig:"DISCOVERY_RATE_CAPACITY" default:"5"`
	DiscoveryRatePerSec   float64 `envconfig:"DISCOVERY_RATE_PER_SEC" default:"1"`
	StatsRateCapacity     float64 `envconfig:"STATS_RATE_CAPACITY" default:"5"`
	StatsRatePerSec       float64 `envconfig:"STATS_RATE_PER_SEC" default:"1"`
	OHLCVRateCapacity     float64 `envconfig:"OHLCV_RATE_CAPACITY" default:"2"`
	OHLCVRatePerSec       float64 `envconfig:"OHLCV_RATE_PER_SEC" default:"0.5"`

	// Cadence
	DiscoveryInterval   time.Duration `envconfig:"DISCOVERY_INTERVAL" default:"60s"`
	StatsInterval       time.Duration `envconfig:"STATS_INTERVAL" default:"20s"`
	IndicatorInterval   time.Duration `envconfig:"INDICATOR_INTERVAL" default:"5m"`
	PersistInterval     time.Duration `envconfig:"PERSIST_INTERVAL" default:"30s"`
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"15s"`
	OHLCVRequestDelay   time.Duration `envconfig:"OHLCV_REQUEST_DELAY" default:"2s"`
	OHLCVCooldown       time.Duration `envconfig:"OHLCV_COOLDOWN" default:"60s"`

	RSIPeriod int  `envconfig:"RSI_PERIOD" default:"14"`
	ColdStart bool `envconfig:"COLD_START" default:"false"`

	// Alerts
	AlertWebhookURL  string `envconfig:"ALERT_WEBHOOK_URL"`
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `envconfig:"TELEGRAM_CHAT_ID"`

	PolicyFile string           `envconfig:"POLICY_FILE"`
	Policy     discovery.Policy `ignored:"true"`
}

// Load reads .env (when present), then the environment, then the policy
// file, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	cfg.Policy = discovery.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := discovery.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	}
	if cfg.OHLCVNetwork == "" {
		cfg.OHLCVNetwork = cfg.Policy.Chain
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects non-positive cadences and limiter settings.
func (c *Config) Validate() error {
	var errs []error
	intervals := []struct {
		name string
		d    time.Duration
	}{
		{"DISCOVERY_INTERVAL", c.DiscoveryInterval},
		{"STATS_INTERVAL", c.StatsInterval},
		{"INDICATOR_INTERVAL", c.IndicatorInterval},
		{"PERSIST_INTERVAL", c.PersistInterval},
		{"HEALTH_CHECK_INTERVAL", c.HealthCheckInterval},
	}
	for _, iv := range intervals {
		if iv.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", iv.name))
		}
	}
	if c.OHLCVRequestDelay < 0 || c.OHLCVCooldown < 0 || c.FetchBackoff < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	if c.FetchMaxAttempts < 1 {
		errs = append(errs, errors.New("FETCH_MAX_ATTEMPTS must be at least 1"))
	}
	if c.RSIPeriod < 1 {
		errs = append(errs, errors.New("RSI_PERIOD must be at least 1"))
	}
	for _, l := range c.Limiters() {
		if l.Capacity <= 0 || l.RefillRate <= 0 {
			errs = append(errs, fmt.Errorf("%s limiter: capacity and rate must be positive", l.Name))
		}
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Limiters returns one limiter config per upstream endpoint class.
func (c *Config) Limiters() []ratelimit.Config {
	return []ratelimit.Config{
		{Name: "discovery", Capacity: c.DiscoveryRateCapacity, RefillRate: c.DiscoveryRatePerSec},
		{Name: "stats", Capacity: c.StatsRateCapacity, RefillRate: c.StatsRatePerSec},
		{Name: "ohlcv", Capacity: c.OHLCVRateCapacity, RefillRate: c.OHLCVRatePerSec},
	}
}
