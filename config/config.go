package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"execflow/internal/model"
)

const DefaultPath = "config/config.yml"

// Markets sources.
const (
	MarketsStatic       = "static"
	MarketsExchangeInfo = "exchange_info"
)

type Config struct {
	Engine     EngineConfig           `yaml:"engine"`
	Logging    LoggingConfig          `yaml:"logging"`
	Metrics    MetricsConfig          `yaml:"metrics"`
	EMS        EMSConfig              `yaml:"ems"`
	Cache      CacheConfig            `yaml:"cache"`
	Supervisor SupervisorConfig       `yaml:"supervisor"`
	Mock       MockConfig             `yaml:"mock"`
	Venues     map[model.Venue]*Venue `yaml:"venues"`
}

type EngineConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled       bool             `yaml:"enabled"`
	FlushInterval time.Duration    `yaml:"flush_interval"`
	CloudWatch    CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type EMSConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	ExchangeIDTimeout time.Duration `yaml:"exchange_id_timeout"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
}

type CacheConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

type SupervisorConfig struct {
	RestartDelay    time.Duration `yaml:"restart_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MockConfig tunes paper accounts (environment "mock").
type MockConfig struct {
	FillDelay time.Duration `yaml:"fill_delay"`
}

type Venue struct {
	AccountPriority []model.AccountType `yaml:"account_priority"`
	MarketsSource   string              `yaml:"markets_source"`
	Markets         []Market            `yaml:"markets"`
	Accounts        []Account           `yaml:"accounts"`
}

type Market struct {
	Symbol    string           `yaml:"symbol"`
	Kind      model.MarketKind `yaml:"kind"`
	TickSize  decimal.Decimal  `yaml:"tick_size"`
	StepSize  decimal.Decimal  `yaml:"step_size"`
	MinAmount decimal.Decimal  `yaml:"min_amount"`
}

type Account struct {
	Type           model.AccountType    `yaml:"type"`
	WSURL          string               `yaml:"ws_url"`
	RestURL        string               `yaml:"rest_url"`
	LocalIP        string               `yaml:"local_ip"`
	BatchSize      int                  `yaml:"batch_size"`
	ReconnectDelay time.Duration        `yaml:"reconnect_delay"`
	PingInterval   time.Duration        `yaml:"ping_interval"`
	PongTimeout    time.Duration        `yaml:"pong_timeout"`
	RateLimit      RateLimit            `yaml:"rate_limit"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	Subscriptions  []model.Subscription `yaml:"subscriptions"`
}

type RateLimit struct {
	Operations int           `yaml:"operations"`
	Window     time.Duration `yaml:"window"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{FlushInterval: 30 * time.Second},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config, AppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// applyEnvOverrides reads <VENUE>_API_KEY / <VENUE>_API_SECRET into every
// non-paper account of that venue, and AWS_REGION into the CloudWatch sink.
func applyEnvOverrides(cfg *Config) {
	for name, venue := range cfg.Venues {
		if venue == nil {
			continue
		}
		prefix := strings.ToUpper(string(name))
		key := strings.TrimSpace(os.Getenv(prefix + "_API_KEY"))
		secret := strings.TrimSpace(os.Getenv(prefix + "_API_SECRET"))
		for i := range venue.Accounts {
			if model.IsMock(venue.Accounts[i].Type) {
				continue
			}
			if key != "" {
				venue.Accounts[i].APIKey = key
			}
			if secret != "" {
				venue.Accounts[i].APISecret = secret
			}
		}
	}
	if cfg.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config, env string) error {
	if cfg.Engine.Name == "" {
		return fmt.Errorf("engine.name is required")
	}
	if cfg.Engine.Version == "" {
		return fmt.Errorf("engine.version is required")
	}
	if cfg.EMS.QueueSize < 0 {
		return fmt.Errorf("ems.queue_size must not be negative")
	}
	if cfg.Metrics.CloudWatch.Enabled {
		if cfg.Metrics.CloudWatch.Region == "" {
			return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
		}
		if cfg.Metrics.CloudWatch.Namespace == "" {
			return fmt.Errorf("metrics.cloudwatch.namespace is required when CloudWatch is enabled")
		}
	}
	if len(cfg.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}

	seen := make(map[model.AccountType]struct{})
	for name, venue := range cfg.Venues {
		if name != model.VenueBinance && name != model.VenueBybit {
			return fmt.Errorf("venues.%s: unsupported venue", name)
		}
		if venue == nil || len(venue.Accounts) == 0 {
			return fmt.Errorf("venues.%s.accounts must not be empty", name)
		}
		switch venue.MarketsSource {
		case "":
			venue.MarketsSource = MarketsStatic
		case MarketsStatic, MarketsExchangeInfo:
		default:
			return fmt.Errorf("venues.%s.markets_source %q must be %s or %s", name, venue.MarketsSource, MarketsStatic, MarketsExchangeInfo)
		}
		for i, m := range venue.Markets {
			if m.Symbol == "" || !m.Kind.Valid() {
				return fmt.Errorf("venues.%s.markets[%d] needs a symbol and a kind", name, i)
			}
			if m.TickSize.IsNegative() || m.StepSize.IsNegative() || m.MinAmount.IsNegative() {
				return fmt.Errorf("venues.%s.markets[%d] increments must not be negative", name, i)
			}
		}
		for _, t := range venue.AccountPriority {
			if t.Venue != name {
				return fmt.Errorf("venues.%s.account_priority lists %s", name, t)
			}
		}
		for i, a := range venue.Accounts {
			if a.Type.IsZero() {
				return fmt.Errorf("venues.%s.accounts[%d].type is required", name, i)
			}
			if a.Type.Venue != name {
				return fmt.Errorf("venues.%s.accounts[%d]: %s belongs to another venue", name, i, a.Type)
			}
			if _, dup := seen[a.Type]; dup {
				return fmt.Errorf("venues.%s.accounts[%d]: duplicate account %s", name, i, a.Type)
			}
			seen[a.Type] = struct{}{}
			if a.WSURL == "" && len(a.Subscriptions) > 0 {
				return fmt.Errorf("venues.%s.accounts[%d]: subscriptions need a ws_url", name, i)
			}
			if a.RateLimit.Operations < 0 || a.RateLimit.Window < 0 {
				return fmt.Errorf("venues.%s.accounts[%d].rate_limit must not be negative", name, i)
			}
			if IsProductionLike(env) && a.Type.Env == model.EnvLive && (a.APIKey == "" || a.APISecret == "") {
				return fmt.Errorf("venues.%s.accounts[%d]: %s needs api credentials in %s", name, i, a.Type, env)
			}
		}
	}
	return nil
}
