package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string          `yaml:"env"`
	Log       LogConfig       `yaml:"log"`
	Broker    BrokerConfig    `yaml:"broker"`
	Store     StoreConfig     `yaml:"store"`
	Placement PlacementConfig `yaml:"placement"`
	Retry     RetryConfig     `yaml:"retry"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Exit      ExitConfig      `yaml:"exit"`
	Notify    NotifyConfig    `yaml:"notify"`
	HTTP      HTTPConfig      `yaml:"http"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Users     []UserConfig    `yaml:"users"`
}

type LogConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"`
	Outputs    []string `yaml:"outputs"`
	OutputFile string   `yaml:"outputFile"`
	ErrorFile  string   `yaml:"errorFile"`
}

type BrokerConfig struct {
	Adapter           string  `yaml:"adapter"` // paper | alpaca
	APIKey            string  `yaml:"apiKey"`
	APISecret         string  `yaml:"apiSecret"`
	BaseURL           string  `yaml:"baseURL"`
	StreamURL         string  `yaml:"streamURL"`
	RatePerSec        float64 `yaml:"ratePerSec"`
	Burst             int     `yaml:"burst"`
	CallTimeoutMs     int     `yaml:"callTimeoutMs"`
	SessionTTLMinutes int     `yaml:"sessionTTLMinutes"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite
	Path   string `yaml:"path"`   // sqlite 文件路径
}

type PlacementConfig struct {
	PortfolioCapacity int     `yaml:"portfolioCapacity"`
	CapitalPerTrade   float64 `yaml:"capitalPerTrade"`
	MinCombinedScore  float64 `yaml:"minCombinedScore"`
	TimeInForce       string  `yaml:"timeInForce"`
	Venue             string  `yaml:"venue"`
	RetryMaxAttempts  int     `yaml:"retryMaxAttempts"`  // 计划重试预算
	RetryDelayMinutes int     `yaml:"retryDelayMinutes"` // 计划重试间隔
	IntervalSeconds   int     `yaml:"intervalSeconds"`   // 下单轮询周期
}

type RetryConfig struct {
	MaxAttempts            int     `yaml:"maxAttempts"`
	BaseDelayMs            int     `yaml:"baseDelayMs"`
	MaxDelayMs             int     `yaml:"maxDelayMs"`
	BackoffMultiplier      float64 `yaml:"backoffMultiplier"`
	FailureThreshold       int     `yaml:"failureThreshold"`
	RecoveryTimeoutSeconds int     `yaml:"recoveryTimeoutSeconds"`
}

type ReconcileConfig struct {
	IntervalSeconds int     `yaml:"intervalSeconds"`
	AckGraceMinutes int     `yaml:"ackGraceMinutes"`
	PriceEpsilon    float64 `yaml:"priceEpsilon"`
}

type ExitConfig struct {
	Policy           string  `yaml:"policy"` // tighten_only | track_reference
	TargetMultiplier float64 `yaml:"targetMultiplier"`
	MinReprice       float64 `yaml:"minReprice"`
	TimeInForce      string  `yaml:"timeInForce"`
	IntervalSeconds  int     `yaml:"intervalSeconds"`
}

type NotifyConfig struct {
	Channels        []string                  `yaml:"channels"` // 启用的通道
	ThrottleSeconds int                       `yaml:"throttleSeconds"`
	Users           map[string]UserPreference `yaml:"users"` // 按 userId 覆盖
}

// UserPreference 单用户通知偏好。未配置的项默认放行。
type UserPreference struct {
	Channels   map[string]bool `yaml:"channels"`
	Events     map[string]bool `yaml:"events"`
	QuietStart string          `yaml:"quietStart"` // "HH:MM"
	QuietEnd   string          `yaml:"quietEnd"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// UserConfig 一个受管用户会话。
type UserConfig struct {
	UserID  string `yaml:"userId"`
	Enabled bool   `yaml:"enabled"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("ST_BROKER_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("ST_BROKER_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("ST_BROKER_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("ST_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Broker.Adapter == "" {
		cfg.Broker.Adapter = "paper"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Placement.IntervalSeconds <= 0 {
		cfg.Placement.IntervalSeconds = 300
	}
	if cfg.Placement.RetryMaxAttempts <= 0 {
		cfg.Placement.RetryMaxAttempts = 3
	}
	if cfg.Placement.RetryDelayMinutes <= 0 {
		cfg.Placement.RetryDelayMinutes = 15
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelayMs <= 0 {
		cfg.Retry.BaseDelayMs = 500
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = 10000
	}
	if cfg.Retry.BackoffMultiplier <= 0 {
		cfg.Retry.BackoffMultiplier = 2.0
	}
	if cfg.Retry.FailureThreshold <= 0 {
		cfg.Retry.FailureThreshold = 5
	}
	if cfg.Retry.RecoveryTimeoutSeconds <= 0 {
		cfg.Retry.RecoveryTimeoutSeconds = 30
	}
	if cfg.Reconcile.IntervalSeconds <= 0 {
		cfg.Reconcile.IntervalSeconds = 30
	}
	if cfg.Reconcile.AckGraceMinutes <= 0 {
		cfg.Reconcile.AckGraceMinutes = 10
	}
	if cfg.Exit.Policy == "" {
		cfg.Exit.Policy = "tighten_only"
	}
	if cfg.Exit.IntervalSeconds <= 0 {
		cfg.Exit.IntervalSeconds = cfg.Reconcile.IntervalSeconds
	}
	if len(cfg.Notify.Channels) == 0 {
		cfg.Notify.Channels = []string{"log"}
	}
	if cfg.Notify.ThrottleSeconds <= 0 {
		cfg.Notify.ThrottleSeconds = 60
	}
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	switch cfg.Broker.Adapter {
	case "paper":
	case "alpaca":
		if cfg.Broker.APIKey == "" || cfg.Broker.APISecret == "" {
			return errors.New("broker.apiKey/apiSecret is required for alpaca (or env overrides)")
		}
	default:
		return fmt.Errorf("unknown broker.adapter %q", cfg.Broker.Adapter)
	}
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
	if cfg.Placement.PortfolioCapacity <= 0 {
		return errors.New("placement.portfolioCapacity must be > 0")
	}
	if cfg.Placement.CapitalPerTrade <= 0 {
		return errors.New("placement.capitalPerTrade must be > 0")
	}
	if cfg.Placement.MinCombinedScore < 0 {
		return errors.New("placement.minCombinedScore must be >= 0")
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		return errors.New("retry.backoffMultiplier must be >= 1")
	}
	if cfg.Retry.MaxDelayMs < cfg.Retry.BaseDelayMs {
		return errors.New("retry.maxDelayMs must be >= retry.baseDelayMs")
	}
	switch cfg.Exit.Policy {
	case "tighten_only", "track_reference":
	default:
		return fmt.Errorf("unknown exit.policy %q", cfg.Exit.Policy)
	}
	if len(cfg.Users) == 0 {
		return errors.New("users config is required")
	}
	seen := make(map[string]bool, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.UserID == "" {
			return errors.New("users[].userId must not be empty")
		}
		if seen[u.UserID] {
			return fmt.Errorf("duplicate userId %q", u.UserID)
		}
		seen[u.UserID] = true
	}
	for uid, p := range cfg.Notify.Users {
		if (p.QuietStart == "") != (p.QuietEnd == "") {
			return fmt.Errorf("notify.users.%s quietStart/quietEnd must be set together", uid)
		}
	}
	return nil
}
