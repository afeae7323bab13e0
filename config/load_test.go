package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
env: test
broker:
  adapter: paper
placement:
  portfolioCapacity: 3
  capitalPerTrade: 1000
  minCombinedScore: 60
users:
  - userId: user1
    enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写配置失败: %v", err)
	}
	return path
}

func TestLoadValidConfigWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}

	if cfg.Env != "test" || cfg.Placement.PortfolioCapacity != 3 {
		t.Errorf("显式字段不符: %+v", cfg)
	}
	// 未配置的部分落默认值
	if cfg.Store.Driver != "memory" {
		t.Errorf("期望默认 store.driver=memory, 得到 %q", cfg.Store.Driver)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelayMs != 500 || cfg.Retry.BackoffMultiplier != 2.0 {
		t.Errorf("重试默认值不符: %+v", cfg.Retry)
	}
	if cfg.Reconcile.IntervalSeconds != 30 || cfg.Reconcile.AckGraceMinutes != 10 {
		t.Errorf("对账默认值不符: %+v", cfg.Reconcile)
	}
	if cfg.Exit.Policy != "tighten_only" {
		t.Errorf("期望默认离场策略 tighten_only, 得到 %q", cfg.Exit.Policy)
	}
	if cfg.Exit.IntervalSeconds != cfg.Reconcile.IntervalSeconds {
		t.Errorf("离场周期应默认跟随对账周期, 得到 %d", cfg.Exit.IntervalSeconds)
	}
	if len(cfg.Notify.Channels) != 1 || cfg.Notify.Channels[0] != "log" {
		t.Errorf("通知默认通道不符: %v", cfg.Notify.Channels)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("不存在的文件应报错")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "env: [broken")); err == nil {
		t.Error("非法 YAML 应报错")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*AppConfig)
		wantSub string
	}{
		{"missing env", func(c *AppConfig) { c.Env = "" }, "env is required"},
		{"unknown adapter", func(c *AppConfig) { c.Broker.Adapter = "etrade" }, "broker.adapter"},
		{"alpaca without keys", func(c *AppConfig) { c.Broker.Adapter = "alpaca" }, "apiKey"},
		{"sqlite without path", func(c *AppConfig) { c.Store.Driver = "sqlite"; c.Store.Path = "" }, "store.path"},
		{"zero capacity", func(c *AppConfig) { c.Placement.PortfolioCapacity = 0 }, "portfolioCapacity"},
		{"zero capital", func(c *AppConfig) { c.Placement.CapitalPerTrade = 0 }, "capitalPerTrade"},
		{"bad multiplier", func(c *AppConfig) { c.Retry.BackoffMultiplier = 0.5 }, "backoffMultiplier"},
		{"max below base delay", func(c *AppConfig) { c.Retry.BaseDelayMs = 5000; c.Retry.MaxDelayMs = 1000 }, "maxDelayMs"},
		{"unknown exit policy", func(c *AppConfig) { c.Exit.Policy = "loosen_always" }, "exit.policy"},
		{"no users", func(c *AppConfig) { c.Users = nil }, "users"},
		{"duplicate user", func(c *AppConfig) {
			c.Users = append(c.Users, UserConfig{UserID: "user1"})
		}, "duplicate"},
		{"half quiet hours", func(c *AppConfig) {
			c.Notify.Users = map[string]UserPreference{"user1": {QuietStart: "22:00"}}
		}, "quietStart"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			if err != nil {
				t.Fatalf("基准配置应有效: %v", err)
			}
			tc.mutate(&cfg)
			err = Validate(cfg)
			if err == nil {
				t.Fatal("应返回校验错误")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("错误信息应包含 %q, 得到 %v", tc.wantSub, err)
			}
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	yaml := `
env: test
broker:
  adapter: alpaca
  apiKey: file-key
  apiSecret: file-secret
placement:
  portfolioCapacity: 3
  capitalPerTrade: 1000
users:
  - userId: user1
    enabled: true
`
	t.Setenv("ST_BROKER_API_KEY", "env-key")
	t.Setenv("ST_BROKER_API_SECRET", "env-secret")
	t.Setenv("ST_STORE_PATH", "/tmp/override.db")

	cfg, err := LoadWithEnvOverrides(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Broker.APIKey != "env-key" || cfg.Broker.APISecret != "env-secret" {
		t.Errorf("环境变量应覆盖文件值: %+v", cfg.Broker)
	}
	if cfg.Store.Path != "/tmp/override.db" {
		t.Errorf("期望覆盖 store.path, 得到 %q", cfg.Store.Path)
	}
}

func TestLoadNotifyPreferences(t *testing.T) {
	yaml := `
env: test
placement:
  portfolioCapacity: 3
  capitalPerTrade: 1000
notify:
  channels: [log, console]
  throttleSeconds: 120
  users:
    user1:
      channels:
        console: false
      events:
        partial_fill: false
      quietStart: "22:00"
      quietEnd: "08:00"
users:
  - userId: user1
    enabled: true
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	p, ok := cfg.Notify.Users["user1"]
	if !ok {
		t.Fatal("应解析出 user1 偏好")
	}
	if p.Channels["console"] || p.Events["partial_fill"] {
		t.Errorf("关闭项解析不符: %+v", p)
	}
	if p.QuietStart != "22:00" || p.QuietEnd != "08:00" {
		t.Errorf("静默时段不符: %+v", p)
	}
	if cfg.Notify.ThrottleSeconds != 120 {
		t.Errorf("期望 throttleSeconds=120, 得到 %d", cfg.Notify.ThrottleSeconds)
	}
}
