package container

import (
	"context"
	"fmt"
	"os"
	"time"

	"signal-trader-go/broker"
	"signal-trader-go/config"
	"signal-trader-go/exit"
	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/infrastructure/monitor"
	"signal-trader-go/internal/engine"
	"signal-trader-go/internal/httpapi"
	"signal-trader-go/inventory"
	"signal-trader-go/notify"
	"signal-trader-go/placement"
	"signal-trader-go/reconcile"
	"signal-trader-go/report"
	"signal-trader-go/retry"
	"signal-trader-go/signal"
	"signal-trader-go/store"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg *config.AppConfig

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor

	// 存储
	sqlite *store.SQLiteStore
	repos  store.Repositories

	// 共享服务
	orders     *store.StateStore
	tracker    *inventory.Tracker
	feed       signal.Feed
	prefSource *notify.StaticSource
	dispatcher *notify.Dispatcher
	reports    *report.Builder

	// 用户引擎
	supervisor  *engine.Supervisor
	reconcilers map[string]*reconcile.Monitor

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 从已加载的配置创建容器（测试与模拟用）。
func NewWithConfig(cfg config.AppConfig) (*Container, error) {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(nil),
	}, nil
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildStore(); err != nil {
		return fmt.Errorf("build store failed: %w", err)
	}
	if err := c.buildSharedServices(); err != nil {
		return fmt.Errorf("build shared services failed: %w", err)
	}
	if err := c.buildUserEngines(); err != nil {
		return fmt.Errorf("build user engines failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	logCfg := logger.Config{
		Level:      c.cfg.Log.Level,
		Format:     c.cfg.Log.Format,
		Outputs:    c.cfg.Log.Outputs,
		OutputFile: c.cfg.Log.OutputFile,
		ErrorFile:  c.cfg.Log.ErrorFile,
	}
	if len(logCfg.Outputs) == 0 {
		logCfg = logger.DefaultConfig()
		logCfg.Level = c.cfg.Log.Level
	}

	var err error
	c.logger, err = logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.lifecycle.log = c.logger
	c.monitor = monitor.New(monitor.DefaultConfig())

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildStore() error {
	switch c.cfg.Store.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(c.cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		c.sqlite = s
		c.repos = s.Repositories()
	default:
		c.repos = store.NewMemoryRepositories()
	}

	c.orders = store.NewStateStore(c.repos.Orders, c.logger)
	c.tracker = inventory.NewTracker(c.repos.Orders, c.repos.Positions)

	c.logger.Info("store built")
	return nil
}

func (c *Container) buildSharedServices() error {
	// 通知偏好与闸门
	prefs := make([]notify.Preference, 0, len(c.cfg.Notify.Users))
	for uid, p := range c.cfg.Notify.Users {
		prefs = append(prefs, notify.Preference{
			OwnerUserID: uid,
			Channels:    p.Channels,
			Events:      p.Events,
			QuietStart:  p.QuietStart,
			QuietEnd:    p.QuietEnd,
		})
	}
	c.prefSource = notify.NewStaticSource(prefs)
	gate := notify.NewGate(c.prefSource, nil)

	c.dispatcher = notify.NewDispatcher(gate,
		time.Duration(c.cfg.Notify.ThrottleSeconds)*time.Second, c.logger, c.monitor)
	for _, name := range c.cfg.Notify.Channels {
		var ch notify.Channel
		switch name {
		case "log":
			ch = notify.NewLogChannel("log", os.Stdout)
		case "console":
			ch = notify.NewConsoleChannel("console")
		default:
			c.logger.Warn(fmt.Sprintf("unknown notify channel %q, skipped", name))
			continue
		}
		if err := c.dispatcher.AddChannel(ch); err != nil {
			return fmt.Errorf("register channel %s: %w", name, err)
		}
	}

	// 信号源
	if path := os.Getenv("ST_SIGNAL_FILE"); path != "" {
		c.feed = &signal.FileFeed{Path: path}
	} else {
		c.feed = signal.NewStaticFeed()
	}

	c.reports = report.NewBuilder(c.repos.Orders)
	c.supervisor = engine.NewSupervisor(c.logger)

	c.logger.Info("shared services built")
	return nil
}

// buildBrokerAPI 为一个用户构建券商适配器。每个用户独立实例，
// 限流与会话互不影响。
func (c *Container) buildBrokerAPI() broker.API {
	b := c.cfg.Broker
	switch b.Adapter {
	case "alpaca":
		rate := b.RatePerSec
		if rate <= 0 {
			rate = 3
		}
		burst := b.Burst
		if burst <= 0 {
			burst = 5
		}
		return broker.NewAlpacaBroker(b.APIKey, b.APISecret, b.BaseURL,
			broker.NewTokenBucketLimiter(rate, burst))
	default:
		return broker.NewPaperBroker(c.cfg.Placement.CapitalPerTrade *
			float64(c.cfg.Placement.PortfolioCapacity))
	}
}

func (c *Container) buildUserEngines() error {
	retryCfg := retry.Config{
		MaxAttempts:      c.cfg.Retry.MaxAttempts,
		BaseDelay:        time.Duration(c.cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:         time.Duration(c.cfg.Retry.MaxDelayMs) * time.Millisecond,
		Multiplier:       c.cfg.Retry.BackoffMultiplier,
		FailureThreshold: c.cfg.Retry.FailureThreshold,
		RecoveryTimeout:  time.Duration(c.cfg.Retry.RecoveryTimeoutSeconds) * time.Second,
	}
	placementCfg := placement.Config{
		PortfolioCapacity: c.cfg.Placement.PortfolioCapacity,
		CapitalPerTrade:   c.cfg.Placement.CapitalPerTrade,
		MinCombinedScore:  c.cfg.Placement.MinCombinedScore,
		TimeInForce:       c.cfg.Placement.TimeInForce,
		Venue:             c.cfg.Placement.Venue,
		RetryMaxAttempts:  c.cfg.Placement.RetryMaxAttempts,
		RetryDelay:        time.Duration(c.cfg.Placement.RetryDelayMinutes) * time.Minute,
	}
	reconcileCfg := reconcile.Config{
		AckGracePeriod: time.Duration(c.cfg.Reconcile.AckGraceMinutes) * time.Minute,
		PriceEpsilon:   c.cfg.Reconcile.PriceEpsilon,
	}
	exitCfg := exit.Config{
		Policy:           exit.Policy(c.cfg.Exit.Policy),
		TargetMultiplier: c.cfg.Exit.TargetMultiplier,
		MinReprice:       c.cfg.Exit.MinReprice,
		TimeInForce:      c.cfg.Exit.TimeInForce,
	}

	c.reconcilers = make(map[string]*reconcile.Monitor)
	for _, u := range c.cfg.Users {
		if !u.Enabled {
			c.logger.Info(fmt.Sprintf("user %s disabled, skipped", u.UserID))
			continue
		}
		userLog := c.logger.ForUser(u.UserID)
		session := broker.NewSession(c.buildBrokerAPI())
		controller := retry.New(retryCfg, userLog, c.monitor)

		placementEng := placement.New(placementCfg, c.orders, c.repos.RetryQueue,
			c.tracker, controller, session, c.dispatcher, userLog, c.monitor)
		reconciler := reconcile.New(reconcileCfg, c.orders, c.tracker,
			controller, session, c.dispatcher, userLog, c.monitor)
		c.reconcilers[u.UserID] = reconciler
		exitEng := exit.New(exitCfg, c.orders, c.tracker,
			controller, session, c.dispatcher, userLog, c.monitor)

		userEngine, err := engine.New(engine.Config{
			UserID:            u.UserID,
			PlacementInterval: time.Duration(c.cfg.Placement.IntervalSeconds) * time.Second,
			ReconcileInterval: time.Duration(c.cfg.Reconcile.IntervalSeconds) * time.Second,
			ExitInterval:      time.Duration(c.cfg.Exit.IntervalSeconds) * time.Second,
			PassTimeout:       time.Duration(c.cfg.Broker.CallTimeoutMs) * time.Millisecond * 10,
		}, engine.Components{
			Placement:  placementEng,
			Reconciler: reconciler,
			Exit:       exitEng,
			Feed:       c.feed,
			Logger:     c.logger,
		})
		if err != nil {
			return fmt.Errorf("user %s: %w", u.UserID, err)
		}
		if err := c.supervisor.Register(userEngine); err != nil {
			return err
		}
	}

	c.logger.Info("user engines built")
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.Broker.Adapter == "alpaca" && c.cfg.Broker.StreamURL != "" {
		c.lifecycle.Register(&streamComponent{
			stream:      broker.NewStream(c.cfg.Broker.StreamURL),
			reconcilers: c.reconcilers,
			logger:      c.logger,
		})
	}
	if c.monitor != nil && c.cfg.Metrics.Addr != "" {
		c.lifecycle.Register(&httpComponent{
			name:    "metrics_server",
			addr:    c.cfg.Metrics.Addr,
			handler: c.monitor.Handler(),
			log:     c.logger,
		})
	}
	if c.cfg.HTTP.Addr != "" {
		api := httpapi.NewServer(c.supervisor, c.repos, c.reports, c.logger)
		c.lifecycle.Register(&httpComponent{
			name:    "api_server",
			addr:    c.cfg.HTTP.Addr,
			handler: api.Handler(),
			log:     c.logger,
		})
	}
}

// Start 启动容器：先拉起 HTTP 服务，再启动全部用户引擎。
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	if err := c.supervisor.StartAll(ctx); err != nil {
		return fmt.Errorf("start user engines: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 停止容器：先停用户引擎（取消在途轮次），再停 HTTP 服务，
// 最后关闭存储与日志。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	if err := c.supervisor.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop_engines"})
	}
	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if c.sqlite != nil {
		if err := c.sqlite.Close(); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "close_store"})
		}
	}
	if c.logger != nil {
		c.logger.Close()
	}
	return nil
}

// ApplyConfig 应用热更新后的配置。只有通知偏好即时生效，
// 其余字段（券商、存储、引擎周期）需要重启进程。
func (c *Container) ApplyConfig(cfg config.AppConfig) {
	if c.prefSource == nil {
		return
	}
	for uid, p := range cfg.Notify.Users {
		c.prefSource.Set(notify.Preference{
			OwnerUserID: uid,
			Channels:    p.Channels,
			Events:      p.Events,
			QuietStart:  p.QuietStart,
			QuietEnd:    p.QuietEnd,
		})
	}
	c.logger.Info("config reloaded: notify preferences applied")
}

// HealthCheck 检查容器健康状态
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Supervisor 返回用户引擎监管器
func (c *Container) Supervisor() *engine.Supervisor {
	return c.supervisor
}

// Feed 返回信号源
func (c *Container) Feed() signal.Feed {
	return c.feed
}

// Logger 返回根日志器
func (c *Container) Logger() *logger.Logger {
	return c.logger
}
