package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-trader-go/exit"
	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/placement"
	"signal-trader-go/reconcile"
	"signal-trader-go/signal"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StatePaused 暂停状态
	StatePaused
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 单用户引擎配置
type Config struct {
	UserID            string        // 归属用户
	PlacementInterval time.Duration // 下单轮询周期
	ReconcileInterval time.Duration // 对账周期
	RetryInterval     time.Duration // 重试队列检查周期
	ExitInterval      time.Duration // 离场维护周期
	PassTimeout       time.Duration // 单轮硬超时
}

// Components 引擎依赖组件
type Components struct {
	Placement  *placement.Engine
	Reconciler *reconcile.Monitor
	Exit       *exit.Engine
	Feed       signal.Feed
	Logger     *logger.Logger
}

// UserEngine 单用户交易引擎。下单、对账、离场三类轮次共用
// 一把 passMu，保证同一用户内串行执行；跨用户互不影响。
type UserEngine struct {
	// 配置
	config Config

	// 核心组件
	placement  *placement.Engine
	reconciler *reconcile.Monitor
	exit       *exit.Engine
	feed       signal.Feed
	logger     *logger.Logger

	// 状态
	state EngineState
	mu    sync.RWMutex

	// 轮次串行锁
	passMu sync.Mutex

	// 控制通道
	stopChan   chan struct{}
	doneChan   chan struct{}
	cancelPass context.CancelFunc

	// 统计信息
	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime          time.Time
	PlacementPasses    int64
	ReconcilePasses    int64
	RetryPasses        int64
	ExitPasses         int64
	TotalErrors        int64
	LastPlacementTime  time.Time
	LastReconcileTime  time.Time
	LastErrorMessage   string
	mu                 sync.RWMutex
}

// New 创建单用户引擎
func New(cfg Config, components Components) (*UserEngine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	// 设置默认值
	if cfg.PlacementInterval <= 0 {
		cfg.PlacementInterval = 5 * time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.ExitInterval <= 0 {
		cfg.ExitInterval = cfg.ReconcileInterval
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 60 * time.Second
	}

	return &UserEngine{
		config:     cfg,
		placement:  components.Placement,
		reconciler: components.Reconciler,
		exit:       components.Exit,
		feed:       components.Feed,
		logger:     components.Logger.ForUser(cfg.UserID),
		state:      StateIdle,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start 启动引擎
func (e *UserEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateStopped {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	// 如果从 StateStopped 复启，需要重建通道
	if e.state == StateStopped {
		e.stopChan = make(chan struct{})
		e.doneChan = make(chan struct{})
	}
	e.state = StateRunning
	e.stats.StartTime = time.Now()
	e.mu.Unlock()

	e.logger.Info("User engine starting",
		zap.String("user_id", e.config.UserID),
		zap.Duration("placement_interval", e.config.PlacementInterval),
		zap.Duration("reconcile_interval", e.config.ReconcileInterval))

	go e.run(ctx)
	return nil
}

// Stop 停止引擎。取消在途轮次，单订单写入本身原子，
// 中断不会留下半更新状态。
func (e *UserEngine) Stop() error {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil // 幂等
	}
	if e.state != StateRunning && e.state != StatePaused {
		e.mu.Unlock()
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	cancel := e.cancelPass
	e.mu.Unlock()

	e.logger.Info("User engine stopping...")

	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
	if cancel != nil {
		cancel()
	}

	select {
	case <-e.doneChan:
	case <-time.After(10 * time.Second):
		e.logger.Warn("Timeout waiting for engine to stop")
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	e.logger.Info("User engine stopped")
	return nil
}

// Pause 暂停引擎（跳过后续轮次，不中断在途轮次）
func (e *UserEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.state = StatePaused
	e.logger.Info("User engine paused")
	return nil
}

// Resume 恢复引擎
func (e *UserEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return fmt.Errorf("engine not paused (state: %s)", e.state)
	}
	e.state = StateRunning
	e.logger.Info("User engine resumed")
	return nil
}

// run 主事件循环
func (e *UserEngine) run(ctx context.Context) {
	defer close(e.doneChan)

	placementTicker := time.NewTicker(e.config.PlacementInterval)
	defer placementTicker.Stop()
	reconcileTicker := time.NewTicker(e.config.ReconcileInterval)
	defer reconcileTicker.Stop()
	retryTicker := time.NewTicker(e.config.RetryInterval)
	defer retryTicker.Stop()
	exitTicker := time.NewTicker(e.config.ExitInterval)
	defer exitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Context done, stopping engine")
			return

		case <-e.stopChan:
			e.logger.Info("Stop signal received")
			return

		case <-placementTicker.C:
			e.onPlacement(ctx)

		case <-reconcileTicker.C:
			e.onReconcile(ctx)

		case <-retryTicker.C:
			e.onRetry(ctx)

		case <-exitTicker.C:
			e.onExit(ctx)
		}
	}
}

// RunPlacementPass 执行一轮下单（调度器与 HTTP 管理接口共用）。
func (e *UserEngine) RunPlacementPass(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	passCtx, cancel := e.passContext(ctx)
	defer cancel()

	signals, err := e.feed.Fetch(passCtx, e.config.UserID)
	if err != nil {
		return fmt.Errorf("fetch signals: %w", err)
	}
	if len(signals) == 0 {
		return nil
	}
	_, err = e.placement.PlaceOrders(passCtx, e.config.UserID, signals)

	e.stats.mu.Lock()
	e.stats.PlacementPasses++
	e.stats.LastPlacementTime = time.Now()
	e.stats.mu.Unlock()
	return err
}

// RunReconciliationPass 执行一轮对账。
func (e *UserEngine) RunReconciliationPass(ctx context.Context) (reconcile.Summary, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	passCtx, cancel := e.passContext(ctx)
	defer cancel()

	summary, err := e.reconciler.RunPass(passCtx, e.config.UserID)

	e.stats.mu.Lock()
	e.stats.ReconcilePasses++
	e.stats.LastReconcileTime = time.Now()
	e.stats.mu.Unlock()
	return summary, err
}

// RunRetryPass 执行一轮重试队列处理。
func (e *UserEngine) RunRetryPass(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	passCtx, cancel := e.passContext(ctx)
	defer cancel()

	err := e.placement.RunRetryPass(passCtx, e.config.UserID)

	e.stats.mu.Lock()
	e.stats.RetryPasses++
	e.stats.mu.Unlock()
	return err
}

// RunExitPass 执行一轮离场维护。
func (e *UserEngine) RunExitPass(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	passCtx, cancel := e.passContext(ctx)
	defer cancel()

	levels, err := e.feed.ExitLevels(passCtx, e.config.UserID)
	if err != nil {
		return fmt.Errorf("fetch exit levels: %w", err)
	}
	if len(levels) == 0 {
		return nil
	}
	err = e.exit.RunPass(passCtx, e.config.UserID, levels)

	e.stats.mu.Lock()
	e.stats.ExitPasses++
	e.stats.mu.Unlock()
	return err
}

// passContext 派生带硬超时的轮次上下文，并登记取消函数供 Stop 使用。
func (e *UserEngine) passContext(ctx context.Context) (context.Context, context.CancelFunc) {
	passCtx, cancel := context.WithTimeout(ctx, e.config.PassTimeout)
	e.mu.Lock()
	e.cancelPass = cancel
	e.mu.Unlock()
	return passCtx, cancel
}

func (e *UserEngine) onPlacement(ctx context.Context) {
	if e.skipWhilePaused() {
		return
	}
	if err := e.RunPlacementPass(ctx); err != nil {
		e.recordError(err)
		e.logger.Error("Placement pass failed", zap.Error(err))
	}
}

func (e *UserEngine) onReconcile(ctx context.Context) {
	if e.skipWhilePaused() {
		return
	}
	if _, err := e.RunReconciliationPass(ctx); err != nil {
		e.recordError(err)
		e.logger.Error("Reconciliation pass failed", zap.Error(err))
	}
}

func (e *UserEngine) onRetry(ctx context.Context) {
	if e.skipWhilePaused() {
		return
	}
	if err := e.RunRetryPass(ctx); err != nil {
		e.recordError(err)
		e.logger.Error("Retry pass failed", zap.Error(err))
	}
}

func (e *UserEngine) onExit(ctx context.Context) {
	if e.skipWhilePaused() {
		return
	}
	if err := e.RunExitPass(ctx); err != nil {
		e.recordError(err)
		e.logger.Error("Exit pass failed", zap.Error(err))
	}
}

func (e *UserEngine) skipWhilePaused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state != StateRunning
}

func (e *UserEngine) recordError(err error) {
	e.stats.mu.Lock()
	e.stats.TotalErrors++
	e.stats.LastErrorMessage = err.Error()
	e.stats.mu.Unlock()
}

// UserID 返回归属用户
func (e *UserEngine) UserID() string {
	return e.config.UserID
}

// GetState 获取引擎状态
func (e *UserEngine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *UserEngine) GetStatistics() Statistics {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return Statistics{
		StartTime:         e.stats.StartTime,
		PlacementPasses:   e.stats.PlacementPasses,
		ReconcilePasses:   e.stats.ReconcilePasses,
		RetryPasses:       e.stats.RetryPasses,
		ExitPasses:        e.stats.ExitPasses,
		TotalErrors:       e.stats.TotalErrors,
		LastPlacementTime: e.stats.LastPlacementTime,
		LastReconcileTime: e.stats.LastReconcileTime,
		LastErrorMessage:  e.stats.LastErrorMessage,
	}
}

// validateConfig 验证配置
func validateConfig(cfg Config) error {
	if cfg.UserID == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// validateComponents 验证组件
func validateComponents(comp Components) error {
	if comp.Placement == nil {
		return errors.New("placement engine is required")
	}
	if comp.Reconciler == nil {
		return errors.New("reconciler is required")
	}
	if comp.Exit == nil {
		return errors.New("exit engine is required")
	}
	if comp.Feed == nil {
		return errors.New("signal feed is required")
	}
	if comp.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}
