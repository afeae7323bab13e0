// Package retry 包装所有出站券商调用：有界重试 + 指数退避 + 熔断。
// 只有暂时性故障（超时、5xx、限流）消耗重试预算；业务拒绝与
// 结构性错误立即上抛，由调用方决定进重试队列还是终态。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"signal-trader-go/broker"
	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/infrastructure/monitor"
)

// ErrCircuitOpen 熔断打开期间的合成失败。
var ErrCircuitOpen = errors.New("broker circuit is open")

// Config 重试控制器配置
type Config struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Multiplier       float64       `yaml:"multiplier"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Multiplier:       2.0,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Controller 重试/退避控制器。每个用户 worker 持有一个实例，
// 熔断状态因此按用户会话隔离。
type Controller struct {
	cfg     Config
	breaker *CircuitBreaker
	log     *logger.Logger
	mon     *monitor.Monitor
}

// New 创建控制器。log/mon 可为 nil。
func New(cfg Config, log *logger.Logger, mon *monitor.Monitor) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	return &Controller{
		cfg: cfg,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout,
		}),
		log: log,
		mon: mon,
	}
}

// Breaker 暴露熔断器供只读检查。
func (c *Controller) Breaker() *CircuitBreaker {
	return c.breaker
}

// Do 执行一次券商调用。暂时性失败按 delay_n = min(max, base*mult^n)
// 退避后重试，重试间隔尊重 ctx 取消。
func (c *Controller) Do(ctx context.Context, op string, fn func() error) error {
	if err := c.breaker.Allow(); err != nil {
		c.observeCircuit()
		return fmt.Errorf("%w: %s", ErrCircuitOpen, op)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.delay(attempt-1)); err != nil {
				return err
			}
		}

		start := time.Now()
		err := fn()
		c.observe(op, time.Since(start), err)

		if err == nil {
			c.breaker.RecordSuccess()
			c.observeCircuit()
			return nil
		}

		class := broker.ClassOf(err)
		if class != broker.ClassTransient {
			// 业务/结构性错误不重试也不计入熔断
			return err
		}

		c.breaker.RecordFailure()
		c.observeCircuit()
		lastErr = err
		if c.log != nil {
			c.log.LogRetry("transient_failure", map[string]interface{}{
				"op":      op,
				"attempt": attempt + 1,
				"max":     c.cfg.MaxAttempts,
				"error":   err.Error(),
			})
		}
		if c.breaker.IsOpen() {
			break
		}
	}
	return fmt.Errorf("%s exhausted %d attempts: %w", op, c.cfg.MaxAttempts, lastErr)
}

// delay 第 n 次重试前的等待时间
func (c *Controller) delay(n int) time.Duration {
	d := float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(n))
	if d > float64(c.cfg.MaxDelay) {
		return c.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Controller) observe(op string, d time.Duration, err error) {
	if c.mon == nil {
		return
	}
	class := ""
	if err != nil {
		class = broker.ClassOf(err).String()
	}
	c.mon.BrokerCall(op, d, class)
}

func (c *Controller) observeCircuit() {
	if c.mon == nil {
		return
	}
	c.mon.SetCircuitState(int(c.breaker.GetState()))
}
