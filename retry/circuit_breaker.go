package retry

import (
	"fmt"
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 - 正常放行券商调用
	StateClosed State = iota
	// StateOpen 打开状态 - 熔断，直接返回合成失败
	StateOpen
	// StateHalfOpen 半开状态 - 放行试探调用
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker 针对券商 API 的熔断器：连续失败达到阈值后打开，
// 冷却期满进入半开，试探成功则关闭，失败则重新打开。
type CircuitBreaker struct {
	threshold      int           // 连续失败阈值
	timeout        time.Duration // 打开状态持续时间
	halfOpenMaxTry int           // 半开状态试探次数

	state           State
	failureCount    int64
	successCount    int64
	consecutiveFail int64
	lastFailTime    time.Time
	openTime        time.Time

	mu sync.RWMutex
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	FailureThreshold int           // 触发熔断的连续失败次数
	RecoveryTimeout  time.Duration // 熔断后冷却时间
	HalfOpenMaxTry   int           // 半开状态试探次数（默认1）
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxTry <= 0 {
		config.HalfOpenMaxTry = 1
	}

	return &CircuitBreaker{
		threshold:      config.FailureThreshold,
		timeout:        config.RecoveryTimeout,
		halfOpenMaxTry: config.HalfOpenMaxTry,
		state:          StateClosed,
	}
}

// Allow 调用前检查；熔断期间返回错误。
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.openTime) >= cb.timeout {
			cb.state = StateHalfOpen
			cb.successCount = 0
			cb.failureCount = 0
			return nil
		}
		return fmt.Errorf("circuit breaker is open, wait for %v", cb.timeout-time.Since(cb.openTime))

	case StateHalfOpen:
		if cb.successCount+cb.failureCount >= int64(cb.halfOpenMaxTry) {
			if cb.failureCount > 0 {
				cb.state = StateOpen
				cb.openTime = time.Now()
				return fmt.Errorf("circuit breaker half-open trial failed")
			}
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.failureCount = 0
			cb.successCount = 0
		}
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %d", cb.state)
	}
}

// RecordSuccess 记录一次成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.consecutiveFail = 0

	if cb.state == StateHalfOpen && cb.successCount >= int64(cb.halfOpenMaxTry) {
		cb.state = StateClosed
		cb.failureCount = 0
		cb.successCount = 0
	}
}

// RecordFailure 记录一次失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.consecutiveFail++
	cb.lastFailTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFail >= int64(cb.threshold) {
			cb.state = StateOpen
			cb.openTime = time.Now()
		}

	case StateHalfOpen:
		// 半开状态下失败，立即重新打开
		cb.state = StateOpen
		cb.openTime = time.Now()
		cb.successCount = 0
		cb.failureCount = 0
	}
}

// GetState 获取当前状态
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// IsOpen 判断是否处于打开状态
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen
}

// IsClosed 判断是否处于关闭状态
func (cb *CircuitBreaker) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateClosed
}

// Reset 重置熔断器（谨慎使用）
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.consecutiveFail = 0
	cb.lastFailTime = time.Time{}
	cb.openTime = time.Time{}
}
