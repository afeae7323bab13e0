package broker

import (
	"sync"
	"time"
)

// RateLimiter 节流出站券商调用。Wait 阻塞到允许发起下一次调用。
type RateLimiter interface {
	Wait()
}

// TokenBucketLimiter 按最小调用间隔摊开请求，并保留突发额度。
// 券商按每分钟请求数限流，均匀摊开比贴着上限冲要稳。
type TokenBucketLimiter struct {
	mu       sync.Mutex
	interval time.Duration // 两次调用的最小间隔
	credits  float64       // 当前可用的突发额度
	maxBurst float64
	lastCall time.Time
}

// NewTokenBucketLimiter 创建限流器。rate 为每秒调用数，burst 为
// 允许的突发调用数，非法值回落到 1。
func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{
		interval: time.Duration(float64(time.Second) / rate),
		credits:  float64(burst),
		maxBurst: float64(burst),
		lastCall: time.Now(),
	}
}

// Wait 消耗一个额度，额度耗尽时阻塞到下一个间隔点。
func (l *TokenBucketLimiter) Wait() {
	l.mu.Lock()

	now := time.Now()
	regained := float64(now.Sub(l.lastCall)) / float64(l.interval)
	l.credits += regained
	if l.credits > l.maxBurst {
		l.credits = l.maxBurst
	}
	l.lastCall = now

	if l.credits >= 1 {
		l.credits--
		l.mu.Unlock()
		return
	}

	wait := time.Duration((1 - l.credits) * float64(l.interval))
	l.credits = 0
	l.mu.Unlock()
	time.Sleep(wait)
}

// NopLimiter 不限流，测试与纸面券商用。
type NopLimiter struct{}

func (NopLimiter) Wait() {}
