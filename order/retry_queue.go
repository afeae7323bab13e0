package order

import "time"

// RetryReason 可恢复失败的原因码
type RetryReason string

const (
	ReasonInsufficientFunds RetryReason = "INSUFFICIENT_FUNDS" // 资金不足，稍后重试
	ReasonMarginUnavailable RetryReason = "MARGIN_UNAVAILABLE" // 保证金不足
	ReasonBrokerThrottled   RetryReason = "BROKER_THROTTLED"   // 券商限流，延后到下一轮
)

// RetryQueueEntry 包装一个因可恢复原因失败的订单，等待计划内重试。
// 成功、超出 MaxAttempts（终态失败并通知）或人工移除时出队。
type RetryQueueEntry struct {
	LocalOrderID  string
	OwnerUserID   string
	ReasonCode    RetryReason
	AttemptsMade  int
	MaxAttempts   int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Due 判断该条目是否到达重试时点。
func (e *RetryQueueEntry) Due(now time.Time) bool {
	return !now.Before(e.NextAttemptAt)
}

// Exhausted 判断重试预算是否耗尽。
func (e *RetryQueueEntry) Exhausted() bool {
	return e.AttemptsMade >= e.MaxAttempts
}

// Clone 返回拷贝。
func (e *RetryQueueEntry) Clone() *RetryQueueEntry {
	cp := *e
	return &cp
}
