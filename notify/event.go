package notify

import "time"

// 事件类型：只向用户通报影响其订单/持仓的结果，不通报内部重试。
const (
	EventOrderPlaced        = "order_placed"
	EventOrderExecuted      = "order_executed"
	EventPartialFill        = "partial_fill"
	EventOrderCancelled     = "order_cancelled"
	EventOrderRejected      = "order_rejected"
	EventManualModification = "manual_modification"
	EventRetryExhausted     = "retry_exhausted"
)

// Event 一条待投递的用户通知。
type Event struct {
	OwnerUserID string                 // 所属用户
	Type        string                 // 事件类型
	Level       string                 // "INFO", "WARNING", "ERROR"
	Message     string                 // 通知消息
	Fields      map[string]interface{} // 附加字段（如改单 change set）
	Timestamp   time.Time              // 事件时间
}
