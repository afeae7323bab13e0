// Package store defines the repository interfaces backing the order state
// store, plus in-memory and SQLite implementations. All reads and writes are
// scoped by owner user id.
package store

import (
	"context"
	"errors"
	"time"

	"signal-trader-go/order"
)

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateID 主键冲突。local_order_id 不可复用，属编程错误。
	ErrDuplicateID = errors.New("duplicate local order id")
	// ErrVersionConflict 乐观并发检查失败（updated_at 不匹配）。
	ErrVersionConflict = errors.New("version conflict on update")
)

// OrderRepository 订单持久化。
type OrderRepository interface {
	// SaveOrder 插入新订单；主键已存在时返回 ErrDuplicateID。
	SaveOrder(ctx context.Context, o *order.TrackedOrder) error

	// GetOrder 按 (owner, localID) 读取。
	GetOrder(ctx context.Context, ownerID, localID string) (*order.TrackedOrder, error)

	// ListActiveOrders 返回该用户全部非终态订单。
	ListActiveOrders(ctx context.Context, ownerID string) ([]*order.TrackedOrder, error)

	// ListOrdersByStatus 返回该用户指定状态的订单。
	ListOrdersByStatus(ctx context.Context, ownerID string, status order.Status) ([]*order.TrackedOrder, error)

	// UpdateOrder 带乐观并发检查的更新：仅当存储中 updated_at 等于
	// expectedUpdatedAt 时写入，否则返回 ErrVersionConflict。
	UpdateOrder(ctx context.Context, o *order.TrackedOrder, expectedUpdatedAt time.Time) error
}

// RetryQueueRepository 重试队列持久化。
type RetryQueueRepository interface {
	SaveEntry(ctx context.Context, e *order.RetryQueueEntry) error
	GetEntry(ctx context.Context, ownerID, localID string) (*order.RetryQueueEntry, error)
	ListEntries(ctx context.Context, ownerID string) ([]*order.RetryQueueEntry, error)
	// ListDue 返回最晚在 now 到期的条目。
	ListDue(ctx context.Context, ownerID string, now time.Time) ([]*order.RetryQueueEntry, error)
	DeleteEntry(ctx context.Context, ownerID, localID string) error
}

// PositionRepository 持仓持久化。持仓由成交推导重算，不直接修改。
type PositionRepository interface {
	SavePosition(ctx context.Context, ownerID, symbol string, quantity int64, avgEntryPrice float64, activeExitOrderID string) error
	GetPosition(ctx context.Context, ownerID, symbol string) (*PositionRecord, error)
	ListPositions(ctx context.Context, ownerID string) ([]*PositionRecord, error)
	DeletePosition(ctx context.Context, ownerID, symbol string) error
}

// PositionRecord 持仓存储记录。
type PositionRecord struct {
	OwnerUserID       string
	Symbol            string
	QuantityHeld      int64
	AverageEntryPrice float64
	ActiveExitOrderID string
	UpdatedAt         time.Time
}

// Repositories 聚合三个仓库，便于注入。
type Repositories struct {
	Orders     OrderRepository
	RetryQueue RetryQueueRepository
	Positions  PositionRepository
}
