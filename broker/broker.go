// Package broker 定义与券商订单管理 API 的窄边界：下单、撤单、查单、
// 快照。券商特有的解析留在各适配器内，核心只依赖本包的类型。
package broker

import (
	"context"
	"time"

	"signal-trader-go/order"
)

// BrokerStatus 券商侧订单状态（归一化后）
type BrokerStatus string

const (
	BrokerStatusOpen            BrokerStatus = "OPEN"             // 已接收，未成交
	BrokerStatusPartiallyFilled BrokerStatus = "PARTIALLY_FILLED" // 部分成交
	BrokerStatusFilled          BrokerStatus = "FILLED"
	BrokerStatusCancelled       BrokerStatus = "CANCELLED"
	BrokerStatusRejected        BrokerStatus = "REJECTED"
)

// OrderRequest 下单请求
type OrderRequest struct {
	ClientOrderID string // 引擎侧 ID，便于券商回传关联
	Symbol        string
	Side          order.Side
	Kind          order.Kind
	Quantity      int64
	LimitPrice    float64 // 市价单为 0
	TimeInForce   string
}

// BrokerOrder 券商侧订单事实（归一化后）
type BrokerOrder struct {
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Side           order.Side
	Kind           order.Kind
	Status         BrokerStatus
	Quantity       int64
	LimitPrice     float64
	FilledQuantity int64
	AvgFillPrice   float64
	UpdatedAt      time.Time
}

// Open 订单是否仍在券商簿上开放
func (o *BrokerOrder) Open() bool {
	return o.Status == BrokerStatusOpen || o.Status == BrokerStatusPartiallyFilled
}

// Holding 券商侧持仓
type Holding struct {
	Symbol   string
	Quantity int64
	AvgPrice float64
}

// Snapshot 一次调用取回的订单簿+持仓快照。对账以单个快照为
// 一致性边界，避免跨调用撕裂。
type Snapshot struct {
	Orders   []BrokerOrder
	Holdings []Holding
	TakenAt  time.Time
}

// FindByBrokerID 在快照中按券商 ID 查找订单。
func (s *Snapshot) FindByBrokerID(brokerOrderID string) (*BrokerOrder, bool) {
	for i := range s.Orders {
		if s.Orders[i].BrokerOrderID == brokerOrderID {
			return &s.Orders[i], true
		}
	}
	return nil, false
}

// FindByCorrelation 按 (symbol, side, quantity) 关联尚未拿到券商 ID 的订单。
func (s *Snapshot) FindByCorrelation(symbol string, side order.Side, quantity int64) (*BrokerOrder, bool) {
	for i := range s.Orders {
		o := &s.Orders[i]
		if o.Symbol == symbol && o.Side == side && o.Quantity == quantity && o.Open() {
			return o, true
		}
	}
	return nil, false
}

// API 券商订单管理接口。实现负责自身的鉴权与限流。
type API interface {
	// SubmitOrder 提交订单，返回券商订单 ID。
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder 按券商 ID 撤单。
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// QueryOrder 按券商 ID 查单（含已终结订单）。
	QueryOrder(ctx context.Context, brokerOrderID string) (*BrokerOrder, error)

	// QueryBook 取当前订单簿与持仓的单一一致快照。
	QueryBook(ctx context.Context) (*Snapshot, error)
}
