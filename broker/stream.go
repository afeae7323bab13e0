package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"signal-trader-go/order"
)

// OrderUpdate 券商推送的单笔订单变更事件。
type OrderUpdate struct {
	BrokerOrderID  string  `json:"broker_order_id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Status         string  `json:"status"`
	Quantity       int64   `json:"quantity"`
	Price          float64 `json:"price"`
	FilledQuantity int64   `json:"filled_quantity"`
	AvgFillPrice   float64 `json:"avg_fill_price"`
}

// ToBrokerOrder 把推送事件折算成快照中的订单形状，供单笔对账复用。
func (u *OrderUpdate) ToBrokerOrder() BrokerOrder {
	return BrokerOrder{
		BrokerOrderID:  u.BrokerOrderID,
		ClientOrderID:  u.ClientOrderID,
		Symbol:         u.Symbol,
		Side:           order.Side(u.Side),
		Status:         BrokerStatus(u.Status),
		Quantity:       u.Quantity,
		LimitPrice:     u.Price,
		FilledQuantity: u.FilledQuantity,
		AvgFillPrice:   u.AvgFillPrice,
		UpdatedAt:      time.Now().UTC(),
	}
}

// UpdateHandler 收到事件后的回调。返回错误只记录，不中断流。
type UpdateHandler func(OrderUpdate) error

// Stream 可选的券商推送通道：把订单更新事件转成单笔对账输入，
// 不改变状态机，仅替代"全量拉取再 diff"的快路径。
type Stream struct {
	URL    string
	Dialer *websocket.Dialer

	// 重连退避
	ReconnectDelay time.Duration
	MaxDelay       time.Duration
}

// NewStream 创建推送流客户端。
func NewStream(url string) *Stream {
	return &Stream{
		URL:            url,
		Dialer:         websocket.DefaultDialer,
		ReconnectDelay: time.Second,
		MaxDelay:       30 * time.Second,
	}
}

// Run 连接并持续读取事件，断线按指数退避重连，ctx 取消时退出。
func (s *Stream) Run(ctx context.Context, handler UpdateHandler, onError func(error)) error {
	if s.URL == "" {
		return fmt.Errorf("stream url required")
	}
	delay := s.ReconnectDelay

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.readLoop(ctx, handler)
		if err != nil && onError != nil {
			onError(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.MaxDelay {
			delay = s.MaxDelay
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, handler UpdateHandler) error {
	conn, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		var update OrderUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			// 未知消息跳过，不断流
			continue
		}
		if update.BrokerOrderID == "" {
			continue
		}
		if err := handler(update); err != nil {
			return fmt.Errorf("handle update %s: %w", update.BrokerOrderID, err)
		}
	}
}
