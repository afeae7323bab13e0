package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-trader-go/order"
)

func newStateStore() (*StateStore, Repositories) {
	repos := NewMemoryRepositories()
	return NewStateStore(repos.Orders, nil), repos
}

func TestStateStoreCreateDefaults(t *testing.T) {
	ss, _ := newStateStore()
	ctx := context.Background()

	o := &order.TrackedOrder{
		OwnerUserID:      "user1",
		Symbol:           "AAPL",
		Side:             order.SideBuy,
		Kind:             order.KindLimit,
		IntendedQuantity: 10,
		IntendedPrice:    100,
	}
	if err := ss.Create(ctx, o); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	// 未指定时自动分配 ID、默认 PENDING_SUBMIT、盖时间戳
	if o.LocalOrderID == "" {
		t.Error("LocalOrderID 应被自动分配")
	}
	if o.Status != order.StatusPendingSubmit {
		t.Errorf("期望默认状态 PENDING_SUBMIT, 得到 %s", o.Status)
	}
	if o.CreatedAt.IsZero() || o.UpdatedAt.IsZero() {
		t.Error("CreatedAt/UpdatedAt 应被填充")
	}
}

func TestStateStoreTransitionLegal(t *testing.T) {
	ss, _ := newStateStore()
	ctx := context.Background()

	o := newTestOrder("user1", "loc-1", "AAPL")
	if err := ss.Create(ctx, o); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	got, err := ss.Transition(ctx, "user1", "loc-1", order.StatusSubmitted, func(cur *order.TrackedOrder) {
		cur.BrokerOrderID = "B-001"
	})
	if err != nil {
		t.Fatalf("转换失败: %v", err)
	}
	if got.Status != order.StatusSubmitted || got.BrokerOrderID != "B-001" {
		t.Errorf("转换结果不符: status=%s brokerID=%s", got.Status, got.BrokerOrderID)
	}

	// 写入已持久化
	stored, err := ss.Get(ctx, "user1", "loc-1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if stored.Status != order.StatusSubmitted {
		t.Errorf("持久化状态不符: %s", stored.Status)
	}
}

func TestStateStoreTerminalRegressionRejected(t *testing.T) {
	ss, _ := newStateStore()
	ctx := context.Background()

	o := newTestOrder("user1", "loc-1", "AAPL")
	o.Status = order.StatusFilled
	if err := ss.Create(ctx, o); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	// 终态订单禁止任何回退写入，存储保持不变
	_, err := ss.Transition(ctx, "user1", "loc-1", order.StatusSubmitted, nil)
	if !errors.Is(err, order.ErrTerminalRegression) {
		t.Fatalf("期望 ErrTerminalRegression, 得到 %v", err)
	}
	stored, err := ss.Get(ctx, "user1", "loc-1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if stored.Status != order.StatusFilled {
		t.Errorf("被拒绝的写入不应改动存储, 得到 %s", stored.Status)
	}
}

func TestStateStoreBrokerIDImmutable(t *testing.T) {
	ss, _ := newStateStore()
	ctx := context.Background()

	o := newTestOrder("user1", "loc-1", "AAPL")
	o.Status = order.StatusSubmitted
	o.BrokerOrderID = "B-001"
	if err := ss.Create(ctx, o); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	// broker_order_id 一经设置不可变更
	_, err := ss.Transition(ctx, "user1", "loc-1", order.StatusPartiallyFilled, func(cur *order.TrackedOrder) {
		cur.BrokerOrderID = "B-002"
	})
	if !errors.Is(err, ErrBrokerIDChanged) {
		t.Fatalf("期望 ErrBrokerIDChanged, 得到 %v", err)
	}
	stored, err := ss.Get(ctx, "user1", "loc-1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if stored.BrokerOrderID != "B-001" || stored.Status != order.StatusSubmitted {
		t.Errorf("被拒绝的写入不应改动存储: %+v", stored)
	}
}

func TestStateStoreTransitionRetriesOnceOnConflict(t *testing.T) {
	repos := NewMemoryRepositories()
	ss := NewStateStore(&conflictOnceRepo{OrderRepository: repos.Orders}, nil)
	ctx := context.Background()

	o := newTestOrder("user1", "loc-1", "AAPL")
	if err := ss.Create(ctx, o); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	// 首次写入制造一次版本冲突，重读重放后应成功
	got, err := ss.Transition(ctx, "user1", "loc-1", order.StatusSubmitted, nil)
	if err != nil {
		t.Fatalf("冲突后重放应成功, 得到 %v", err)
	}
	if got.Status != order.StatusSubmitted {
		t.Errorf("期望 SUBMITTED, 得到 %s", got.Status)
	}
}

// conflictOnceRepo 首次 UpdateOrder 返回版本冲突，之后放行。
type conflictOnceRepo struct {
	OrderRepository
	fired bool
}

func (r *conflictOnceRepo) UpdateOrder(ctx context.Context, o *order.TrackedOrder, expectedUpdatedAt time.Time) error {
	if !r.fired {
		r.fired = true
		return ErrVersionConflict
	}
	return r.OrderRepository.UpdateOrder(ctx, o, expectedUpdatedAt)
}
