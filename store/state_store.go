package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/order"
)

// ErrBrokerIDChanged broker_order_id 一经设置不可变更，违反视为编程错误。
var ErrBrokerIDChanged = errors.New("broker order id is immutable once set")

// StateStore 是订单状态存储：在 Repository 之上加状态机与所有权守卫。
// 终态到非终态的写入会被大声拒绝（编程错误，不是可重试条件），
// 存储保持原样不变。
type StateStore struct {
	repo OrderRepository
	sm   *order.StateMachine
	log  *logger.Logger
}

// NewStateStore 创建状态存储。log 可为 nil（测试）。
func NewStateStore(repo OrderRepository, log *logger.Logger) *StateStore {
	return &StateStore{
		repo: repo,
		sm:   order.NewStateMachine(),
		log:  log,
	}
}

// Machine 暴露状态机供只读判断使用。
func (s *StateStore) Machine() *order.StateMachine {
	return s.sm
}

// Create 登记新订单。LocalOrderID 重复属数据完整性错误。
func (s *StateStore) Create(ctx context.Context, o *order.TrackedOrder) error {
	if o.LocalOrderID == "" {
		o.LocalOrderID = order.NewLocalOrderID()
	}
	if o.Status == "" {
		o.Status = order.StatusPendingSubmit
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if err := s.repo.SaveOrder(ctx, o); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			s.logIntegrity(err, o.OwnerUserID, o.LocalOrderID)
		}
		return err
	}
	return nil
}

// Get 按所有者读取订单。
func (s *StateStore) Get(ctx context.Context, ownerID, localID string) (*order.TrackedOrder, error) {
	return s.repo.GetOrder(ctx, ownerID, localID)
}

// ListActive 返回该用户全部非终态订单。
func (s *StateStore) ListActive(ctx context.Context, ownerID string) ([]*order.TrackedOrder, error) {
	return s.repo.ListActiveOrders(ctx, ownerID)
}

// ListByStatus 返回该用户指定状态的订单。
func (s *StateStore) ListByStatus(ctx context.Context, ownerID string, status order.Status) ([]*order.TrackedOrder, error) {
	return s.repo.ListOrdersByStatus(ctx, ownerID, status)
}

// Transition 对单个订单原子地应用一次状态转换。
// mutate 在状态机校验通过后、写入前执行，可更新成交量等券商侧事实。
// 乐观并发冲突时重读重放一次；订单同一时刻只有一个合法写入方，
// 二次冲突直接上抛。
func (s *StateStore) Transition(ctx context.Context, ownerID, localID string, to order.Status, mutate func(*order.TrackedOrder)) (*order.TrackedOrder, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.repo.GetOrder(ctx, ownerID, localID)
		if err != nil {
			return nil, err
		}
		if err := s.sm.ValidateTransition(cur.Status, to); err != nil {
			// 完整性错误：拒绝写入，存储保持不变
			s.logIntegrity(err, ownerID, localID)
			return nil, err
		}
		expected := cur.UpdatedAt
		priorBrokerID := cur.BrokerOrderID

		cur.Status = to
		if mutate != nil {
			mutate(cur)
		}
		if priorBrokerID != "" && cur.BrokerOrderID != priorBrokerID {
			s.logIntegrity(ErrBrokerIDChanged, ownerID, localID)
			return nil, ErrBrokerIDChanged
		}
		cur.UpdatedAt = time.Now().UTC()

		err = s.repo.UpdateOrder(ctx, cur, expected)
		if err == nil {
			return cur, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transition %s/%s to %s: %w", ownerID, localID, to, lastErr)
}

func (s *StateStore) logIntegrity(err error, ownerID, localID string) {
	if s.log == nil {
		return
	}
	s.log.LogError(err, map[string]interface{}{
		"severity":       "integrity",
		"owner_user_id":  ownerID,
		"local_order_id": localID,
	})
}
