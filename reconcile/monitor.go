// Package reconcile 实现对账监控：拉取券商订单簿快照，与本地跟踪
// 订单逐一比对，推进状态机并产生用户可见事件。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"signal-trader-go/broker"
	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/infrastructure/monitor"
	"signal-trader-go/inventory"
	"signal-trader-go/notify"
	"signal-trader-go/order"
	"signal-trader-go/retry"
	"signal-trader-go/store"
)

// Config 对账配置
type Config struct {
	// AckGracePeriod 未拿到券商 ID 的订单在券商侧查无记录时，
	// 超过该时长判定为提交失败
	AckGracePeriod time.Duration `yaml:"ack_grace_period"`
	// PriceEpsilon 价格比较容差
	PriceEpsilon float64 `yaml:"price_epsilon"`
}

// Summary 单轮对账结果统计
type Summary struct {
	Filled           int `json:"filled"`
	PartialFills     int `json:"partial_fills"`
	Cancelled        int `json:"cancelled"`
	Rejected         int `json:"rejected"`
	ManuallyModified int `json:"manually_modified"`
	Unmatched        int `json:"unmatched"` // 券商侧暂无记录、仍在宽限期内
}

// FieldChange 人工改单的单字段变更（旧值→新值）
type FieldChange struct {
	Field string  `json:"field"`
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
}

// Monitor 对账监控器。每个用户 worker 持有一个实例，
// 与下单、离场在同一把用户锁下串行执行。
type Monitor struct {
	cfg       Config
	orders    *store.StateStore
	positions *inventory.Tracker
	rc        *retry.Controller
	session   *broker.Session
	notifier  *notify.Dispatcher
	log       *logger.Logger
	mon       *monitor.Monitor
	clock     func() time.Time
}

// New 创建对账监控器。
func New(cfg Config, orders *store.StateStore, positions *inventory.Tracker, rc *retry.Controller, session *broker.Session, notifier *notify.Dispatcher, log *logger.Logger, mon *monitor.Monitor) *Monitor {
	if cfg.AckGracePeriod <= 0 {
		cfg.AckGracePeriod = 10 * time.Minute
	}
	if cfg.PriceEpsilon <= 0 {
		cfg.PriceEpsilon = 0.0001
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{
		cfg: cfg, orders: orders, positions: positions,
		rc: rc, session: session, notifier: notifier,
		log: log, mon: mon, clock: func() time.Time { return time.Now().UTC() },
	}
}

// RunPass 对单个用户执行一轮对账。无非终态订单时不触碰券商接口。
// 单个订单的更新失败不中断整轮，聚合后返回。
func (m *Monitor) RunPass(ctx context.Context, ownerID string) (Summary, error) {
	var summary Summary
	started := m.clock()

	active, err := m.orders.ListActive(ctx, ownerID)
	if err != nil {
		return summary, fmt.Errorf("list active orders: %w", err)
	}
	if len(active) == 0 {
		return summary, nil
	}

	api, err := m.session.Ensure(ctx)
	if err != nil {
		m.observeError()
		return summary, fmt.Errorf("broker session: %w", err)
	}

	var snap *broker.Snapshot
	err = m.rc.Do(ctx, "query_book", func() error {
		s, err := api.QueryBook(ctx)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		m.observeError()
		return summary, fmt.Errorf("query broker book: %w", err)
	}

	var passErr error
	for _, o := range active {
		if ctx.Err() != nil {
			passErr = errors.Join(passErr, ctx.Err())
			break
		}
		if err := m.reconcileOrder(ctx, api, snap, o, &summary); err != nil {
			passErr = errors.Join(passErr, fmt.Errorf("order %s: %w", o.LocalOrderID, err))
		}
	}

	if _, err := m.positions.Recompute(ctx, ownerID); err != nil {
		passErr = errors.Join(passErr, fmt.Errorf("recompute positions: %w", err))
	}

	if m.mon != nil {
		m.mon.ReconcilePass(m.clock().Sub(started))
	}
	m.log.LogReconcile("pass_complete", map[string]interface{}{
		"owner_user_id":     ownerID,
		"tracked":           len(active),
		"filled":            summary.Filled,
		"partial_fills":     summary.PartialFills,
		"cancelled":         summary.Cancelled,
		"rejected":          summary.Rejected,
		"manually_modified": summary.ManuallyModified,
	})
	return summary, passErr
}

// ReconcileOne 对单个券商侧事实做增量对账，供推送流使用。
// 状态机与整轮对账完全一致，只是跳过快照拉取。
func (m *Monitor) ReconcileOne(ctx context.Context, ownerID string, b *broker.BrokerOrder) error {
	active, err := m.orders.ListActive(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}
	var summary Summary
	for _, o := range active {
		matched := o.BrokerOrderID != "" && o.BrokerOrderID == b.BrokerOrderID
		if !matched && o.BrokerOrderID == "" && b.ClientOrderID == o.LocalOrderID {
			matched = true
		}
		if !matched {
			continue
		}
		if err := m.apply(ctx, o, b, &summary); err != nil {
			return err
		}
		_, err := m.positions.Recompute(ctx, ownerID)
		return err
	}
	return nil
}

// reconcileOrder 按快照推进单个跟踪订单。
func (m *Monitor) reconcileOrder(ctx context.Context, api broker.API, snap *broker.Snapshot, o *order.TrackedOrder, summary *Summary) error {
	b, found := m.match(snap, o)
	if found {
		return m.apply(ctx, o, b, summary)
	}

	if o.BrokerOrderID == "" {
		// 从未拿到券商确认：宽限期内等下一轮，超时判定提交失败
		if m.clock().Sub(o.CreatedAt) < m.cfg.AckGracePeriod {
			summary.Unmatched++
			return nil
		}
		return m.markRejected(ctx, o, "no broker record within grace period", summary)
	}

	// 已确认订单不在开放簿上：逐单查询兜底（覆盖已终结订单）
	var queried *broker.BrokerOrder
	err := m.rc.Do(ctx, "query_order", func() error {
		q, err := api.QueryOrder(ctx, o.BrokerOrderID)
		if err != nil {
			return err
		}
		queried = q
		return nil
	})
	if err == nil {
		return m.apply(ctx, o, queried, summary)
	}
	if errors.Is(err, broker.ErrOrderNotFound) {
		// 券商彻底查无此单：视为在引擎外被撤销
		return m.markCancelled(ctx, o, o.FilledQuantity, o.AvgFillPrice, "order vanished from broker", summary)
	}
	return fmt.Errorf("query order fallback: %w", err)
}

// match 在快照中定位订单：优先券商 ID，其次 client ID，
// 最后按 (symbol, side, quantity) 关联未确认订单。
func (m *Monitor) match(snap *broker.Snapshot, o *order.TrackedOrder) (*broker.BrokerOrder, bool) {
	if o.BrokerOrderID != "" {
		return snap.FindByBrokerID(o.BrokerOrderID)
	}
	for i := range snap.Orders {
		if snap.Orders[i].ClientOrderID == o.LocalOrderID {
			return &snap.Orders[i], true
		}
	}
	return snap.FindByCorrelation(o.Symbol, o.Side, o.IntendedQuantity)
}

// apply 把单条券商侧事实落到本地订单上。每个订单一次原子写。
func (m *Monitor) apply(ctx context.Context, o *order.TrackedOrder, b *broker.BrokerOrder, summary *Summary) error {
	now := m.clock()

	switch b.Status {
	case broker.BrokerStatusFilled:
		if o.Status == order.StatusFilled {
			return nil
		}
		if o.Status == order.StatusPendingSubmit || o.Status == order.StatusRetryQueued {
			// 成交跳过 SUBMITTED：先补一步确认再落终态
			if _, err := m.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusSubmitted, func(t *order.TrackedOrder) {
				t.BrokerOrderID = b.BrokerOrderID
				t.LastSyncAt = now
			}); err != nil {
				return err
			}
		}
		updated, err := m.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusFilled, func(t *order.TrackedOrder) {
			t.FilledQuantity = b.FilledQuantity
			t.AvgFillPrice = b.AvgFillPrice
			t.LastSyncAt = now
		})
		if err != nil {
			return err
		}
		summary.Filled++
		if m.mon != nil {
			m.mon.OrderFilled()
		}
		m.logOutcome("filled", updated)
		m.publish(ctx, notify.Event{
			OwnerUserID: o.OwnerUserID,
			Type:        notify.EventOrderExecuted,
			Message:     fmt.Sprintf("%s %d %s filled @ %.2f", o.Side, b.FilledQuantity, o.Symbol, b.AvgFillPrice),
		})
		return nil

	case broker.BrokerStatusPartiallyFilled:
		if changes := m.detectModification(o, b); len(changes) > 0 {
			return m.markModified(ctx, o, b, changes, summary)
		}
		if o.Status == order.StatusPartiallyFilled && o.FilledQuantity == b.FilledQuantity {
			return nil // 同一快照重放，无变化
		}
		updated, err := m.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusPartiallyFilled, func(t *order.TrackedOrder) {
			t.BrokerOrderID = b.BrokerOrderID
			t.FilledQuantity = b.FilledQuantity
			t.AvgFillPrice = b.AvgFillPrice
			t.LastSyncAt = now
		})
		if err != nil {
			return err
		}
		summary.PartialFills++
		if m.mon != nil {
			m.mon.PartialFill()
		}
		m.logOutcome("partial_fill", updated)
		m.publish(ctx, notify.Event{
			OwnerUserID: o.OwnerUserID,
			Type:        notify.EventPartialFill,
			Message:     fmt.Sprintf("%s %s partially filled %d/%d @ %.2f", o.Side, o.Symbol, b.FilledQuantity, o.IntendedQuantity, b.AvgFillPrice),
		})
		return nil

	case broker.BrokerStatusCancelled:
		if o.Status == order.StatusCancelled {
			return nil
		}
		return m.markCancelled(ctx, o, b.FilledQuantity, b.AvgFillPrice, "cancelled at broker", summary)

	case broker.BrokerStatusRejected:
		if o.Status == order.StatusRejected {
			return nil
		}
		return m.markRejected(ctx, o, "rejected by broker", summary)

	default: // OPEN
		if changes := m.detectModification(o, b); len(changes) > 0 {
			return m.markModified(ctx, o, b, changes, summary)
		}
		if o.Status == order.StatusPendingSubmit || o.Status == order.StatusRetryQueued {
			// 迟到的确认（崩溃恢复或暂时性故障后由关联键找回）
			_, err := m.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusSubmitted, func(t *order.TrackedOrder) {
				t.BrokerOrderID = b.BrokerOrderID
				t.SubmittedAt = now
				t.LastSyncAt = now
				t.LastError = ""
			})
			if err != nil {
				return err
			}
			m.logOutcome("late_ack", o)
		}
		return nil
	}
}

// detectModification 比较券商报回的价/量与下单时的原始价/量。
// 仅对仍开放的限价单有意义。
func (m *Monitor) detectModification(o *order.TrackedOrder, b *broker.BrokerOrder) []FieldChange {
	if o.Kind != order.KindLimit || !b.Open() {
		return nil
	}
	if o.Status != order.StatusSubmitted && o.Status != order.StatusPartiallyFilled && o.Status != order.StatusManuallyModified {
		return nil
	}
	var changes []FieldChange
	if math.Abs(b.LimitPrice-o.OriginalPrice) > m.cfg.PriceEpsilon {
		changes = append(changes, FieldChange{Field: "price", Old: o.OriginalPrice, New: b.LimitPrice})
	}
	if b.Quantity != o.OriginalQuantity {
		changes = append(changes, FieldChange{Field: "quantity", Old: float64(o.OriginalQuantity), New: float64(b.Quantity)})
	}
	if len(changes) == 0 {
		return nil
	}
	// 已标记且券商值未再变化：不重复告警
	if o.Status == order.StatusManuallyModified &&
		math.Abs(b.LimitPrice-o.BrokerPrice) <= m.cfg.PriceEpsilon &&
		b.Quantity == o.BrokerQuantity {
		return nil
	}
	return changes
}

func (m *Monitor) markModified(ctx context.Context, o *order.TrackedOrder, b *broker.BrokerOrder, changes []FieldChange, summary *Summary) error {
	now := m.clock()
	updated, err := m.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusManuallyModified, func(t *order.TrackedOrder) {
		t.BrokerOrderID = b.BrokerOrderID
		t.BrokerPrice = b.LimitPrice
		t.BrokerQuantity = b.Quantity
		t.FilledQuantity = b.FilledQuantity
		t.AvgFillPrice = b.AvgFillPrice
		t.LastSyncAt = now
	})
	if err != nil {
		return err
	}
	summary.ManuallyModified++
	if m.mon != nil {
		m.mon.ManualModifyFound()
	}
	fields := map[string]interface{}{
		"owner_user_id": o.OwnerUserID,
		"symbol":        o.Symbol,
	}
	for _, c := range changes {
		fields[c.Field] = fmt.Sprintf("%.2f -> %.2f", c.Old, c.New)
	}
	m.log.LogReconcile("manual_modification", fields)
	m.publish(ctx, notify.Event{
		OwnerUserID: o.OwnerUserID,
		Type:        notify.EventManualModification,
		Level:       "WARN",
		Message:     fmt.Sprintf("%s order on %s changed outside the engine: %s", o.Side, o.Symbol, describeChanges(changes)),
		Fields:      fields,
	})
	_ = updated
	return nil
}

func (m *Monitor) markCancelled(ctx context.Context, o *order.TrackedOrder, filledQty int64, avgPrice float64, reason string, summary *Summary) error {
	now := m.clock()
	updated, err := m.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusCancelled, func(t *order.TrackedOrder) {
		if filledQty > t.FilledQuantity {
			t.FilledQuantity = filledQty
			t.AvgFillPrice = avgPrice
		}
		t.LastError = reason
		t.LastSyncAt = now
	})
	if err != nil {
		return err
	}
	summary.Cancelled++
	if m.mon != nil {
		m.mon.OrderCanceled()
	}
	m.logOutcome("cancelled", updated)
	m.publish(ctx, notify.Event{
		OwnerUserID: o.OwnerUserID,
		Type:        notify.EventOrderCancelled,
		Message:     fmt.Sprintf("%s %s cancelled (%s)", o.Side, o.Symbol, reason),
	})
	return nil
}

func (m *Monitor) markRejected(ctx context.Context, o *order.TrackedOrder, reason string, summary *Summary) error {
	now := m.clock()
	updated, err := m.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusRejected, func(t *order.TrackedOrder) {
		t.LastError = reason
		t.LastSyncAt = now
	})
	if err != nil {
		return err
	}
	summary.Rejected++
	if m.mon != nil {
		m.mon.OrderRejected()
	}
	m.logOutcome("rejected", updated)
	m.publish(ctx, notify.Event{
		OwnerUserID: o.OwnerUserID,
		Type:        notify.EventOrderRejected,
		Level:       "ERROR",
		Message:     fmt.Sprintf("%s %s rejected (%s)", o.Side, o.Symbol, reason),
	})
	return nil
}

func (m *Monitor) logOutcome(event string, o *order.TrackedOrder) {
	m.log.LogReconcile(event, map[string]interface{}{
		"owner_user_id":   o.OwnerUserID,
		"local_order_id":  o.LocalOrderID,
		"broker_order_id": o.BrokerOrderID,
		"symbol":          o.Symbol,
		"status":          string(o.Status),
		"filled_quantity": o.FilledQuantity,
	})
}

func (m *Monitor) observeError() {
	if m.mon != nil {
		m.mon.ReconcileError()
	}
}

func (m *Monitor) publish(ctx context.Context, event notify.Event) {
	if m.notifier != nil {
		m.notifier.Publish(ctx, event)
	}
}

func describeChanges(changes []FieldChange) string {
	s := ""
	for i, c := range changes {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s %.2f -> %.2f", c.Field, c.Old, c.New)
	}
	return s
}
