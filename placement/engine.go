// Package placement 消费排好序的信号，按组合容量与去重规则下买单。
package placement

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
	"signal-trader-go/signal"
	"signal-trader-go/store"
)

// 跳过原因（指标打点与日志共用）
const (
	SkipDuplicate    = "duplicate"
	SkipCapacity     = "capacity_exceeded"
	SkipMinScore     = "below_min_score"
	SkipZeroQuantity = "zero_quantity"
	SkipBadPrice     = "bad_reference_price"
)

// Config 下单引擎配置
type Config struct {
	PortfolioCapacity int     `yaml:"portfolio_capacity"` // 最大并发标的数
	CapitalPerTrade   float64 `yaml:"capital_per_trade"`  // 单笔投入资金
	MinCombinedScore  float64 `yaml:"min_combined_score"` // 信号最低综合分
	TimeInForce       string  `yaml:"time_in_force"`
	Venue             string  `yaml:"venue"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"` // 重试队列预算
	RetryDelay       time.Duration `yaml:"retry_delay"`        // 计划重试间隔
}

// Engine 下单引擎。每个用户 worker 持有一个实例。
type Engine struct {
	cfg       Config
	orders    *store.StateStore
	retryq    store.RetryQueueRepository
	positions *inventory.Tracker
	rc        *retry.Controller
	session   *broker.Session
	notifier  *notify.Dispatcher
	log       *logger.Logger
	mon       *monitor.Monitor
}

// New 创建下单引擎。notifier/log/mon 可为 nil。
func New(cfg Config, orders *store.StateStore, retryq store.RetryQueueRepository, positions *inventory.Tracker, rc *retry.Controller, session *broker.Session, notifier *notify.Dispatcher, log *logger.Logger, mon *monitor.Monitor) *Engine {
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 15 * time.Minute
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = "DAY"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		cfg: cfg, orders: orders, retryq: retryq, positions: positions,
		rc: rc, session: session, notifier: notifier, log: log, mon: mon,
	}
}

// PlaceOrders 对单个用户执行一轮下单：按优先级排序后，在组合规则
// 允许的范围内尽量多下买单。返回本轮创建的全部订单记录。
func (e *Engine) PlaceOrders(ctx context.Context, ownerID string, signals []signal.Signal) ([]*order.TrackedOrder, error) {
	api, err := e.session.Ensure(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker session: %w", err)
	}

	positions, err := e.positions.Recompute(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("recompute positions: %w", err)
	}
	active, err := e.orders.ListActive(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}

	// 并发标的集合：已持仓 + 有非终态订单的标的
	concurrent := make(map[string]bool)
	for sym := range positions {
		concurrent[sym] = true
	}
	for _, o := range active {
		concurrent[o.Symbol] = true
	}

	placed := make([]*order.TrackedOrder, 0)
	var passErr error

	for _, s := range signal.Rank(signals) {
		if concurrent[s.Symbol] {
			e.skip(ownerID, s.Symbol, SkipDuplicate)
			continue
		}
		if len(concurrent) >= e.cfg.PortfolioCapacity {
			e.skip(ownerID, s.Symbol, SkipCapacity)
			continue
		}
		if s.CombinedScore < e.cfg.MinCombinedScore {
			e.skip(ownerID, s.Symbol, SkipMinScore)
			continue
		}
		if s.ReferencePrice <= 0 {
			e.skip(ownerID, s.Symbol, SkipBadPrice)
			continue
		}
		qty := int64(math.Floor(e.cfg.CapitalPerTrade / s.ReferencePrice))
		if qty == 0 {
			// 资金不足一股：记日志跳过，不进重试队列
			e.skip(ownerID, s.Symbol, SkipZeroQuantity)
			continue
		}

		o, err := e.submit(ctx, api, ownerID, s, qty)
		if o != nil {
			placed = append(placed, o)
			if o.IsActive() {
				concurrent[s.Symbol] = true
			}
		}
		if err != nil {
			if errors.Is(err, retry.ErrCircuitOpen) {
				// 熔断打开：本轮剩余候选放弃，下个调度周期再试
				e.log.LogRetry("placement_deferred", map[string]interface{}{
					"owner_user_id": ownerID,
					"reason":        "circuit_open",
				})
				passErr = err
				break
			}
			passErr = errors.Join(passErr, err)
		}
	}
	return placed, passErr
}

// submit 创建记录并提交单个订单，根据失败类别落地不同状态。
func (e *Engine) submit(ctx context.Context, api broker.API, ownerID string, s signal.Signal, qty int64) (*order.TrackedOrder, error) {
	o := &order.TrackedOrder{
		LocalOrderID:     order.NewLocalOrderID(),
		OwnerUserID:      ownerID,
		Symbol:           s.Symbol,
		Side:             order.SideBuy,
		Kind:             order.KindLimit,
		TimeInForce:      e.cfg.TimeInForce,
		Venue:            e.cfg.Venue,
		IntendedQuantity: qty,
		IntendedPrice:    s.ReferencePrice,
		OriginalQuantity: qty,
		OriginalPrice:    s.ReferencePrice,
		Status:           order.StatusPendingSubmit,
	}
	if err := e.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order record: %w", err)
	}

	var brokerID string
	submitErr := e.rc.Do(ctx, "submit_order", func() error {
		id, err := api.SubmitOrder(ctx, broker.OrderRequest{
			ClientOrderID: o.LocalOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Kind:          o.Kind,
			Quantity:      o.IntendedQuantity,
			LimitPrice:    o.IntendedPrice,
			TimeInForce:   o.TimeInForce,
		})
		if err != nil {
			return err
		}
		brokerID = id
		return nil
	})

	if submitErr == nil {
		now := time.Now().UTC()
		updated, err := e.orders.Transition(ctx, ownerID, o.LocalOrderID, order.StatusSubmitted, func(t *order.TrackedOrder) {
			t.BrokerOrderID = brokerID
			t.SubmittedAt = now
		})
		if err != nil {
			return o, err
		}
		e.log.LogOrder("submitted", o.LocalOrderID, map[string]interface{}{
			"owner_user_id":   ownerID,
			"symbol":          o.Symbol,
			"quantity":        qty,
			"price":           o.IntendedPrice,
			"broker_order_id": brokerID,
		})
		if e.mon != nil {
			e.mon.OrderPlaced()
		}
		e.publish(ctx, notify.Event{
			OwnerUserID: ownerID,
			Type:        notify.EventOrderPlaced,
			Message:     fmt.Sprintf("BUY %d %s @ %.2f submitted", qty, o.Symbol, o.IntendedPrice),
		})
		return updated, nil
	}

	if broker.IsRetryQueueable(submitErr) {
		updated, err := e.orders.Transition(ctx, ownerID, o.LocalOrderID, order.StatusRetryQueued, func(t *order.TrackedOrder) {
			t.LastError = submitErr.Error()
		})
		if err != nil {
			return o, err
		}
		now := time.Now().UTC()
		entry := &order.RetryQueueEntry{
			LocalOrderID:  o.LocalOrderID,
			OwnerUserID:   ownerID,
			ReasonCode:    reasonFor(submitErr),
			AttemptsMade:  0,
			MaxAttempts:   e.cfg.RetryMaxAttempts,
			NextAttemptAt: now.Add(e.cfg.RetryDelay),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.retryq.SaveEntry(ctx, entry); err != nil {
			return updated, fmt.Errorf("save retry entry: %w", err)
		}
		if e.mon != nil {
			e.mon.RetryScheduled()
		}
		e.log.LogOrder("retry_queued", o.LocalOrderID, map[string]interface{}{
			"owner_user_id": ownerID,
			"symbol":        o.Symbol,
			"reason":        string(entry.ReasonCode),
		})
		return updated, nil
	}

	if errors.Is(submitErr, retry.ErrCircuitOpen) || broker.ClassOf(submitErr) == broker.ClassTransient {
		// 提交可能已到达券商，保持 PENDING_SUBMIT 交给对账关联或宽限期裁决
		_, terr := e.orders.Transition(ctx, ownerID, o.LocalOrderID, order.StatusPendingSubmit, func(t *order.TrackedOrder) {
			t.LastError = submitErr.Error()
		})
		if terr != nil {
			return o, errors.Join(submitErr, terr)
		}
		return o, submitErr
	}

	// 结构性失败：直接终态并通知
	updated, err := e.orders.Transition(ctx, ownerID, o.LocalOrderID, order.StatusRejected, func(t *order.TrackedOrder) {
		t.LastError = submitErr.Error()
	})
	if err != nil {
		return o, errors.Join(submitErr, err)
	}
	if e.mon != nil {
		e.mon.OrderRejected()
	}
	e.publish(ctx, notify.Event{
		OwnerUserID: ownerID,
		Type:        notify.EventOrderRejected,
		Level:       "ERROR",
		Message:     fmt.Sprintf("BUY %s rejected: %s", o.Symbol, submitErr),
	})
	return updated, nil
}

// RunRetryPass 处理该用户到期的重试队列条目。
func (e *Engine) RunRetryPass(ctx context.Context, ownerID string) error {
	api, err := e.session.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("broker session: %w", err)
	}

	now := time.Now().UTC()
	due, err := e.retryq.ListDue(ctx, ownerID, now)
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}

	var passErr error
	for _, entry := range due {
		o, err := e.orders.Get(ctx, ownerID, entry.LocalOrderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				_ = e.retryq.DeleteEntry(ctx, ownerID, entry.LocalOrderID)
				continue
			}
			passErr = errors.Join(passErr, err)
			continue
		}
		if o.IsTerminal() {
			// 对账已裁决，条目作废
			_ = e.retryq.DeleteEntry(ctx, ownerID, entry.LocalOrderID)
			continue
		}

		if err := e.retryOnce(ctx, api, entry, o); err != nil {
			if errors.Is(err, retry.ErrCircuitOpen) {
				passErr = err
				break
			}
			passErr = errors.Join(passErr, err)
		}
	}

	if e.mon != nil {
		if entries, err := e.retryq.ListEntries(ctx, ownerID); err == nil {
			e.mon.SetRetryQueueDepth(len(entries))
		}
	}
	return passErr
}

func (e *Engine) retryOnce(ctx context.Context, api broker.API, entry *order.RetryQueueEntry, o *order.TrackedOrder) error {
	var brokerID string
	submitErr := e.rc.Do(ctx, "retry_submit", func() error {
		id, err := api.SubmitOrder(ctx, broker.OrderRequest{
			ClientOrderID: o.LocalOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Kind:          o.Kind,
			Quantity:      o.IntendedQuantity,
			LimitPrice:    o.IntendedPrice,
			TimeInForce:   o.TimeInForce,
		})
		if err != nil {
			return err
		}
		brokerID = id
		return nil
	})

	if submitErr == nil {
		now := time.Now().UTC()
		_, err := e.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusSubmitted, func(t *order.TrackedOrder) {
			t.BrokerOrderID = brokerID
			t.SubmittedAt = now
			t.RetryCount = entry.AttemptsMade + 1
			t.LastError = ""
		})
		if err != nil {
			return err
		}
		if derr := e.retryq.DeleteEntry(ctx, o.OwnerUserID, o.LocalOrderID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			return derr
		}
		if e.mon != nil {
			e.mon.OrderPlaced()
		}
		e.publish(ctx, notify.Event{
			OwnerUserID: o.OwnerUserID,
			Type:        notify.EventOrderPlaced,
			Message:     fmt.Sprintf("BUY %d %s @ %.2f submitted after retry", o.IntendedQuantity, o.Symbol, o.IntendedPrice),
		})
		return nil
	}

	if errors.Is(submitErr, retry.ErrCircuitOpen) || broker.ClassOf(submitErr) == broker.ClassTransient {
		// 暂时性故障不消耗计划重试预算，条目原样保留
		return submitErr
	}

	entry.AttemptsMade++
	entry.UpdatedAt = time.Now().UTC()
	if entry.Exhausted() {
		// 预算耗尽：出队、终态、且只通知一次
		if derr := e.retryq.DeleteEntry(ctx, o.OwnerUserID, o.LocalOrderID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			return derr
		}
		_, err := e.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusRejected, func(t *order.TrackedOrder) {
			t.RetryCount = entry.AttemptsMade
			t.LastError = submitErr.Error()
		})
		if err != nil {
			return err
		}
		if e.mon != nil {
			e.mon.RetryExhausted()
			e.mon.OrderRejected()
		}
		e.publish(ctx, notify.Event{
			OwnerUserID: o.OwnerUserID,
			Type:        notify.EventRetryExhausted,
			Level:       "ERROR",
			Message:     fmt.Sprintf("BUY %s failed after %d retries: %s", o.Symbol, entry.AttemptsMade, submitErr),
		})
		return nil
	}

	entry.NextAttemptAt = time.Now().UTC().Add(e.cfg.RetryDelay)
	if err := e.retryq.SaveEntry(ctx, entry); err != nil {
		return fmt.Errorf("reschedule retry entry: %w", err)
	}
	_, err := e.orders.Transition(ctx, o.OwnerUserID, o.LocalOrderID, order.StatusRetryQueued, func(t *order.TrackedOrder) {
		t.RetryCount = entry.AttemptsMade
		t.LastError = submitErr.Error()
	})
	return err
}

func (e *Engine) skip(ownerID, symbol, rule string) {
	if e.mon != nil {
		e.mon.CandidateSkipped(rule)
	}
	e.log.LogOrder("candidate_skipped", "", map[string]interface{}{
		"owner_user_id": ownerID,
		"symbol":        symbol,
		"rule":          rule,
	})
}

func (e *Engine) publish(ctx context.Context, event notify.Event) {
	if e.notifier != nil {
		e.notifier.Publish(ctx, event)
	}
}

func reasonFor(err error) order.RetryReason {
	switch broker.CodeOf(err) {
	case broker.CodeMarginUnavailable:
		return order.ReasonMarginUnavailable
	case broker.CodeRateLimited:
		return order.ReasonBrokerThrottled
	default:
		return order.ReasonInsufficientFunds
	}
}
