// Package exit 实现目标离场引擎：为缺少在途卖单的持仓挂出限价卖单，
// 并随参考位变化撤换到新的目标价。
package exit

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

// Policy 撤换目标价的方向策略
type Policy string

const (
	// PolicyTightenOnly 只朝有利方向改价：多头持仓只上调卖出目标
	PolicyTightenOnly Policy = "tighten_only"
	// PolicyTrackReference 跟随参考位双向改价
	PolicyTrackReference Policy = "track_reference"
)

// Config 离场引擎配置
type Config struct {
	Policy           Policy  `yaml:"policy"`
	TargetMultiplier float64 `yaml:"target_multiplier"` // 目标价 = 参考位 × 系数
	MinReprice       float64 `yaml:"min_reprice"`       // 低于该幅度的变化不撤换
	TimeInForce      string  `yaml:"time_in_force"`
}

// Engine 离场引擎。与对账共用一把用户锁，交替执行。
type Engine struct {
	cfg       Config
	orders    *store.StateStore
	positions *inventory.Tracker
	rc        *retry.Controller
	session   *broker.Session
	notifier  *notify.Dispatcher
	log       *logger.Logger
	mon       *monitor.Monitor
}

// New 创建离场引擎。
func New(cfg Config, orders *store.StateStore, positions *inventory.Tracker, rc *retry.Controller, session *broker.Session, notifier *notify.Dispatcher, log *logger.Logger, mon *monitor.Monitor) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = PolicyTightenOnly
	}
	if cfg.TargetMultiplier <= 0 {
		cfg.TargetMultiplier = 1.0
	}
	if cfg.MinReprice <= 0 {
		cfg.MinReprice = 0.01
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = "DAY"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		cfg: cfg, orders: orders, positions: positions,
		rc: rc, session: session, notifier: notifier, log: log, mon: mon,
	}
}

// RunPass 对单个用户执行一轮离场维护。levels 为信号源提供的
// 各标的当前离场参考位（缺失的标的本轮跳过）。
func (e *Engine) RunPass(ctx context.Context, ownerID string, levels map[string]float64) error {
	api, err := e.session.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("broker session: %w", err)
	}

	positions, err := e.positions.Recompute(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("recompute positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}
	active, err := e.orders.ListActive(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}
	pendingBuys := make(map[string]bool)
	for _, o := range active {
		if o.Side == order.SideBuy {
			pendingBuys[o.Symbol] = true
		}
	}

	var passErr error
	for sym, p := range positions {
		if ctx.Err() != nil {
			passErr = errors.Join(passErr, ctx.Err())
			break
		}
		level, ok := levels[sym]
		if !ok || level <= 0 {
			continue
		}
		if pendingBuys[sym] {
			// 建仓未完成，先不挂离场单
			continue
		}
		target := level * e.cfg.TargetMultiplier

		if err := e.maintainExit(ctx, api, ownerID, p, target); err != nil {
			if errors.Is(err, retry.ErrCircuitOpen) {
				passErr = err
				break
			}
			passErr = errors.Join(passErr, fmt.Errorf("exit %s: %w", sym, err))
		}
	}
	return passErr
}

// maintainExit 确保单个持仓带着正确价位的卖单。
func (e *Engine) maintainExit(ctx context.Context, api broker.API, ownerID string, p *inventory.Position, target float64) error {
	if p.ActiveExitOrderID == "" {
		return e.placeExit(ctx, api, ownerID, p.Symbol, p.QuantityHeld, target)
	}

	existing, err := e.orders.Get(ctx, ownerID, p.ActiveExitOrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.placeExit(ctx, api, ownerID, p.Symbol, p.QuantityHeld, target)
		}
		return err
	}
	if existing.IsTerminal() {
		// 下一次持仓重算会解除关联，本轮不动
		return nil
	}
	if existing.Status == order.StatusManuallyModified {
		// 人工改过的单不自动撤换，等待用户处理
		return nil
	}

	delta := target - existing.IntendedPrice
	if math.Abs(delta) < e.cfg.MinReprice {
		return nil
	}
	if e.cfg.Policy == PolicyTightenOnly && delta < 0 {
		// 参考位回落不放松目标
		return nil
	}

	// 撤换：先撤旧单，成功后按剩余数量挂新单
	err = e.rc.Do(ctx, "cancel_order", func() error {
		return api.CancelOrder(ctx, existing.BrokerOrderID)
	})
	if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
		return fmt.Errorf("cancel for replace: %w", err)
	}
	remaining := existing.RemainingQuantity()
	if _, err := e.orders.Transition(ctx, ownerID, existing.LocalOrderID, order.StatusCancelled, func(t *order.TrackedOrder) {
		t.LastError = "replaced at new target"
		t.LastSyncAt = time.Now().UTC()
	}); err != nil {
		return err
	}
	e.log.LogOrder("exit_replaced", existing.LocalOrderID, map[string]interface{}{
		"owner_user_id": ownerID,
		"symbol":        p.Symbol,
		"old_target":    existing.IntendedPrice,
		"new_target":    target,
	})
	if remaining <= 0 {
		return nil
	}
	return e.placeExit(ctx, api, ownerID, p.Symbol, remaining, target)
}

// placeExit 挂出限价卖单，数量为持仓全量（或撤换后的剩余量）。
func (e *Engine) placeExit(ctx context.Context, api broker.API, ownerID, symbol string, quantity int64, target float64) error {
	if quantity <= 0 {
		return nil
	}
	o := &order.TrackedOrder{
		LocalOrderID:     order.NewLocalOrderID(),
		OwnerUserID:      ownerID,
		Symbol:           symbol,
		Side:             order.SideSell,
		Kind:             order.KindLimit,
		TimeInForce:      e.cfg.TimeInForce,
		IntendedQuantity: quantity,
		IntendedPrice:    target,
		OriginalQuantity: quantity,
		OriginalPrice:    target,
		Status:           order.StatusPendingSubmit,
	}
	if err := e.orders.Create(ctx, o); err != nil {
		return fmt.Errorf("create exit record: %w", err)
	}

	var brokerID string
	submitErr := e.rc.Do(ctx, "submit_exit", func() error {
		id, err := api.SubmitOrder(ctx, broker.OrderRequest{
			ClientOrderID: o.LocalOrderID,
			Symbol:        symbol,
			Side:          order.SideSell,
			Kind:          order.KindLimit,
			Quantity:      quantity,
			LimitPrice:    target,
			TimeInForce:   e.cfg.TimeInForce,
		})
		if err != nil {
			return err
		}
		brokerID = id
		return nil
	})

	if submitErr == nil {
		now := time.Now().UTC()
		if _, err := e.orders.Transition(ctx, ownerID, o.LocalOrderID, order.StatusSubmitted, func(t *order.TrackedOrder) {
			t.BrokerOrderID = brokerID
			t.SubmittedAt = now
		}); err != nil {
			return err
		}
		if e.mon != nil {
			e.mon.OrderPlaced()
		}
		e.log.LogOrder("exit_submitted", o.LocalOrderID, map[string]interface{}{
			"owner_user_id":   ownerID,
			"symbol":          symbol,
			"quantity":        quantity,
			"target":          target,
			"broker_order_id": brokerID,
		})
		e.publish(ctx, notify.Event{
			OwnerUserID: ownerID,
			Type:        notify.EventOrderPlaced,
			Message:     fmt.Sprintf("SELL %d %s @ %.2f submitted", quantity, symbol, target),
		})
		return nil
	}

	if errors.Is(submitErr, retry.ErrCircuitOpen) || broker.ClassOf(submitErr) == broker.ClassTransient {
		// 可能已到券商，留给对账关联
		_, terr := e.orders.Transition(ctx, ownerID, o.LocalOrderID, order.StatusPendingSubmit, func(t *order.TrackedOrder) {
			t.LastError = submitErr.Error()
		})
		if terr != nil {
			return errors.Join(submitErr, terr)
		}
		return submitErr
	}

	if _, err := e.orders.Transition(ctx, ownerID, o.LocalOrderID, order.StatusRejected, func(t *order.TrackedOrder) {
		t.LastError = submitErr.Error()
	}); err != nil {
		return errors.Join(submitErr, err)
	}
	if e.mon != nil {
		e.mon.OrderRejected()
	}
	e.publish(ctx, notify.Event{
		OwnerUserID: ownerID,
		Type:        notify.EventOrderRejected,
		Level:       "ERROR",
		Message:     fmt.Sprintf("SELL %s rejected: %s", symbol, submitErr),
	})
	return nil
}

func (e *Engine) publish(ctx context.Context, event notify.Event) {
	if e.notifier != nil {
		e.notifier.Publish(ctx, event)
	}
}
