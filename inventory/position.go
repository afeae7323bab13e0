// Package inventory 维护由成交推导出的持仓。持仓永远是重算结果，
// 不接受直接修改。
package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"signal-trader-go/order"
	"signal-trader-go/store"
)

// Position 按 (owner, symbol) 聚合的持仓。
type Position struct {
	OwnerUserID       string
	Symbol            string
	QuantityHeld      int64
	AverageEntryPrice float64
	// ActiveExitOrderID 当前挂着的卖出单（若有）。
	ActiveExitOrderID string
	UpdatedAt         time.Time
}

// Compute 从订单集合重算持仓：FILLED/PARTIALLY_FILLED 的买入累加，
// 卖出成交扣减；数量归零的标的不出现在结果中。
// 均价只按买入成交加权。
func Compute(ownerID string, orders []*order.TrackedOrder) map[string]*Position {
	positions := make(map[string]*Position)

	// 先按创建时间排序，保证扣减顺序确定
	sorted := make([]*order.TrackedOrder, len(orders))
	copy(sorted, orders)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	for _, o := range sorted {
		if o.OwnerUserID != ownerID || o.FilledQuantity <= 0 {
			continue
		}
		switch o.Status {
		case order.StatusFilled, order.StatusPartiallyFilled, order.StatusCancelled, order.StatusManuallyModified:
			// 撤单前已成交的部分同样计入持仓
		default:
			continue
		}

		p, ok := positions[o.Symbol]
		if !ok {
			p = &Position{OwnerUserID: ownerID, Symbol: o.Symbol}
			positions[o.Symbol] = p
		}
		if o.Side == order.SideBuy {
			prevNotional := p.AverageEntryPrice * float64(p.QuantityHeld)
			p.QuantityHeld += o.FilledQuantity
			p.AverageEntryPrice = (prevNotional + o.AvgFillPrice*float64(o.FilledQuantity)) / float64(p.QuantityHeld)
		} else {
			p.QuantityHeld -= o.FilledQuantity
		}
		if o.UpdatedAt.After(p.UpdatedAt) {
			p.UpdatedAt = o.UpdatedAt
		}
	}

	// 关联活跃卖出单
	for _, o := range sorted {
		if o.Side != order.SideSell || !o.IsActive() {
			continue
		}
		if p, ok := positions[o.Symbol]; ok && p.ActiveExitOrderID == "" {
			p.ActiveExitOrderID = o.LocalOrderID
		}
	}

	// 已平仓标的剔除
	for sym, p := range positions {
		if p.QuantityHeld <= 0 {
			delete(positions, sym)
		}
	}
	return positions
}

// Tracker 重算持仓并持久化到仓库。
type Tracker struct {
	orders    store.OrderRepository
	positions store.PositionRepository
}

// NewTracker 创建持仓跟踪器。
func NewTracker(orders store.OrderRepository, positions store.PositionRepository) *Tracker {
	return &Tracker{orders: orders, positions: positions}
}

// Recompute 读取该用户全部相关订单，重算并回写持仓；返回最新结果。
func (t *Tracker) Recompute(ctx context.Context, ownerID string) (map[string]*Position, error) {
	all := make([]*order.TrackedOrder, 0)
	active, err := t.orders.ListActiveOrders(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	all = append(all, active...)
	for _, st := range []order.Status{order.StatusFilled, order.StatusCancelled} {
		batch, err := t.orders.ListOrdersByStatus(ctx, ownerID, st)
		if err != nil {
			return nil, fmt.Errorf("list %s orders: %w", st, err)
		}
		all = append(all, batch...)
	}

	computed := Compute(ownerID, all)

	// 回写：先取旧集合，删除已平仓的
	old, err := t.positions.ListPositions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	for _, rec := range old {
		if _, ok := computed[rec.Symbol]; !ok {
			if err := t.positions.DeletePosition(ctx, ownerID, rec.Symbol); err != nil {
				return nil, fmt.Errorf("delete closed position %s: %w", rec.Symbol, err)
			}
		}
	}
	for _, p := range computed {
		if err := t.positions.SavePosition(ctx, ownerID, p.Symbol, p.QuantityHeld, p.AverageEntryPrice, p.ActiveExitOrderID); err != nil {
			return nil, fmt.Errorf("save position %s: %w", p.Symbol, err)
		}
	}
	return computed, nil
}

// Load 从仓库读出持仓（不重算）。
func (t *Tracker) Load(ctx context.Context, ownerID string) (map[string]*Position, error) {
	recs, err := t.positions.ListPositions(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	res := make(map[string]*Position, len(recs))
	for _, r := range recs {
		res[r.Symbol] = &Position{
			OwnerUserID:       r.OwnerUserID,
			Symbol:            r.Symbol,
			QuantityHeld:      r.QuantityHeld,
			AverageEntryPrice: r.AverageEntryPrice,
			ActiveExitOrderID: r.ActiveExitOrderID,
			UpdatedAt:         r.UpdatedAt,
		}
	}
	return res, nil
}
