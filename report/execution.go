// Package report 汇总成交质量：滑点分布、成交率、成交耗时。
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"

	"signal-trader-go/order"
	"signal-trader-go/store"
)

// ExecutionReport 单个用户在一段时间内的执行质量汇总
type ExecutionReport struct {
	OwnerUserID string    `json:"owner_user_id"`
	GeneratedAt time.Time `json:"generated_at"`

	OrdersPlaced int `json:"orders_placed"`
	OrdersFilled int `json:"orders_filled"`
	Cancelled    int `json:"cancelled"`
	Rejected     int `json:"rejected"`

	FillRate float64 `json:"fill_rate"` // 成交订单 / 已达终态订单

	// 滑点：(成交均价 - 意图价) / 意图价，买入为正表示买贵
	SlippageMean   float64 `json:"slippage_mean"`
	SlippageMedian float64 `json:"slippage_median"`
	SlippageStdDev float64 `json:"slippage_std_dev"`
	SlippageWorst  float64 `json:"slippage_worst"`

	// 从提交到最后一次对账确认成交的耗时
	TimeToFillP50 time.Duration `json:"time_to_fill_p50"`
	TimeToFillP95 time.Duration `json:"time_to_fill_p95"`
}

// Builder 从订单仓库生成报表。
type Builder struct {
	orders store.OrderRepository
}

func NewBuilder(orders store.OrderRepository) *Builder {
	return &Builder{orders: orders}
}

// Build 汇总该用户全部已达终态的订单。
func (b *Builder) Build(ctx context.Context, ownerID string) (*ExecutionReport, error) {
	r := &ExecutionReport{
		OwnerUserID: ownerID,
		GeneratedAt: time.Now().UTC(),
	}

	var slippages []float64
	var fillTimes []float64

	for _, status := range []order.Status{order.StatusFilled, order.StatusCancelled, order.StatusRejected} {
		list, err := b.orders.ListOrdersByStatus(ctx, ownerID, status)
		if err != nil {
			return nil, fmt.Errorf("list %s orders: %w", status, err)
		}
		for _, o := range list {
			switch status {
			case order.StatusFilled:
				r.OrdersFilled++
				if s, ok := slippage(o); ok {
					slippages = append(slippages, s)
				}
				if !o.SubmittedAt.IsZero() && o.LastSyncAt.After(o.SubmittedAt) {
					fillTimes = append(fillTimes, o.LastSyncAt.Sub(o.SubmittedAt).Seconds())
				}
			case order.StatusCancelled:
				r.Cancelled++
			case order.StatusRejected:
				r.Rejected++
			}
			r.OrdersPlaced++
		}
	}

	if r.OrdersPlaced > 0 {
		r.FillRate = float64(r.OrdersFilled) / float64(r.OrdersPlaced)
	}
	if len(slippages) > 0 {
		r.SlippageMean, _ = stats.Mean(slippages)
		r.SlippageMedian, _ = stats.Median(slippages)
		r.SlippageStdDev, _ = stats.StandardDeviation(slippages)
		r.SlippageWorst, _ = stats.Max(absAll(slippages))
	}
	if len(fillTimes) > 0 {
		p50, _ := stats.Percentile(fillTimes, 50)
		p95, _ := stats.Percentile(fillTimes, 95)
		r.TimeToFillP50 = time.Duration(p50 * float64(time.Second))
		r.TimeToFillP95 = time.Duration(p95 * float64(time.Second))
	}
	return r, nil
}

// slippage 计算单笔成交相对意图价的偏移。卖出方向取反，
// 使正值恒表示对用户不利。
func slippage(o *order.TrackedOrder) (float64, bool) {
	if o.IntendedPrice <= 0 || o.AvgFillPrice <= 0 {
		return 0, false
	}
	s := (o.AvgFillPrice - o.IntendedPrice) / o.IntendedPrice
	if o.Side == order.SideSell {
		s = -s
	}
	return s, true
}

func absAll(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		if x < 0 {
			x = -x
		}
		out[i] = x
	}
	return out
}
