package report

import (
	"context"
	"math"
	"testing"
	"time"

	"signal-trader-go/order"
	"signal-trader-go/store"
)

func terminalOrder(ownerID, localID, symbol string, side order.Side, status order.Status, intended, filled float64) *order.TrackedOrder {
	now := time.Now().UTC()
	o := &order.TrackedOrder{
		LocalOrderID:     localID,
		OwnerUserID:      ownerID,
		Symbol:           symbol,
		Side:             side,
		Kind:             order.KindLimit,
		IntendedQuantity: 10,
		IntendedPrice:    intended,
		Status:           status,
		CreatedAt:        now.Add(-time.Hour),
		UpdatedAt:        now,
	}
	if status == order.StatusFilled {
		o.FilledQuantity = 10
		o.AvgFillPrice = filled
		o.SubmittedAt = now.Add(-30 * time.Minute)
		o.LastSyncAt = now.Add(-20 * time.Minute)
	}
	return o
}

func TestBuildCountsAndFillRate(t *testing.T) {
	repos := store.NewMemoryRepositories()
	ctx := context.Background()

	seed := []*order.TrackedOrder{
		terminalOrder("user1", "loc-1", "AAPL", order.SideBuy, order.StatusFilled, 100, 100.5),
		terminalOrder("user1", "loc-2", "MSFT", order.SideBuy, order.StatusFilled, 200, 199),
		terminalOrder("user1", "loc-3", "NVDA", order.SideBuy, order.StatusCancelled, 300, 0),
		terminalOrder("user1", "loc-4", "TSLA", order.SideBuy, order.StatusRejected, 400, 0),
	}
	for _, o := range seed {
		if err := repos.Orders.SaveOrder(ctx, o); err != nil {
			t.Fatalf("保存失败: %v", err)
		}
	}

	r, err := NewBuilder(repos.Orders).Build(ctx, "user1")
	if err != nil {
		t.Fatalf("生成报表失败: %v", err)
	}
	if r.OrdersPlaced != 4 || r.OrdersFilled != 2 || r.Cancelled != 1 || r.Rejected != 1 {
		t.Errorf("计数不符: %+v", r)
	}
	if math.Abs(r.FillRate-0.5) > 1e-9 {
		t.Errorf("期望成交率 0.5, 得到 %f", r.FillRate)
	}
}

func TestBuildSlippageDirection(t *testing.T) {
	repos := store.NewMemoryRepositories()
	ctx := context.Background()

	// 买入买贵 1%：不利，正
	buy := terminalOrder("user1", "loc-1", "AAPL", order.SideBuy, order.StatusFilled, 100, 101)
	// 卖出卖便宜 1%：不利，取反后也为正
	sell := terminalOrder("user1", "loc-2", "MSFT", order.SideSell, order.StatusFilled, 100, 99)
	for _, o := range []*order.TrackedOrder{buy, sell} {
		if err := repos.Orders.SaveOrder(ctx, o); err != nil {
			t.Fatalf("保存失败: %v", err)
		}
	}

	r, err := NewBuilder(repos.Orders).Build(ctx, "user1")
	if err != nil {
		t.Fatalf("生成报表失败: %v", err)
	}
	if math.Abs(r.SlippageMean-0.01) > 1e-9 {
		t.Errorf("两笔不利滑点均为 1%%, 期望均值 0.01, 得到 %f", r.SlippageMean)
	}
	if math.Abs(r.SlippageWorst-0.01) > 1e-9 {
		t.Errorf("期望最差滑点 0.01, 得到 %f", r.SlippageWorst)
	}
}

func TestBuildTimeToFill(t *testing.T) {
	repos := store.NewMemoryRepositories()
	ctx := context.Background()

	o := terminalOrder("user1", "loc-1", "AAPL", order.SideBuy, order.StatusFilled, 100, 100)
	o.SubmittedAt = time.Now().UTC().Add(-10 * time.Minute)
	o.LastSyncAt = o.SubmittedAt.Add(90 * time.Second)
	if err := repos.Orders.SaveOrder(ctx, o); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	r, err := NewBuilder(repos.Orders).Build(ctx, "user1")
	if err != nil {
		t.Fatalf("生成报表失败: %v", err)
	}
	if r.TimeToFillP50 != 90*time.Second {
		t.Errorf("期望 P50 90s, 得到 %v", r.TimeToFillP50)
	}
}

func TestBuildEmptyHistory(t *testing.T) {
	repos := store.NewMemoryRepositories()

	r, err := NewBuilder(repos.Orders).Build(context.Background(), "user1")
	if err != nil {
		t.Fatalf("空历史报表失败: %v", err)
	}
	if r.OrdersPlaced != 0 || r.FillRate != 0 || r.SlippageMean != 0 {
		t.Errorf("空历史应全零: %+v", r)
	}
}
