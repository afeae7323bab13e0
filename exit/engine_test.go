package exit

import (
	"context"
	"testing"
	"time"

	"signal-trader-go/broker"
	"signal-trader-go/inventory"
	"signal-trader-go/order"
	"signal-trader-go/retry"
	"signal-trader-go/store"
)

type exitFixture struct {
	engine *Engine
	paper  *broker.PaperBroker
	orders *store.StateStore
	repos  store.Repositories
}

func newFixture(t *testing.T, cfg Config) *exitFixture {
	t.Helper()
	repos := store.NewMemoryRepositories()
	orders := store.NewStateStore(repos.Orders, nil)
	tracker := inventory.NewTracker(repos.Orders, repos.Positions)
	paper := broker.NewPaperBroker(0)
	session := broker.NewSession(paper)

	rc := retry.New(retry.Config{
		MaxAttempts:      2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		Multiplier:       2.0,
		FailureThreshold: 100,
		RecoveryTimeout:  time.Hour,
	}, nil, nil)

	return &exitFixture{
		engine: New(cfg, orders, tracker, rc, session, nil, nil, nil),
		paper:  paper,
		orders: orders,
		repos:  repos,
	}
}

// seedHolding 预置一笔已成交的买入，形成持仓。
func (f *exitFixture) seedHolding(t *testing.T, ownerID, symbol string, qty int64, price float64) {
	t.Helper()
	o := &order.TrackedOrder{
		OwnerUserID:      ownerID,
		Symbol:           symbol,
		Side:             order.SideBuy,
		Kind:             order.KindLimit,
		IntendedQuantity: qty,
		FilledQuantity:   qty,
		AvgFillPrice:     price,
		Status:           order.StatusFilled,
	}
	if err := f.orders.Create(context.Background(), o); err != nil {
		t.Fatalf("预置持仓失败: %v", err)
	}
}

// activeExit 返回该标的当前挂着的卖单。
func (f *exitFixture) activeExit(t *testing.T, ownerID, symbol string) *order.TrackedOrder {
	t.Helper()
	active, err := f.orders.ListActive(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("列表失败: %v", err)
	}
	for _, o := range active {
		if o.Symbol == symbol && o.Side == order.SideSell {
			return o
		}
	}
	return nil
}

func TestRunPassPlacesExitForBareHolding(t *testing.T) {
	f := newFixture(t, Config{TargetMultiplier: 1.02})
	ctx := context.Background()

	f.seedHolding(t, "user1", "AAPL", 10, 100)

	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 110}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}

	exit := f.activeExit(t, "user1", "AAPL")
	if exit == nil {
		t.Fatal("应为持仓挂出卖单")
	}
	if exit.Status != order.StatusSubmitted || exit.BrokerOrderID == "" {
		t.Errorf("卖单应处于 SUBMITTED: %+v", exit)
	}
	if exit.IntendedQuantity != 10 {
		t.Errorf("卖单数量应为持仓全量, 得到 %d", exit.IntendedQuantity)
	}
	// 目标价 = 参考位 × 系数
	if exit.IntendedPrice != 110*1.02 {
		t.Errorf("目标价不符, 得到 %f", exit.IntendedPrice)
	}
}

func TestRunPassSkipsSymbolsWithoutLevel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.seedHolding(t, "user1", "AAPL", 10, 100)

	// 信号源缺失该标的参考位：本轮跳过
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	if f.activeExit(t, "user1", "AAPL") != nil {
		t.Error("缺失参考位不应挂单")
	}
}

func TestRunPassSkipsIncompletePositions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// 部分成交的买入：已有持仓但建仓未完成
	o := &order.TrackedOrder{
		OwnerUserID:      "user1",
		Symbol:           "AAPL",
		Side:             order.SideBuy,
		Kind:             order.KindLimit,
		IntendedQuantity: 10,
		FilledQuantity:   4,
		AvgFillPrice:     100,
		Status:           order.StatusPartiallyFilled,
	}
	if err := f.orders.Create(ctx, o); err != nil {
		t.Fatalf("预置订单失败: %v", err)
	}

	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 110}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	if f.activeExit(t, "user1", "AAPL") != nil {
		t.Error("建仓未完成不应挂离场单")
	}
}

func TestRunPassReplacesOnFavorableMove(t *testing.T) {
	f := newFixture(t, Config{Policy: PolicyTightenOnly, MinReprice: 0.5})
	ctx := context.Background()

	f.seedHolding(t, "user1", "AAPL", 10, 100)
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 110}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	first := f.activeExit(t, "user1", "AAPL")
	if first == nil {
		t.Fatal("应挂出卖单")
	}

	// 参考位上移：撤旧换新
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 115}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	old, err := f.orders.Get(ctx, "user1", first.LocalOrderID)
	if err != nil {
		t.Fatalf("读取旧单失败: %v", err)
	}
	if old.Status != order.StatusCancelled {
		t.Errorf("旧单应被撤销, 得到 %s", old.Status)
	}
	replaced := f.activeExit(t, "user1", "AAPL")
	if replaced == nil || replaced.LocalOrderID == first.LocalOrderID {
		t.Fatal("应挂出新卖单")
	}
	if replaced.IntendedPrice != 115 {
		t.Errorf("新目标价应为 115, 得到 %f", replaced.IntendedPrice)
	}
}

func TestRunPassTightenOnlyIgnoresPullback(t *testing.T) {
	f := newFixture(t, Config{Policy: PolicyTightenOnly, MinReprice: 0.5})
	ctx := context.Background()

	f.seedHolding(t, "user1", "AAPL", 10, 100)
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 110}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	first := f.activeExit(t, "user1", "AAPL")

	// 参考位回落：tighten_only 不放松目标
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 105}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	still := f.activeExit(t, "user1", "AAPL")
	if still == nil || still.LocalOrderID != first.LocalOrderID {
		t.Error("回落不应撤换卖单")
	}
	if still.IntendedPrice != 110 {
		t.Errorf("目标价应保持 110, 得到 %f", still.IntendedPrice)
	}
}

func TestRunPassTrackReferenceFollowsPullback(t *testing.T) {
	f := newFixture(t, Config{Policy: PolicyTrackReference, MinReprice: 0.5})
	ctx := context.Background()

	f.seedHolding(t, "user1", "AAPL", 10, 100)
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 110}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	first := f.activeExit(t, "user1", "AAPL")

	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 105}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	replaced := f.activeExit(t, "user1", "AAPL")
	if replaced == nil || replaced.LocalOrderID == first.LocalOrderID {
		t.Fatal("track_reference 应跟随回落撤换")
	}
	if replaced.IntendedPrice != 105 {
		t.Errorf("新目标价应为 105, 得到 %f", replaced.IntendedPrice)
	}
}

func TestRunPassMinRepriceChurnGuard(t *testing.T) {
	f := newFixture(t, Config{Policy: PolicyTrackReference, MinReprice: 1.0})
	ctx := context.Background()

	f.seedHolding(t, "user1", "AAPL", 10, 100)
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 110}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	first := f.activeExit(t, "user1", "AAPL")

	// 变化幅度低于 MinReprice：不撤换
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 110.4}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	still := f.activeExit(t, "user1", "AAPL")
	if still == nil || still.LocalOrderID != first.LocalOrderID {
		t.Error("低于最小幅度不应撤换")
	}
}

func TestRunPassLeavesManuallyModifiedExitAlone(t *testing.T) {
	f := newFixture(t, Config{Policy: PolicyTrackReference, MinReprice: 0.5})
	ctx := context.Background()

	f.seedHolding(t, "user1", "AAPL", 10, 100)
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 110}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	first := f.activeExit(t, "user1", "AAPL")

	// 对账检出人工改单
	if _, err := f.orders.Transition(ctx, "user1", first.LocalOrderID, order.StatusManuallyModified, func(o *order.TrackedOrder) {
		o.BrokerPrice = 120
		o.BrokerQuantity = o.OriginalQuantity
	}); err != nil {
		t.Fatalf("标记改单失败: %v", err)
	}

	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 130}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	got, err := f.orders.Get(ctx, "user1", first.LocalOrderID)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	// 人工改过的单不自动撤换
	if got.Status != order.StatusManuallyModified {
		t.Errorf("人工改单不应被引擎撤换, 得到 %s", got.Status)
	}
}

func TestRunPassReplacesAtRemainingQuantity(t *testing.T) {
	f := newFixture(t, Config{Policy: PolicyTightenOnly, MinReprice: 0.5})
	ctx := context.Background()

	f.seedHolding(t, "user1", "AAPL", 10, 100)
	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 110}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	first := f.activeExit(t, "user1", "AAPL")

	// 卖单部分成交 4 股
	if _, err := f.orders.Transition(ctx, "user1", first.LocalOrderID, order.StatusPartiallyFilled, func(o *order.TrackedOrder) {
		o.FilledQuantity = 4
		o.AvgFillPrice = 110
	}); err != nil {
		t.Fatalf("标记部分成交失败: %v", err)
	}

	if err := f.engine.RunPass(ctx, "user1", map[string]float64{"AAPL": 115}); err != nil {
		t.Fatalf("离场轮失败: %v", err)
	}
	replaced := f.activeExit(t, "user1", "AAPL")
	if replaced == nil || replaced.LocalOrderID == first.LocalOrderID {
		t.Fatal("应撤换为新卖单")
	}
	// 新单按剩余数量挂出
	if replaced.IntendedQuantity != 6 {
		t.Errorf("新卖单应为剩余 6 股, 得到 %d", replaced.IntendedQuantity)
	}
}
