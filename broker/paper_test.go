package broker

import (
	"context"
	"errors"
	"testing"

	"signal-trader-go/order"
)

func limitBuy(clientID, symbol string, qty int64, price float64) OrderRequest {
	return OrderRequest{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          order.SideBuy,
		Kind:          order.KindLimit,
		Quantity:      qty,
		LimitPrice:    price,
	}
}

func TestPaperBrokerSubmitAndQuery(t *testing.T) {
	p := NewPaperBroker(0)
	ctx := context.Background()

	id, err := p.SubmitOrder(ctx, limitBuy("loc-1", "AAPL", 10, 100))
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	got, err := p.QueryOrder(ctx, id)
	if err != nil {
		t.Fatalf("查单失败: %v", err)
	}
	if got.Status != BrokerStatusOpen || got.ClientOrderID != "loc-1" || got.Quantity != 10 {
		t.Errorf("订单不符: %+v", got)
	}

	if _, err := p.QueryOrder(ctx, "P-999999"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("查无此单期望 ErrOrderNotFound, 得到 %v", err)
	}
}

func TestPaperBrokerCashCheck(t *testing.T) {
	p := NewPaperBroker(1500)
	ctx := context.Background()

	if _, err := p.SubmitOrder(ctx, limitBuy("loc-1", "AAPL", 10, 100)); err != nil {
		t.Fatalf("资金充足应放行: %v", err)
	}
	// 剩余 500，不足第二笔
	_, err := p.SubmitOrder(ctx, limitBuy("loc-2", "MSFT", 10, 100))
	if err == nil {
		t.Fatal("资金不足应拒绝")
	}
	var be *Error
	if !errors.As(err, &be) || be.Class != ClassBusiness || be.Code != CodeInsufficientFunds {
		t.Errorf("期望业务类资金不足错误, 得到 %v", err)
	}
}

func TestPaperBrokerFillAndBook(t *testing.T) {
	p := NewPaperBroker(0)
	ctx := context.Background()

	id, err := p.SubmitOrder(ctx, limitBuy("loc-1", "AAPL", 10, 100))
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if err := p.Fill(id, 4, 99.5); err != nil {
		t.Fatalf("注入成交失败: %v", err)
	}

	got, err := p.QueryOrder(ctx, id)
	if err != nil {
		t.Fatalf("查单失败: %v", err)
	}
	if got.Status != BrokerStatusPartiallyFilled || got.FilledQuantity != 4 {
		t.Errorf("部分成交不符: %+v", got)
	}

	// 部分成交仍在开放簿上
	snap, err := p.QueryBook(ctx)
	if err != nil {
		t.Fatalf("取快照失败: %v", err)
	}
	if _, ok := snap.FindByBrokerID(id); !ok {
		t.Error("部分成交订单应在快照中")
	}

	// qty<=0 表示剩余全量
	if err := p.Fill(id, 0, 100.5); err != nil {
		t.Fatalf("注入成交失败: %v", err)
	}
	got, err = p.QueryOrder(ctx, id)
	if err != nil {
		t.Fatalf("查单失败: %v", err)
	}
	if got.Status != BrokerStatusFilled || got.FilledQuantity != 10 {
		t.Errorf("全量成交不符: %+v", got)
	}
	// 加权成交均价：(4*99.5 + 6*100.5) / 10 = 100.1
	if got.AvgFillPrice != 100.1 {
		t.Errorf("期望成交均价 100.1, 得到 %f", got.AvgFillPrice)
	}

	// 已终结订单不再出现在快照里
	snap, err = p.QueryBook(ctx)
	if err != nil {
		t.Fatalf("取快照失败: %v", err)
	}
	if _, ok := snap.FindByBrokerID(id); ok {
		t.Error("已成交订单不应在开放簿快照中")
	}
	// 但逐单查询仍可见
	if _, err := p.QueryOrder(ctx, id); err != nil {
		t.Errorf("已终结订单应可逐单查询: %v", err)
	}
}

func TestPaperBrokerCancel(t *testing.T) {
	p := NewPaperBroker(0)
	ctx := context.Background()

	id, err := p.SubmitOrder(ctx, limitBuy("loc-1", "AAPL", 10, 100))
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if err := p.CancelOrder(ctx, id); err != nil {
		t.Fatalf("撤单失败: %v", err)
	}
	got, err := p.QueryOrder(ctx, id)
	if err != nil {
		t.Fatalf("查单失败: %v", err)
	}
	if got.Status != BrokerStatusCancelled {
		t.Errorf("期望 CANCELLED, 得到 %s", got.Status)
	}
	// 重复撤单是错误
	if err := p.CancelOrder(ctx, id); err == nil {
		t.Error("撤已终结订单应报错")
	}
}

func TestPaperBrokerFaultInjection(t *testing.T) {
	p := NewPaperBroker(0)
	ctx := context.Background()

	injected := NewTransient(CodeUnavailable, "down", nil)
	p.FailNext(injected)
	if _, err := p.SubmitOrder(ctx, limitBuy("loc-1", "AAPL", 10, 100)); !errors.Is(err, injected) {
		t.Errorf("期望注入错误, 得到 %v", err)
	}
	// FailNext 只生效一次
	if _, err := p.SubmitOrder(ctx, limitBuy("loc-2", "AAPL", 10, 100)); err != nil {
		t.Errorf("注入后下一次调用应恢复: %v", err)
	}

	p.FailAll(injected)
	if _, err := p.QueryBook(ctx); !errors.Is(err, injected) {
		t.Errorf("FailAll 应持续生效, 得到 %v", err)
	}
	p.FailAll(nil)
	if _, err := p.QueryBook(ctx); err != nil {
		t.Errorf("FailAll(nil) 应恢复: %v", err)
	}
}

func TestSnapshotCorrelationMatchesOpenOnly(t *testing.T) {
	snap := &Snapshot{Orders: []BrokerOrder{
		{BrokerOrderID: "B-1", Symbol: "AAPL", Side: order.SideBuy, Quantity: 10, Status: BrokerStatusFilled},
		{BrokerOrderID: "B-2", Symbol: "AAPL", Side: order.SideBuy, Quantity: 10, Status: BrokerStatusOpen},
	}}

	got, ok := snap.FindByCorrelation("AAPL", order.SideBuy, 10)
	if !ok || got.BrokerOrderID != "B-2" {
		t.Errorf("关联应只匹配开放订单, 得到 %+v", got)
	}
	if _, ok := snap.FindByCorrelation("AAPL", order.SideSell, 10); ok {
		t.Error("方向不符不应匹配")
	}
	if _, ok := snap.FindByCorrelation("AAPL", order.SideBuy, 5); ok {
		t.Error("数量不符不应匹配")
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{NewTransient(CodeUnavailable, "down", nil), ClassTransient},
		{NewBusiness(CodeInsufficientFunds, "funds", nil), ClassBusiness},
		{NewFatal(CodeInvalidInstrument, "symbol", nil), ClassFatal},
		{context.DeadlineExceeded, ClassTransient},
		{errors.New("mystery"), ClassFatal}, // 未知错误宁可上抛
	}
	for _, tc := range cases {
		if got := ClassOf(tc.err); got != tc.want {
			t.Errorf("ClassOf(%v): 期望 %s, 得到 %s", tc.err, tc.want, got)
		}
	}

	if !IsRetryQueueable(NewBusiness(CodeInsufficientFunds, "funds", nil)) {
		t.Error("资金不足应进重试队列")
	}
	if !IsRetryQueueable(NewBusiness(CodeMarginUnavailable, "margin", nil)) {
		t.Error("保证金不足应进重试队列")
	}
	if IsRetryQueueable(NewFatal(CodeInvalidInstrument, "symbol", nil)) {
		t.Error("结构性错误不应进重试队列")
	}
}

func TestSessionLoginOnce(t *testing.T) {
	p := NewPaperBroker(0)
	s := NewSession(p)
	ctx := context.Background()

	api, err := s.Ensure(ctx)
	if err != nil {
		t.Fatalf("会话建立失败: %v", err)
	}
	if api == nil {
		t.Fatal("Ensure 应返回可用 API")
	}
	// 会话未过期时复用
	if _, err := s.Ensure(ctx); err != nil {
		t.Fatalf("复用会话失败: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("关闭会话失败: %v", err)
	}
}
