package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-trader-go/broker"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		Multiplier:       2.0,
		FailureThreshold: 5,
		RecoveryTimeout:  time.Hour,
	}
}

func TestControllerRetriesTransientThenSucceeds(t *testing.T) {
	c := New(fastConfig(), nil, nil)

	calls := 0
	err := c.Do(context.Background(), "submit_order", func() error {
		calls++
		if calls < 3 {
			return broker.NewTransient(broker.CodeUnavailable, "broker unavailable", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("第三次成功应返回 nil, 得到 %v", err)
	}
	if calls != 3 {
		t.Errorf("期望调用 3 次, 实际 %d 次", calls)
	}
}

func TestControllerExhaustsTransientBudget(t *testing.T) {
	c := New(fastConfig(), nil, nil)

	calls := 0
	transient := broker.NewTransient(broker.CodeRateLimited, "rate limited", nil)
	err := c.Do(context.Background(), "query_book", func() error {
		calls++
		return transient
	})
	if err == nil {
		t.Fatal("预算耗尽后应返回错误")
	}
	// 最终错误要能解出原始暂时性错误
	var be *broker.Error
	if !errors.As(err, &be) || be.Code != broker.CodeRateLimited {
		t.Errorf("耗尽错误应包裹原始错误, 得到 %v", err)
	}
	if calls != 3 {
		t.Errorf("期望调用 3 次, 实际 %d 次", calls)
	}
}

func TestControllerBusinessErrorNotRetried(t *testing.T) {
	c := New(fastConfig(), nil, nil)

	calls := 0
	err := c.Do(context.Background(), "submit_order", func() error {
		calls++
		return broker.NewBusiness(broker.CodeInsufficientFunds, "insufficient funds", nil)
	})
	if err == nil {
		t.Fatal("业务拒绝应立即上抛")
	}
	if calls != 1 {
		t.Errorf("业务拒绝不消耗重试预算, 期望 1 次调用, 实际 %d 次", calls)
	}
	// 业务拒绝不计入熔断
	if !c.Breaker().IsClosed() {
		t.Errorf("业务拒绝后熔断应保持 CLOSED, 得到 %s", c.Breaker().GetState())
	}
}

func TestControllerFatalErrorNotRetried(t *testing.T) {
	c := New(fastConfig(), nil, nil)

	calls := 0
	err := c.Do(context.Background(), "submit_order", func() error {
		calls++
		return broker.NewFatal(broker.CodeInvalidInstrument, "unknown symbol", nil)
	})
	if err == nil {
		t.Fatal("结构性错误应立即上抛")
	}
	if calls != 1 {
		t.Errorf("期望 1 次调用, 实际 %d 次", calls)
	}
}

func TestControllerCircuitOpenShortCircuits(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 2
	c := New(cfg, nil, nil)

	transient := broker.NewTransient(broker.CodeUnavailable, "down", nil)
	_ = c.Do(context.Background(), "submit_order", func() error { return transient })
	if !c.Breaker().IsOpen() {
		t.Fatalf("连续暂时性失败应触发熔断, 得到 %s", c.Breaker().GetState())
	}

	// 熔断期间不再调用券商
	calls := 0
	err := c.Do(context.Background(), "submit_order", func() error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("期望 ErrCircuitOpen, 得到 %v", err)
	}
	if calls != 0 {
		t.Errorf("熔断期间不应调用券商, 实际调用 %d 次", calls)
	}
}

func TestControllerRespectsContextCancel(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour // 让取消先于退避结束
	c := New(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := c.Do(ctx, "submit_order", func() error {
		return broker.NewTransient(broker.CodeUnavailable, "down", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("退避等待应尊重取消, 得到 %v", err)
	}
}

func TestControllerDelayFormula(t *testing.T) {
	c := New(Config{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}, nil, nil)

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // 封顶
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := c.delay(tc.n); got != tc.want {
			t.Errorf("delay(%d): 期望 %v, 得到 %v", tc.n, tc.want, got)
		}
	}
}
