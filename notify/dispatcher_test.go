package notify

import (
	"context"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, prefs []Preference, throttle time.Duration) (*Dispatcher, *MockChannel) {
	t.Helper()
	d := NewDispatcher(NewGate(NewStaticSource(prefs), nil), throttle, nil, nil)
	ch := NewMockChannel("mock")
	if err := d.AddChannel(ch); err != nil {
		t.Fatalf("注册通道失败: %v", err)
	}
	return d, ch
}

func TestDispatcherDeliversToChannel(t *testing.T) {
	d, ch := newTestDispatcher(t, nil, time.Minute)

	d.Publish(context.Background(), Event{
		OwnerUserID: "user1",
		Type:        EventOrderExecuted,
		Message:     "AAPL filled 10@150.25",
	})

	if ch.Count() != 1 {
		t.Fatalf("期望投递 1 条, 得到 %d", ch.Count())
	}
	got := ch.Events()[0]
	if got.Type != EventOrderExecuted || got.OwnerUserID != "user1" {
		t.Errorf("事件内容不符: %+v", got)
	}
	// 默认填充
	if got.Level != "INFO" || got.Timestamp.IsZero() {
		t.Errorf("Level/Timestamp 应被默认填充: %+v", got)
	}
}

func TestDispatcherThrottlesDuplicates(t *testing.T) {
	d, ch := newTestDispatcher(t, nil, time.Hour)
	ctx := context.Background()

	ev := Event{OwnerUserID: "user1", Type: EventManualModification, Message: "price changed"}
	d.Publish(ctx, ev)
	d.Publish(ctx, ev) // 同 key 在间隔内被限流
	if ch.Count() != 1 {
		t.Errorf("重复事件应被限流, 期望 1 条, 得到 %d", ch.Count())
	}

	// 不同消息是不同 key
	d.Publish(ctx, Event{OwnerUserID: "user1", Type: EventManualModification, Message: "quantity changed"})
	if ch.Count() != 2 {
		t.Errorf("不同消息不应被限流, 期望 2 条, 得到 %d", ch.Count())
	}

	// 清空限流后放行
	d.ResetThrottle()
	d.Publish(ctx, ev)
	if ch.Count() != 3 {
		t.Errorf("ResetThrottle 后应放行, 期望 3 条, 得到 %d", ch.Count())
	}
}

func TestDispatcherGateSuppression(t *testing.T) {
	d, ch := newTestDispatcher(t, []Preference{{
		OwnerUserID: "muted",
		Channels:    map[string]bool{"mock": false},
	}}, time.Minute)
	ctx := context.Background()

	d.Publish(ctx, Event{OwnerUserID: "muted", Type: EventOrderExecuted, Message: "m1"})
	if ch.Count() != 0 {
		t.Errorf("被闸门拦截的事件不应投递, 得到 %d 条", ch.Count())
	}

	// 其他用户不受影响
	d.Publish(ctx, Event{OwnerUserID: "other", Type: EventOrderExecuted, Message: "m2"})
	if ch.Count() != 1 {
		t.Errorf("未拦截用户应正常投递, 得到 %d 条", ch.Count())
	}
}

func TestDispatcherChannelErrorDoesNotPropagate(t *testing.T) {
	d, ch := newTestDispatcher(t, nil, time.Minute)
	ch.SetShouldError(true)

	// 投递失败只记日志，Publish 不报错不崩溃
	d.Publish(context.Background(), Event{OwnerUserID: "user1", Type: EventOrderRejected, Message: "m"})
	if ch.Count() != 0 {
		t.Errorf("失败的投递不应计入, 得到 %d", ch.Count())
	}
}

func TestThrottlerWindow(t *testing.T) {
	th := NewThrottler(50 * time.Millisecond)

	if !th.Allow("k") {
		t.Fatal("首次应放行")
	}
	if th.Allow("k") {
		t.Error("间隔内应拦截")
	}
	if !th.Allow("other") {
		t.Error("不同 key 互不影响")
	}
	time.Sleep(60 * time.Millisecond)
	if !th.Allow("k") {
		t.Error("间隔过后应再次放行")
	}
}
