package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"

	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/infrastructure/monitor"
)

// Throttler 通知限流器：同一 key 在 interval 内只放行一次，
// 防止对账循环里同一异常反复轰炸用户。
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	lastTime, exists := t.lastSent[key]
	if !exists || now.Sub(lastTime) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// Dispatcher 通知分发器：事件先过闸门，放行后经事件总线投递到
// 各通道。投递失败只记日志，不影响订单状态正确性。
type Dispatcher struct {
	bus      EventBus.Bus
	gate     *Gate
	throttle *Throttler
	log      *logger.Logger
	mon      *monitor.Monitor

	mu       sync.RWMutex
	channels []Channel
}

// NewDispatcher 创建分发器。log/mon 可为 nil。
func NewDispatcher(gate *Gate, throttleInterval time.Duration, log *logger.Logger, mon *monitor.Monitor) *Dispatcher {
	return &Dispatcher{
		bus:      EventBus.New(),
		gate:     gate,
		throttle: NewThrottler(throttleInterval),
		log:      log,
		mon:      mon,
	}
}

func topicFor(channel string) string {
	return "notify:" + channel
}

// AddChannel 注册投递通道并订阅其主题。
func (d *Dispatcher) AddChannel(ch Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.bus.Subscribe(topicFor(ch.Name()), func(event Event) {
		if err := ch.Send(event); err != nil {
			if d.log != nil {
				d.log.LogError(fmt.Errorf("channel %s send failed: %w", ch.Name(), err), map[string]interface{}{
					"owner_user_id": event.OwnerUserID,
					"event_type":    event.Type,
				})
			}
			return
		}
		if d.mon != nil {
			d.mon.NotificationSent(ch.Name())
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe channel %s: %w", ch.Name(), err)
	}
	d.channels = append(d.channels, ch)
	return nil
}

// Channels 返回已注册的通道名。
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Publish 投递一条事件：逐通道过闸门，全部通道被拦截也不算错误。
func (d *Dispatcher) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = "INFO"
	}

	throttleKey := fmt.Sprintf("%s:%s:%s", event.OwnerUserID, event.Type, event.Message)
	if !d.throttle.Allow(throttleKey) {
		if d.mon != nil {
			d.mon.NotificationSuppressed("throttled")
		}
		return
	}

	d.mu.RLock()
	channels := make([]Channel, len(d.channels))
	copy(channels, d.channels)
	d.mu.RUnlock()

	for _, ch := range channels {
		ok, reason := d.gate.ShouldNotify(ctx, event.OwnerUserID, event.Type, ch.Name())
		if !ok {
			if d.mon != nil {
				d.mon.NotificationSuppressed(reason)
			}
			if d.log != nil {
				d.log.LogNotify("suppressed", map[string]interface{}{
					"owner_user_id": event.OwnerUserID,
					"event_type":    event.Type,
					"channel":       ch.Name(),
					"reason":        reason,
				})
			}
			continue
		}
		d.bus.Publish(topicFor(ch.Name()), event)
	}
}

// ResetThrottle 清空限流记录。
func (d *Dispatcher) ResetThrottle() {
	d.throttle.Clear()
}
