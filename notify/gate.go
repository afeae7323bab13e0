package notify

import (
	"context"
	"time"
)

// 闸门拦截原因，导出供指标打点。
const (
	SuppressChannelDisabled = "channel_disabled"
	SuppressQuietHours      = "quiet_hours"
	SuppressEventDisabled   = "event_disabled"
)

// Gate 通知闸门：按用户/事件/通道决定是否放行。
// 判定顺序：通道关闭 → 静默时段 → 事件类型关闭；
// 未配置偏好的用户一律放行（fail-open）。
type Gate struct {
	prefs PreferenceSource
	clock func() time.Time
}

// NewGate 创建闸门。clock 为 nil 时用系统时间。
func NewGate(prefs PreferenceSource, clock func() time.Time) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{prefs: prefs, clock: clock}
}

// ShouldNotify 返回 (是否放行, 拦截原因)。偏好读取失败按放行处理，
// 避免偏好存储故障吞掉成交通知。
func (g *Gate) ShouldNotify(ctx context.Context, ownerID, eventType, channel string) (bool, string) {
	pref, err := g.prefs.Get(ctx, ownerID)
	if err != nil || pref == nil {
		return true, ""
	}

	if enabled, configured := pref.Channels[channel]; configured && !enabled {
		return false, SuppressChannelDisabled
	}

	if active, err := quietHoursActive(g.clock(), pref.QuietStart, pref.QuietEnd); err == nil && active {
		return false, SuppressQuietHours
	}

	if enabled, configured := pref.Events[eventType]; configured && !enabled {
		return false, SuppressEventDisabled
	}

	return true, ""
}
