package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Preference 用户通知偏好。由外围应用维护，核心只读。
type Preference struct {
	OwnerUserID string          `yaml:"owner_user_id"`
	Channels    map[string]bool `yaml:"channels"` // 未出现的通道默认开启
	Events      map[string]bool `yaml:"events"`   // 未出现的事件类型默认开启
	// 静默时段 "HH:MM"，可跨午夜；两者均为空表示无静默时段。
	QuietStart string `yaml:"quiet_start"`
	QuietEnd   string `yaml:"quiet_end"`
}

// PreferenceSource 偏好只读来源。
type PreferenceSource interface {
	// Get 返回用户偏好；用户未配置时返回 (nil, nil)，调用方按"默认通知"处理。
	Get(ctx context.Context, ownerID string) (*Preference, error)
}

// StaticSource 配置内嵌的偏好来源。
type StaticSource struct {
	mu    sync.RWMutex
	prefs map[string]*Preference
}

// NewStaticSource 创建静态偏好来源。
func NewStaticSource(prefs []Preference) *StaticSource {
	s := &StaticSource{prefs: make(map[string]*Preference, len(prefs))}
	for i := range prefs {
		p := prefs[i]
		s.prefs[p.OwnerUserID] = &p
	}
	return s
}

// Get 实现 PreferenceSource。
func (s *StaticSource) Get(_ context.Context, ownerID string) (*Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[ownerID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// Set 更新用户偏好（热更新用）。
func (s *StaticSource) Set(p Preference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.OwnerUserID] = &p
}

// quietHoursActive 判断 now 是否落在 [start, end) 静默窗口内，支持跨午夜。
func quietHoursActive(now time.Time, start, end string) (bool, error) {
	if start == "" || end == "" {
		return false, nil
	}
	startMin, err := parseClock(start)
	if err != nil {
		return false, err
	}
	endMin, err := parseClock(end)
	if err != nil {
		return false, err
	}
	nowMin := now.Hour()*60 + now.Minute()

	if startMin == endMin {
		return false, nil
	}
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin, nil
	}
	// 跨午夜：22:00–08:00
	return nowMin >= startMin || nowMin < endMin, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse quiet hours %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
