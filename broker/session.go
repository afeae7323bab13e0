package broker

import (
	"context"
	"sync"
	"time"
)

// Authenticated 需要显式登录的券商实现该接口。无会话概念的
// 券商（纯 API key）不实现，Session 视其为始终在线。
type Authenticated interface {
	// Login 建立会话，返回会话过期时间。
	Login(ctx context.Context) (time.Time, error)
	// Logout 关闭会话。
	Logout(ctx context.Context) error
}

// Session 按用户持有一个券商会话：打开一次、过期刷新、停止时关闭。
// 由该用户的 worker 独占，不跨用户共享。
type Session struct {
	api API

	mu        sync.Mutex
	opened    bool
	expiresAt time.Time
}

// NewSession 创建会话包装。
func NewSession(api API) *Session {
	return &Session{api: api}
}

// Ensure 返回可用的 API；必要时登录或刷新过期会话。
func (s *Session) Ensure(ctx context.Context) (API, error) {
	auth, needsAuth := s.api.(Authenticated)
	if !needsAuth {
		return s.api, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened && (s.expiresAt.IsZero() || time.Now().Before(s.expiresAt)) {
		return s.api, nil
	}
	expiresAt, err := auth.Login(ctx)
	if err != nil {
		return nil, NewFatal(CodeAuthFailed, "broker login failed", err)
	}
	s.opened = true
	s.expiresAt = expiresAt
	return s.api, nil
}

// Close 关闭会话。用户停止服务时调用。
func (s *Session) Close(ctx context.Context) error {
	auth, needsAuth := s.api.(Authenticated)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !needsAuth || !s.opened {
		s.opened = false
		return nil
	}
	s.opened = false
	return auth.Logout(ctx)
}
