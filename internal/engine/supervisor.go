package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"signal-trader-go/infrastructure/logger"
)

// Supervisor 管理多个用户引擎的生命周期。用户之间完全独立，
// 单个用户的启停不影响其他用户。
type Supervisor struct {
	mu      sync.RWMutex
	engines map[string]*UserEngine
	logger  *logger.Logger
}

// NewSupervisor 创建引擎监管器
func NewSupervisor(log *logger.Logger) *Supervisor {
	return &Supervisor{
		engines: make(map[string]*UserEngine),
		logger:  log,
	}
}

// Register 登记一个用户引擎。重复登记同一用户返回错误。
func (s *Supervisor) Register(e *UserEngine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.engines[e.UserID()]; exists {
		return fmt.Errorf("engine for user %s already registered", e.UserID())
	}
	s.engines[e.UserID()] = e
	return nil
}

// Engine 按用户取引擎。
func (s *Supervisor) Engine(userID string) (*UserEngine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engines[userID]
	return e, ok
}

// UserIDs 返回已登记的用户列表（字典序）。
func (s *Supervisor) UserIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartAll 启动全部引擎。部分失败不回滚已启动的引擎。
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs error
	for id, e := range s.engines {
		if err := e.Start(ctx); err != nil {
			s.logger.Error("Failed to start user engine",
				zap.String("user_id", id), zap.Error(err))
			errs = errors.Join(errs, fmt.Errorf("user %s: %w", id, err))
		}
	}
	return errs
}

// StopAll 停止全部引擎，逐个等待退出。
func (s *Supervisor) StopAll() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs error
	for id, e := range s.engines {
		if err := e.Stop(); err != nil {
			s.logger.Error("Failed to stop user engine",
				zap.String("user_id", id), zap.Error(err))
			errs = errors.Join(errs, fmt.Errorf("user %s: %w", id, err))
		}
	}
	return errs
}

// StopUser 停止单个用户的引擎。
func (s *Supervisor) StopUser(userID string) error {
	e, ok := s.Engine(userID)
	if !ok {
		return fmt.Errorf("no engine for user %s", userID)
	}
	return e.Stop()
}
