package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"signal-trader-go/infrastructure/logger"
)

// Component 可托管的生命周期单元。Start 返回后组件须处于可服务状态，
// Stop 必须幂等。
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 按注册顺序启动组件、逆序停止。启动中途失败时
// 回滚已启动的组件。
type LifecycleManager struct {
	mu         sync.RWMutex
	log        *logger.Logger
	components []Component
}

// NewLifecycleManager 创建生命周期管理器。log 可为 nil。
func NewLifecycleManager(log *logger.Logger) *LifecycleManager {
	return &LifecycleManager{log: log}
}

// Register 注册组件，顺序即启动顺序。
func (m *LifecycleManager) Register(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
}

// StartAll 按注册顺序启动。任一组件失败时逆序停掉已启动的组件
// 并返回失败组件的错误。
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, c := range m.components {
		if err := c.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if serr := m.components[j].Stop(); serr != nil && m.log != nil {
					m.log.LogError(serr, map[string]interface{}{
						"component": m.components[j].Name(),
						"action":    "rollback_stop",
					})
				}
			}
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		if m.log != nil {
			m.log.Info("component started: " + c.Name())
		}
	}
	return nil
}

// StopAll 逆序停止全部组件，汇总所有停止错误。
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs error
	for i := len(m.components) - 1; i >= 0; i-- {
		c := m.components[i]
		if err := c.Stop(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
	}
	return errs
}

// CheckHealth 返回第一个不健康组件的错误。
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.components {
		if err := c.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", c.Name(), err)
		}
	}
	return nil
}

// httpComponent HTTP 服务组件（指标与管理接口共用）。
type httpComponent struct {
	name    string
	addr    string
	handler http.Handler
	log     *logger.Logger

	mu  sync.Mutex
	srv *http.Server
}

func (h *httpComponent) Name() string { return h.name }

func (h *httpComponent) Start(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv != nil {
		return nil
	}

	srv := &http.Server{Addr: h.addr, Handler: h.handler}
	h.srv = srv

	go func() {
		if h.log != nil {
			h.log.Info(fmt.Sprintf("%s listening on %s", h.name, h.addr))
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if h.log != nil {
				h.log.LogError(err, map[string]interface{}{
					"component": h.name,
					"action":    "listen",
				})
			}
		}
	}()
	return nil
}

func (h *httpComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.srv.Shutdown(ctx)
	h.srv = nil
	if err != nil {
		return fmt.Errorf("%s shutdown: %w", h.name, err)
	}
	return nil
}

func (h *httpComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv == nil {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}
