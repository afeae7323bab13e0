package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig 热更新配置
type WatchConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免频繁更新
}

// DefaultWatchConfig 默认热更新配置
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		Enabled:      true,
		CooldownTime: 5 * time.Second,
	}
}

// Watcher 监听配置文件写入，通过回调下发重新加载后的配置。
// 校验失败的新文件不会下发，继续沿用旧配置。
type Watcher struct {
	config     WatchConfig
	configPath string
	watcher    *fsnotify.Watcher
	onUpdate   func(AppConfig)
	onError    func(error)
	lastReload time.Time
	mu         sync.Mutex
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewWatcher 创建配置监听器
func NewWatcher(configPath string, cfg WatchConfig, onUpdate func(AppConfig), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		config:     cfg,
		configPath: configPath,
		watcher:    fw,
		onUpdate:   onUpdate,
		onError:    onError,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start 启动监听
func (w *Watcher) Start(ctx context.Context) error {
	if !w.config.Enabled {
		return nil
	}
	if err := w.watcher.Add(w.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	go w.watch(ctx)
	return nil
}

// Stop 停止监听
func (w *Watcher) Stop() error {
	if !w.config.Enabled {
		if w.watcher != nil {
			return w.watcher.Close()
		}
		return nil
	}

	select {
	case <-w.stopChan:
		// 已经停止
	default:
		close(w.stopChan)
	}

	// 等待 goroutine 结束（带超时）
	select {
	case <-w.doneChan:
	case <-time.After(1 * time.Second):
	}

	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// 只处理写入和创建事件
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				w.handleChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) handleChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastReload) < w.config.CooldownTime {
		return
	}

	cfg, err := LoadWithEnvOverrides(w.configPath)
	if err != nil {
		w.reportError(fmt.Errorf("reload config: %w", err))
		return
	}
	if w.onUpdate != nil {
		w.onUpdate(cfg)
	}
	w.lastReload = time.Now()
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

// LastReloadTime 获取最后一次成功重载时间
func (w *Watcher) LastReloadTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload
}
