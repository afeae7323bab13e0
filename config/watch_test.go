package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, validYAML)

	var mu sync.Mutex
	var got []AppConfig
	w, err := NewWatcher(path, WatchConfig{Enabled: true, CooldownTime: time.Millisecond}, func(cfg AppConfig) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("创建监听器失败: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("启动监听失败: %v", err)
	}
	defer func() { _ = w.Stop() }()

	updated := validYAML + "\nstore:\n  driver: sqlite\n  path: /tmp/watch.db\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("改写配置失败: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("写入后应触发重载")
	}
	if got[len(got)-1].Store.Driver != "sqlite" {
		t.Errorf("重载应拿到新配置, 得到 %+v", got[len(got)-1].Store)
	}
	if w.LastReloadTime().IsZero() {
		t.Error("应记录最后重载时间")
	}
}

func TestWatcherKeepsOldConfigOnInvalidFile(t *testing.T) {
	path := writeConfig(t, validYAML)

	var mu sync.Mutex
	updates := 0
	errs := 0
	w, err := NewWatcher(path, WatchConfig{Enabled: true, CooldownTime: time.Millisecond}, func(AppConfig) {
		mu.Lock()
		updates++
		mu.Unlock()
	}, func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("创建监听器失败: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("启动监听失败: %v", err)
	}
	defer func() { _ = w.Stop() }()

	// 校验不过的新文件：报错回调，不下发
	if err := os.WriteFile(path, []byte("env: ''\n"), 0o644); err != nil {
		t.Fatalf("改写配置失败: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := errs
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if errs == 0 {
		t.Fatal("非法配置应触发错误回调")
	}
	if updates != 0 {
		t.Errorf("非法配置不应下发, 得到 %d 次更新", updates)
	}
}

func TestWatcherDisabledIsNoop(t *testing.T) {
	path := writeConfig(t, validYAML)
	w, err := NewWatcher(path, WatchConfig{Enabled: false}, nil, nil)
	if err != nil {
		t.Fatalf("创建监听器失败: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("禁用时 Start 应为 no-op: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("停止失败: %v", err)
	}
}
