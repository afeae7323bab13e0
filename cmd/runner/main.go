package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"signal-trader-go/config"
	"signal-trader-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件路径，不存在则忽略")
	flag.Parse()

	// .env 仅用于本地开发，生产环境走 systemd EnvironmentFile
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("load env file: %v", err)
	}

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("初始化容器失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("构建组件失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}

	// 配置热更新：校验失败沿用旧配置，只报错不下发
	watcher, err := config.NewWatcher(*cfgPath, config.DefaultWatchConfig(),
		c.ApplyConfig,
		func(err error) { log.Printf("配置热更新失败: %v", err) })
	if err != nil {
		log.Printf("创建配置监听器失败: %v", err)
	} else if err := watcher.Start(ctx); err != nil {
		log.Printf("启动配置监听失败: %v", err)
	} else {
		defer watcher.Stop()
	}

	// systemd 集成：通知就绪，按要求喂看门狗
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdogLoop(ctx, c, interval)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		log.Printf("停止失败: %v", err)
	}
}

// watchdogLoop 健康检查通过才喂狗，组件不健康时由 systemd 重启进程。
func watchdogLoop(ctx context.Context, c *container.Container, interval time.Duration) {
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
