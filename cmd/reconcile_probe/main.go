package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"signal-trader-go/broker"
	"signal-trader-go/config"
	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/inventory"
	"signal-trader-go/reconcile"
	"signal-trader-go/retry"
	"signal-trader-go/store"
)

// 一次性对账探针：对指定用户跑一轮对账并打印结果，巡检与排障用。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	userID := flag.String("user", "", "用户 ID（必填）")
	timeout := flag.Duration("timeout", 30*time.Second, "单轮硬超时")
	flag.Parse()

	if *userID == "" {
		log.Fatal("缺少 -user 参数")
	}
	_ = godotenv.Load()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	var repos store.Repositories
	var sqlite *store.SQLiteStore
	switch cfg.Store.Driver {
	case "sqlite":
		sqlite, err = store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			log.Fatalf("打开存储失败: %v", err)
		}
		defer sqlite.Close()
		repos = sqlite.Repositories()
	default:
		log.Fatal("reconcile_probe 需要 store.driver=sqlite（内存存储没有可对账的历史）")
	}

	var api broker.API
	switch cfg.Broker.Adapter {
	case "alpaca":
		api = broker.NewAlpacaBroker(cfg.Broker.APIKey, cfg.Broker.APISecret,
			cfg.Broker.BaseURL, broker.NewTokenBucketLimiter(3, 5))
	default:
		log.Fatal("reconcile_probe 仅支持 broker.adapter=alpaca")
	}

	logCfg := logger.DefaultConfig()
	logCfg.Format = "console"
	lg, err := logger.New(logCfg)
	if err != nil {
		log.Fatalf("创建日志器失败: %v", err)
	}
	defer lg.Close()

	orders := store.NewStateStore(repos.Orders, lg)
	tracker := inventory.NewTracker(repos.Orders, repos.Positions)
	controller := retry.New(retry.DefaultConfig(), lg, nil)
	session := broker.NewSession(api)

	mon := reconcile.New(reconcile.Config{
		AckGracePeriod: time.Duration(cfg.Reconcile.AckGraceMinutes) * time.Minute,
		PriceEpsilon:   cfg.Reconcile.PriceEpsilon,
	}, orders, tracker, controller, session, nil, lg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	summary, err := mon.RunPass(ctx, *userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "对账轮次失败: %v\n", err)
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
}
