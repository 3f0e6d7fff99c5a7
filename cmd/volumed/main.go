package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"SolVolume/internal/api"
	"SolVolume/internal/chain"
	"SolVolume/internal/config"
	"SolVolume/internal/notify"
	"SolVolume/internal/router"
	"SolVolume/internal/session"
	"SolVolume/internal/trader"
	"SolVolume/pkg/logger"

	"github.com/gagliardetto/solana-go/rpc"
)

// main 是做市守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("volumed 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 仅用于本地开发，缺失不算错误。
	_ = godotenv.Load()

	configPath := os.Getenv("VOLUMED_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "volumed.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := createStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dispatcher, err := createDispatcher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.L().Warn("关闭通知派发器失败", "error", err)
		}
	}()

	cache, err := createDecimalsCache(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url 不能为空")
	}
	chainClient := chain.New(cfg.Chain.RPCURL,
		chain.WithCommitment(rpc.CommitmentType(cfg.Chain.Commitment)),
		chain.WithDecimalsCache(cache),
	)

	endpoints, err := loadEndpoints(cfg)
	if err != nil {
		return err
	}
	swapRouter := router.NewClient(chainClient, endpoints)

	manager := session.NewManager(managerConfig(cfg), store, chainClient, swapRouter, dispatcher)
	defer manager.StopAll()

	if restored, err := manager.RestoreActiveSessions(ctx); err != nil {
		logger.L().Error("恢复活动会话失败", "error", err)
	} else if restored > 0 {
		logger.L().Info("已恢复活动会话", "count", restored)
	}

	server := api.NewServer(cfg.Server.Address, manager)
	logger.L().Info("volumed 启动", "address", cfg.Server.Address)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Storage.SessionStore.Driver {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "mysql":
		return session.NewSQLStore(cfg.Storage.SessionStore.DSN)
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.SessionStore.Driver)
	}
}

func createDispatcher(cfg *config.Config) (notify.Dispatcher, error) {
	switch cfg.Notify.Driver {
	case "", "log":
		return notify.LogDispatcher{}, nil
	case "rabbitmq":
		return notify.NewRabbitMQDispatcher(notify.RabbitMQConfig{
			URL:     cfg.Notify.RabbitMQ.URL,
			Queue:   cfg.Notify.RabbitMQ.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的通知驱动: %s", cfg.Notify.Driver)
	}
}

func createDecimalsCache(ctx context.Context, cfg *config.Config) (chain.DecimalsCache, error) {
	switch cfg.Cache.Driver {
	case "", "memory":
		return chain.NewMemoryDecimalsCache(), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("无法连接到 Redis: %w", err)
		}
		return chain.NewRedisDecimalsCache(client), nil
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}
}

// loadEndpoints 合并端点来源：YAML 定义文件优先，其次配置内联，
// 都没有时使用内置的默认列表。
func loadEndpoints(cfg *config.Config) ([]router.Endpoint, error) {
	if cfg.Router.EndpointsFile != "" {
		endpoints, err := router.LoadEndpointDefinitions(cfg.Router.EndpointsFile)
		if err != nil {
			return nil, err
		}
		if len(endpoints) > 0 {
			return endpoints, nil
		}
	}
	if len(cfg.Router.Endpoints) > 0 {
		endpoints := make([]router.Endpoint, 0, len(cfg.Router.Endpoints))
		for _, e := range cfg.Router.Endpoints {
			endpoints = append(endpoints, router.Endpoint{
				Name:     e.Name,
				QuoteURL: e.QuoteURL,
				SwapURL:  e.SwapURL,
				Version:  e.Version,
			})
		}
		return endpoints, nil
	}
	return router.DefaultEndpoints, nil
}

func managerConfig(cfg *config.Config) session.Config {
	t := cfg.Trading
	strategies := make(map[session.Strategy]trader.DelayRange, len(t.Strategies))
	for name, bounds := range t.Strategies {
		strategy, err := session.ParseStrategy(name)
		if err != nil || len(bounds) != 2 {
			logger.L().Warn("忽略无效的策略配置", "strategy", name)
			continue
		}
		strategies[strategy] = trader.DelayRange{Min: bounds[0], Max: bounds[1]}
	}
	return session.Config{
		OperatorAddress:  t.OperatorAddress,
		DepositMinNative: t.DepositMinNative,
		FeePercent:       t.FeePercent,
		DepositReserve:   t.DepositReserve,
		SweepReserve:     t.SweepReserve,
		SubWalletCount:   t.SubWalletCount,
		SlippageBps:      cfg.Router.SlippageBps,
		TradePercent:     t.TradePercent,
		MinNativeTrade:   t.MinNativeTrade,
		MinTokenTrade:    t.MinTokenTrade,
		NativeFeeReserve: t.NativeFeeReserve,
		ReportInterval:   time.Duration(t.ReportIntervalSec) * time.Second,
		ErrorPause:       time.Duration(t.ErrorPauseSec) * time.Second,
		EstimateRateUSD:  t.EstimateRateUSD,
		Strategies:       strategies,
	}
}
