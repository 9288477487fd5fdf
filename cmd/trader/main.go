package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"shock-trader/internal/app"
	"shock-trader/internal/config"
	"shock-trader/internal/log"
	"shock-trader/internal/store"
)

func main() {
	var (
		configPath string
		modeFlag   string
		once       bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&modeFlag, "mode", "", "覆盖 execution.mode（PAPER 或 REAL）")
	flag.BoolVar(&once, "once", false, "只执行一次扫描与决策调用后退出，供外部调度器使用")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if modeFlag != "" {
		mode, err := config.ParseTradingMode(modeFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "无效的交易模式: %v\n", err)
			os.Exit(2)
		}
		cfg.Execution.Mode = mode
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, once); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("系统已安全退出")
}

func run(cfg *config.Config, logger *zap.Logger, once bool) error {
	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tradingApp, err := app.New(ctx, cfg, logger, sqliteStore)
	if err != nil {
		return fmt.Errorf("初始化交易系统失败: %w", err)
	}
	defer func() {
		if closeErr := tradingApp.Close(); closeErr != nil {
			logger.Warn("释放外部连接失败", zap.Error(closeErr))
		}
	}()

	if once {
		return tradingApp.RunOnce(ctx)
	}
	return tradingApp.Run(ctx)
}
