package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shock-trader/internal/advisory"
	"shock-trader/internal/cache"
	"shock-trader/internal/calibration"
	"shock-trader/internal/config"
	"shock-trader/internal/exchange"
	"shock-trader/internal/execution"
	"shock-trader/internal/feature"
	"shock-trader/internal/learning"
	"shock-trader/internal/ledger"
	applog "shock-trader/internal/log"
	"shock-trader/internal/metrics"
	"shock-trader/internal/monitor"
	"shock-trader/internal/optionchain"
	"shock-trader/internal/safety"
	"shock-trader/internal/scanner"
	"shock-trader/internal/scoring"
	"shock-trader/internal/settings"
	"shock-trader/internal/setup"
	"shock-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	scanner      *scanner.Scanner
	orchestrator *Orchestrator
	positions    *PositionMonitor
	learning     *learning.Engine
	monitor      *monitor.Service
	metrics      *metrics.Recorder
	server       *echo.Echo
	redis        *redis.Client

	now         func() time.Time
	lastScanDay string
	lastCycleID string
}

// New 按配置装配全部组件。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	logger = applog.Component(logger, "app")
	a := &App{cfg: cfg, logger: logger, now: time.Now}

	marketClient, err := exchange.NewClient(exchange.MarketOptions(cfg.Market), applog.Component(logger, "market"))
	if err != nil {
		return nil, fmt.Errorf("初始化行情客户端失败: %w", err)
	}
	var candles exchange.CandleSource = marketClient
	if cfg.Cache.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Cache)
		if err != nil {
			logger.Warn("行情缓存不可用，直接访问交易所", zap.Error(err))
		} else {
			a.redis = client
			candles = cache.NewCandleCache(client, marketClient, cfg.Cache, logger)
		}
	}
	market := exchange.NewMarketDataService(candles, marketClient, cfg.Scheduler.Parallelism, logger)

	setups, err := setup.NewRepository(st, logger)
	if err != nil {
		return nil, err
	}
	runtime, err := settings.NewStore(st, settings.Defaults(cfg), logger)
	if err != nil {
		return nil, err
	}
	book, err := ledger.New(st, cfg.Risk.TotalCapital, cfg.Strategy.Location(), logger)
	if err != nil {
		return nil, err
	}
	events, err := safety.NewEventLog(st, logger)
	if err != nil {
		return nil, err
	}
	kill, err := safety.NewKillSwitch(st, events, logger)
	if err != nil {
		return nil, err
	}
	governor, err := safety.NewGovernor(events, kill, runtime, book,
		safety.Options{KillSwitchOnDailyLoss: cfg.Risk.KillSwitchOnDailyLoss}, logger)
	if err != nil {
		return nil, err
	}
	signals, err := feature.NewSignalStore(st)
	if err != nil {
		return nil, err
	}
	snapshots, err := feature.NewSnapshotStore(st)
	if err != nil {
		return nil, err
	}
	weights, err := learning.NewEngine(st, scoring.FeatureNames(), logger)
	if err != nil {
		return nil, err
	}
	calibrator, err := calibration.NewCalibrator(st, logger)
	if err != nil {
		return nil, err
	}
	chain, err := optionchain.NewStore(st, 0)
	if err != nil {
		return nil, err
	}
	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	venues, err := buildVenues(cfg, chain, logger)
	if err != nil {
		return nil, err
	}

	var advisor Advisor
	if cfg.Advisory.Provider != "" {
		consultant, err := advisory.NewFromConfig(cfg.Advisory, applog.Component(logger, "advisory"))
		if err != nil {
			return nil, fmt.Errorf("初始化顾问失败: %w", err)
		}
		advisor = consultant
	}

	a.scanner, err = scanner.New(candles, setups, events, governor, scanner.Options{
		Symbols:     cfg.Market.Symbols,
		Strategy:    cfg.Strategy,
		Parallelism: cfg.Scheduler.Parallelism,
	}, applog.Component(logger, "scanner"))
	if err != nil {
		return nil, err
	}

	a.orchestrator, err = NewOrchestrator(OrchestratorOptions{
		Strategy:       cfg.Strategy,
		MaxLots:        cfg.Execution.MaxLots,
		OrderBookDepth: cfg.Market.OrderBookDepth,
		Parallelism:    cfg.Scheduler.Parallelism,
		Slippage:       cfg.Execution.Slippage,
	}, OrchestratorDeps{
		Setups:     setups,
		Settings:   runtime,
		Ledger:     book,
		Market:     market,
		Signals:    signals,
		Snapshots:  snapshots,
		Weights:    weights,
		Calibrator: calibrator,
		Advisor:    advisor,
		Chain:      chain,
		Governor:   governor,
		Events:     events,
		Venues:     venues,
		Monitor:    monitorSvc,
		Metrics:    recorder,
	}, applog.Component(logger, "orchestrator"))
	if err != nil {
		return nil, err
	}

	a.positions, err = NewPositionMonitor(cfg.Strategy, PositionDeps{
		Trades:     book,
		Setups:     setups,
		Learner:    weights,
		Calibrator: calibrator,
		Venues:     venues,
		Monitor:    monitorSvc,
		Metrics:    recorder,
	}, applog.Component(logger, "positions"))
	if err != nil {
		return nil, err
	}

	a.learning = weights
	a.monitor = monitorSvc
	a.metrics = recorder
	if cfg.Server.Enabled {
		a.server = newOpsServer(&opsHandler{
			monitor:     monitorSvc,
			governor:    governor,
			positions:   a.positions,
			learning:    weights,
			calibration: calibrator,
			setups:      setups,
			ledger:      book,
			chain:       chain,
			signals:     signals,
			validate:    validator.New(),
			logger:      applog.Component(logger, "ops"),
		}, registry)
	}
	return a, nil
}

// buildVenues 纸面执行端总是可用；实盘执行端仅在配置了 broker 时创建。
func buildVenues(cfg *config.Config, prices execution.PriceSource, logger *zap.Logger) (map[config.TradingMode]execution.Venue, error) {
	paper, err := execution.NewPaperVenue(prices, cfg.Execution.Slippage, applog.Component(logger, "paper"))
	if err != nil {
		return nil, err
	}
	venues := map[config.TradingMode]execution.Venue{config.ModePaper: paper}
	if strings.TrimSpace(cfg.Broker.Exchange) == "" {
		return venues, nil
	}
	client, err := exchange.NewClient(exchange.BrokerOptions(cfg.Broker), applog.Component(logger, "broker"))
	if err != nil {
		return nil, fmt.Errorf("初始化交易客户端失败: %w", err)
	}
	live, err := execution.NewRealVenue(client, applog.Component(logger, "real"))
	if err != nil {
		return nil, err
	}
	venues[config.ModeReal] = live
	return venues, nil
}

// Close 释放外部连接。
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// Run 启动运维接口并按固定间隔驱动持仓监控、收盘扫描与决策周期。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Market.Exchange),
		zap.Strings("symbols", a.cfg.Market.Symbols),
		zap.String("mode", string(a.cfg.Execution.Mode)),
	)

	if a.server != nil {
		startOpsServer(ctx, a.server, a.cfg.Server.Port, a.logger)
	}

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = time.Minute
	}

	a.tick(ctx)

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// RunOnce 执行一次批处理调用：持仓监控、到点的收盘扫描与窗口内的决策周期，不启动运维接口。
func (a *App) RunOnce(ctx context.Context) error {
	a.tick(ctx)
	return ctx.Err()
}

func (a *App) tick(ctx context.Context) {
	now := a.now()

	if _, err := a.positions.Run(ctx); err != nil {
		a.logger.Error("持仓监控失败", zap.Error(err))
	}

	day := now.In(a.cfg.Strategy.Location()).Format(expiryLayout)
	if a.scanner.Due(now) && a.lastScanDay != day {
		if err := a.runScan(ctx, now); err != nil {
			a.logger.Error("收盘扫描失败", zap.Error(err))
		} else {
			a.lastScanDay = day
		}
	}

	if !a.cfg.Strategy.InWindow(now) {
		return
	}
	cycleID := CycleID(a.cfg.Strategy, now)
	if a.lastCycleID == cycleID {
		return
	}
	result, err := a.orchestrator.RunDecisionCycle(ctx)
	if err != nil {
		a.logger.Error("决策周期失败", zap.String("cycle_id", cycleID), zap.Error(err))
		return
	}
	a.lastCycleID = cycleID
	a.logger.Info("决策周期结束",
		zap.String("cycle_id", result.CycleID),
		zap.String("status", string(result.Status)),
		zap.Int("executed", result.Executed()),
	)
}

func (a *App) runScan(ctx context.Context, now time.Time) error {
	start := time.Now()
	report, err := a.scanner.Run(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	a.metrics.RecordCycle("scan", outcome, time.Since(start))
	if err != nil {
		a.monitor.RecordError(ctx, "收盘扫描失败", err, nil)
		return err
	}
	a.monitor.RecordScan(ctx, report)
	a.metrics.RecordShocks(len(report.Registered))

	if n, err := a.learning.ApplyDecay(ctx, now); err != nil {
		a.logger.Warn("学习权重衰减失败", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("学习权重已衰减", zap.Int("features", n))
	}

	if len(report.BlackSwans) > 0 {
		closed, err := a.positions.FlattenAll(ctx, ledger.ExitEmergency)
		if err != nil {
			a.logger.Error("极端行情平仓未全部完成", zap.Error(err))
		}
		a.logger.Warn("检测到极端行情，已紧急平仓",
			zap.Strings("black_swans", report.BlackSwans),
			zap.Int("closed", len(closed)),
		)
	}
	return nil
}
