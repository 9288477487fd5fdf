package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shock-trader/internal/config"
	"shock-trader/internal/exchange"
	"shock-trader/internal/feature"
	"shock-trader/internal/indicator"
	"shock-trader/internal/safety"
	"shock-trader/internal/setup"
	"shock-trader/internal/statemachine"
)

// BlackSwanHandler 处理极端行情。
type BlackSwanHandler interface {
	HandleMarketBlackSwan(ctx context.Context, description string) error
}

// Options 配置扫描器。
type Options struct {
	Symbols     []string
	Strategy    config.StrategyConfig
	Parallelism int
}

// Report 汇总一次收盘后扫描的结果。
type Report struct {
	Scanned     int
	Registered  []setup.Setup
	Advanced    []setup.Transition
	BlackSwans  []string
	Errors      map[string]error
	CompletedAt time.Time
}

// Scanner 在收盘后识别冲击K线并推进活跃设置的状态。
type Scanner struct {
	candles   exchange.CandleSource
	setups    *setup.Repository
	events    *safety.EventLog
	blackSwan BlackSwanHandler
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// New 创建扫描器。
func New(candles exchange.CandleSource, setups *setup.Repository, events *safety.EventLog, blackSwan BlackSwanHandler, opts Options, logger *zap.Logger) (*Scanner, error) {
	if candles == nil || setups == nil {
		return nil, errors.New("scanner: 行情源与设置仓库不能为空")
	}
	if events == nil {
		return nil, errors.New("scanner: 事件日志不能为空")
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Strategy.Shock.Lookback <= 0 {
		opts.Strategy.Shock.Lookback = 20
	}
	if opts.Strategy.DecisionCandles <= 0 {
		opts.Strategy.DecisionCandles = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		candles:   candles,
		setups:    setups,
		events:    events,
		blackSwan: blackSwan,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Due 判断 now 是否已过当日扫描时刻。
func (s *Scanner) Due(now time.Time) bool {
	return !now.Before(s.opts.Strategy.ClockOn(now, s.opts.Strategy.ScanAfter))
}

// Run 先推进已有设置，再扫描新的冲击K线。单个标的失败不影响其他标的。
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	now := s.now()
	report := Report{Errors: map[string]error{}}

	if err := s.advance(ctx, now, &report); err != nil {
		return report, err
	}

	stats := s.analyze(ctx, &report)
	report.Scanned = len(stats)

	symbols := make([]string, 0, len(stats))
	for symbol := range stats {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		st := stats[symbol]
		if st.IsBlackSwan(s.opts.Strategy.BlackSwanMovePct) {
			report.BlackSwans = append(report.BlackSwans,
				fmt.Sprintf("%s 涨跌 %.2f%% 跳空 %.2f%%", symbol, st.MovePct, st.GapPct))
		}
		if !st.IsShock(s.opts.Strategy.Shock.VolumeMultiple, s.opts.Strategy.Shock.BodyRatio) {
			continue
		}
		registered, ok, err := s.register(ctx, symbol, st, now)
		if err != nil {
			report.Errors[symbol] = err
			continue
		}
		if ok {
			report.Registered = append(report.Registered, registered)
		}
	}

	if len(report.BlackSwans) > 0 && s.blackSwan != nil {
		if err := s.blackSwan.HandleMarketBlackSwan(ctx, "检测到极端行情: "+strings.Join(report.BlackSwans, "; ")); err != nil {
			return report, fmt.Errorf("scanner: 处理极端行情失败: %w", err)
		}
	}

	report.CompletedAt = s.now()
	s.logger.Info("收盘扫描完成",
		zap.Int("scanned", report.Scanned),
		zap.Int("registered", len(report.Registered)),
		zap.Int("advanced", len(report.Advanced)),
		zap.Int("black_swans", len(report.BlackSwans)),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (s *Scanner) analyze(ctx context.Context, report *Report) map[string]indicator.ShockStats {
	var (
		mu  sync.Mutex
		out = make(map[string]indicator.ShockStats, len(s.opts.Symbols))
	)
	lookback := s.opts.Strategy.Shock.Lookback

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for _, symbol := range s.opts.Symbols {
		symbol := symbol
		g.Go(func() error {
			candles, err := s.candles.FetchCandles(gctx, symbol, exchange.TimeframeDaily, lookback+1)
			if err == nil {
				var st indicator.ShockStats
				if st, err = indicator.Analyze(candles, lookback); err == nil {
					mu.Lock()
					out[symbol] = st
					mu.Unlock()
					return nil
				}
			}
			s.logger.Warn("扫描标的失败", zap.String("symbol", symbol), zap.Error(err))
			mu.Lock()
			report.Errors[symbol] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Scanner) register(ctx context.Context, symbol string, st indicator.ShockStats, now time.Time) (setup.Setup, bool, error) {
	if _, exists, err := s.setups.ActiveBySymbol(ctx, symbol); err != nil {
		return setup.Setup{}, false, err
	} else if exists {
		s.logger.Debug("已有活跃设置，跳过冲击K线", zap.String("symbol", symbol))
		return setup.Setup{}, false, nil
	}

	direction := feature.DirectionDown
	if st.Latest.Close > st.Latest.Open {
		direction = feature.DirectionUp
	}
	shockDate := st.Latest.Timestamp
	if shockDate.IsZero() {
		shockDate = now
	}

	registered, err := s.setups.Register(ctx, setup.Setup{
		Symbol:         symbol,
		ShockDate:      shockDate,
		Direction:      direction,
		ShockHigh:      st.Latest.High,
		ShockLow:       st.Latest.Low,
		VolumeMultiple: st.VolumeMultiple,
	}, now)
	if errors.Is(err, setup.ErrActiveSetupExists) {
		return setup.Setup{}, false, nil
	}
	if err != nil {
		return setup.Setup{}, false, err
	}

	if _, err := s.events.Log(ctx, safety.Event{
		Type:     safety.EventShockDetected,
		Severity: safety.SeverityInfo,
		Description: fmt.Sprintf("%s 冲击K线 方向=%s 量比=%.2f 实体占比=%.2f",
			symbol, direction, st.VolumeMultiple, st.BodyRatio),
		CreatedAt: now,
	}); err != nil {
		return registered, true, err
	}
	return registered, true, nil
}

// advance 对每个活跃设置重新评估状态；TRADE_ACTIVE 由持仓监控负责。
func (s *Scanner) advance(ctx context.Context, now time.Time, report *Report) error {
	active, err := s.setups.ListActive(ctx,
		statemachine.ShockDetected, statemachine.Digestion, statemachine.AcceptanceReady, statemachine.FailedReset)
	if err != nil {
		return err
	}

	for _, st := range active {
		in := statemachine.Input{
			State:          st.State,
			DaysSinceShock: feature.DaysSinceShock(st.ShockDate, now),
		}
		if st.State != statemachine.FailedReset {
			candles, fetchErr := s.candles.FetchCandles(ctx, st.Symbol, exchange.TimeframeDaily, s.opts.Strategy.DecisionCandles)
			if fetchErr == nil {
				var v feature.Vector
				if v, fetchErr = feature.Compute(st.FeatureContext(), candles, feature.NeutralSignals(), now); fetchErr == nil {
					in.AcceptanceCandle = v.AcceptanceCandle
					in.VolumeTrend = v.VolumeTrend
					in.PriceNearResistance = feature.NearResistance(v, s.opts.Strategy.NearResistancePct)
				}
			}
			if fetchErr != nil {
				s.logger.Warn("推进设置时获取行情失败", zap.String("setup_id", st.ID), zap.Error(fetchErr))
				report.Errors[st.Symbol] = fetchErr
				continue
			}
		}

		outcome := statemachine.Evaluate(in)
		if !outcome.Changed {
			if err := s.setups.Touch(ctx, st.ID, in.DaysSinceShock, now); err != nil {
				report.Errors[st.Symbol] = err
			}
			continue
		}
		if _, err := s.setups.Transition(ctx, st.ID, outcome.To, outcome.Reason, in.DaysSinceShock, now); err != nil {
			report.Errors[st.Symbol] = err
			continue
		}
		report.Advanced = append(report.Advanced, setup.Transition{
			SetupID:        st.ID,
			From:           outcome.From,
			To:             outcome.To,
			Reason:         outcome.Reason,
			DaysSinceShock: in.DaysSinceShock,
			CreatedAt:      now,
		})
	}
	return nil
}
