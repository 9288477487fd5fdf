package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shock-trader/internal/config"
	"shock-trader/internal/feature"
	"shock-trader/internal/scoring"
	"shock-trader/internal/store"
)

const streakLookback = 10

const tradeColumns = `id, setup_id, cycle_id, mode, symbol, instrument, option_type, strike, strike_type, expiry, order_id,
	entry_price, entry_time, exit_price, exit_time, lots, capital_used, stop_loss, trailing_stop, highest_price,
	raw_confidence, calibrated_confidence, advisory_used, features, pnl, exit_reason, status`

const decisionColumns = `id, setup_id, cycle_id, symbol, decision, score, raw_confidence, calibrated_confidence,
	calibration_factor, advisory_provider, reason, trade_executed, trade_id, created_at`

// Ledger 负责交易与决策日志的持久化，并据此推导系统状态。
type Ledger struct {
	db           *sql.DB
	totalCapital float64
	loc          *time.Location
	logger       *zap.Logger
}

// New 创建账本并初始化表结构。loc 决定“当日”的边界。
func New(st *store.Store, totalCapital float64, loc *time.Location, logger *zap.Logger) (*Ledger, error) {
	if st == nil {
		return nil, errors.New("ledger: store 不能为空")
	}
	if totalCapital <= 0 {
		return nil, errors.New("ledger: 总资金必须大于0")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{db: st.DB(), totalCapital: totalCapital, loc: loc, logger: logger}
	if err := store.InitSchema(l.db, "ledger",
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			setup_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			symbol TEXT NOT NULL,
			instrument TEXT NOT NULL,
			option_type TEXT NOT NULL,
			strike REAL NOT NULL DEFAULT 0,
			strike_type TEXT NOT NULL DEFAULT '',
			expiry TEXT NOT NULL DEFAULT '',
			order_id TEXT NOT NULL DEFAULT '',
			entry_price REAL NOT NULL,
			entry_time TEXT NOT NULL,
			exit_price REAL NOT NULL DEFAULT 0,
			exit_time TEXT,
			lots INTEGER NOT NULL,
			capital_used REAL NOT NULL,
			stop_loss REAL NOT NULL,
			trailing_stop REAL NOT NULL DEFAULT 0,
			highest_price REAL NOT NULL DEFAULT 0,
			raw_confidence REAL NOT NULL,
			calibrated_confidence REAL NOT NULL,
			advisory_used INTEGER NOT NULL DEFAULT 0,
			features TEXT NOT NULL DEFAULT '[]',
			pnl REAL NOT NULL DEFAULT 0,
			exit_reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			UNIQUE(setup_id, cycle_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_mode_entry ON trades(mode, entry_time);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);`,
		`CREATE TABLE IF NOT EXISTS decisions_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			setup_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			decision TEXT NOT NULL,
			score REAL NOT NULL,
			raw_confidence REAL NOT NULL,
			calibrated_confidence REAL NOT NULL,
			calibration_factor REAL NOT NULL,
			advisory_provider TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			trade_executed INTEGER NOT NULL DEFAULT 0,
			trade_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(setup_id, cycle_id)
		);`,
	); err != nil {
		return nil, err
	}
	return l, nil
}

// TotalCapital 返回配置的总资金。
func (l *Ledger) TotalCapital() float64 {
	return l.totalCapital
}

// RecordDecision 写入决策日志；同一设置同一周期重复写入返回 ErrDuplicateCycle。
func (l *Ledger) RecordDecision(ctx context.Context, d Decision) (Decision, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO decisions_log (setup_id, cycle_id, symbol, decision, score, raw_confidence, calibrated_confidence,
			calibration_factor, advisory_provider, reason, trade_executed, trade_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		d.SetupID, d.CycleID, d.Symbol, string(d.Decision), d.Score, d.RawConfidence, d.CalibratedConfidence,
		d.CalibrationFactor, d.AdvisoryProvider, d.Reason, store.FormatTime(d.CreatedAt),
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Decision{}, fmt.Errorf("%w: setup=%s cycle=%s", ErrDuplicateCycle, d.SetupID, d.CycleID)
		}
		return Decision{}, store.Persistence("ledger: 写入决策日志", err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return Decision{}, store.Persistence("ledger: 读取决策编号", err)
	}
	d.TradeExecuted = false
	d.TradeID = ""
	return d, nil
}

// HasDecision 判断该设置在该周期是否已经有决策记录。
func (l *Ledger) HasDecision(ctx context.Context, setupID, cycleID string) (bool, error) {
	var n int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM decisions_log WHERE setup_id = ? AND cycle_id = ?`, setupID, cycleID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("ledger: 查询决策记录失败: %w", err)
	}
	return n > 0, nil
}

// MarkExecuted 将决策标记为已成交。
func (l *Ledger) MarkExecuted(ctx context.Context, decisionID int64, tradeID string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE decisions_log SET trade_executed = 1, trade_id = ? WHERE id = ?`, tradeID, decisionID)
	if err != nil {
		return store.Persistence("ledger: 更新决策成交状态", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: 决策 %d 不存在", decisionID)
	}
	return nil
}

// Decisions 返回最近的决策记录。
func (l *Ledger) Decisions(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询决策日志失败: %w", err)
	}
	defer rows.Close()

	out := make([]Decision, 0, limit)
	for rows.Next() {
		var (
			d        Decision
			decision string
			executed int
			created  string
		)
		if err := rows.Scan(&d.ID, &d.SetupID, &d.CycleID, &d.Symbol, &decision, &d.Score, &d.RawConfidence,
			&d.CalibratedConfidence, &d.CalibrationFactor, &d.AdvisoryProvider, &d.Reason, &executed, &d.TradeID, &created); err != nil {
			return nil, fmt.Errorf("ledger: 解析决策日志失败: %w", err)
		}
		d.Decision = scoring.Decision(decision)
		d.TradeExecuted = executed == 1
		if d.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordTrade 写入新开仓交易；同一设置同一周期只允许一笔。
func (l *Ledger) RecordTrade(ctx context.Context, t Trade) (Trade, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EntryTime.IsZero() {
		t.EntryTime = time.Now()
	}
	if t.HighestPrice == 0 {
		t.HighestPrice = t.EntryPrice
	}
	if t.Features == nil {
		t.Features = []string{}
	}
	t.Status = StatusOpen
	features, err := json.Marshal(t.Features)
	if err != nil {
		return Trade{}, fmt.Errorf("ledger: 序列化特征失败: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO trades (id, setup_id, cycle_id, mode, symbol, instrument, option_type, strike, strike_type, expiry,
			order_id, entry_price, entry_time, lots, capital_used, stop_loss, trailing_stop, highest_price,
			raw_confidence, calibrated_confidence, advisory_used, features, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SetupID, t.CycleID, string(t.Mode), t.Symbol, t.Instrument, string(t.OptionType), t.Strike,
		t.StrikeType, t.Expiry, t.OrderID, t.EntryPrice, store.FormatTime(t.EntryTime), t.Lots, t.CapitalUsed,
		t.StopLoss, t.TrailingStop, t.HighestPrice, t.RawConfidence, t.CalibratedConfidence,
		boolToInt(t.AdvisoryUsed), string(features), string(t.Status),
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Trade{}, fmt.Errorf("%w: setup=%s cycle=%s", ErrDuplicateCycle, t.SetupID, t.CycleID)
		}
		return Trade{}, store.Persistence("ledger: 写入交易", err)
	}

	l.logger.Info("已记录交易",
		zap.String("trade_id", t.ID),
		zap.String("symbol", t.Symbol),
		zap.String("instrument", t.Instrument),
		zap.String("mode", string(t.Mode)),
		zap.Int("lots", t.Lots),
		zap.Float64("entry", t.EntryPrice),
	)
	return t, nil
}

// UpdateStops 更新止损、移动止损与持仓最高价。
func (l *Ledger) UpdateStops(ctx context.Context, id string, stopLoss, trailing, highest float64) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE trades SET stop_loss = ?, trailing_stop = ?, highest_price = ? WHERE id = ? AND status = ?`,
		stopLoss, trailing, highest, id, string(StatusOpen))
	if err != nil {
		return store.Persistence("ledger: 更新止损", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// CloseTrade 写入平仓字段；已平仓的交易返回 ErrTradeClosed。
func (l *Ledger) CloseTrade(ctx context.Context, id string, exit Exit) (Trade, error) {
	if exit.At.IsZero() {
		exit.At = time.Now()
	}
	var closed Trade
	err := store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		t, err := scanTrade(tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if !t.Open() {
			return fmt.Errorf("%w: %s", ErrTradeClosed, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE trades SET exit_price = ?, exit_time = ?, pnl = ?, exit_reason = ?, status = ? WHERE id = ?`,
			exit.Price, store.FormatTime(exit.At), exit.PnL, string(exit.Reason), string(StatusClosed), id,
		); err != nil {
			return store.Persistence("ledger: 写入平仓", err)
		}
		at := exit.At.UTC()
		t.ExitPrice = exit.Price
		t.ExitTime = &at
		t.PnL = exit.PnL
		t.ExitReason = exit.Reason
		t.Status = StatusClosed
		closed = t
		return nil
	})
	if err != nil {
		return Trade{}, err
	}
	l.logger.Info("交易已平仓",
		zap.String("trade_id", id),
		zap.String("reason", string(exit.Reason)),
		zap.Float64("exit", exit.Price),
		zap.Float64("pnl", exit.PnL),
	)
	return closed, nil
}

// Get 按编号读取交易。
func (l *Ledger) Get(ctx context.Context, id string) (Trade, error) {
	return scanTrade(l.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id))
}

// OpenTrades 返回所有未平仓交易。
func (l *Ledger) OpenTrades(ctx context.Context) ([]Trade, error) {
	return l.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = ? ORDER BY entry_time`, string(StatusOpen))
}

// Trades 返回最近的交易。
func (l *Ledger) Trades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY entry_time DESC LIMIT ?`, limit)
}

// RecentClosed 按平仓时间正序返回该模式下最近 limit 笔已平仓交易。
func (l *Ledger) RecentClosed(ctx context.Context, mode config.TradingMode, limit int) ([]Trade, error) {
	trades, err := l.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE mode = ? AND status = ? ORDER BY exit_time DESC LIMIT ?`,
		string(mode), string(StatusClosed), limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades, nil
}

// SystemState 从账本推导指定模式的当日状态。健康标志由调用方填写。
func (l *Ledger) SystemState(ctx context.Context, mode config.TradingMode, now time.Time) (SystemState, error) {
	state := SystemState{Mode: mode, TotalCapital: l.totalCapital}
	dayStart := store.FormatTime(startOfDay(now, l.loc))

	if err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(pnl), 0), COUNT(1) FROM trades WHERE mode = ? AND entry_time >= ?`,
		string(mode), dayStart,
	).Scan(&state.TodayPnL, &state.TodayTrades); err != nil {
		return SystemState{}, fmt.Errorf("ledger: 统计当日交易失败: %w", err)
	}

	var inUse float64
	if err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(capital_used), 0), COUNT(1) FROM trades WHERE mode = ? AND status = ?`,
		string(mode), string(StatusOpen),
	).Scan(&inUse, &state.ActivePositions); err != nil {
		return SystemState{}, fmt.Errorf("ledger: 统计持仓失败: %w", err)
	}
	state.AvailableCapital = l.totalCapital - inUse

	rows, err := l.db.QueryContext(ctx,
		`SELECT pnl FROM trades WHERE mode = ? AND status = ? ORDER BY exit_time DESC LIMIT ?`,
		string(mode), string(StatusClosed), streakLookback)
	if err != nil {
		return SystemState{}, fmt.Errorf("ledger: 查询连续亏损失败: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return SystemState{}, fmt.Errorf("ledger: 解析盈亏失败: %w", err)
		}
		if pnl >= 0 {
			break
		}
		state.ConsecutiveLosses++
	}
	if err := rows.Err(); err != nil {
		return SystemState{}, fmt.Errorf("ledger: 读取盈亏失败: %w", err)
	}
	return state, nil
}

func (l *Ledger) queryTrades(ctx context.Context, query string, args ...any) ([]Trade, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询交易失败: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取交易失败: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (Trade, error) {
	var (
		t          Trade
		mode       string
		optionType string
		entryTime  string
		exitTime   sql.NullString
		advisory   int
		features   string
		exitReason string
		status     string
	)
	if err := row.Scan(&t.ID, &t.SetupID, &t.CycleID, &mode, &t.Symbol, &t.Instrument, &optionType, &t.Strike,
		&t.StrikeType, &t.Expiry, &t.OrderID, &t.EntryPrice, &entryTime, &t.ExitPrice, &exitTime, &t.Lots,
		&t.CapitalUsed, &t.StopLoss, &t.TrailingStop, &t.HighestPrice, &t.RawConfidence, &t.CalibratedConfidence,
		&advisory, &features, &t.PnL, &exitReason, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Trade{}, ErrNotFound
		}
		return Trade{}, fmt.Errorf("ledger: 解析交易失败: %w", err)
	}

	t.Mode = config.TradingMode(mode)
	t.OptionType = feature.OptionType(optionType)
	t.AdvisoryUsed = advisory == 1
	t.ExitReason = ExitReason(exitReason)
	t.Status = TradeStatus(status)

	var err error
	if t.EntryTime, err = store.ParseTime(entryTime); err != nil {
		return Trade{}, err
	}
	if exitTime.Valid && exitTime.String != "" {
		ts, err := store.ParseTime(exitTime.String)
		if err != nil {
			return Trade{}, err
		}
		t.ExitTime = &ts
	}
	if err := json.Unmarshal([]byte(features), &t.Features); err != nil {
		return Trade{}, fmt.Errorf("ledger: 解析交易特征失败: %w", err)
	}
	return t, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
