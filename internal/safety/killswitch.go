package safety

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shock-trader/internal/store"
)

// KillSwitch 管理紧急停止开关，状态以只追加的历史表保存。
type KillSwitch struct {
	db     *sql.DB
	events *EventLog
	logger *zap.Logger
	now    func() time.Time
}

// NewKillSwitch 创建开关管理器并初始化表结构。
func NewKillSwitch(st *store.Store, events *EventLog, logger *zap.Logger) (*KillSwitch, error) {
	if st == nil {
		return nil, errors.New("safety: store 不能为空")
	}
	if events == nil {
		return nil, errors.New("safety: 事件日志不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	k := &KillSwitch{db: st.DB(), events: events, logger: logger, now: time.Now}
	if err := store.InitSchema(k.db, "safety",
		`CREATE TABLE IF NOT EXISTS kill_switch_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			is_active INTEGER NOT NULL,
			reason TEXT NOT NULL,
			activated_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	); err != nil {
		return nil, err
	}
	return k, nil
}

// Current 返回最新一条记录；没有记录时视为未激活。
func (k *KillSwitch) Current(ctx context.Context) (KillSwitchState, error) {
	var (
		s       KillSwitchState
		active  int
		created string
	)
	err := k.db.QueryRowContext(ctx,
		`SELECT id, is_active, reason, activated_by, created_at FROM kill_switch_history ORDER BY id DESC LIMIT 1`,
	).Scan(&s.ID, &active, &s.Reason, &s.ActivatedBy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return KillSwitchState{Reason: "未初始化"}, nil
	}
	if err != nil {
		return KillSwitchState{}, fmt.Errorf("safety: 读取紧急停止状态失败: %w", err)
	}
	s.Active = active == 1
	if s.CreatedAt, err = store.ParseTime(created); err != nil {
		return KillSwitchState{}, err
	}
	return s, nil
}

// IsActive 每次直接读库。读取失败时按激活处理。
func (k *KillSwitch) IsActive(ctx context.Context) (bool, string) {
	s, err := k.Current(ctx)
	if err != nil {
		k.logger.Error("读取紧急停止状态失败，按激活处理", zap.Error(err))
		return true, "紧急停止状态不可读，按激活处理"
	}
	if !s.Active {
		return false, ""
	}
	if s.Reason == "" {
		return true, "紧急停止已激活"
	}
	return true, s.Reason
}

// Activate 手动激活。
func (k *KillSwitch) Activate(ctx context.Context, by, reason string) (KillSwitchState, error) {
	if reason == "" {
		reason = "手动激活"
	}
	return k.record(ctx, true, by, reason, Event{
		Type:        EventKillSwitchOn,
		Severity:    SeverityCritical,
		Description: reason,
		Action:      ActionHaltedNewTrades,
	})
}

// Deactivate 手动解除。
func (k *KillSwitch) Deactivate(ctx context.Context, by, reason string) (KillSwitchState, error) {
	if reason == "" {
		reason = "手动解除"
	}
	return k.record(ctx, false, by, reason, Event{
		Type:        EventKillSwitchOff,
		Severity:    SeverityInfo,
		Description: reason,
		Action:      ActionResumedTrading,
	})
}

// AutoTrigger 由系统自动激活，trigger 记为激活方。
func (k *KillSwitch) AutoTrigger(ctx context.Context, trigger, reason string) (KillSwitchState, error) {
	return k.record(ctx, true, trigger, reason, Event{
		Type:        EventAutoKillSwitch,
		Severity:    SeverityCritical,
		Description: fmt.Sprintf("%s: %s", trigger, reason),
		Action:      ActionHaltedNewTrades,
	})
}

// History 返回最近的开关记录。
func (k *KillSwitch) History(ctx context.Context, limit int) ([]KillSwitchState, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := k.db.QueryContext(ctx,
		`SELECT id, is_active, reason, activated_by, created_at FROM kill_switch_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("safety: 查询紧急停止历史失败: %w", err)
	}
	defer rows.Close()

	out := make([]KillSwitchState, 0, limit)
	for rows.Next() {
		var (
			s       KillSwitchState
			active  int
			created string
		)
		if err := rows.Scan(&s.ID, &active, &s.Reason, &s.ActivatedBy, &created); err != nil {
			return nil, fmt.Errorf("safety: 解析紧急停止历史失败: %w", err)
		}
		s.Active = active == 1
		if s.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (k *KillSwitch) record(ctx context.Context, active bool, by, reason string, event Event) (KillSwitchState, error) {
	if by == "" {
		by = "UNKNOWN"
	}
	s := KillSwitchState{Active: active, Reason: reason, ActivatedBy: by, CreatedAt: k.now()}
	res, err := k.db.ExecContext(ctx,
		`INSERT INTO kill_switch_history (is_active, reason, activated_by, created_at) VALUES (?, ?, ?, ?)`,
		boolToInt(active), reason, by, store.FormatTime(s.CreatedAt),
	)
	if err != nil {
		return KillSwitchState{}, store.Persistence("safety: 写入紧急停止状态", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return KillSwitchState{}, store.Persistence("safety: 读取紧急停止编号", err)
	}

	event.CreatedAt = s.CreatedAt
	if _, err := k.events.Log(ctx, event); err != nil {
		return s, err
	}
	k.logger.Warn("紧急停止状态变更",
		zap.Bool("active", active),
		zap.String("by", by),
		zap.String("reason", reason),
	)
	return s, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
