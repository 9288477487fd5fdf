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

// EventLog 负责安全事件的持久化。
type EventLog struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewEventLog 创建事件日志并初始化表结构。
func NewEventLog(st *store.Store, logger *zap.Logger) (*EventLog, error) {
	if st == nil {
		return nil, errors.New("safety: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &EventLog{db: st.DB(), logger: logger, now: time.Now}
	if err := store.InitSchema(l.db, "safety",
		`CREATE TABLE IF NOT EXISTS safety_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			action_taken TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_safety_events_severity ON safety_events(severity, created_at);`,
	); err != nil {
		return nil, err
	}
	return l, nil
}

// Log 追加一条安全事件。写入失败返回 store.ErrPersistenceFailure。
func (l *EventLog) Log(ctx context.Context, e Event) (Event, error) {
	if e.Type == "" {
		return Event{}, errors.New("safety: 事件类型不能为空")
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Action == "" {
		e.Action = ActionRecorded
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO safety_events (event_type, severity, description, action_taken, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(e.Type), string(e.Severity), e.Description, string(e.Action), store.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return Event{}, store.Persistence("safety: 写入安全事件", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return Event{}, store.Persistence("safety: 读取事件编号", err)
	}

	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.String("action", string(e.Action)),
		zap.String("description", e.Description),
	}
	switch e.Severity {
	case SeverityCritical:
		l.logger.Error("安全事件", fields...)
	case SeverityWarning:
		l.logger.Warn("安全事件", fields...)
	default:
		l.logger.Info("安全事件", fields...)
	}
	return e, nil
}

// List 返回最近的安全事件，severity 为空时不过滤。
func (l *EventLog) List(ctx context.Context, severity Severity, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_type, severity, description, action_taken, created_at FROM safety_events`
	args := make([]any, 0, 2)
	if severity != "" {
		query += ` WHERE severity = ?`
		args = append(args, string(severity))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("safety: 查询安全事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e                        Event
			typ, sev, action, create string
		)
		if err := rows.Scan(&e.ID, &typ, &sev, &e.Description, &action, &create); err != nil {
			return nil, fmt.Errorf("safety: 解析安全事件失败: %w", err)
		}
		e.Type = EventType(typ)
		e.Severity = Severity(sev)
		e.Action = Action(action)
		if e.CreatedAt, err = store.ParseTime(create); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("safety: 读取安全事件失败: %w", err)
	}
	return events, nil
}

// CountSince 统计 since 之后指定等级的事件数。
func (l *EventLog) CountSince(ctx context.Context, severity Severity, since time.Time) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM safety_events WHERE severity = ? AND created_at >= ?`,
		string(severity), store.FormatTime(since),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("safety: 统计安全事件失败: %w", err)
	}
	return n, nil
}
