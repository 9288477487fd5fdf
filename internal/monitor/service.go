package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shock-trader/internal/advisory"
	"shock-trader/internal/execution"
	"shock-trader/internal/feature"
	"shock-trader/internal/ledger"
	"shock-trader/internal/safety"
	"shock-trader/internal/scanner"
	"shock-trader/internal/setup"
	"shock-trader/internal/store"
)

// Service 负责持久化监控事件。记录失败只告警，不影响主流程。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     st.DB(),
		logger: logger,
		now:    time.Now,
	}
	if err := store.InitSchema(s.db, "monitor",
		`CREATE TABLE IF NOT EXISTS monitor_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
	); err != nil {
		return nil, err
	}
	return s, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), store.FormatTime(event.Timestamp),
	)
	if err != nil {
		return store.Persistence("monitor: 写入事件", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, payload interface{}) {
	if err := s.Record(ctx, Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordScan 记录收盘扫描结果。
func (s *Service) RecordScan(ctx context.Context, report scanner.Report) {
	payload := ScanPayload{
		Scanned:    report.Scanned,
		Registered: make([]string, 0, len(report.Registered)),
		Advanced:   len(report.Advanced),
		BlackSwans: report.BlackSwans,
	}
	for _, r := range report.Registered {
		payload.Registered = append(payload.Registered, r.Symbol)
	}
	if len(report.Errors) > 0 {
		payload.Errors = make(map[string]string, len(report.Errors))
		for symbol, err := range report.Errors {
			payload.Errors[symbol] = err.Error()
		}
	}
	s.record(ctx, EventScan, payload)
}

// RecordTransition 记录状态迁移。
func (s *Service) RecordTransition(ctx context.Context, symbol string, t setup.Transition) {
	s.record(ctx, EventTransition, TransitionPayload{
		SetupID: t.SetupID,
		Symbol:  symbol,
		From:    t.From,
		To:      t.To,
		Reason:  t.Reason,
	})
}

// RecordDecision 记录决策。
func (s *Service) RecordDecision(ctx context.Context, d ledger.Decision, features *feature.Vector, opinion *advisory.Opinion) {
	s.record(ctx, EventDecision, DecisionPayload{Decision: d, Features: features, Advisory: opinion})
}

// RecordSafety 记录安全拦截。
func (s *Service) RecordSafety(ctx context.Context, setupID string, v safety.Verdict) {
	s.record(ctx, EventSafety, SafetyPayload{SetupID: setupID, Verdict: v})
}

// RecordExecution 记录开仓成交。
func (s *Service) RecordExecution(ctx context.Context, trade ledger.Trade, fill execution.Fill) {
	s.record(ctx, EventExecution, ExecutionPayload{Trade: trade, Fill: fill})
}

// RecordExit 记录平仓。
func (s *Service) RecordExit(ctx context.Context, trade ledger.Trade) {
	s.record(ctx, EventExit, ExitPayload{Trade: trade})
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{Message: msg, Context: ctxMap}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, EventError, payload)
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			id      int64
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&id, &typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := store.ParseTime(created)
		if parseErr != nil {
			return nil, parseErr
		}

		events = append(events, Event{
			ID:        id,
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
