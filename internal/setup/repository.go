package setup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shock-trader/internal/feature"
	"shock-trader/internal/statemachine"
	"shock-trader/internal/store"
)

const setupColumns = `id, symbol, shock_date, direction, shock_high, shock_low, volume_multiple,
	state, days_since_shock, active, created_at, updated_at`

// Repository 持久化交易设置及其状态迁移审计。
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRepository 创建仓储并初始化表结构。
func NewRepository(st *store.Store, logger *zap.Logger) (*Repository, error) {
	if st == nil {
		return nil, errors.New("setup: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Repository{db: st.DB(), logger: logger}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	return store.InitSchema(r.db, "setup",
		`CREATE TABLE IF NOT EXISTS setups (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			shock_date TEXT NOT NULL,
			direction TEXT NOT NULL,
			shock_high REAL NOT NULL,
			shock_low REAL NOT NULL,
			volume_multiple REAL NOT NULL,
			state TEXT NOT NULL,
			days_since_shock INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_setups_active_symbol ON setups(symbol) WHERE active = 1;`,
		`CREATE TABLE IF NOT EXISTS setup_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			setup_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			days_since_shock INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_setup_transitions_setup ON setup_transitions(setup_id);`,
	)
}

// Register 登记新的冲击设置，状态为 SHOCK_DETECTED，并写入 IDLE→SHOCK_DETECTED 审计。
func (r *Repository) Register(ctx context.Context, s Setup, at time.Time) (Setup, error) {
	if s.Symbol == "" {
		return Setup{}, errors.New("setup: symbol 不能为空")
	}
	if s.Direction != feature.DirectionUp && s.Direction != feature.DirectionDown {
		return Setup{}, fmt.Errorf("setup: 非法的冲击方向 %q", s.Direction)
	}

	s.ID = uuid.NewString()
	s.State = statemachine.ShockDetected
	s.Active = true
	s.DaysSinceShock = 0
	s.CreatedAt = at.UTC()
	s.UpdatedAt = at.UTC()

	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var existing string
		scanErr := tx.QueryRowContext(ctx,
			`SELECT id FROM setups WHERE symbol = ? AND active = 1`, s.Symbol).Scan(&existing)
		switch {
		case scanErr == nil:
			return fmt.Errorf("setup: %s 已存在活跃设置 %s: %w", s.Symbol, existing, ErrActiveSetupExists)
		case !errors.Is(scanErr, sql.ErrNoRows):
			return fmt.Errorf("setup: 查询活跃设置失败: %w", scanErr)
		}

		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO setups (`+setupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			s.ID, s.Symbol, store.FormatTime(s.ShockDate), string(s.Direction), s.ShockHigh, s.ShockLow,
			s.VolumeMultiple, string(s.State), s.DaysSinceShock, store.FormatTime(s.CreatedAt), store.FormatTime(s.UpdatedAt),
		); execErr != nil {
			if store.IsUniqueViolation(execErr) {
				return fmt.Errorf("setup: %s: %w", s.Symbol, ErrActiveSetupExists)
			}
			return store.Persistence("setup: 写入设置", execErr)
		}

		return r.appendTransitionTx(ctx, tx, Transition{
			SetupID:   s.ID,
			From:      statemachine.Idle,
			To:        statemachine.ShockDetected,
			Reason:    statemachine.ReasonShockRegistered,
			CreatedAt: s.CreatedAt,
		})
	})
	if err != nil {
		return Setup{}, err
	}

	r.logger.Info("登记冲击设置",
		zap.String("setup_id", s.ID),
		zap.String("symbol", s.Symbol),
		zap.String("direction", string(s.Direction)),
		zap.Float64("volume_multiple", s.VolumeMultiple),
	)
	return s, nil
}

// Transition 校验并执行状态迁移；审计记录与状态更新在同一事务内完成。
// 迁移到 IDLE 时设置同时失活。
func (r *Repository) Transition(ctx context.Context, id string, to statemachine.State, reason string, daysSinceShock int, at time.Time) (Setup, error) {
	var updated Setup
	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		current, getErr := scanSetup(tx.QueryRowContext(ctx,
			`SELECT `+setupColumns+` FROM setups WHERE id = ?`, id))
		if getErr != nil {
			return getErr
		}
		if err := statemachine.ValidateTransition(current.State, to); err != nil {
			return fmt.Errorf("setup: %s: %w", id, err)
		}

		if err := r.appendTransitionTx(ctx, tx, Transition{
			SetupID:        id,
			From:           current.State,
			To:             to,
			Reason:         reason,
			DaysSinceShock: daysSinceShock,
			CreatedAt:      at.UTC(),
		}); err != nil {
			return err
		}

		active := current.Active && to != statemachine.Idle
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE setups SET state = ?, days_since_shock = ?, active = ?, updated_at = ? WHERE id = ?`,
			string(to), daysSinceShock, boolToInt(active), store.FormatTime(at), id,
		); execErr != nil {
			return store.Persistence("setup: 更新设置状态", execErr)
		}

		updated = current
		updated.State = to
		updated.DaysSinceShock = daysSinceShock
		updated.Active = active
		updated.UpdatedAt = at.UTC()
		return nil
	})
	if err != nil {
		return Setup{}, err
	}

	r.logger.Info("设置状态迁移",
		zap.String("setup_id", id),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.Int("days_since_shock", daysSinceShock),
	)
	return updated, nil
}

// Touch 在状态不变时刷新距冲击天数。
func (r *Repository) Touch(ctx context.Context, id string, daysSinceShock int, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE setups SET days_since_shock = ?, updated_at = ? WHERE id = ?`,
		daysSinceShock, store.FormatTime(at), id)
	if err != nil {
		return store.Persistence("setup: 刷新设置", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("setup: %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get 按 ID 读取设置。
func (r *Repository) Get(ctx context.Context, id string) (Setup, error) {
	return scanSetup(r.db.QueryRowContext(ctx, `SELECT `+setupColumns+` FROM setups WHERE id = ?`, id))
}

// ActiveBySymbol 返回标的当前活跃设置。
func (r *Repository) ActiveBySymbol(ctx context.Context, symbol string) (Setup, bool, error) {
	s, err := scanSetup(r.db.QueryRowContext(ctx,
		`SELECT `+setupColumns+` FROM setups WHERE symbol = ? AND active = 1`, symbol))
	if errors.Is(err, ErrNotFound) {
		return Setup{}, false, nil
	}
	if err != nil {
		return Setup{}, false, err
	}
	return s, true, nil
}

// ListActive 返回全部活跃设置，可按状态过滤。
func (r *Repository) ListActive(ctx context.Context, states ...statemachine.State) ([]Setup, error) {
	query := `SELECT ` + setupColumns + ` FROM setups WHERE active = 1`
	args := make([]interface{}, 0, len(states))
	if len(states) > 0 {
		query += ` AND state IN (`
		for i, st := range states {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("setup: 查询活跃设置失败: %w", err)
	}
	defer rows.Close()

	var out []Setup
	for rows.Next() {
		s, scanErr := scanSetup(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("setup: 读取活跃设置失败: %w", err)
	}
	return out, nil
}

// Transitions 返回设置的迁移审计，按时间升序。
func (r *Repository) Transitions(ctx context.Context, setupID string) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, setup_id, from_state, to_state, reason, days_since_shock, created_at
		 FROM setup_transitions WHERE setup_id = ? ORDER BY id`, setupID)
	if err != nil {
		return nil, fmt.Errorf("setup: 查询迁移记录失败: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t        Transition
			from, to string
			created  string
		)
		if err := rows.Scan(&t.ID, &t.SetupID, &from, &to, &t.Reason, &t.DaysSinceShock, &created); err != nil {
			return nil, fmt.Errorf("setup: 解析迁移记录失败: %w", err)
		}
		t.From = statemachine.State(from)
		t.To = statemachine.State(to)
		if t.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("setup: 读取迁移记录失败: %w", err)
	}
	return out, nil
}

func (r *Repository) appendTransitionTx(ctx context.Context, tx *sql.Tx, t Transition) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO setup_transitions (setup_id, from_state, to_state, reason, days_since_shock, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.SetupID, string(t.From), string(t.To), t.Reason, t.DaysSinceShock, store.FormatTime(t.CreatedAt),
	); err != nil {
		r.logger.Error("写入状态迁移审计失败",
			zap.String("setup_id", t.SetupID),
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.Error(err),
		)
		return fmt.Errorf("setup: %s %s->%s: %w: %w", t.SetupID, t.From, t.To, ErrTransitionLogFailure, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSetup(row rowScanner) (Setup, error) {
	var (
		s                           Setup
		shockDate, created, updated string
		direction, state            string
		active                      int
	)
	err := row.Scan(&s.ID, &s.Symbol, &shockDate, &direction, &s.ShockHigh, &s.ShockLow, &s.VolumeMultiple,
		&state, &s.DaysSinceShock, &active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Setup{}, ErrNotFound
	}
	if err != nil {
		return Setup{}, fmt.Errorf("setup: 解析设置失败: %w", err)
	}

	s.Direction = feature.Direction(direction)
	s.State = statemachine.State(state)
	s.Active = active == 1
	if s.ShockDate, err = store.ParseTime(shockDate); err != nil {
		return Setup{}, err
	}
	if s.CreatedAt, err = store.ParseTime(created); err != nil {
		return Setup{}, err
	}
	if s.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return Setup{}, err
	}
	return s, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
