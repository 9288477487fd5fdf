package feature

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shock-trader/internal/store"
)

// SnapshotStore 持久化特征快照，只追加不修改。
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore 创建快照仓储并初始化表结构。
func NewSnapshotStore(st *store.Store) (*SnapshotStore, error) {
	if st == nil {
		return nil, errors.New("feature: store 不能为空")
	}
	s := &SnapshotStore{db: st.DB()}
	if err := store.InitSchema(s.db, "feature",
		`CREATE TABLE IF NOT EXISTS feature_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			setup_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			vector TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			UNIQUE(setup_id, cycle_id)
		);`,
	); err != nil {
		return nil, err
	}
	return s, nil
}

// Save 写入快照；同一设置同一轮次重复写入时保留首次结果。
func (s *SnapshotStore) Save(ctx context.Context, setupID, cycleID string, v Vector, at time.Time) (Snapshot, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Snapshot{}, fmt.Errorf("feature: 序列化特征失败: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_snapshots (setup_id, cycle_id, vector, captured_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(setup_id, cycle_id) DO NOTHING`,
		setupID, cycleID, string(payload), store.FormatTime(at),
	); err != nil {
		return Snapshot{}, store.Persistence("feature: 写入特征快照", err)
	}

	return s.get(ctx, setupID, cycleID)
}

// BySetup 返回某设置最近的快照，按时间倒序。
func (s *SnapshotStore) BySetup(ctx context.Context, setupID string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, setup_id, cycle_id, vector, captured_at FROM feature_snapshots
		 WHERE setup_id = ? ORDER BY id DESC LIMIT ?`, setupID, limit)
	if err != nil {
		return nil, fmt.Errorf("feature: 查询快照失败: %w", err)
	}
	defer rows.Close()

	out := make([]Snapshot, 0, limit)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("feature: 读取快照失败: %w", err)
	}
	return out, nil
}

func (s *SnapshotStore) get(ctx context.Context, setupID, cycleID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, setup_id, cycle_id, vector, captured_at FROM feature_snapshots
		 WHERE setup_id = ? AND cycle_id = ?`, setupID, cycleID)
	return scanSnapshot(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		snap     Snapshot
		vector   string
		captured string
	)
	if err := row.Scan(&snap.ID, &snap.SetupID, &snap.CycleID, &vector, &captured); err != nil {
		return Snapshot{}, fmt.Errorf("feature: 解析快照失败: %w", err)
	}
	if err := json.Unmarshal([]byte(vector), &snap.Vector); err != nil {
		return Snapshot{}, fmt.Errorf("feature: 解析特征 JSON 失败: %w", err)
	}
	ts, err := store.ParseTime(captured)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CapturedAt = ts
	return snap, nil
}
