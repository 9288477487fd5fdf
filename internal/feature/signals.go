package feature

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shock-trader/internal/exchange"
	"shock-trader/internal/store"
)

// StoredSignals 为外部录入的资金流向、持仓量与新闻信号。
type StoredSignals struct {
	Symbol      string      `json:"symbol"`
	OIAlignment OIAlignment `json:"oi_alignment"`
	FIIFlow     FIIFlow     `json:"fii_flow"`
	DIIFlow     DIIFlow     `json:"dii_flow"`
	NewsRisk    NewsRisk    `json:"news_risk"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SignalStore 持久化每个标的最新的辅助信号。
type SignalStore struct {
	db *sql.DB
}

// NewSignalStore 创建辅助信号仓储并初始化表结构。
func NewSignalStore(st *store.Store) (*SignalStore, error) {
	if st == nil {
		return nil, errors.New("feature: store 不能为空")
	}
	s := &SignalStore{db: st.DB()}
	if err := store.InitSchema(s.db, "feature",
		`CREATE TABLE IF NOT EXISTS market_signals (
			symbol TEXT PRIMARY KEY,
			oi_alignment TEXT NOT NULL,
			fii_flow TEXT NOT NULL,
			dii_flow TEXT NOT NULL,
			news_risk TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert 写入或覆盖某标的的信号。
func (s *SignalStore) Upsert(ctx context.Context, sig StoredSignals) error {
	if strings.TrimSpace(sig.Symbol) == "" {
		return errors.New("feature: symbol 不能为空")
	}
	if sig.UpdatedAt.IsZero() {
		sig.UpdatedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO market_signals (symbol, oi_alignment, fii_flow, dii_flow, news_risk, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
			oi_alignment = excluded.oi_alignment,
			fii_flow = excluded.fii_flow,
			dii_flow = excluded.dii_flow,
			news_risk = excluded.news_risk,
			updated_at = excluded.updated_at`,
		sig.Symbol, string(sig.OIAlignment), string(sig.FIIFlow), string(sig.DIIFlow), string(sig.NewsRisk),
		store.FormatTime(sig.UpdatedAt),
	); err != nil {
		return store.Persistence("feature: 写入辅助信号", err)
	}
	return nil
}

// Latest 返回某标的最新信号，第二个返回值表示是否存在。
func (s *SignalStore) Latest(ctx context.Context, symbol string) (StoredSignals, bool, error) {
	var (
		sig     StoredSignals
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT symbol, oi_alignment, fii_flow, dii_flow, news_risk, updated_at FROM market_signals WHERE symbol = ?`,
		symbol,
	).Scan(&sig.Symbol, &sig.OIAlignment, &sig.FIIFlow, &sig.DIIFlow, &sig.NewsRisk, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredSignals{}, false, nil
	}
	if err != nil {
		return StoredSignals{}, false, fmt.Errorf("feature: 查询辅助信号失败: %w", err)
	}
	if sig.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return StoredSignals{}, false, err
	}
	return sig, true, nil
}

// Signals 组装辅助信号。盘口或录入信号缺失的部分使用 NeutralSignals 的保守值。
func (s *SignalStore) Signals(ctx context.Context, symbol string, book exchange.OrderBookSnapshot) (AuxSignals, error) {
	aux := NeutralSignals()
	if spread, ok := book.SpreadPct(); ok {
		aux.BidAskSpreadPct = spread
	}
	sig, ok, err := s.Latest(ctx, symbol)
	if err != nil {
		return aux, err
	}
	if !ok {
		return aux, nil
	}
	if sig.OIAlignment != "" {
		aux.OIAlignment = sig.OIAlignment
	}
	if sig.FIIFlow != "" {
		aux.FIIFlow = sig.FIIFlow
	}
	if sig.DIIFlow != "" {
		aux.DIIFlow = sig.DIIFlow
	}
	if sig.NewsRisk != "" {
		aux.NewsRisk = sig.NewsRisk
	}
	return aux, nil
}
