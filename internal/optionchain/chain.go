package optionchain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"shock-trader/internal/feature"
	"shock-trader/internal/store"
)

// ErrNoContracts 表示没有可交易的流动性合约。
var ErrNoContracts = errors.New("no liquid option contracts")

const (
	dateLayout = "2006-01-02"
	// DefaultATMBand 行权价与现价差距小于该值视为平值。
	DefaultATMBand = 50.0
)

// StrikeClass 表示所选行权价相对现价的虚实。
type StrikeClass string

const (
	StrikeATM StrikeClass = "ATM"
	StrikeITM StrikeClass = "ITM"
	StrikeOTM StrikeClass = "OTM"
)

// Contract 为期权链中的单个合约。
type Contract struct {
	Instrument string             `json:"instrument"`
	Underlying string             `json:"underlying"`
	OptionType feature.OptionType `json:"option_type"`
	Strike     float64            `json:"strike"`
	Expiry     time.Time          `json:"expiry"`
	LastPrice  float64            `json:"last_price"`
	Liquid     bool               `json:"liquid"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Selection 为选中的合约及其虚实分类。
type Selection struct {
	Contract
	Class StrikeClass `json:"class"`
}

// Store 为 SQLite 期权链仓储。
type Store struct {
	db      *sql.DB
	atmBand float64
}

// NewStore 创建期权链仓储。atmBand<=0 时使用 DefaultATMBand。
func NewStore(st *store.Store, atmBand float64) (*Store, error) {
	if st == nil {
		return nil, errors.New("optionchain: store 不能为空")
	}
	if atmBand <= 0 {
		atmBand = DefaultATMBand
	}
	s := &Store{db: st.DB(), atmBand: atmBand}
	if err := store.InitSchema(s.db, "optionchain",
		`CREATE TABLE IF NOT EXISTS options_chain (
			instrument TEXT PRIMARY KEY,
			underlying TEXT NOT NULL,
			option_type TEXT NOT NULL,
			strike REAL NOT NULL,
			expiry_date TEXT NOT NULL,
			last_price REAL NOT NULL,
			is_liquid INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_options_chain_lookup ON options_chain(underlying, option_type, expiry_date);`,
	); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert 写入或刷新合约。
func (s *Store) Upsert(ctx context.Context, c Contract) error {
	if strings.TrimSpace(c.Instrument) == "" || strings.TrimSpace(c.Underlying) == "" {
		return errors.New("optionchain: instrument 与 underlying 不能为空")
	}
	if c.OptionType != feature.OptionCall && c.OptionType != feature.OptionPut {
		return fmt.Errorf("optionchain: 非法的期权类型 %q", c.OptionType)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	liquid := 0
	if c.Liquid {
		liquid = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO options_chain (instrument, underlying, option_type, strike, expiry_date, last_price, is_liquid, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instrument) DO UPDATE SET
			last_price = excluded.last_price,
			is_liquid = excluded.is_liquid,
			updated_at = excluded.updated_at`,
		c.Instrument, c.Underlying, string(c.OptionType), c.Strike, c.Expiry.Format(dateLayout),
		c.LastPrice, liquid, store.FormatTime(c.UpdatedAt),
	); err != nil {
		return store.Persistence("optionchain: 写入合约", err)
	}
	return nil
}

// LastPrice 返回合约最新价格。
func (s *Store) LastPrice(ctx context.Context, instrument string) (float64, error) {
	var price float64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_price FROM options_chain WHERE instrument = ?`, instrument,
	).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("optionchain: 合约 %s 不存在", instrument)
	}
	if err != nil {
		return 0, fmt.Errorf("optionchain: 查询合约价格失败: %w", err)
	}
	return price, nil
}

// Select 在最近到期日中选取行权价最接近现价的流动性合约。
func (s *Store) Select(ctx context.Context, underlying string, optionType feature.OptionType, spot float64, today time.Time) (Selection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instrument, underlying, option_type, strike, expiry_date, last_price, is_liquid, updated_at
		 FROM options_chain
		 WHERE underlying = ? AND option_type = ? AND is_liquid = 1 AND expiry_date >= ?
		 ORDER BY expiry_date ASC, strike ASC`,
		underlying, string(optionType), today.Format(dateLayout),
	)
	if err != nil {
		return Selection{}, fmt.Errorf("optionchain: 查询期权链失败: %w", err)
	}
	defer rows.Close()

	var (
		best     *Contract
		expiry   string
		distance = math.Inf(1)
	)
	for rows.Next() {
		c, exp, scanErr := scanContract(rows)
		if scanErr != nil {
			return Selection{}, scanErr
		}
		if expiry == "" {
			expiry = exp
		}
		if exp != expiry {
			break
		}
		if d := math.Abs(c.Strike - spot); d < distance {
			distance = d
			best = &c
		}
	}
	if err := rows.Err(); err != nil {
		return Selection{}, fmt.Errorf("optionchain: 读取期权链失败: %w", err)
	}
	if best == nil {
		return Selection{}, fmt.Errorf("optionchain: %s %s: %w", underlying, optionType, ErrNoContracts)
	}
	if best.LastPrice <= 0 {
		return Selection{}, fmt.Errorf("optionchain: 合约 %s 价格无效", best.Instrument)
	}
	return Selection{Contract: *best, Class: Classify(optionType, best.Strike, spot, s.atmBand)}, nil
}

// Classify 判断行权价的虚实。
func Classify(optionType feature.OptionType, strike, spot, atmBand float64) StrikeClass {
	switch {
	case math.Abs(strike-spot) < atmBand:
		return StrikeATM
	case optionType == feature.OptionCall && strike < spot:
		return StrikeITM
	case optionType == feature.OptionPut && strike > spot:
		return StrikeITM
	default:
		return StrikeOTM
	}
}

func scanContract(rows *sql.Rows) (Contract, string, error) {
	var (
		c                 Contract
		optionType        string
		expiry, updatedAt string
		liquid            int
	)
	if err := rows.Scan(&c.Instrument, &c.Underlying, &optionType, &c.Strike, &expiry, &c.LastPrice, &liquid, &updatedAt); err != nil {
		return Contract{}, "", fmt.Errorf("optionchain: 解析合约失败: %w", err)
	}
	c.OptionType = feature.OptionType(optionType)
	c.Liquid = liquid == 1
	exp, err := time.Parse(dateLayout, expiry)
	if err != nil {
		return Contract{}, "", fmt.Errorf("optionchain: 解析到期日失败: %w", err)
	}
	c.Expiry = exp
	if c.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return Contract{}, "", err
	}
	return c, expiry, nil
}
