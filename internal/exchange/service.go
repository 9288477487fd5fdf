package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MarketDataService 聚合日线与盘口数据获取。
type MarketDataService struct {
	candles     CandleSource
	books       OrderBookSource
	parallelism int
	logger      *zap.Logger
}

// NewMarketDataService 创建市场数据服务，books 可为空。
func NewMarketDataService(candles CandleSource, books OrderBookSource, parallelism int, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &MarketDataService{
		candles:     candles,
		books:       books,
		parallelism: parallelism,
		logger:      logger,
	}
}

// FetchCandles 透传到底层K线源。
func (s *MarketDataService) FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]Candle, error) {
	return s.candles.FetchCandles(ctx, symbol, timeframe, count)
}

// GetSnapshot 并行拉取单个标的的日线与订单簿。盘口失败不影响日线结果。
func (s *MarketDataService) GetSnapshot(ctx context.Context, symbol string, req SnapshotRequest) (MarketSnapshot, error) {
	defaults := DefaultSnapshotRequest()
	if req.DailyLimit <= 0 {
		req.DailyLimit = defaults.DailyLimit
	}
	if req.OrderBookDepth <= 0 {
		req.OrderBookDepth = defaults.OrderBookDepth
	}

	snapshot := MarketSnapshot{Symbol: symbol}
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		data, err := s.candles.FetchCandles(groupCtx, symbol, TimeframeDaily, req.DailyLimit)
		if err != nil {
			return fmt.Errorf("exchange: 获取 %s 日线失败: %w", symbol, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("exchange: %s: %w", symbol, ErrNoCandles)
		}
		snapshot.Daily = data
		return nil
	})

	if s.books != nil {
		group.Go(func() error {
			book, err := s.books.FetchOrderBook(groupCtx, symbol, req.OrderBookDepth)
			if err != nil {
				s.logger.Warn("获取订单簿失败，使用保守价差", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			snapshot.OrderBook = book
			snapshot.BookHealthy = len(book.Bids) > 0 && len(book.Asks) > 0
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return MarketSnapshot{}, err
	}
	snapshot.RetrievedAt = time.Now().UTC()

	s.logger.Debug("市场数据快照获取完成",
		zap.String("symbol", symbol),
		zap.Int("daily_count", len(snapshot.Daily)),
		zap.Int("order_book_bids", len(snapshot.OrderBook.Bids)),
		zap.Int("order_book_asks", len(snapshot.OrderBook.Asks)),
	)
	return snapshot, nil
}

// GetSnapshots 以有限并发拉取多个标的，单个标的失败记录在 errs 中而不中断其余标的。
func (s *MarketDataService) GetSnapshots(ctx context.Context, symbols []string, req SnapshotRequest) (map[string]MarketSnapshot, map[string]error) {
	var (
		mu        sync.Mutex
		snapshots = make(map[string]MarketSnapshot, len(symbols))
		errs      = make(map[string]error)
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)
	for _, symbol := range symbols {
		group.Go(func() error {
			snap, err := s.GetSnapshot(groupCtx, symbol, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[symbol] = err
				return nil
			}
			snapshots[symbol] = snap
			return nil
		})
	}
	_ = group.Wait()
	return snapshots, errs
}
