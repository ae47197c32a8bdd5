package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DataSource 为快照服务所需的行情接口。
type DataSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int64) (OrderBookSnapshot, error)
}

// MarketDataService 并行拉取K线及盘口数据。
type MarketDataService struct {
	source DataSource
	logger *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(source DataSource, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{
		source: source,
		logger: logger,
	}
}

// GetSnapshot 拉取单个交易对的K线与订单簿。
func (s *MarketDataService) GetSnapshot(ctx context.Context, symbol string, req SnapshotRequest) (MarketSnapshot, error) {
	defaultReq := DefaultSnapshotRequest()
	if req.Timeframe == "" {
		req.Timeframe = defaultReq.Timeframe
	}
	if req.CandleLimit <= 0 {
		req.CandleLimit = defaultReq.CandleLimit
	}
	if req.OrderBookDepth <= 0 {
		req.OrderBookDepth = defaultReq.OrderBookDepth
	}

	var (
		candles   []Candle
		orderBook OrderBookSnapshot
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		data, err := s.source.FetchCandles(groupCtx, symbol, req.Timeframe, int64(req.CandleLimit))
		if err != nil {
			return err
		}
		candles = data
		return nil
	})

	group.Go(func() error {
		book, err := s.source.FetchOrderBook(groupCtx, symbol, int64(req.OrderBookDepth))
		if err != nil {
			return err
		}
		orderBook = book
		return nil
	})

	if err := group.Wait(); err != nil {
		return MarketSnapshot{}, err
	}

	snapshot := MarketSnapshot{
		Symbol:      symbol,
		Candles:     candles,
		OrderBook:   orderBook,
		RetrievedAt: time.Now().UTC(),
	}

	s.logger.Debug("市场数据快照获取完成",
		zap.String("symbol", snapshot.Symbol),
		zap.Time("retrieved_at", snapshot.RetrievedAt),
		zap.Int("candle_count", len(snapshot.Candles)),
		zap.Int("order_book_bids", len(snapshot.OrderBook.Bids)),
		zap.Int("order_book_asks", len(snapshot.OrderBook.Asks)),
	)

	return snapshot, nil
}
