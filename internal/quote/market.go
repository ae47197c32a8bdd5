package quote

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"smart-exec/internal/config"
	"smart-exec/internal/exchange"
	"smart-exec/internal/indicator"
)

// MarketGateway 基于交易所盘口与K线报价。
type MarketGateway struct {
	cfg     config.QuoteConfig
	market  *exchange.MarketDataService
	calc    *indicator.Calculator
	logger  *zap.Logger
	request exchange.SnapshotRequest
}

// NewMarketGateway 创建行情报价网关。
func NewMarketGateway(cfg config.QuoteConfig, source exchange.DataSource, logger *zap.Logger) *MarketGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	req := exchange.DefaultSnapshotRequest()
	if cfg.CandleLimit > 0 {
		req.CandleLimit = cfg.CandleLimit
	}
	return &MarketGateway{
		cfg:     cfg,
		market:  exchange.NewMarketDataService(source, logger),
		calc:    indicator.NewCalculator(),
		logger:  logger,
		request: req,
	}
}

// Quote 实现 Gateway：中间价、带内卖盘深度、ATR 相对波动率。
func (g *MarketGateway) Quote(ctx context.Context, req Request) (Quote, error) {
	if err := validateRequest(req); err != nil {
		return Quote{}, err
	}

	token := normalizeToken(req.Token)
	if token == strings.ToUpper(g.cfg.QuoteCurrency) {
		// 计价币自身按 1:1 处理
		return Quote{
			Token:      token,
			Symbol:     token,
			AmountUSD:  req.AmountUSD,
			PriceUSD:   decimal.NewFromInt(1),
			DepthUSD:   decimal.NewFromFloat(g.cfg.StaticDepthUSD),
			Volatility: decimal.Zero,
			Source:     SourceMarket,
		}, nil
	}

	symbol := exchange.MarketSymbol(token, g.cfg.QuoteCurrency)
	snapshot, err := g.market.GetSnapshot(ctx, symbol, g.request)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: 获取 %s 行情失败: %w", symbol, err)
	}

	mid := midPrice(snapshot)
	if mid <= 0 {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}

	depth := askDepthUSD(snapshot.OrderBook, mid, g.cfg.DepthBand)

	volatility := g.cfg.StaticVolatility
	vol, err := g.calc.Compute(symbol, snapshot.Candles)
	if err != nil {
		g.logger.Warn("波动率计算失败，使用默认值",
			zap.String("symbol", symbol),
			zap.Float64("fallback", volatility),
			zap.Error(err),
		)
	} else {
		volatility = vol.ATRRelative
	}

	q := Quote{
		Token:       token,
		Symbol:      symbol,
		AmountUSD:   req.AmountUSD,
		PriceUSD:    decimal.NewFromFloat(mid),
		DepthUSD:    decimal.NewFromFloat(depth).Round(2),
		Volatility:  decimal.NewFromFloat(volatility),
		Source:      SourceMarket,
		RetrievedAt: snapshot.RetrievedAt,
	}

	g.logger.Debug("报价完成",
		zap.String("symbol", symbol),
		zap.String("price", q.PriceUSD.String()),
		zap.String("depth_usd", q.DepthUSD.String()),
		zap.String("volatility", q.Volatility.String()),
	)
	return q, nil
}

func midPrice(snapshot exchange.MarketSnapshot) float64 {
	bid := snapshot.OrderBook.BestBid()
	ask := snapshot.OrderBook.BestAsk()
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case ask > 0:
		return ask
	case bid > 0:
		return bid
	}
	if n := len(snapshot.Candles); n > 0 {
		return snapshot.Candles[n-1].Close
	}
	return 0
}

// askDepthUSD 统计中间价上方 band 比例内的卖盘美元深度。
func askDepthUSD(book exchange.OrderBookSnapshot, mid, band float64) float64 {
	if band <= 0 {
		band = 0.01
	}
	limit := mid * (1 + band)
	total := 0.0
	for _, level := range book.Asks {
		if level.Price > limit {
			break
		}
		total += level.Price * level.Amount
	}
	return total
}
