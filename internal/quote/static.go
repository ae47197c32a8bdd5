package quote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smart-exec/internal/config"
)

// StaticGateway 使用配置中的固定价格，供练习模式使用。
type StaticGateway struct {
	mu         sync.RWMutex
	prices     map[string]decimal.Decimal
	depth      decimal.Decimal
	volatility decimal.Decimal
	now        func() time.Time
}

// NewStaticGateway 从配置构造静态报价网关，代币符号统一转为大写。
func NewStaticGateway(cfg config.QuoteConfig) *StaticGateway {
	prices := make(map[string]decimal.Decimal, len(cfg.StaticPrices))
	for token, price := range cfg.StaticPrices {
		prices[normalizeToken(token)] = decimal.NewFromFloat(price)
	}
	return &StaticGateway{
		prices:     prices,
		depth:      decimal.NewFromFloat(cfg.StaticDepthUSD),
		volatility: decimal.NewFromFloat(cfg.StaticVolatility),
		now:        time.Now,
	}
}

// SetPrice 更新单个代币价格。
func (g *StaticGateway) SetPrice(token string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[normalizeToken(token)] = price
}

// Quote 实现 Gateway。
func (g *StaticGateway) Quote(ctx context.Context, req Request) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	if err := validateRequest(req); err != nil {
		return Quote{}, err
	}

	token := normalizeToken(req.Token)
	g.mu.RLock()
	price, ok := g.prices[token]
	g.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoPrice, token)
	}

	return Quote{
		Token:       token,
		Symbol:      token,
		AmountUSD:   req.AmountUSD,
		PriceUSD:    price,
		DepthUSD:    g.depth,
		Volatility:  g.volatility,
		Source:      SourceStatic,
		RetrievedAt: g.now().UTC(),
	}, nil
}
