package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smart-exec/internal/config"
	"smart-exec/internal/exchange"
	"smart-exec/internal/splitter"
)

var (
	ErrUnknownToken  = errors.New("quote: 未知代币")
	ErrInvalidAmount = errors.New("quote: 报价金额必须为正")
	ErrNoPrice       = errors.New("quote: 无法获取有效价格")
)

const (
	SourceStatic = "static"
	SourceMarket = "market"
)

// Request 为一次报价请求。
type Request struct {
	Token     string
	AmountUSD decimal.Decimal
}

// Quote 为报价结果，用于构造拆单的行情上下文。
type Quote struct {
	Token       string          `json:"token"`
	Symbol      string          `json:"symbol"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
	DepthUSD    decimal.Decimal `json:"depth_usd"`
	Volatility  decimal.Decimal `json:"volatility"`
	Source      string          `json:"source"`
	RetrievedAt time.Time       `json:"retrieved_at"`
}

// MarketContext 转换为拆单器的输入。
func (q Quote) MarketContext(recipient string) splitter.MarketContext {
	return splitter.MarketContext{
		Token:      q.Token,
		PriceUSD:   q.PriceUSD,
		DepthUSD:   q.DepthUSD,
		Volatility: q.Volatility,
		Recipient:  recipient,
	}
}

// Gateway 为报价/路由来源。
type Gateway interface {
	Quote(ctx context.Context, req Request) (Quote, error)
}

// New 按配置选择报价网关。
func New(cfg config.QuoteConfig, logger *zap.Logger) (Gateway, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", SourceStatic:
		return NewStaticGateway(cfg), nil
	case SourceMarket:
		client, err := exchange.NewClient(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("quote: 初始化交易所客户端失败: %w", err)
		}
		return NewMarketGateway(cfg, client, logger), nil
	default:
		return nil, fmt.Errorf("quote: 不支持的报价模式 %s", cfg.Mode)
	}
}

// QuoteMany 并行获取多个报价，结果顺序与请求一致。
func QuoteMany(ctx context.Context, gw Gateway, reqs []Request) ([]Quote, error) {
	quotes := make([]Quote, len(reqs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)

	for i, req := range reqs {
		group.Go(func() error {
			q, err := gw.Quote(groupCtx, req)
			if err != nil {
				return fmt.Errorf("quote: %s: %w", req.Token, err)
			}
			quotes[i] = q
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func validateRequest(req Request) error {
	if normalizeToken(req.Token) == "" {
		return fmt.Errorf("%w: 代币为空", ErrUnknownToken)
	}
	if !req.AmountUSD.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
