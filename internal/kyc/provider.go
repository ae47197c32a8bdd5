package kyc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"smart-exec/internal/account"
	"smart-exec/internal/config"
)

// ErrUnknownUser 表示 KYC 来源没有该用户的记录。
var ErrUnknownUser = errors.New("kyc: 用户不存在")

// Provider 返回用户当前 KYC 等级。
type Provider interface {
	Tier(ctx context.Context, userID string) (account.Tier, error)
}

// StaticProvider 从配置读取等级，未配置的用户视为 0 级。
type StaticProvider struct {
	mu    sync.RWMutex
	tiers map[string]account.Tier
}

// NewStaticProvider 创建静态 KYC 来源。
func NewStaticProvider(tiers map[string]int) *StaticProvider {
	p := &StaticProvider{tiers: make(map[string]account.Tier, len(tiers))}
	for user, tier := range tiers {
		p.tiers[strings.ToLower(user)] = account.Tier(tier)
	}
	return p
}

// Set 更新某个用户的等级。
func (p *StaticProvider) Set(userID string, tier account.Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiers[strings.ToLower(userID)] = tier
}

// Tier 实现 Provider。
func (p *StaticProvider) Tier(ctx context.Context, userID string) (account.Tier, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tiers[strings.ToLower(userID)], nil
}

// HTTPProvider 通过 HTTP 接口查询 KYC 等级。
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

type tierResponse struct {
	UserID string `json:"user_id"`
	Tier   int    `json:"tier"`
}

// NewHTTPProvider 创建 HTTP KYC 客户端。
func NewHTTPProvider(cfg config.KYCConfig, client *http.Client, logger *zap.Logger) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("kyc: endpoint 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	return &HTTPProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}, nil
}

// Tier 实现 Provider，请求 GET {endpoint}/users/{id}/tier。
func (p *HTTPProvider) Tier(ctx context.Context, userID string) (account.Tier, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("kyc: 等待限流失败: %w", err)
	}

	reqURL := fmt.Sprintf("%s/users/%s/tier", p.endpoint, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("kyc: 构造请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kyc: 请求失败: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("kyc: 状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload tierResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("kyc: 解析响应失败: %w", err)
	}
	tier := account.Tier(payload.Tier)
	if !tier.Valid() {
		return 0, fmt.Errorf("kyc: 返回的等级超出范围: %d", payload.Tier)
	}

	p.logger.Debug("KYC 等级查询完成", zap.String("user_id", userID), zap.Int("tier", payload.Tier))
	return tier, nil
}

// New 根据配置选择 KYC 来源。
func New(cfg config.KYCConfig, logger *zap.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "static":
		return NewStaticProvider(cfg.StaticTiers), nil
	case "http":
		return NewHTTPProvider(cfg, nil, logger)
	default:
		return nil, fmt.Errorf("kyc: 不支持的来源 %q", cfg.Provider)
	}
}
