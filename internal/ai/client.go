package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"smart-exec/internal/config"
)

// Client 封装 OpenAI 调用逻辑，为安全提示生成处置建议。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("ai: openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	sdkCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkCfg),
	}, nil
}

// SuggestAction 请求模型为安全提示给出处置建议。
func (c *Client) SuggestAction(ctx context.Context, w WarningContext) (Advice, error) {
	prompt, err := BuildPrompt(w)
	if err != nil {
		return Advice{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Warn("调用OpenAI失败", zap.Error(err))
		return Advice{}, fmt.Errorf("ai: 调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return Advice{}, errors.New("ai: OpenAI 返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return Advice{}, errors.New("ai: OpenAI 返回内容为空")
	}

	advice, err := parseAdvice(rawContent)
	if err != nil {
		c.logger.Warn("解析模型建议失败", zap.Error(err), zap.String("raw_content", rawContent))
		return Advice{}, err
	}
	if err := advice.Validate(); err != nil {
		return Advice{}, err
	}

	c.logger.Debug("安全建议生成成功",
		zap.String("account_id", w.AccountID),
		zap.String("urgency", advice.Urgency),
	)
	return advice, nil
}

func parseAdvice(content string) (Advice, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return Advice{}, err
	}

	var advice Advice
	if err := json.Unmarshal(payload, &advice); err != nil {
		return Advice{}, fmt.Errorf("ai: 解析建议JSON失败: %w", err)
	}
	advice.SuggestedAction = strings.TrimSpace(advice.SuggestedAction)
	advice.Urgency = strings.ToUpper(strings.TrimSpace(advice.Urgency))
	return advice, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("ai: 模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
