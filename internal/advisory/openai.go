package advisory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Provider 为单个服务商的最小调用能力。
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAICompatible 通过 OpenAI 兼容接口调用各服务商。
type OpenAICompatible struct {
	profile Profile
	model   string
	sdk     *openai.Client
}

// NewOpenAICompatible 按服务商配置创建客户端；baseURL 与 model 为空时使用默认值。
func NewOpenAICompatible(profile Profile, apiKey, baseURL, model string, timeout time.Duration) (*OpenAICompatible, error) {
	if apiKey == "" {
		return nil, errors.New("advisory: api_key 不能为空")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if model == "" {
		model = profile.DefaultModel
	}

	cfg := openai.DefaultConfig(apiKey)
	switch {
	case baseURL != "":
		cfg.BaseURL = baseURL
	case profile.BaseURL != "":
		cfg.BaseURL = profile.BaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout + 5*time.Second}

	return &OpenAICompatible{
		profile: profile,
		model:   model,
		sdk:     openai.NewClientWithConfig(cfg),
	}, nil
}

// Name 返回服务商名称。
func (c *OpenAICompatible) Name() string { return string(c.profile.Name) }

// Model 返回使用的模型。
func (c *OpenAICompatible) Model() string { return c.model }

// Complete 发送一次对话请求并返回首个候选内容。
func (c *OpenAICompatible) Complete(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: defaultTemperature,
	}
	if c.profile.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.sdk.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("advisory: 调用 %s 失败: %w", c.profile.Name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("advisory: %s 返回结果为空", c.profile.Name)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("advisory: %s 返回内容为空", c.profile.Name)
	}
	return content, nil
}
