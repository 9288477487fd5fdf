package advisory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"shock-trader/internal/feature"
	"shock-trader/internal/scoring"
	"shock-trader/internal/statemachine"
)

var (
	// ErrAdvisoryFailure 表示顾问调用失败（网络、超时、熔断、解析）。
	ErrAdvisoryFailure = errors.New("advisory failure")
	// ErrInvalidAdvisoryResponse 表示顾问返回的决策或信心度不合法。
	ErrInvalidAdvisoryResponse = errors.New("invalid advisory response")
)

// FallbackReason 为顾问不可用时的统一理由。
const FallbackReason = "advisory unavailable"

// 默认采样温度。
const defaultTemperature = 0.3

// ProviderName 标识顾问服务商。
type ProviderName string

const (
	ProviderOpenAI   ProviderName = "openai"
	ProviderClaude   ProviderName = "claude"
	ProviderGemini   ProviderName = "gemini"
	ProviderGrok     ProviderName = "grok"
	ProviderDeepSeek ProviderName = "deepseek"
)

// Profile 描述服务商的兼容端点与默认模型。
type Profile struct {
	Name         ProviderName
	BaseURL      string
	DefaultModel string
	JSONMode     bool
}

var profiles = map[ProviderName]Profile{
	ProviderOpenAI:   {Name: ProviderOpenAI, BaseURL: "https://api.openai.com/v1", DefaultModel: "gpt-4-turbo-preview", JSONMode: true},
	ProviderClaude:   {Name: ProviderClaude, BaseURL: "https://api.anthropic.com/v1/", DefaultModel: "claude-3-5-sonnet-20241022"},
	ProviderGemini:   {Name: ProviderGemini, BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/", DefaultModel: "gemini-1.5-pro", JSONMode: true},
	ProviderGrok:     {Name: ProviderGrok, BaseURL: "https://api.x.ai/v1", DefaultModel: "grok-beta"},
	ProviderDeepSeek: {Name: ProviderDeepSeek, BaseURL: "https://api.deepseek.com/v1", DefaultModel: "deepseek-chat", JSONMode: true},
}

// LookupProfile 按名称查找服务商配置，大小写不敏感。
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[ProviderName(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return Profile{}, fmt.Errorf("advisory: 不支持的服务商 %q", name)
	}
	return p, nil
}

// Request 为一次顾问咨询的输入。
type Request struct {
	Provider  string
	SetupID   string
	Symbol    string
	State     statemachine.State
	Features  feature.Vector
	Score     float64
	Threshold float64
}

// Opinion 为经过校验的顾问意见。
type Opinion struct {
	Decision   scoring.Decision `json:"decision"`
	Confidence float64          `json:"confidence"`
	Reason     string           `json:"reason"`
	Provider   string           `json:"provider"`
	Model      string           `json:"model"`
	Latency    time.Duration    `json:"latency"`
	Fallback   bool             `json:"fallback"`
}

// Validate 校验决策枚举与信心度区间。
func (o Opinion) Validate() error {
	if !o.Decision.Valid() {
		return fmt.Errorf("%w: decision 取值非法: %q", ErrInvalidAdvisoryResponse, o.Decision)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("%w: confidence 必须位于 [0,1]，当前为 %f", ErrInvalidAdvisoryResponse, o.Confidence)
	}
	return nil
}

// Fallback 返回顾问不可用时的保守意见。
func Fallback(provider string) Opinion {
	return Opinion{
		Decision:   scoring.DecisionWait,
		Confidence: 0,
		Reason:     FallbackReason,
		Provider:   provider,
		Model:      "fallback",
		Fallback:   true,
	}
}
