package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shock-trader/internal/config"
)

// Consultant 负责限流、熔断与超时控制下的顾问咨询。
type Consultant struct {
	providers map[string]Provider
	breakers  map[string]*Breaker
	limiter   *rate.Limiter
	timeout   time.Duration
	fallback  string
	logger    *zap.Logger
}

// NewConsultant 使用已构造的服务商创建顾问；首个服务商作为默认。
func NewConsultant(cfg config.AdvisoryConfig, logger *zap.Logger, providers ...Provider) (*Consultant, error) {
	if len(providers) == 0 {
		return nil, errors.New("advisory: 至少需要一个服务商")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Consultant{
		providers: make(map[string]Provider, len(providers)),
		breakers:  make(map[string]*Breaker, len(providers)),
		limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst),
		timeout:   cfg.Timeout,
		fallback:  providers[0].Name(),
		logger:    logger,
	}
	for _, p := range providers {
		c.providers[p.Name()] = p
		c.breakers[p.Name()] = NewBreaker(p.Name(), cfg.BreakerThreshold, cfg.BreakerCooldown, logger)
	}
	return c, nil
}

// NewFromConfig 根据配置创建 OpenAI 兼容服务商与顾问。
func NewFromConfig(cfg config.AdvisoryConfig, logger *zap.Logger) (*Consultant, error) {
	profile, err := LookupProfile(cfg.Provider)
	if err != nil {
		return nil, err
	}
	provider, err := NewOpenAICompatible(profile, cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return NewConsultant(cfg, logger, provider)
}

// Healthy 判断指定服务商的熔断器是否未打开，name 为空时检查默认服务商。
func (c *Consultant) Healthy(name string) bool {
	p, err := c.provider(name)
	if err != nil {
		return false
	}
	return c.breaker(p.Name()).State() != BreakerOpen
}

// Consult 发起一次咨询。失败时返回保守的 WAIT 意见以及包装了 ErrAdvisoryFailure 的错误，
// 校验失败的错误同时匹配 ErrInvalidAdvisoryResponse。
func (c *Consultant) Consult(ctx context.Context, req Request) (Opinion, error) {
	start := time.Now()
	p, err := c.provider(req.Provider)
	if err != nil {
		return c.fail(req, Fallback(req.Provider), err, start)
	}
	fallback := Fallback(p.Name())
	breaker := c.breaker(p.Name())
	if !breaker.Allow() {
		return c.fail(req, fallback, fmt.Errorf("advisory: %s 熔断中", p.Name()), start)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(callCtx); err != nil {
		return c.fail(req, fallback, fmt.Errorf("advisory: 等待限流失败: %w", err), start)
	}

	system, user, err := BuildPrompt(req)
	if err != nil {
		return c.fail(req, fallback, err, start)
	}

	content, err := p.Complete(callCtx, system, user)
	if err != nil {
		breaker.RecordFailure()
		return c.fail(req, fallback, err, start)
	}

	op, err := ParseOpinion(content)
	if err != nil {
		breaker.RecordFailure()
		c.logger.Error("解析顾问意见失败",
			zap.String("provider", p.Name()),
			zap.String("raw_content", content),
			zap.Error(err),
		)
		return c.fail(req, fallback, err, start)
	}
	breaker.RecordSuccess()

	op.Provider = p.Name()
	op.Model = p.Model()
	op.Latency = time.Since(start)
	c.logger.Info("顾问意见生成成功",
		zap.String("setup_id", req.SetupID),
		zap.String("symbol", req.Symbol),
		zap.String("provider", op.Provider),
		zap.String("decision", string(op.Decision)),
		zap.Float64("confidence", op.Confidence),
		zap.Duration("latency", op.Latency),
	)
	return op, nil
}

func (c *Consultant) fail(req Request, fallback Opinion, err error, start time.Time) (Opinion, error) {
	fallback.Latency = time.Since(start)
	c.logger.Warn("顾问不可用，按 WAIT 处理",
		zap.String("setup_id", req.SetupID),
		zap.String("symbol", req.Symbol),
		zap.String("provider", fallback.Provider),
		zap.Error(err),
	)
	return fallback, fmt.Errorf("%w: %w", ErrAdvisoryFailure, err)
}

func (c *Consultant) provider(name string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = c.fallback
	}
	p, ok := c.providers[key]
	if !ok {
		return nil, fmt.Errorf("advisory: 服务商 %q 未配置", name)
	}
	return p, nil
}

func (c *Consultant) breaker(name string) *Breaker {
	return c.breakers[name]
}
