package advisory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shock-trader/internal/config"
	"shock-trader/internal/feature"
	"shock-trader/internal/scoring"
	"shock-trader/internal/statemachine"
)

type fakeProvider struct {
	name    string
	content string
	err     error
	block   bool
	calls   int
	system  string
	user    string
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Model() string { return "fake-model" }

func (f *fakeProvider) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	f.system, f.user = system, user
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.content, f.err
}

func testConfig() config.AdvisoryConfig {
	return config.AdvisoryConfig{
		Timeout:          200 * time.Millisecond,
		RatePerMinute:    6000,
		Burst:            10,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	}
}

func testRequest() Request {
	return Request{
		SetupID:   "setup-1",
		Symbol:    "TCS",
		State:     statemachine.AcceptanceReady,
		Features:  feature.Vector{ShockCandle: true, OptionType: feature.OptionCall},
		Score:     0.55,
		Threshold: 0.6,
	}
}

func TestConsult_ValidOpinion(t *testing.T) {
	p := &fakeProvider{name: "openai", content: "```json\n{\"decision\":\"BUY_CALL\",\"confidence\":0.72,\"reason\":\"承接良好\"}\n```"}
	c, err := NewConsultant(testConfig(), nil, p)
	require.NoError(t, err)

	op, err := c.Consult(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, scoring.DecisionBuyCall, op.Decision)
	assert.InDelta(t, 0.72, op.Confidence, 1e-9)
	assert.Equal(t, "承接良好", op.Reason)
	assert.Equal(t, "openai", op.Provider)
	assert.Equal(t, "fake-model", op.Model)
	assert.False(t, op.Fallback)

	assert.Contains(t, p.system, "TCS")
	assert.Contains(t, p.user, `"current_state":"ACCEPTANCE_READY"`)
	assert.Contains(t, p.user, `"stock_symbol":"TCS"`)
}

func TestConsult_InvalidResponses(t *testing.T) {
	cases := map[string]string{
		"bad enum":         `{"decision":"SELL","confidence":0.5,"reason":"x"}`,
		"confidence high":  `{"decision":"WAIT","confidence":1.5}`,
		"confidence low":   `{"decision":"WAIT","confidence":-0.1}`,
		"missing decision": `{"confidence":0.5}`,
		"not json":         `I think you should buy`,
		"text confidence":  `{"decision":"WAIT","confidence":"high"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := NewConsultant(testConfig(), nil, &fakeProvider{name: "openai", content: content})
			require.NoError(t, err)

			op, err := c.Consult(context.Background(), testRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAdvisoryResponse)
			assert.ErrorIs(t, err, ErrAdvisoryFailure)
			assert.Equal(t, scoring.DecisionWait, op.Decision)
			assert.Equal(t, 0.0, op.Confidence)
			assert.Equal(t, FallbackReason, op.Reason)
			assert.True(t, op.Fallback)
		})
	}
}

func TestParseOpinion_NumericStringConfidence(t *testing.T) {
	op, err := ParseOpinion(`{"decision":" BUY_PUT ","confidence":"0.4"}`)
	require.NoError(t, err)
	assert.Equal(t, scoring.DecisionBuyPut, op.Decision)
	assert.InDelta(t, 0.4, op.Confidence, 1e-9)
	assert.Equal(t, "未提供理由", op.Reason)
}

func TestParseOpinion_DecisionIsCaseSensitive(t *testing.T) {
	for _, decision := range []string{"buy_put", "Buy_Call", "wait"} {
		_, err := ParseOpinion(`{"decision":"` + decision + `","confidence":0.5}`)
		assert.ErrorIs(t, err, ErrInvalidAdvisoryResponse, decision)
	}
}

func TestConsult_ProviderErrorFallsBack(t *testing.T) {
	p := &fakeProvider{name: "deepseek", err: errors.New("502 bad gateway")}
	c, err := NewConsultant(testConfig(), nil, p)
	require.NoError(t, err)

	op, err := c.Consult(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrAdvisoryFailure)
	assert.NotErrorIs(t, err, ErrInvalidAdvisoryResponse)
	assert.Equal(t, scoring.DecisionWait, op.Decision)
	assert.Equal(t, "deepseek", op.Provider)
}

func TestConsult_TimeoutIsBounded(t *testing.T) {
	p := &fakeProvider{name: "openai", block: true}
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	c, err := NewConsultant(cfg, nil, p)
	require.NoError(t, err)

	start := time.Now()
	op, err := c.Consult(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrAdvisoryFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, scoring.DecisionWait, op.Decision)
}

func TestConsult_BreakerOpensAfterFailures(t *testing.T) {
	p := &fakeProvider{name: "openai", err: errors.New("boom")}
	c, err := NewConsultant(testConfig(), nil, p)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Consult(ctx, testRequest())
		require.Error(t, err)
	}
	assert.False(t, c.Healthy(""))

	_, err = c.Consult(ctx, testRequest())
	assert.ErrorIs(t, err, ErrAdvisoryFailure)
	assert.Equal(t, 2, p.calls)
}

func TestConsult_UnknownProvider(t *testing.T) {
	c, err := NewConsultant(testConfig(), nil, &fakeProvider{name: "openai", content: `{"decision":"WAIT","confidence":0}`})
	require.NoError(t, err)

	req := testRequest()
	req.Provider = "gemini"
	op, err := c.Consult(context.Background(), req)
	assert.ErrorIs(t, err, ErrAdvisoryFailure)
	assert.True(t, strings.Contains(err.Error(), "未配置"))
	assert.Equal(t, "gemini", op.Provider)
	assert.False(t, c.Healthy("gemini"))
	assert.True(t, c.Healthy("OpenAI"))
}

func TestLookupProfile(t *testing.T) {
	cases := map[string]string{
		"openai":   "gpt-4-turbo-preview",
		"Claude":   "claude-3-5-sonnet-20241022",
		"gemini":   "gemini-1.5-pro",
		"grok":     "grok-beta",
		"deepseek": "deepseek-chat",
	}
	for name, model := range cases {
		p, err := LookupProfile(name)
		require.NoError(t, err, name)
		assert.Equal(t, model, p.DefaultModel)
	}
	_, err := LookupProfile("mistral")
	assert.Error(t, err)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("openai", 1, time.Minute, nil)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(2 * time.Minute)
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}
