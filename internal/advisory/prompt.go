package advisory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"shock-trader/internal/feature"
	"shock-trader/internal/statemachine"
)

const systemTemplate = `
你是一名专注于单一股票期权的交易顾问。系统已经识别出一次放量冲击K线，并跟踪该标的完成了消化与承接确认。
当前规则评分处于模糊区间，需要你给出独立判断。

评分信息：
- 标的: {{ .Symbol }}
- 规则评分: {{ printf "%.4f" .Score }}
- 阈值: {{ printf "%.4f" .Threshold }}

判断时请遵循：
1. 冲击方向与承接K线是否一致，趋势是否延续；
2. 与支撑、阻力的距离是否留有足够空间；
3. 期权点差、持仓量、资金流向与新闻风险是否支持入场；
4. 不确定时返回 WAIT，宁可错过也不要冒进。

请严格输出唯一的 JSON 对象，格式如下：
{
  "decision": "BUY_CALL|BUY_PUT|WAIT",
  "confidence": 0.0-1.0,
  "reason": "..."
}
`

var systemTmpl = template.Must(template.New("advisory").Parse(systemTemplate))

// promptInput 为用户消息中的结构化输入。
type promptInput struct {
	CurrentState statemachine.State `json:"current_state"`
	StockSymbol  string             `json:"stock_symbol"`
	Features     feature.Vector     `json:"features"`
}

// BuildPrompt 渲染系统提示词与用户输入。
func BuildPrompt(req Request) (system string, user string, err error) {
	var buf bytes.Buffer
	if err = systemTmpl.Execute(&buf, req); err != nil {
		return "", "", fmt.Errorf("advisory: 渲染提示词失败: %w", err)
	}

	payload, err := json.Marshal(promptInput{
		CurrentState: req.State,
		StockSymbol:  req.Symbol,
		Features:     req.Features,
	})
	if err != nil {
		return "", "", fmt.Errorf("advisory: 序列化特征失败: %w", err)
	}
	return buf.String(), string(payload), nil
}
