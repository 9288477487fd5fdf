package advisory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"shock-trader/internal/scoring"
)

const opinionSchemaJSON = `{
  "type": "object",
  "required": ["decision", "confidence"],
  "properties": {
    "decision": {"type": "string"},
    "confidence": {"type": ["number", "string"]},
    "reason": {"type": "string"}
  }
}`

var opinionSchema = mustCompileSchema("opinion.json", opinionSchemaJSON)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("advisory: 注册 schema 失败: %v", err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("advisory: 编译 schema 失败: %v", err))
	}
	return schema
}

// ParseOpinion 从模型输出中提取并校验意见。
// 结构不符或取值非法时返回 ErrInvalidAdvisoryResponse。
func ParseOpinion(content string) (Opinion, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return Opinion{}, err
	}
	if !gjson.Valid(payload) {
		return Opinion{}, fmt.Errorf("%w: 输出不是合法JSON", ErrInvalidAdvisoryResponse)
	}

	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return Opinion{}, fmt.Errorf("%w: 解析JSON失败: %v", ErrInvalidAdvisoryResponse, err)
	}
	if err := opinionSchema.Validate(doc); err != nil {
		return Opinion{}, fmt.Errorf("%w: %v", ErrInvalidAdvisoryResponse, err)
	}

	parsed := gjson.Parse(payload)
	conf := parsed.Get("confidence")
	if conf.Type == gjson.String && !isNumeric(conf.Str) {
		return Opinion{}, fmt.Errorf("%w: confidence 不是数值: %q", ErrInvalidAdvisoryResponse, conf.Str)
	}

	op := Opinion{
		Decision:   scoring.Decision(strings.TrimSpace(parsed.Get("decision").String())),
		Confidence: conf.Float(),
		Reason:     strings.TrimSpace(parsed.Get("reason").String()),
	}
	if op.Reason == "" {
		op.Reason = "未提供理由"
	}
	if err := op.Validate(); err != nil {
		return Opinion{}, err
	}
	return op, nil
}

func extractJSON(content string) (string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("%w: 模型输出未找到有效JSON", ErrInvalidAdvisoryResponse)
	}
	return content[start : end+1], nil
}

func isNumeric(s string) bool {
	return gjson.Parse(strings.TrimSpace(s)).Type == gjson.Number
}
