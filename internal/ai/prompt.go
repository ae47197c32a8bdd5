package ai

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const adviceTemplate = `
你是一名加密资产交易平台的风控助理。系统刚刚为一位用户生成了安全提示，请给出一句简短、可执行的处置建议。

提示信息：
- 严重程度: {{ .Severity }}
- KYC 等级: {{ .KYCTier }}
- 提示内容: {{ .Message }}
- 触发原因:
{{- range .Reasons }}
  - {{ . }}
{{- end }}

要求：
1. 建议面向终端用户，不超过 80 个字；
2. 不得建议绕过额度或风控规则；
3. 若原因涉及 KYC，不完整时优先建议完成认证。

请严格输出唯一的 JSON 对象：
{"suggested_action": "...", "urgency": "LOW|MEDIUM|HIGH"}
`

var tmpl = template.Must(template.New("advice").Parse(adviceTemplate))

// BuildPrompt 将安全提示渲染成提示词字符串。
func BuildPrompt(w WarningContext) (string, error) {
	if strings.TrimSpace(w.Message) == "" {
		return "", fmt.Errorf("ai: 提示内容不能为空")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, w); err != nil {
		return "", fmt.Errorf("ai: 渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}
