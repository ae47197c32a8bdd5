package ai

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxActionLength = 280

// WarningContext 描述需要给出处置建议的安全提示。
type WarningContext struct {
	AccountID string   `json:"account_id"`
	Severity  string   `json:"severity"`
	Message   string   `json:"message"`
	Reasons   []string `json:"reasons"`
	KYCTier   int      `json:"kyc_tier"`
}

// Advice 为模型返回的建议。
type Advice struct {
	SuggestedAction string `json:"suggested_action"`
	Urgency         string `json:"urgency"`
}

var validUrgency = map[string]struct{}{
	"LOW":    {},
	"MEDIUM": {},
	"HIGH":   {},
}

// Validate 校验建议字段合法性。
func (a Advice) Validate() error {
	action := strings.TrimSpace(a.SuggestedAction)
	if action == "" {
		return errors.New("ai: suggested_action 不能为空")
	}
	if utf8.RuneCountInString(action) > maxActionLength {
		return fmt.Errorf("ai: suggested_action 超过 %d 个字符", maxActionLength)
	}
	if a.Urgency != "" {
		if _, ok := validUrgency[strings.ToUpper(a.Urgency)]; !ok {
			return fmt.Errorf("ai: urgency 字段取值非法: %s", a.Urgency)
		}
	}
	return nil
}
