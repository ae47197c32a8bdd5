package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"smart-exec/internal/account"
)

// 拒绝原因代码。
const (
	CodeTierLimitExceeded = "TIER_LIMIT_EXCEEDED"
	CodeInvalidNotional   = "INVALID_NOTIONAL"
)

// 风险信号标识。
const (
	SignalKYCIncomplete = "kyc_incomplete"
	SignalSizeVsHistory = "size_vs_history"
	SignalStaleSession  = "stale_session"
)

var (
	ErrTierLimitExceeded = errors.New(CodeTierLimitExceeded)
	ErrInvalidNotional   = errors.New(CodeInvalidNotional)
)

// AccountSnapshot 为评估时账户的只读快照。
type AccountSnapshot struct {
	ID           string
	KYCTier      account.Tier
	LastActivity time.Time
}

// History 为账户交易历史摘要。
type History struct {
	DailyUsed    decimal.Decimal
	TradeCount   int64
	AverageTrade decimal.Decimal
}

// EvaluationInput 为风险评估输入。
type EvaluationInput struct {
	Account  AccountSnapshot
	Notional decimal.Decimal
	History  History
	Now      time.Time
}

// Verdict 为风险评估输出，仅 Allow 决定是否放行。
type Verdict struct {
	Allow     bool
	Code      string
	RiskLevel account.RiskLevel
	Reasons   []string
	Signals   []string
	Tier      account.Tier
	Ceiling   decimal.Decimal
	Unlimited bool
	DailyUsed decimal.Decimal
}

// Err 在拒绝时返回 *Denial，放行时返回 nil。
func (v Verdict) Err() error {
	if v.Allow {
		return nil
	}
	return &Denial{Code: v.Code, Reasons: append([]string(nil), v.Reasons...)}
}

// Denial 为风控拒绝错误，可用 errors.Is 匹配代码哨兵。
type Denial struct {
	Code    string
	Reasons []string
}

func (d *Denial) Error() string {
	if len(d.Reasons) == 0 {
		return fmt.Sprintf("risk: %s", d.Code)
	}
	return fmt.Sprintf("risk: %s: %s", d.Code, strings.Join(d.Reasons, "; "))
}

// Is 支持 errors.Is(err, ErrTierLimitExceeded) 形式的匹配。
func (d *Denial) Is(target error) bool {
	return target != nil && target.Error() == d.Code
}
