package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"smart-exec/internal/account"
	"smart-exec/internal/config"
)

// Policy 为纯函数式的额度与风险评分规则。
type Policy struct {
	ceilings        [4]decimal.Decimal
	unlimited       [4]bool
	completeTier    account.Tier
	maxRatio        decimal.Decimal
	firstTradeLimit decimal.Decimal
	sessionMaxAge   time.Duration
}

// NewPolicy 根据配置构建规则。
func NewPolicy(cfg config.RiskConfig) (Policy, error) {
	if len(cfg.TierDailyLimits) != 4 {
		return Policy{}, fmt.Errorf("risk: tier_daily_limits 需要 4 个等级，实际 %d", len(cfg.TierDailyLimits))
	}

	p := Policy{
		completeTier:    account.Tier(cfg.CompleteKYCTier),
		maxRatio:        decimal.NewFromFloat(cfg.MaxHistoryRatio),
		firstTradeLimit: decimal.NewFromFloat(cfg.FirstTradeThreshold),
		sessionMaxAge:   cfg.SessionMaxAge,
	}
	for i, limit := range cfg.TierDailyLimits {
		if limit < 0 {
			p.unlimited[i] = true
			continue
		}
		p.ceilings[i] = decimal.NewFromFloat(limit)
	}
	return p, nil
}

// Ceiling 返回等级的日额度，第二个返回值表示是否不设上限。
func (p Policy) Ceiling(tier account.Tier) (decimal.Decimal, bool) {
	if !tier.Valid() {
		return decimal.Zero, false
	}
	return p.ceilings[tier], p.unlimited[tier]
}

// Evaluate 根据账户快照与交易金额给出结论，不产生副作用。
func (p Policy) Evaluate(in EvaluationInput) Verdict {
	ceiling, unlimited := p.Ceiling(in.Account.KYCTier)
	v := Verdict{
		Allow:     true,
		Tier:      in.Account.KYCTier,
		Ceiling:   ceiling,
		Unlimited: unlimited,
		DailyUsed: in.History.DailyUsed,
	}

	v.Signals = p.signals(in)
	v.RiskLevel = levelFor(len(v.Signals))
	v.Reasons = append(v.Reasons, v.Signals...)

	if !in.Notional.IsPositive() {
		v.Allow = false
		v.Code = CodeInvalidNotional
		v.Reasons = append([]string{fmt.Sprintf("交易金额必须为正: %s", in.Notional.String())}, v.Reasons...)
		return v
	}

	if !in.Account.KYCTier.Valid() {
		v.Allow = false
		v.Code = CodeTierLimitExceeded
		v.Reasons = append([]string{fmt.Sprintf("KYC 等级 %d 无效", int(in.Account.KYCTier))}, v.Reasons...)
		return v
	}

	if !unlimited {
		total := in.History.DailyUsed.Add(in.Notional)
		if total.GreaterThan(ceiling) {
			v.Allow = false
			v.Code = CodeTierLimitExceeded
			v.Reasons = append([]string{fmt.Sprintf(
				"tier %d daily limit $%s exceeded: used $%s + requested $%s",
				int(in.Account.KYCTier), ceiling.StringFixed(2),
				in.History.DailyUsed.StringFixed(2), in.Notional.StringFixed(2),
			)}, v.Reasons...)
		}
	}

	return v
}

func (p Policy) signals(in EvaluationInput) []string {
	var out []string

	if in.Account.KYCTier < p.completeTier {
		out = append(out, fmt.Sprintf("%s: tier %d < %d", SignalKYCIncomplete, int(in.Account.KYCTier), int(p.completeTier)))
	}

	if in.History.TradeCount == 0 || !in.History.AverageTrade.IsPositive() {
		if in.Notional.GreaterThanOrEqual(p.firstTradeLimit) {
			out = append(out, fmt.Sprintf("%s: first trade $%s >= $%s",
				SignalSizeVsHistory, in.Notional.StringFixed(2), p.firstTradeLimit.StringFixed(2)))
		}
	} else {
		ratio := in.Notional.Div(in.History.AverageTrade)
		if ratio.GreaterThanOrEqual(p.maxRatio) {
			out = append(out, fmt.Sprintf("%s: %sx average $%s",
				SignalSizeVsHistory, ratio.StringFixed(2), in.History.AverageTrade.StringFixed(2)))
		}
	}

	maxAge := p.sessionMaxAge
	switch {
	case in.Account.LastActivity.IsZero():
		out = append(out, fmt.Sprintf("%s: no recorded activity", SignalStaleSession))
	case in.Now.Sub(in.Account.LastActivity) >= maxAge:
		out = append(out, fmt.Sprintf("%s: idle %s >= %s",
			SignalStaleSession, in.Now.Sub(in.Account.LastActivity).Truncate(time.Second), maxAge))
	}

	return out
}

func levelFor(negative int) account.RiskLevel {
	switch {
	case negative <= 0:
		return account.RiskLow
	case negative == 1:
		return account.RiskMedium
	default:
		return account.RiskHigh
	}
}
