package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"smart-exec/internal/account"
	"smart-exec/internal/events"
	"smart-exec/internal/kyc"
	"smart-exec/internal/metrics"
	"smart-exec/internal/warning"
)

// AccountStore 为风控所需的账户读写能力。
type AccountStore interface {
	Get(ctx context.Context, id string) (account.Account, error)
	ApplyKYCTier(ctx context.Context, id string, tier account.Tier) (account.Account, error)
	SetRiskLevel(ctx context.Context, id string, level account.RiskLevel) error
	Touch(ctx context.Context, id string, ts time.Time) error
}

// WarningSink 接收风险提示。
type WarningSink interface {
	Raise(ctx context.Context, req warning.RaiseRequest) (warning.Warning, error)
	Resolve(ctx context.Context, accountID, code string) (bool, error)
}

// Decision 为风控闸门的完整结果。
type Decision struct {
	Verdict
	Account account.Account
	Warning *warning.Warning
}

// GateOptions 为闸门依赖。
type GateOptions struct {
	Policy     Policy
	Accounts   AccountStore
	KYC        kyc.Provider
	Tracker    *VolumeTracker
	Warnings   WarningSink
	Bus        *events.Bus
	Metrics    *metrics.Collector
	KYCTimeout time.Duration
	Logger     *zap.Logger
}

// Gate 在交易前串联 KYC 查询、额度统计、风险评分与提示。
type Gate struct {
	policy     Policy
	accounts   AccountStore
	kyc        kyc.Provider
	tracker    *VolumeTracker
	warnings   WarningSink
	bus        *events.Bus
	metrics    *metrics.Collector
	kycTimeout time.Duration
	logger     *zap.Logger
}

// NewGate 创建风控闸门。
func NewGate(opts GateOptions) (*Gate, error) {
	if opts.Accounts == nil {
		return nil, errors.New("risk: accounts 不能为空")
	}
	if opts.Tracker == nil {
		return nil, errors.New("risk: tracker 不能为空")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.KYCTimeout <= 0 {
		opts.KYCTimeout = 3 * time.Second
	}

	return &Gate{
		policy:     opts.Policy,
		accounts:   opts.Accounts,
		kyc:        opts.KYC,
		tracker:    opts.Tracker,
		warnings:   opts.Warnings,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		kycTimeout: opts.KYCTimeout,
		logger:     opts.Logger,
	}, nil
}

// Policy 返回闸门使用的规则。
func (g *Gate) Policy() Policy {
	return g.policy
}

// Check 评估账户在 now 时刻发起 notional 交易是否放行。
// 返回的 error 仅表示基础设施故障，风控拒绝体现在 Decision.Allow。
func (g *Gate) Check(ctx context.Context, accountID string, notional decimal.Decimal, now time.Time) (Decision, error) {
	acct, err := g.accounts.Get(ctx, accountID)
	if err != nil {
		return Decision{}, fmt.Errorf("risk: 读取账户失败: %w", err)
	}

	var notes []string
	acct, notes = g.refreshTier(ctx, acct)

	history, err := g.tracker.History(ctx, accountID, now)
	if err != nil {
		return Decision{}, err
	}

	verdict := g.policy.Evaluate(EvaluationInput{
		Account: AccountSnapshot{
			ID:           acct.ID,
			KYCTier:      acct.KYCTier,
			LastActivity: acct.LastActivity,
		},
		Notional: notional,
		History:  history,
		Now:      now,
	})
	verdict.Reasons = append(verdict.Reasons, notes...)

	decision := Decision{Verdict: verdict, Account: acct}

	if verdict.RiskLevel != acct.RiskLevel {
		if err := g.accounts.SetRiskLevel(ctx, accountID, verdict.RiskLevel); err != nil {
			g.logger.Warn("写回风险等级失败", zap.String("account_id", accountID), zap.Error(err))
		} else {
			decision.Account.RiskLevel = verdict.RiskLevel
		}
	}
	if err := g.accounts.Touch(ctx, accountID, now); err != nil {
		g.logger.Warn("记录会话活动失败", zap.String("account_id", accountID), zap.Error(err))
	}

	decision.Warning = g.syncWarning(ctx, decision)

	g.metrics.RiskVerdict(verdict.Allow, string(verdict.RiskLevel))

	if !verdict.Allow {
		g.logger.Warn("风控拒绝交易",
			zap.String("account_id", accountID),
			zap.String("code", verdict.Code),
			zap.String("notional", notional.StringFixed(2)),
			zap.Strings("reasons", verdict.Reasons),
		)
		if err := g.tracker.LogEvent(ctx, accountID, "denied", verdict.Code, strings.Join(verdict.Reasons, "; "), now); err != nil {
			g.logger.Warn("记录风控拒绝日志失败", zap.Error(err))
		}
		g.bus.Publish(events.Event{
			Type:      events.TypeRiskDenied,
			AccountID: accountID,
			SubjectID: accountID,
			Payload: map[string]any{
				"code":     verdict.Code,
				"notional": notional.StringFixed(2),
				"reasons":  verdict.Reasons,
			},
		})
	} else {
		g.logger.Info("风控放行",
			zap.String("account_id", accountID),
			zap.String("risk_level", string(verdict.RiskLevel)),
			zap.String("notional", notional.StringFixed(2)),
		)
	}

	return decision, nil
}

// Accrue 在子订单广播后计入当日额度，之后确认与否不回退。
func (g *Gate) Accrue(ctx context.Context, accountID string, ts time.Time, notional decimal.Decimal) error {
	if !notional.IsPositive() {
		return nil
	}
	_, err := g.tracker.Record(ctx, accountID, ts, notional)
	return err
}

// RecordTrade 在一次执行结束后按成交总额记一笔交易历史。
func (g *Gate) RecordTrade(ctx context.Context, accountID string, total decimal.Decimal) error {
	if !total.IsPositive() {
		return nil
	}
	_, err := g.tracker.RecordTrade(ctx, accountID, total)
	return err
}

func (g *Gate) refreshTier(ctx context.Context, acct account.Account) (account.Account, []string) {
	if g.kyc == nil {
		return acct, nil
	}

	kctx, cancel := context.WithTimeout(ctx, g.kycTimeout)
	defer cancel()

	tier, err := g.kyc.Tier(kctx, acct.ID)
	if err != nil {
		g.logger.Warn("KYC 查询失败，使用已保存等级",
			zap.String("account_id", acct.ID),
			zap.Int("stored_tier", int(acct.KYCTier)),
			zap.Error(err),
		)
		return acct, []string{fmt.Sprintf("kyc_unavailable: using stored tier %d", int(acct.KYCTier))}
	}

	if tier <= acct.KYCTier {
		return acct, nil
	}

	updated, err := g.accounts.ApplyKYCTier(ctx, acct.ID, tier)
	if err != nil {
		g.logger.Warn("应用 KYC 等级失败", zap.String("account_id", acct.ID), zap.Error(err))
		return acct, nil
	}
	return updated, nil
}

func (g *Gate) syncWarning(ctx context.Context, d Decision) *warning.Warning {
	if g.warnings == nil {
		return nil
	}

	if d.RiskLevel == account.RiskLow {
		if _, err := g.warnings.Resolve(ctx, d.Account.ID, warning.CodeRiskElevated); err != nil {
			g.logger.Warn("解除安全提示失败", zap.String("account_id", d.Account.ID), zap.Error(err))
		}
		return nil
	}

	w, err := g.warnings.Raise(ctx, warning.RaiseRequest{
		AccountID: d.Account.ID,
		Code:      warning.CodeRiskElevated,
		Severity:  warning.Severity(d.RiskLevel),
		Message:   fmt.Sprintf("账户风险等级为 %s", d.RiskLevel),
		Reasons:   d.Signals,
		KYCTier:   int(d.Account.KYCTier),
	})
	if err != nil {
		g.logger.Warn("生成安全提示失败", zap.String("account_id", d.Account.ID), zap.Error(err))
		return nil
	}
	return &w
}
