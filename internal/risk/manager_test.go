package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-exec/internal/account"
	"smart-exec/internal/config"
)

var evalNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testPolicy(t *testing.T) Policy {
	t.Helper()
	p, err := NewPolicy(config.Default().Risk)
	require.NoError(t, err)
	return p
}

func freshInput(tier account.Tier, notional string) EvaluationInput {
	return EvaluationInput{
		Account: AccountSnapshot{
			ID:           "alice",
			KYCTier:      tier,
			LastActivity: evalNow.Add(-time.Minute),
		},
		Notional: decimal.RequireFromString(notional),
		History: History{
			DailyUsed:    decimal.Zero,
			TradeCount:   10,
			AverageTrade: decimal.NewFromInt(400),
		},
		Now: evalNow,
	}
}

func TestTierCeilingBoundary(t *testing.T) {
	p := testPolicy(t)

	cases := []struct {
		name     string
		tier     account.Tier
		notional string
		allow    bool
	}{
		{"tier0 at limit", account.Tier0, "500", true},
		{"tier0 one cent over", account.Tier0, "500.01", false},
		{"tier1 at limit", account.Tier1, "500", true},
		{"tier1 over", account.Tier1, "600", false},
		{"tier2 at limit", account.Tier2, "5000", true},
		{"tier2 over", account.Tier2, "5000.01", false},
		{"tier3 unlimited", account.Tier3, "1000000", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := p.Evaluate(freshInput(tc.tier, tc.notional))
			assert.Equal(t, tc.allow, v.Allow)
			if !tc.allow {
				assert.Equal(t, CodeTierLimitExceeded, v.Code)
			}
		})
	}
}

func TestDenialNamesTierAndCeiling(t *testing.T) {
	v := testPolicy(t).Evaluate(freshInput(account.Tier1, "600"))
	require.False(t, v.Allow)
	require.NotEmpty(t, v.Reasons)
	assert.Contains(t, v.Reasons[0], "tier 1")
	assert.Contains(t, v.Reasons[0], "$500.00")

	err := v.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTierLimitExceeded))
	var denial *Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, CodeTierLimitExceeded, denial.Code)
}

func TestDailyUsageCountsTowardCeiling(t *testing.T) {
	p := testPolicy(t)

	in := freshInput(account.Tier1, "100")
	in.History.DailyUsed = decimal.NewFromInt(400)
	assert.True(t, p.Evaluate(in).Allow)

	in.History.DailyUsed = decimal.RequireFromString("400.01")
	assert.False(t, p.Evaluate(in).Allow)
}

func TestNonPositiveNotionalIsDenied(t *testing.T) {
	p := testPolicy(t)
	for _, n := range []string{"0", "-5"} {
		v := p.Evaluate(freshInput(account.Tier3, n))
		assert.False(t, v.Allow)
		assert.Equal(t, CodeInvalidNotional, v.Code)
		assert.ErrorIs(t, v.Err(), ErrInvalidNotional)
	}
}

func TestRiskLevelRuleTable(t *testing.T) {
	p := testPolicy(t)

	low := freshInput(account.Tier2, "100")
	v := p.Evaluate(low)
	assert.Equal(t, account.RiskLow, v.RiskLevel)
	assert.Empty(t, v.Signals)

	one := freshInput(account.Tier1, "100")
	v = p.Evaluate(one)
	assert.Equal(t, account.RiskMedium, v.RiskLevel)
	require.Len(t, v.Signals, 1)
	assert.Contains(t, v.Signals[0], SignalKYCIncomplete)

	two := freshInput(account.Tier1, "100")
	two.Account.LastActivity = time.Time{}
	v = p.Evaluate(two)
	assert.Equal(t, account.RiskHigh, v.RiskLevel)

	three := freshInput(account.Tier1, "2000")
	three.Account.LastActivity = evalNow.Add(-2 * time.Hour)
	v = p.Evaluate(three)
	assert.Equal(t, account.RiskHigh, v.RiskLevel)
	assert.Len(t, v.Signals, 3)
}

func TestThresholdEqualityCountsAsNegative(t *testing.T) {
	p := testPolicy(t)

	// 平均 400，比例上限 5，2000 恰好等于阈值
	in := freshInput(account.Tier3, "2000")
	v := p.Evaluate(in)
	assert.Equal(t, account.RiskMedium, v.RiskLevel)
	assert.Contains(t, v.Signals[0], SignalSizeVsHistory)

	in = freshInput(account.Tier3, "1999.99")
	assert.Equal(t, account.RiskLow, p.Evaluate(in).RiskLevel)

	in = freshInput(account.Tier3, "100")
	in.Account.LastActivity = evalNow.Add(-30 * time.Minute)
	v = p.Evaluate(in)
	assert.Equal(t, account.RiskMedium, v.RiskLevel)
	assert.Contains(t, v.Signals[0], SignalStaleSession)

	in.Account.LastActivity = evalNow.Add(-30*time.Minute + time.Second)
	assert.Equal(t, account.RiskLow, p.Evaluate(in).RiskLevel)
}

func TestFirstTradeUsesAbsoluteThreshold(t *testing.T) {
	p := testPolicy(t)

	in := freshInput(account.Tier3, "999")
	in.History = History{}
	assert.Equal(t, account.RiskLow, p.Evaluate(in).RiskLevel)

	in.Notional = decimal.NewFromInt(1000)
	assert.Equal(t, account.RiskMedium, p.Evaluate(in).RiskLevel)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	p := testPolicy(t)
	in := freshInput(account.Tier1, "450")
	assert.Equal(t, p.Evaluate(in), p.Evaluate(in))
}

func TestNewPolicyRequiresFourTiers(t *testing.T) {
	cfg := config.Default().Risk
	cfg.TierDailyLimits = []float64{500}
	_, err := NewPolicy(cfg)
	require.Error(t, err)
}
