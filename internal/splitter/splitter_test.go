package splitter

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-exec/internal/config"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestSplitter(t *testing.T) *Splitter {
	t.Helper()
	s, err := New(config.SplitterConfig{
		SmallOrderThreshold: 1000,
		SlippageBudget:      0.005,
		MaxChildren:         20,
		ChildInterval:       time.Second,
		VolatilityWeight:    10,
	})
	require.NoError(t, err)
	return s
}

func market() MarketContext {
	return MarketContext{
		Token:      "eth",
		PriceUSD:   d("2500"),
		DepthUSD:   d("250000"),
		Volatility: d("0.01"),
		Recipient:  "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	}
}

func sum(p Plan) decimal.Decimal {
	total := decimal.Zero
	for _, c := range p.Children {
		total = total.Add(c.AmountUSD)
	}
	return total
}

func TestSmallOrderIsSingleChild(t *testing.T) {
	s := newTestSplitter(t)
	for _, n := range []string{"0.01", "250", "1000"} {
		p, err := s.Plan(d(n), market())
		require.NoError(t, err)
		require.Len(t, p.Children, 1)
		assert.True(t, p.Children[0].AmountUSD.Equal(d(n)))
		assert.Zero(t, p.Children[0].Delay)
		require.NoError(t, Validate(p))
	}
}

func TestLargeOrderSplitsUnderBudget(t *testing.T) {
	s := newTestSplitter(t)

	p, err := s.Plan(d("10000"), market())
	require.NoError(t, err)
	require.Len(t, p.Children, 9)
	assert.True(t, p.ImpactWithinBudget)
	assert.True(t, sum(p).Equal(d("10000")))

	for i, c := range p.Children[:8] {
		assert.True(t, c.AmountUSD.Equal(d("1111.11")), "child %d", i)
	}
	assert.True(t, p.Children[8].AmountUSD.Equal(d("1111.12")))
	assert.True(t, p.Children[1].TokenAmount.Equal(d("1111.11").DivRound(d("2500"), 18)))
	assert.Equal(t, time.Second, p.Children[1].Delay)
	assert.Equal(t, "ETH", p.Children[0].Token)
	assert.Equal(t, market().Recipient, p.Children[3].Recipient)
	require.NoError(t, Validate(p))
}

func TestJustAboveThresholdSplitsInTwo(t *testing.T) {
	s := newTestSplitter(t)
	p, err := s.Plan(d("1000.01"), market())
	require.NoError(t, err)
	require.Len(t, p.Children, 2)
	assert.True(t, sum(p).Equal(d("1000.01")))
}

func TestThinBookCapsChildren(t *testing.T) {
	s := newTestSplitter(t)
	mc := market()
	mc.DepthUSD = d("1000")

	p, err := s.Plan(d("50000"), mc)
	require.NoError(t, err)
	assert.Len(t, p.Children, 20)
	assert.False(t, p.ImpactWithinBudget)
	assert.True(t, sum(p).Equal(d("50000")))

	mc.DepthUSD = decimal.Zero
	p, err = s.Plan(d("5000"), mc)
	require.NoError(t, err)
	assert.Len(t, p.Children, 20)
	assert.False(t, p.ImpactWithinBudget)
}

func TestHigherVolatilityMeansMoreChildren(t *testing.T) {
	s := newTestSplitter(t)
	calm, err := s.Plan(d("10000"), market())
	require.NoError(t, err)

	mc := market()
	mc.Volatility = d("0.1")
	wild, err := s.Plan(d("10000"), mc)
	require.NoError(t, err)

	assert.Greater(t, wild.Len(), calm.Len())
}

func TestSumAndPositivityAcrossAmounts(t *testing.T) {
	s := newTestSplitter(t)
	mc := market()
	mc.DepthUSD = d("3000")

	for _, n := range []string{"1000.03", "1234.56", "9999.99", "10000", "77777.77", "1000000"} {
		p, err := s.Plan(d(n), mc)
		require.NoError(t, err, n)
		assert.True(t, sum(p).Equal(d(n)), n)
		for _, c := range p.Children {
			assert.True(t, c.AmountUSD.IsPositive(), n)
		}
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	s := newTestSplitter(t)
	a, err := s.Plan(d("12345.67"), market())
	require.NoError(t, err)
	b, err := s.Plan(d("12345.67"), market())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPlanRejectsBadInput(t *testing.T) {
	s := newTestSplitter(t)

	_, err := s.Plan(decimal.Zero, market())
	require.ErrorIs(t, err, ErrInvalidNotional)

	mc := market()
	mc.PriceUSD = decimal.Zero
	_, err = s.Plan(d("100"), mc)
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestValidateDetectsDefects(t *testing.T) {
	require.ErrorIs(t, Validate(Plan{NotionalUSD: d("10")}), ErrInvalidPlan)

	bad := Plan{
		NotionalUSD: d("10"),
		Children: []ChildOrder{
			{Index: 0, AmountUSD: d("10")},
			{Index: 1, AmountUSD: decimal.Zero},
		},
	}
	require.ErrorIs(t, Validate(bad), ErrInvalidPlan)

	mismatch := Plan{NotionalUSD: d("10"), Children: []ChildOrder{{Index: 0, AmountUSD: d("9.99")}}}
	require.ErrorIs(t, Validate(mismatch), ErrInvalidPlan)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(config.SplitterConfig{SmallOrderThreshold: 1000, SlippageBudget: 0.005, MaxChildren: 1})
	require.Error(t, err)
}
