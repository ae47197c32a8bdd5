package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-exec/internal/account"
	"smart-exec/internal/events"
	"smart-exec/internal/kyc"
	"smart-exec/internal/metrics"
	"smart-exec/internal/store"
	"smart-exec/internal/warning"
)

type failingKYC struct{}

func (failingKYC) Tier(context.Context, string) (account.Tier, error) {
	return 0, errors.New("upstream down")
}

type gateFixture struct {
	gate     *Gate
	accounts *account.Service
	tracker  *VolumeTracker
	board    *warning.Board
	kyc      *kyc.StaticProvider
}

func newGateFixture(t *testing.T, provider kyc.Provider) gateFixture {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	accounts, err := account.NewService(st, nil)
	require.NoError(t, err)
	tracker, err := NewVolumeTracker(st, 0, nil)
	require.NoError(t, err)
	bus := events.NewBus(16, nil)
	t.Cleanup(bus.Close)
	board, err := warning.NewBoard(st, bus, nil, nil)
	require.NoError(t, err)

	static := kyc.NewStaticProvider(nil)
	if provider == nil {
		provider = static
	}

	gate, err := NewGate(GateOptions{
		Policy:   testPolicy(t),
		Accounts: accounts,
		KYC:      provider,
		Tracker:  tracker,
		Warnings: board,
		Bus:      bus,
		Metrics:  metrics.NewCollector(),
	})
	require.NoError(t, err)

	return gateFixture{gate: gate, accounts: accounts, tracker: tracker, board: board, kyc: static}
}

func TestGateDeniesOverTierCeiling(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	_, err := f.accounts.Create(ctx, "alice", account.CustodySelf)
	require.NoError(t, err)
	f.kyc.Set("alice", account.Tier1)

	d, err := f.gate.Check(ctx, "alice", decimal.NewFromInt(600), evalNow)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, CodeTierLimitExceeded, d.Code)
	assert.Equal(t, account.Tier1, d.Account.KYCTier)

	activity, err := f.tracker.Activity(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, "denied", activity[0].EventType)
}

func TestGateUpgradesTierFromProvider(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	_, err := f.accounts.Create(ctx, "alice", account.CustodySelf)
	require.NoError(t, err)
	f.kyc.Set("alice", account.Tier2)

	d, err := f.gate.Check(ctx, "alice", decimal.NewFromInt(4000), evalNow)
	require.NoError(t, err)
	assert.True(t, d.Allow)

	stored, err := f.accounts.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, account.Tier2, stored.KYCTier)
	assert.True(t, evalNow.Equal(stored.LastActivity))
}

func TestGateFallsBackToStoredTier(t *testing.T) {
	f := newGateFixture(t, failingKYC{})
	ctx := context.Background()
	_, err := f.accounts.Create(ctx, "alice", account.CustodySelf)
	require.NoError(t, err)
	_, err = f.accounts.ApplyKYCTier(ctx, "alice", account.Tier2)
	require.NoError(t, err)

	d, err := f.gate.Check(ctx, "alice", decimal.NewFromInt(100), evalNow)
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Contains(t, d.Reasons, "kyc_unavailable: using stored tier 2")
}

func TestGateRaisesAndResolvesWarnings(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	_, err := f.accounts.Create(ctx, "alice", account.CustodySelf)
	require.NoError(t, err)
	f.kyc.Set("alice", account.Tier2)

	// 新账户没有会话记录，风险为 medium
	d, err := f.gate.Check(ctx, "alice", decimal.NewFromInt(100), evalNow)
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, account.RiskMedium, d.RiskLevel)
	require.NotNil(t, d.Warning)
	assert.Equal(t, warning.SeverityMedium, d.Warning.Severity)

	stored, err := f.accounts.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, account.RiskMedium, stored.RiskLevel)

	// 上次检查刷新了会话，第二次评估为 low 并解除提示
	d, err = f.gate.Check(ctx, "alice", decimal.NewFromInt(100), evalNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, account.RiskLow, d.RiskLevel)
	assert.Nil(t, d.Warning)

	active, err := f.board.Active(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestGateAccrueFeedsDailyUsage(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	_, err := f.accounts.Create(ctx, "alice", account.CustodySelf)
	require.NoError(t, err)

	require.NoError(t, f.gate.Accrue(ctx, "alice", evalNow, decimal.NewFromInt(450)))

	d, err := f.gate.Check(ctx, "alice", decimal.NewFromInt(60), evalNow)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.True(t, d.DailyUsed.Equal(decimal.NewFromInt(450)))
}

func TestGateRecordTradeFeedsHistoryOnly(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	_, err := f.accounts.Create(ctx, "alice", account.CustodySelf)
	require.NoError(t, err)
	f.kyc.Set("alice", account.Tier3)

	// 一笔 2000 的执行拆成 4 笔广播
	for i := 0; i < 4; i++ {
		require.NoError(t, f.gate.Accrue(ctx, "alice", evalNow, decimal.NewFromInt(500)))
	}
	require.NoError(t, f.gate.RecordTrade(ctx, "alice", decimal.NewFromInt(2000)))
	require.NoError(t, f.gate.RecordTrade(ctx, "alice", decimal.Zero))

	h, err := f.tracker.History(ctx, "alice", evalNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.TradeCount)
	assert.True(t, h.AverageTrade.Equal(decimal.NewFromInt(2000)))
	assert.True(t, h.DailyUsed.Equal(decimal.NewFromInt(2000)))
}

func TestGateUnknownAccount(t *testing.T) {
	f := newGateFixture(t, nil)
	_, err := f.gate.Check(context.Background(), "ghost", decimal.NewFromInt(1), evalNow)
	require.ErrorIs(t, err, account.ErrNotFound)
}

func TestNewGateRequiresDependencies(t *testing.T) {
	_, err := NewGate(GateOptions{Policy: Policy{}})
	require.Error(t, err)
}
