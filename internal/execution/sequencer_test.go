package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-exec/internal/account"
	"smart-exec/internal/chain"
	"smart-exec/internal/config"
	"smart-exec/internal/events"
	"smart-exec/internal/kyc"
	"smart-exec/internal/loan"
	"smart-exec/internal/metrics"
	"smart-exec/internal/quote"
	"smart-exec/internal/risk"
	"smart-exec/internal/splitter"
	"smart-exec/internal/store"
	"smart-exec/internal/warning"
)

const (
	aliceWallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	vaultAddr   = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeSigner 按调用序号返回确定的哈希，可注入失败或阻塞。
type fakeSigner struct {
	mu        sync.Mutex
	submitted []splitter.ChildOrder

	failSubmitAt int
	confirmErr   error
	blockSubmit  chan struct{}
	blockConfirm bool
	entered      chan struct{}
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{entered: make(chan struct{}, 64)}
}

func (s *fakeSigner) Submit(ctx context.Context, order splitter.ChildOrder) (string, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	if s.blockSubmit != nil {
		select {
		case <-s.blockSubmit:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.submitted) + 1
	if s.failSubmitAt == n {
		return "", errors.New("nonce too low")
	}
	s.submitted = append(s.submitted, order)
	return fmt.Sprintf("0x%064x", n), nil
}

func (s *fakeSigner) WaitForConfirmation(ctx context.Context, _ string, _ time.Duration) error {
	if s.blockConfirm {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return s.confirmErr
}

func (s *fakeSigner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

type fixture struct {
	seq      *Sequencer
	opts     Options
	store    *store.Store
	gate     *risk.Gate
	tracker  *risk.VolumeTracker
	signer   *fakeSigner
	accounts *account.Service
	kyc      *kyc.StaticProvider
	repo     *Repository
	bus      *events.Bus
	loans    *loan.Engine
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	cfg := config.Default()

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(64, nil)
	t.Cleanup(bus.Close)
	m := metrics.NewCollector()

	accounts, err := account.NewService(st, nil)
	require.NoError(t, err)
	tracker, err := risk.NewVolumeTracker(st, 0, nil)
	require.NoError(t, err)
	board, err := warning.NewBoard(st, bus, nil, nil)
	require.NoError(t, err)
	policy, err := risk.NewPolicy(cfg.Risk)
	require.NoError(t, err)
	provider := kyc.NewStaticProvider(nil)

	gate, err := risk.NewGate(risk.GateOptions{
		Policy:   policy,
		Accounts: accounts,
		KYC:      provider,
		Tracker:  tracker,
		Warnings: board,
		Bus:      bus,
		Metrics:  m,
	})
	require.NoError(t, err)

	sp, err := splitter.New(cfg.Splitter)
	require.NoError(t, err)
	loans, err := loan.NewEngine(st, cfg.Loan.LTVCeilings, bus, m, nil)
	require.NoError(t, err)
	repo, err := NewRepository(st)
	require.NoError(t, err)

	signer := newFakeSigner()
	opts := Options{
		Gate:           gate,
		Quotes:         quote.NewStaticGateway(cfg.Quote),
		Splitter:       sp,
		Signer:         signer,
		Loans:          loans,
		Repo:           repo,
		Bus:            bus,
		Metrics:        m,
		ConfirmTimeout: time.Second,
		VaultAddress:   vaultAddr,
	}
	if mutate != nil {
		mutate(&opts)
	}
	seq, err := NewSequencer(opts)
	require.NoError(t, err)

	return &fixture{
		seq:      seq,
		opts:     opts,
		store:    st,
		gate:     gate,
		tracker:  tracker,
		signer:   signer,
		accounts: accounts,
		kyc:      provider,
		repo:     repo,
		bus:      bus,
		loans:    loans,
	}
}

func (f *fixture) account(t *testing.T, id string, tier account.Tier, custody account.Custody, wallet string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.accounts.Create(ctx, id, custody)
	require.NoError(t, err)
	if wallet != "" {
		_, err = f.accounts.ConnectWallet(ctx, id, wallet)
		require.NoError(t, err)
	}
	f.kyc.Set(id, tier)
}

func waitEntered(t *testing.T, s *fakeSigner) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("signer was never called")
	}
}

func TestExecuteSplitsLargeOrderAndConfirmsAll(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)

	rep, err := f.seq.Execute(context.Background(), Request{AccountID: "alice", Token: "eth", NotionalUSD: d("10000")})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Empty(t, rep.Code)
	require.Len(t, rep.Steps, 9)
	assert.Len(t, rep.Succeeded, 9)
	assert.Nil(t, rep.Failed)
	assert.Len(t, rep.TxHashes, 9)
	assert.True(t, rep.ConfirmedUSD().Equal(d("10000")))
	assert.Equal(t, aliceWallet, rep.Recipient)
	assert.Equal(t, 9, f.signer.count())
	for i, st := range rep.Steps {
		assert.Equal(t, i, st.Index)
		assert.Equal(t, StepConfirmed, st.Status)
		assert.Equal(t, "ETH", st.Token)
	}

	for i, e := range rep.Entries {
		assert.Equal(t, i+1, e.Seq)
	}

	stored, err := f.seq.Get(context.Background(), rep.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	assert.Equal(t, rep.TxHashes, stored.TxHashes)
	assert.Len(t, stored.Entries, len(rep.Entries))
}

func TestExecuteStopsAtFirstSubmissionFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
	f.signer.failSubmitAt = 3

	rep, err := f.seq.Execute(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("10000")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmissionFailed)

	assert.Equal(t, StatePartiallyFailed, rep.State)
	assert.Equal(t, CodeSubmissionFailed, rep.Code)
	assert.Len(t, rep.TxHashes, 2)
	assert.Len(t, rep.Succeeded, 2)
	require.NotNil(t, rep.Failed)
	assert.Equal(t, 2, rep.Failed.Index)
	assert.Equal(t, StepFailed, rep.Failed.Status)
	for _, st := range rep.Steps[3:] {
		assert.Equal(t, StepPlanned, st.Status)
	}
	// 失败后不再提交
	assert.Equal(t, 2, f.signer.count())
	assert.ErrorIs(t, rep.Err(), ErrSubmissionFailed)
}

func TestExecuteRejectsOverTierCeiling(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "bob", account.Tier1, account.CustodySelf, aliceWallet)

	rep, err := f.seq.Execute(context.Background(), Request{AccountID: "bob", Token: "ETH", NotionalUSD: d("600")})
	require.Error(t, err)
	assert.ErrorIs(t, err, risk.ErrTierLimitExceeded)
	assert.Equal(t, StateRejected, rep.State)
	assert.Equal(t, risk.CodeTierLimitExceeded, rep.Code)
	assert.Empty(t, rep.Steps)
	assert.Empty(t, rep.TxHashes)
	assert.Zero(t, f.signer.count())

	last := rep.Entries[len(rep.Entries)-1]
	assert.Equal(t, EntryRejected, last.Kind)
}

func TestExecuteValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
	f.account(t, "nowallet", account.Tier3, account.CustodySelf, "")

	cases := []struct {
		name string
		req  Request
		code string
	}{
		{"non-positive notional", Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("0")}, CodeInvalidNotional},
		{"missing token", Request{AccountID: "alice", NotionalUSD: d("10")}, CodeInvalidRequest},
		{"missing account id", Request{Token: "ETH", NotionalUSD: d("10")}, CodeInvalidRequest},
		{"unknown account", Request{AccountID: "ghost", Token: "ETH", NotionalUSD: d("10")}, CodeAccountNotFound},
		{"unknown token", Request{AccountID: "alice", Token: "DOGE", NotionalUSD: d("10")}, CodeQuoteUnavailable},
		{"no recipient", Request{AccountID: "nowallet", Token: "ETH", NotionalUSD: d("10")}, CodeMissingRecipient},
		{"bad recipient", Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("10"), Recipient: "0x1234"}, CodeInvalidRecipient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep, err := f.seq.Execute(context.Background(), tc.req)
			require.Error(t, err)
			var rej *Rejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tc.code, rej.Code)
			assert.Equal(t, StateRejected, rep.State)
		})
	}
	assert.Zero(t, f.signer.count())
}

func TestRecipientResolution(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "vaulted", account.Tier3, account.CustodyVault, "")
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)

	rep, err := f.seq.Execute(context.Background(), Request{AccountID: "vaulted", Token: "ETH", NotionalUSD: d("50")})
	require.NoError(t, err)
	assert.Equal(t, vaultAddr, rep.Recipient)

	explicit := "0xdbf03b407c01e7cd3cbea99509d93f8dddc8c6fb"
	rep, err = f.seq.Execute(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("50"), Recipient: explicit})
	require.NoError(t, err)
	assert.Equal(t, "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB", rep.Recipient)
	assert.Equal(t, rep.Recipient, rep.Steps[0].Recipient)
}

func TestSecondExecutionRejectedWhileActive(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
	f.account(t, "carol", account.Tier3, account.CustodySelf, aliceWallet)
	release := make(chan struct{})
	f.signer.blockSubmit = release

	run, err := f.seq.Start(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
	require.NoError(t, err)
	waitEntered(t, f.signer)
	assert.Equal(t, StateSubmitting, run.State())

	_, err = f.seq.Execute(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionInProgress)

	// 其他账户不受影响
	other, err := f.seq.Start(context.Background(), Request{AccountID: "carol", Token: "ETH", NotionalUSD: d("100")})
	require.NoError(t, err)

	close(release)
	rep, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	_, err = other.Wait(context.Background())
	require.NoError(t, err)

	// 结束后锁已释放
	rep, err = f.seq.Execute(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
}

func TestCancelLeavesSubmittedOrderUnresolved(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
	f.signer.blockConfirm = true

	run, err := f.seq.Start(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
	require.NoError(t, err)
	waitEntered(t, f.signer) // submit
	waitEntered(t, f.signer) // confirm

	run.Cancel()
	rep, err := run.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatePartiallyFailed, rep.State)
	assert.Len(t, rep.TxHashes, 1)
	assert.Equal(t, StepSubmitted, rep.Steps[0].Status)
	assert.Nil(t, rep.Failed)

	// 已广播的子订单计入当日额度
	usage, err := f.tracker.Usage(context.Background(), "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, usage.Used.Equal(d("100")))
}

func TestExecuteHonoursCallerCancellation(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
	f.signer.blockSubmit = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.signer.entered
		cancel()
	}()
	rep, err := f.seq.Execute(ctx, Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, CodeCancelled, rep.Code)
	assert.Empty(t, rep.TxHashes)
}

func TestConfirmationFailures(t *testing.T) {
	t.Run("signer timeout", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
		f.signer.confirmErr = fmt.Errorf("%w: 0xabc", chain.ErrConfirmationTimeout)

		rep, err := f.seq.Execute(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
		assert.ErrorIs(t, err, ErrConfirmationTimeout)
		assert.Equal(t, StatePartiallyFailed, rep.State)
		assert.Len(t, rep.TxHashes, 1)
		require.NotNil(t, rep.Failed)
		assert.Equal(t, rep.TxHashes[0], rep.Failed.TxHash)
	})

	t.Run("deadline enforced", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.ConfirmTimeout = 30 * time.Millisecond })
		f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
		f.signer.blockConfirm = true

		rep, err := f.seq.Execute(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
		assert.ErrorIs(t, err, ErrConfirmationTimeout)
		assert.Equal(t, CodeConfirmationTimeout, rep.Code)
	})

	t.Run("reverted", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
		f.signer.confirmErr = chain.ErrReverted

		rep, err := f.seq.Execute(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
		assert.ErrorIs(t, err, ErrConfirmationFailed)
		assert.Equal(t, StepFailed, rep.Steps[0].Status)
	})
}

func TestExecuteWithLoanLeg(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
	ctx := context.Background()

	rep, err := f.seq.Execute(ctx, Request{
		AccountID:   "alice",
		Token:       "ETH",
		NotionalUSD: d("500"),
		Loan: &LoanLeg{
			PrincipalUSD: d("1000"),
			Collateral:   []loan.CollateralInput{{Symbol: "eth", Amount: d("1")}},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rep.LoanID)

	pos, err := f.loans.Get(ctx, rep.LoanID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusOpen, pos.Status)
	assert.True(t, pos.CollateralUSD.Equal(d("3000")))
	assert.True(t, pos.LTVCeiling.Equal(d("0.7")))

	rep, err = f.seq.Execute(ctx, Request{
		AccountID:   "alice",
		Token:       "ETH",
		NotionalUSD: d("500"),
		Loan: &LoanLeg{
			PrincipalUSD: d("2500"),
			Collateral:   []loan.CollateralInput{{Symbol: "ETH", Amount: d("1")}},
		},
	})
	assert.ErrorIs(t, err, loan.ErrExceedsLTV)
	assert.Equal(t, StateRejected, rep.State)
	assert.Empty(t, rep.LoanID)
	assert.Equal(t, 1, f.signer.count())
}

func TestExecuteBasket(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)

	rep, err := f.seq.ExecuteBasket(context.Background(), BasketRequest{
		AccountID: "alice",
		TotalUSD:  d("1000"),
		Allocations: []Allocation{
			{Symbol: "ETH", Percent: d("60")},
			{Symbol: "BTC", Percent: d("40")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, KindBasket, rep.Kind)
	assert.Equal(t, StateCompleted, rep.State)
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, "ETH", rep.Steps[0].Token)
	assert.True(t, rep.Steps[0].AmountUSD.Equal(d("600")))
	assert.True(t, rep.Steps[0].TokenAmount.Equal(d("0.2")))
	assert.Equal(t, "BTC", rep.Steps[1].Token)
	assert.Equal(t, 1, rep.Steps[1].Index)
	assert.True(t, rep.ConfirmedUSD().Equal(d("1000")))

	rep, err = f.seq.ExecuteBasket(context.Background(), BasketRequest{
		AccountID:   "alice",
		TotalUSD:    d("1000"),
		Allocations: []Allocation{{Symbol: "ETH", Percent: d("90")}},
	})
	assert.ErrorIs(t, err, ErrInvalidAllocation)
	assert.Equal(t, StateRejected, rep.State)
}

func TestHistoryAndEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)

	var (
		mu     sync.Mutex
		states []string
	)
	unsubscribe := f.bus.Subscribe(func(evt events.Event) {
		if evt.Type != events.TypeExecutionState {
			return
		}
		mu.Lock()
		states = append(states, evt.Payload["state"].(string))
		mu.Unlock()
	})
	defer unsubscribe()

	ctx := context.Background()
	first, err := f.seq.Execute(ctx, Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
	require.NoError(t, err)
	_, _ = f.seq.Execute(ctx, Request{AccountID: "alice", Token: "DOGE", NotionalUSD: d("100")})

	history, err := f.seq.History(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	ids := []string{history[0].ExecutionID, history[1].ExecutionID}
	assert.Contains(t, ids, first.ExecutionID)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == string(StateRejected)
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, states, string(StateCompleted))
	assert.Contains(t, states, string(StateConfirming))
	mu.Unlock()

	_, err = f.seq.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSequencerRequiresDependencies(t *testing.T) {
	_, err := NewSequencer(Options{})
	require.Error(t, err)
}

func TestUnconfirmedBroadcastCountsAgainstDailyCeiling(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "bob", account.Tier1, account.CustodySelf, aliceWallet)
	f.signer.confirmErr = fmt.Errorf("%w: 0xabc", chain.ErrConfirmationTimeout)
	ctx := context.Background()

	rep, err := f.seq.Execute(ctx, Request{AccountID: "bob", Token: "ETH", NotionalUSD: d("500")})
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Equal(t, StatePartiallyFailed, rep.State)
	require.Len(t, rep.TxHashes, 1)

	rep, err = f.seq.Execute(ctx, Request{AccountID: "bob", Token: "ETH", NotionalUSD: d("500")})
	assert.ErrorIs(t, err, risk.ErrTierLimitExceeded)
	assert.Equal(t, StateRejected, rep.State)
	assert.Contains(t, rep.Reason, "$500.00")
	assert.Equal(t, 1, f.signer.count())

	// 未确认的执行不计入交易历史
	h, err := f.tracker.History(ctx, "bob", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.TradeCount)
	assert.True(t, h.DailyUsed.Equal(d("500")))
}

func TestSplitTradeCountsAsOneHistoricalTrade(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rep, err := f.seq.Execute(ctx, Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("10000")})
		require.NoError(t, err)
		require.Len(t, rep.Steps, 9)
	}

	h, err := f.tracker.History(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.TradeCount)
	assert.True(t, h.AverageTrade.Equal(d("10000")))

	decision, err := f.gate.Check(ctx, "alice", d("10000"), time.Now())
	require.NoError(t, err)
	for _, sig := range decision.Signals {
		assert.NotContains(t, sig, risk.SignalSizeVsHistory)
	}
}

// stubPlanner 返回固定计划，用于覆盖拆单器缺陷路径。
type stubPlanner struct {
	plan splitter.Plan
	err  error
}

func (p stubPlanner) Plan(decimal.Decimal, splitter.MarketContext) (splitter.Plan, error) {
	return p.plan, p.err
}

func TestPlanningDefectsAreRejected(t *testing.T) {
	cases := []struct {
		name    string
		planner stubPlanner
		code    string
		want    error
	}{
		{
			name:    "empty plan",
			planner: stubPlanner{plan: splitter.Plan{Token: "ETH", NotionalUSD: d("100")}},
			code:    CodeEmptyPlan,
			want:    ErrEmptyPlan,
		},
		{
			name: "children do not sum to notional",
			planner: stubPlanner{plan: splitter.Plan{
				Token:       "ETH",
				NotionalUSD: d("100"),
				Children:    []splitter.ChildOrder{{Index: 0, Token: "ETH", AmountUSD: d("60")}},
			}},
			code: CodeInvalidPlan,
			want: ErrInvalidPlan,
		},
		{
			name: "non-positive child",
			planner: stubPlanner{plan: splitter.Plan{
				Token:       "ETH",
				NotionalUSD: d("100"),
				Children: []splitter.ChildOrder{
					{Index: 0, Token: "ETH", AmountUSD: d("100")},
					{Index: 1, Token: "ETH", AmountUSD: d("0")},
				},
			}},
			code: CodeInvalidPlan,
			want: ErrInvalidPlan,
		},
		{
			name:    "planner error",
			planner: stubPlanner{err: splitter.ErrInvalidPrice},
			code:    CodeInvalidPlan,
			want:    ErrInvalidPlan,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.Splitter = tc.planner })
			f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)

			rep, err := f.seq.Execute(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, StateRejected, rep.State)
			assert.Equal(t, tc.code, rep.Code)
			assert.Empty(t, rep.Steps)
			assert.Zero(t, f.signer.count())
		})
	}
}

func TestDrainWaitsForCancelledRuns(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
	f.signer.blockConfirm = true

	run, err := f.seq.Start(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
	require.NoError(t, err)
	waitEntered(t, f.signer)
	waitEntered(t, f.signer)

	f.seq.CancelAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.seq.Drain(ctx))

	assert.Equal(t, StatePartiallyFailed, run.State())
	stored, err := f.repo.Get(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Equal(t, CodeCancelled, stored.Code)
}

func TestDrainHonoursDeadline(t *testing.T) {
	f := newFixture(t, nil)
	f.account(t, "alice", account.Tier3, account.CustodySelf, aliceWallet)
	f.signer.blockConfirm = true

	run, err := f.seq.Start(context.Background(), Request{AccountID: "alice", Token: "ETH", NotionalUSD: d("100")})
	require.NoError(t, err)
	waitEntered(t, f.signer)
	waitEntered(t, f.signer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.seq.Drain(ctx), context.DeadlineExceeded)

	run.Cancel()
	_, _ = run.Wait(context.Background())
}
