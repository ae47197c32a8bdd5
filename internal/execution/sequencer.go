package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"smart-exec/internal/account"
	"smart-exec/internal/chain"
	"smart-exec/internal/events"
	"smart-exec/internal/loan"
	"smart-exec/internal/metrics"
	"smart-exec/internal/quote"
	"smart-exec/internal/risk"
	"smart-exec/internal/splitter"
)

// Signer 提交子订单并等待确认；可替换为练习模式的模拟签名器。
type Signer interface {
	Submit(ctx context.Context, order splitter.ChildOrder) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error
}

// RiskGate 为执行前的风控闸门。
type RiskGate interface {
	Check(ctx context.Context, accountID string, notional decimal.Decimal, now time.Time) (risk.Decision, error)
	Accrue(ctx context.Context, accountID string, ts time.Time, notional decimal.Decimal) error
	RecordTrade(ctx context.Context, accountID string, total decimal.Decimal) error
}

// Planner 生成拆单计划。
type Planner interface {
	Plan(notional decimal.Decimal, mc splitter.MarketContext) (splitter.Plan, error)
}

// LoanOpener 为借款腿所需的借贷能力，借贷状态只由借贷引擎修改。
type LoanOpener interface {
	CeilingFor(tier account.Tier) (decimal.Decimal, error)
	OpenLoan(ctx context.Context, req loan.OpenRequest) (loan.Position, error)
}

// Options 为 Sequencer 依赖。
type Options struct {
	Gate           RiskGate
	Quotes         quote.Gateway
	Splitter       Planner
	Signer         Signer
	Loans          LoanOpener
	Locker         Locker
	Repo           *Repository
	Bus            *events.Bus
	Metrics        *metrics.Collector
	ConfirmTimeout time.Duration
	VaultAddress   string
	Logger         *zap.Logger
	Now            func() time.Time
}

// Sequencer 驱动执行状态机：校验 → 风控 → (借款) → 拆单 → 逐笔提交与确认。
type Sequencer struct {
	gate           RiskGate
	quotes         quote.Gateway
	splitter       Planner
	signer         Signer
	loans          LoanOpener
	locker         Locker
	repo           *Repository
	bus            *events.Bus
	metrics        *metrics.Collector
	confirmTimeout time.Duration
	vaultAddress   string
	logger         *zap.Logger
	now            func() time.Time

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewSequencer 创建执行器。
func NewSequencer(opts Options) (*Sequencer, error) {
	if opts.Gate == nil {
		return nil, errors.New("execution: 风控闸门不能为空")
	}
	if opts.Quotes == nil {
		return nil, errors.New("execution: 报价网关不能为空")
	}
	if opts.Splitter == nil {
		return nil, errors.New("execution: 拆单器不能为空")
	}
	if opts.Signer == nil {
		return nil, errors.New("execution: 签名器不能为空")
	}
	if opts.Locker == nil {
		opts.Locker = NewMemoryLocker()
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 90 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Sequencer{
		gate:           opts.Gate,
		quotes:         opts.Quotes,
		splitter:       opts.Splitter,
		signer:         opts.Signer,
		loans:          opts.Loans,
		locker:         opts.Locker,
		repo:           opts.Repo,
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		confirmTimeout: opts.ConfirmTimeout,
		vaultAddress:   opts.VaultAddress,
		logger:         opts.Logger,
		now:            opts.Now,
		runs:           make(map[string]*Run),
	}, nil
}

// Execute 同步执行单币种交易。ctx 取消时停止调度，结果为 CANCELLED。
func (s *Sequencer) Execute(ctx context.Context, req Request) (Report, error) {
	run, err := s.begin(ctx, req.AccountID, KindTrade, false, func(ctx context.Context, run *Run) {
		s.runTrade(ctx, run, req)
	})
	if err != nil {
		return Report{}, err
	}
	return run.Wait(context.WithoutCancel(ctx))
}

// Start 在独立 goroutine 中执行，返回可轮询的句柄。
// 执行不随 ctx 结束，需通过 Run.Cancel 取消。
func (s *Sequencer) Start(ctx context.Context, req Request) (*Run, error) {
	return s.begin(ctx, req.AccountID, KindTrade, true, func(ctx context.Context, run *Run) {
		s.runTrade(ctx, run, req)
	})
}

// ExecuteBasket 同步执行组合交易：一次风控、每个币种一份计划、共用一份执行记录。
func (s *Sequencer) ExecuteBasket(ctx context.Context, req BasketRequest) (Report, error) {
	run, err := s.begin(ctx, req.AccountID, KindBasket, false, func(ctx context.Context, run *Run) {
		s.runBasket(ctx, run, req)
	})
	if err != nil {
		return Report{}, err
	}
	return run.Wait(context.WithoutCancel(ctx))
}

// StartBasket 为 ExecuteBasket 的异步版本。
func (s *Sequencer) StartBasket(ctx context.Context, req BasketRequest) (*Run, error) {
	return s.begin(ctx, req.AccountID, KindBasket, true, func(ctx context.Context, run *Run) {
		s.runBasket(ctx, run, req)
	})
}

// Get 按执行 ID 查询，活动执行从内存读取，其余从存储读取。
func (s *Sequencer) Get(ctx context.Context, id string) (Report, error) {
	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if ok {
		return run.Snapshot(), nil
	}
	if s.repo == nil {
		return Report{}, &Rejection{Code: CodeNotFound, Reason: id}
	}
	return s.repo.Get(ctx, id)
}

// Run 返回活动执行的句柄。
func (s *Sequencer) Run(id string) (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

// History 返回账户的执行记录，只读。
func (s *Sequencer) History(ctx context.Context, accountID string, limit int) ([]Report, error) {
	if s.repo == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []Report
		for _, run := range s.runs {
			if run.AccountID() == accountID {
				out = append(out, run.Snapshot())
			}
		}
		return out, nil
	}
	return s.repo.ListByAccount(ctx, accountID, limit)
}

// CancelAll 取消所有活动执行，用于退出。
func (s *Sequencer) CancelAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		run.Cancel()
	}
}

// Drain 等待所有活动执行写完终态，ctx 到期时返回其错误。
func (s *Sequencer) Drain(ctx context.Context) error {
	s.mu.RLock()
	pending := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		pending = append(pending, run)
	}
	s.mu.RUnlock()

	for _, run := range pending {
		select {
		case <-run.Done():
		case <-ctx.Done():
			return fmt.Errorf("execution: 等待执行结束超时: %w", ctx.Err())
		}
	}
	return nil
}

func (s *Sequencer) begin(ctx context.Context, accountID, kind string, detach bool, body func(context.Context, *Run)) (*Run, error) {
	accountID = strings.TrimSpace(accountID)
	run := newRun(uuid.NewString(), accountID, kind, s.now, s.repo, s.bus, s.logger)

	parent := ctx
	if detach {
		parent = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancel(parent)
	run.cancel = cancel

	if accountID == "" {
		s.metrics.RunStarted()
		s.reject(runCtx, run, CodeInvalidRequest, "account id is required")
		cancel()
		return run, nil
	}

	ok, err := s.locker.Acquire(ctx, accountID, run.ID())
	if err != nil {
		cancel()
		return nil, err
	}
	if !ok {
		cancel()
		s.logger.Warn("账户已有执行进行中", zap.String("account_id", accountID))
		return nil, &Rejection{Code: CodeInProgress, Reason: fmt.Sprintf("account %s already has an active execution", accountID)}
	}

	// 锁在唤醒等待者之前释放
	run.onFinish = func() { s.release(run) }

	s.mu.Lock()
	s.runs[run.ID()] = run
	s.mu.Unlock()

	s.metrics.RunStarted()
	s.logger.Info("执行开始",
		zap.String("execution_id", run.ID()),
		zap.String("account_id", accountID),
		zap.String("kind", kind),
	)

	go func() {
		defer cancel()
		body(runCtx, run)
	}()
	return run, nil
}

func (s *Sequencer) release(run *Run) {
	if err := s.locker.Release(context.Background(), run.AccountID(), run.ID()); err != nil {
		s.logger.Warn("释放执行锁失败", zap.String("execution_id", run.ID()), zap.Error(err))
	}
	snapshot := run.Snapshot()
	s.metrics.RunFinished(string(snapshot.State), s.now().Sub(snapshot.StartedAt))
	if s.repo != nil {
		s.mu.Lock()
		delete(s.runs, run.ID())
		s.mu.Unlock()
	}
}

func (s *Sequencer) runTrade(ctx context.Context, run *Run, req Request) {
	run.update(func(rep *Report) {
		rep.NotionalUSD = req.NotionalUSD
	})
	run.transition(ctx, StateValidating)
	run.log(ctx, EntryInfo, fmt.Sprintf("trade request: %s $%s", strings.ToUpper(req.Token), req.NotionalUSD.StringFixed(2)), "")

	if strings.TrimSpace(req.Token) == "" {
		s.reject(ctx, run, CodeInvalidRequest, "token is required")
		return
	}
	if !req.NotionalUSD.IsPositive() {
		s.reject(ctx, run, CodeInvalidNotional, fmt.Sprintf("notional must be positive, got %s", req.NotionalUSD))
		return
	}
	if req.Loan != nil && s.loans == nil {
		s.reject(ctx, run, CodeInvalidRequest, "loan leg is not supported")
		return
	}

	decision, ok := s.checkRisk(ctx, run, req.NotionalUSD)
	if !ok {
		return
	}
	recipient, ok := s.resolveRecipient(ctx, run, req.Recipient, decision.Account)
	if !ok {
		return
	}

	q, err := s.quotes.Quote(ctx, quote.Request{Token: req.Token, AmountUSD: req.NotionalUSD})
	if err != nil {
		s.reject(ctx, run, CodeQuoteUnavailable, err.Error())
		return
	}
	run.log(ctx, EntryInfo, fmt.Sprintf("quote %s: price $%s, depth $%s, volatility %s",
		q.Token, q.PriceUSD.StringFixed(4), q.DepthUSD.StringFixed(2), q.Volatility.StringFixed(4)), "")

	if req.Loan != nil {
		if !s.openLoan(ctx, run, decision.Account, *req.Loan) {
			return
		}
	}

	run.transition(ctx, StatePlanning)
	plan, ok := s.plan(ctx, run, req.NotionalUSD, q.MarketContext(recipient))
	if !ok {
		return
	}

	s.submitAll(ctx, run, [][]splitter.ChildOrder{plan.Children})
}

func (s *Sequencer) runBasket(ctx context.Context, run *Run, req BasketRequest) {
	run.update(func(rep *Report) {
		rep.NotionalUSD = req.TotalUSD
	})
	run.transition(ctx, StateValidating)
	run.log(ctx, EntryInfo, fmt.Sprintf("basket request: %d allocations, total $%s", len(req.Allocations), req.TotalUSD.StringFixed(2)), "")

	if !req.TotalUSD.IsPositive() {
		s.reject(ctx, run, CodeInvalidNotional, fmt.Sprintf("total must be positive, got %s", req.TotalUSD))
		return
	}
	amounts, err := AllocateBasket(req.Allocations, req.TotalUSD)
	if err != nil {
		s.reject(ctx, run, CodeInvalidAllocation, err.Error())
		return
	}

	decision, ok := s.checkRisk(ctx, run, req.TotalUSD)
	if !ok {
		return
	}
	recipient, ok := s.resolveRecipient(ctx, run, req.Recipient, decision.Account)
	if !ok {
		return
	}

	reqs := make([]quote.Request, len(req.Allocations))
	for i, alloc := range req.Allocations {
		reqs[i] = quote.Request{Token: alloc.Symbol, AmountUSD: amounts[i]}
	}
	quotes, err := quote.QuoteMany(ctx, s.quotes, reqs)
	if err != nil {
		s.reject(ctx, run, CodeQuoteUnavailable, err.Error())
		return
	}

	run.transition(ctx, StatePlanning)
	groups := make([][]splitter.ChildOrder, 0, len(quotes))
	for i, q := range quotes {
		plan, ok := s.plan(ctx, run, amounts[i], q.MarketContext(recipient))
		if !ok {
			return
		}
		groups = append(groups, plan.Children)
	}

	s.submitAll(ctx, run, groups)
}

// checkRisk 调用风控闸门，拒绝时结束执行。
func (s *Sequencer) checkRisk(ctx context.Context, run *Run, notional decimal.Decimal) (risk.Decision, bool) {
	decision, err := s.gate.Check(ctx, run.AccountID(), notional, s.now())
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			s.reject(ctx, run, CodeAccountNotFound, run.AccountID())
		} else {
			s.reject(ctx, run, CodeRiskUnavailable, err.Error())
		}
		return risk.Decision{}, false
	}

	run.update(func(rep *Report) {
		rep.RiskLevel = decision.RiskLevel
	})
	if !decision.Allow {
		s.reject(ctx, run, decision.Code, strings.Join(decision.Reasons, "; "))
		return risk.Decision{}, false
	}

	msg := fmt.Sprintf("risk check passed: level %s", decision.RiskLevel)
	if len(decision.Signals) > 0 {
		msg += " (" + strings.Join(decision.Signals, ", ") + ")"
	}
	run.log(ctx, EntryInfo, msg, "")
	if decision.Warning != nil {
		run.log(ctx, EntryInfo, fmt.Sprintf("safety warning [%s]: %s", decision.Warning.Severity, decision.Warning.Message), "")
	}
	return decision, true
}

// resolveRecipient 依次使用请求地址、托管金库地址、账户钱包。
func (s *Sequencer) resolveRecipient(ctx context.Context, run *Run, requested string, acct account.Account) (string, bool) {
	recipient := strings.TrimSpace(requested)
	if recipient == "" && acct.Custody == account.CustodyVault {
		recipient = s.vaultAddress
	}
	if recipient == "" {
		recipient = acct.Wallet
	}
	if recipient == "" {
		s.reject(ctx, run, CodeMissingRecipient, "no recipient, connected wallet or vault address")
		return "", false
	}
	if !common.IsHexAddress(recipient) {
		s.reject(ctx, run, CodeInvalidRecipient, recipient)
		return "", false
	}
	recipient = common.HexToAddress(recipient).Hex()
	run.update(func(rep *Report) {
		rep.Recipient = recipient
	})
	return recipient, true
}

func (s *Sequencer) openLoan(ctx context.Context, run *Run, acct account.Account, leg LoanLeg) bool {
	ceiling := leg.LTVCeiling
	if !ceiling.IsPositive() {
		c, err := s.loans.CeilingFor(acct.KYCTier)
		if err != nil {
			s.rejectErr(ctx, run, err)
			return false
		}
		ceiling = c
	}

	reqs := make([]quote.Request, 0, len(leg.Collateral))
	seen := make(map[string]bool, len(leg.Collateral))
	for _, c := range leg.Collateral {
		symbol := strings.ToUpper(strings.TrimSpace(c.Symbol))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		reqs = append(reqs, quote.Request{Token: symbol, AmountUSD: leg.PrincipalUSD})
	}
	prices := make(map[string]decimal.Decimal, len(reqs))
	if len(reqs) > 0 && leg.PrincipalUSD.IsPositive() {
		quotes, err := quote.QuoteMany(ctx, s.quotes, reqs)
		if err != nil {
			s.reject(ctx, run, CodeQuoteUnavailable, err.Error())
			return false
		}
		for _, q := range quotes {
			prices[q.Token] = q.PriceUSD
		}
	}

	pos, err := s.loans.OpenLoan(ctx, loan.OpenRequest{
		AccountID:    run.AccountID(),
		PrincipalUSD: leg.PrincipalUSD,
		Collateral:   leg.Collateral,
		Prices:       prices,
		LTVCeiling:   ceiling,
	})
	if err != nil {
		s.rejectErr(ctx, run, err)
		return false
	}

	run.update(func(rep *Report) {
		rep.LoanID = pos.ID
	})
	run.log(ctx, EntryInfo, fmt.Sprintf("loan %s opened: principal $%s against collateral $%s (ltv %s, ceiling %s)",
		pos.ID, pos.Principal.StringFixed(2), pos.CollateralUSD.StringFixed(2), pos.LTV.StringFixed(4), pos.LTVCeiling.StringFixed(4)), "")
	return true
}

func (s *Sequencer) plan(ctx context.Context, run *Run, notional decimal.Decimal, mc splitter.MarketContext) (splitter.Plan, bool) {
	plan, err := s.splitter.Plan(notional, mc)
	if err != nil {
		s.reject(ctx, run, CodeInvalidPlan, err.Error())
		return splitter.Plan{}, false
	}
	if plan.Len() == 0 {
		s.logger.Error("拆单计划为空", zap.String("execution_id", run.ID()), zap.String("token", mc.Token))
		s.reject(ctx, run, CodeEmptyPlan, fmt.Sprintf("no child orders for %s", mc.Token))
		return splitter.Plan{}, false
	}
	if err := splitter.Validate(plan); err != nil {
		s.logger.Error("拆单计划无效", zap.String("execution_id", run.ID()), zap.Error(err))
		s.reject(ctx, run, CodeInvalidPlan, err.Error())
		return splitter.Plan{}, false
	}

	run.log(ctx, EntryInfo, fmt.Sprintf("planned %d child orders for %s $%s (max child $%s)",
		plan.Len(), plan.Token, plan.NotionalUSD.StringFixed(2), plan.MaxChildUSD.StringFixed(2)), "")
	return plan, true
}

// outcome 为提交循环的终态。
type outcome struct {
	state  State
	code   string
	reason string
}

// submitAll 提交全部子订单，按成交总额记一笔交易历史后结束执行。
func (s *Sequencer) submitAll(ctx context.Context, run *Run, groups [][]splitter.ChildOrder) {
	out := s.submitOrders(ctx, run, groups)

	// 取消后仍需落账
	bg := context.WithoutCancel(ctx)
	confirmed := decimal.Zero
	for _, st := range run.Snapshot().Steps {
		if st.Status == StepConfirmed {
			confirmed = confirmed.Add(st.AmountUSD)
		}
	}
	if confirmed.IsPositive() {
		if err := s.gate.RecordTrade(bg, run.AccountID(), confirmed); err != nil {
			s.logger.Warn("记录交易历史失败",
				zap.String("execution_id", run.ID()),
				zap.Error(err),
			)
		}
	}
	run.finish(ctx, out.state, out.code, out.reason)
}

// submitOrders 严格按计划顺序逐笔提交并等待确认，失败即停止，不重试。
// 子订单一经广播即计入当日额度。
func (s *Sequencer) submitOrders(ctx context.Context, run *Run, groups [][]splitter.ChildOrder) outcome {
	var orders []splitter.ChildOrder
	for _, g := range groups {
		orders = append(orders, g...)
	}

	run.update(func(rep *Report) {
		rep.Steps = make([]Step, len(orders))
		for i, o := range orders {
			rep.Steps[i] = Step{
				Index:       i,
				Token:       o.Token,
				AmountUSD:   o.AmountUSD,
				TokenAmount: o.TokenAmount,
				Recipient:   o.Recipient,
				Status:      StepPlanned,
			}
		}
	})

	total := len(orders)
	for i, order := range orders {
		if i > 0 && order.Delay > 0 {
			timer := time.NewTimer(order.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return s.cancelled(ctx, run, i, total)
		}

		run.transition(ctx, StateSubmitting)
		started := s.now()
		hash, err := s.signer.Submit(ctx, order)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(ctx, run, i, total)
			}
			return s.failStep(ctx, run, i, total, CodeSubmissionFailed, err, "")
		}

		// 哈希立即写入记录
		run.setStep(i, func(st *Step) {
			st.Status = StepSubmitted
			st.TxHash = hash
		})
		run.log(ctx, EntrySubmitted, fmt.Sprintf("order %d/%d submitted: %s $%s (%s tokens)",
			i+1, total, order.Token, order.AmountUSD.StringFixed(2), order.TokenAmount.String()), hash)
		s.metrics.ChildOrder("submitted", s.now().Sub(started))
		if err := s.gate.Accrue(context.WithoutCancel(ctx), run.AccountID(), s.now(), order.AmountUSD); err != nil {
			s.logger.Warn("累计当日额度失败",
				zap.String("execution_id", run.ID()),
				zap.Error(err),
			)
		}

		run.transition(ctx, StateConfirming)
		if err := s.confirm(ctx, hash); err != nil {
			if ctx.Err() != nil {
				return s.cancelled(ctx, run, i+1, total)
			}
			code := CodeConfirmationFailed
			if errors.Is(err, chain.ErrConfirmationTimeout) || errors.Is(err, context.DeadlineExceeded) {
				code = CodeConfirmationTimeout
			}
			return s.failStep(ctx, run, i, total, code, err, hash)
		}

		run.setStep(i, func(st *Step) {
			st.Status = StepConfirmed
		})
		run.log(ctx, EntryConfirmed, fmt.Sprintf("order %d/%d confirmed", i+1, total), hash)
		s.metrics.ChildOrder("confirmed", s.now().Sub(started))
		s.metrics.ConfirmedNotional(order.AmountUSD.InexactFloat64())
	}

	return outcome{state: StateCompleted}
}

func (s *Sequencer) confirm(ctx context.Context, hash string) error {
	cctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	err := s.signer.WaitForConfirmation(cctx, hash, s.confirmTimeout)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", chain.ErrConfirmationTimeout, hash)
	}
	return err
}

func (s *Sequencer) failStep(ctx context.Context, run *Run, i, total int, code string, cause error, hash string) outcome {
	run.setStep(i, func(st *Step) {
		st.Status = StepFailed
		st.Error = cause.Error()
	})
	reason := fmt.Sprintf("order %d/%d failed: %v", i+1, total, cause)
	run.log(ctx, EntryFailed, reason, hash)
	s.metrics.ChildOrder("failed", 0)
	return outcome{state: StatePartiallyFailed, code: code, reason: reason}
}

// cancelled 停止调度剩余子订单，已提交的交易保持原状。
func (s *Sequencer) cancelled(ctx context.Context, run *Run, next, total int) outcome {
	reason := fmt.Sprintf("cancelled after %d of %d orders", next, total)
	run.log(ctx, EntryFailed, reason, "")
	return outcome{state: StatePartiallyFailed, code: CodeCancelled, reason: reason}
}

func (s *Sequencer) reject(ctx context.Context, run *Run, code, reason string) {
	run.log(ctx, EntryRejected, fmt.Sprintf("%s: %s", code, reason), "")
	s.metrics.Rejected()
	run.finish(ctx, StateRejected, code, reason)
}

// rejectErr 提取借贷拒绝的代码。
func (s *Sequencer) rejectErr(ctx context.Context, run *Run, err error) {
	var rej *loan.Rejection
	if errors.As(err, &rej) {
		s.reject(ctx, run, rej.Code, rej.Reason)
		return
	}
	s.reject(ctx, run, CodeInvalidRequest, err.Error())
}
