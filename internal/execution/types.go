package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"smart-exec/internal/account"
	"smart-exec/internal/loan"
)

// State 为执行状态机状态。
type State string

const (
	StateIdle            State = "idle"
	StateValidating      State = "validating"
	StatePlanning        State = "planning"
	StateSubmitting      State = "submitting"
	StateConfirming      State = "confirming"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
	StateRejected        State = "rejected"
)

// Terminal 判断是否为终态。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StatePartiallyFailed || s == StateRejected
}

// 原因代码。
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidNotional     = "INVALID_NOTIONAL"
	CodeInvalidRecipient    = "INVALID_RECIPIENT"
	CodeMissingRecipient    = "MISSING_RECIPIENT"
	CodeInvalidAllocation   = "INVALID_ALLOCATION"
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeRiskUnavailable     = "RISK_UNAVAILABLE"
	CodeQuoteUnavailable    = "QUOTE_UNAVAILABLE"
	CodeEmptyPlan           = "EMPTY_PLAN"
	CodeInvalidPlan         = "INVALID_PLAN"
	CodeInProgress          = "EXECUTION_IN_PROGRESS"
	CodeSubmissionFailed    = "SUBMISSION_FAILED"
	CodeConfirmationFailed  = "CONFIRMATION_FAILED"
	CodeConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	CodeCancelled           = "CANCELLED"
	CodeNotFound            = "EXECUTION_NOT_FOUND"
)

var (
	ErrInvalidRequest      = errors.New(CodeInvalidRequest)
	ErrInvalidNotional     = errors.New(CodeInvalidNotional)
	ErrInvalidRecipient    = errors.New(CodeInvalidRecipient)
	ErrMissingRecipient    = errors.New(CodeMissingRecipient)
	ErrInvalidAllocation   = errors.New(CodeInvalidAllocation)
	ErrAccountNotFound     = errors.New(CodeAccountNotFound)
	ErrRiskUnavailable     = errors.New(CodeRiskUnavailable)
	ErrQuoteUnavailable    = errors.New(CodeQuoteUnavailable)
	ErrEmptyPlan           = errors.New(CodeEmptyPlan)
	ErrInvalidPlan         = errors.New(CodeInvalidPlan)
	ErrExecutionInProgress = errors.New(CodeInProgress)
	ErrSubmissionFailed    = errors.New(CodeSubmissionFailed)
	ErrConfirmationFailed  = errors.New(CodeConfirmationFailed)
	ErrConfirmationTimeout = errors.New(CodeConfirmationTimeout)
	ErrCancelled           = errors.New(CodeCancelled)
	ErrNotFound            = errors.New(CodeNotFound)
)

// Rejection 携带原因代码，可用 errors.Is 匹配上面的哨兵，
// 风控与借贷的代码同样可以匹配各自包内的哨兵。
type Rejection struct {
	Code   string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return "execution: " + r.Code
	}
	return fmt.Sprintf("execution: %s: %s", r.Code, r.Reason)
}

// Is 按代码匹配。
func (r *Rejection) Is(target error) bool {
	return target != nil && target.Error() == r.Code
}

// LoanLeg 为交易附带的借款。
type LoanLeg struct {
	PrincipalUSD decimal.Decimal        `json:"principal_usd"`
	Collateral   []loan.CollateralInput `json:"collateral"`
	// LTVCeiling 为零时使用账户等级的默认上限。
	LTVCeiling decimal.Decimal `json:"ltv_ceiling"`
}

// Request 为单币种交易意图，提交后不再修改。
type Request struct {
	AccountID   string          `json:"account_id"`
	Token       string          `json:"token"`
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	Recipient   string          `json:"recipient,omitempty"`
	Loan        *LoanLeg        `json:"loan,omitempty"`
}

// Allocation 为组合中的单个币种及占比（百分数）。
type Allocation struct {
	Symbol  string          `json:"symbol"`
	Percent decimal.Decimal `json:"percent"`
}

// BasketRequest 为组合交易意图。
type BasketRequest struct {
	AccountID   string          `json:"account_id"`
	Allocations []Allocation    `json:"allocations"`
	TotalUSD    decimal.Decimal `json:"total_usd"`
	Recipient   string          `json:"recipient,omitempty"`
}

// StepStatus 为子订单生命周期。
type StepStatus string

const (
	StepPlanned   StepStatus = "planned"
	StepSubmitted StepStatus = "submitted"
	StepConfirmed StepStatus = "confirmed"
	StepFailed    StepStatus = "failed"
)

// Step 为一笔子订单的执行情况。
type Step struct {
	Index       int             `json:"index"`
	Token       string          `json:"token"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	Recipient   string          `json:"recipient,omitempty"`
	Status      StepStatus      `json:"status"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Entry 为执行记录中的一条日志。
type Entry struct {
	Seq     int       `json:"seq"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	TxHash  string    `json:"tx_hash,omitempty"`
	At      time.Time `json:"at"`
}

// Kind 取值。
const (
	EntryInfo      = "info"
	EntrySubmitted = "submitted"
	EntryConfirmed = "confirmed"
	EntryFailed    = "failed"
	EntryRejected  = "rejected"
)

// Report 为执行快照；终态时即最终报告。
type Report struct {
	ExecutionID string            `json:"execution_id"`
	AccountID   string            `json:"account_id"`
	Kind        string            `json:"kind"`
	State       State             `json:"state"`
	Code        string            `json:"code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	NotionalUSD decimal.Decimal   `json:"notional_usd"`
	Recipient   string            `json:"recipient,omitempty"`
	RiskLevel   account.RiskLevel `json:"risk_level,omitempty"`
	LoanID      string            `json:"loan_id,omitempty"`
	Steps       []Step            `json:"steps"`
	Succeeded   []Step            `json:"succeeded"`
	Failed      *Step             `json:"failed,omitempty"`
	Entries     []Entry           `json:"entries"`
	TxHashes    []string          `json:"tx_hashes"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}

// Err 对拒绝或部分失败的报告返回带代码的错误。
func (r Report) Err() error {
	if r.State == StateRejected || r.State == StatePartiallyFailed {
		return &Rejection{Code: r.Code, Reason: r.Reason}
	}
	return nil
}

// ConfirmedUSD 汇总已确认子订单金额。
func (r Report) ConfirmedUSD() decimal.Decimal {
	total := decimal.Zero
	for _, s := range r.Succeeded {
		total = total.Add(s.AmountUSD)
	}
	return total
}

const (
	KindTrade  = "trade"
	KindBasket = "basket"
)
