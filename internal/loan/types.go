package loan

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status 为借贷状态，仅由 Engine 修改。
type Status string

const (
	StatusOpen       Status = "open"
	StatusRepaid     Status = "repaid"
	StatusLiquidated Status = "liquidated"
)

// 拒绝原因代码。
const (
	CodeExceedsLTV         = "EXCEEDS_LTV"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeMissingPrice       = "MISSING_PRICE"
	CodeNotOpen            = "LOAN_NOT_OPEN"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeRepaymentExceeds   = "REPAYMENT_EXCEEDS_PRINCIPAL"
	CodeLoanNotFound       = "LOAN_NOT_FOUND"
	CodeUnknownAccountTier = "UNKNOWN_TIER"
)

var (
	ErrExceedsLTV       = errors.New(CodeExceedsLTV)
	ErrInvalidRequest   = errors.New(CodeInvalidRequest)
	ErrMissingPrice     = errors.New(CodeMissingPrice)
	ErrNotOpen          = errors.New(CodeNotOpen)
	ErrInvalidAmount    = errors.New(CodeInvalidAmount)
	ErrRepaymentExceeds = errors.New(CodeRepaymentExceeds)
	ErrNotFound         = errors.New(CodeLoanNotFound)
)

// Rejection 为借贷拒绝错误，可用 errors.Is 匹配代码哨兵。
type Rejection struct {
	Code   string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return "loan: " + r.Code
	}
	return fmt.Sprintf("loan: %s: %s", r.Code, r.Reason)
}

// Is 支持 errors.Is(err, ErrExceedsLTV) 形式的匹配。
func (r *Rejection) Is(target error) bool {
	return target != nil && target.Error() == r.Code
}

func reject(code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CollateralInput 为借款请求中的抵押物。
type CollateralInput struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

// Collateral 为锁定时的抵押物及其估值。
type Collateral struct {
	Symbol   string          `json:"symbol"`
	Amount   decimal.Decimal `json:"amount"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}

// OpenRequest 为借款请求，价格由调用方提供。
type OpenRequest struct {
	AccountID    string
	PrincipalUSD decimal.Decimal
	Collateral   []CollateralInput
	Prices       map[string]decimal.Decimal
	LTVCeiling   decimal.Decimal
}

// Assessment 为借款请求的估值结果。
type Assessment struct {
	Collateral    []Collateral
	CollateralUSD decimal.Decimal
	MaxBorrowUSD  decimal.Decimal
	LTV           decimal.Decimal
}

// Position 为借贷头寸。
type Position struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	Collateral        []Collateral    `json:"collateral"`
	CollateralUSD     decimal.Decimal `json:"collateral_usd"`
	OriginalPrincipal decimal.Decimal `json:"original_principal"`
	Principal         decimal.Decimal `json:"principal"`
	LTV               decimal.Decimal `json:"ltv"`
	LTVCeiling        decimal.Decimal `json:"ltv_ceiling"`
	Status            Status          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
