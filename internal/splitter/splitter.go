package splitter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"smart-exec/internal/config"
)

var (
	ErrInvalidNotional = errors.New("splitter: 交易金额必须为正")
	ErrInvalidPrice    = errors.New("splitter: 缺少有效价格")
	ErrInvalidPlan     = errors.New("splitter: 执行计划无效")
)

var (
	cent         = decimal.New(1, -2)
	one          = decimal.NewFromInt(1)
	tokenDecimal = int32(18)
)

// MarketContext 为拆单所需的行情参数，来自报价网关。
type MarketContext struct {
	Token      string
	PriceUSD   decimal.Decimal
	DepthUSD   decimal.Decimal
	Volatility decimal.Decimal
	Recipient  string
}

// ChildOrder 为计划中的一笔子订单。
type ChildOrder struct {
	Index           int             `json:"index"`
	Token           string          `json:"token"`
	AmountUSD       decimal.Decimal `json:"amount_usd"`
	TokenAmount     decimal.Decimal `json:"token_amount"`
	Recipient       string          `json:"recipient,omitempty"`
	Delay           time.Duration   `json:"delay"`
	EstimatedImpact decimal.Decimal `json:"estimated_impact"`
}

// Plan 为一次生成、不再修改的执行计划。
type Plan struct {
	Token              string          `json:"token"`
	NotionalUSD        decimal.Decimal `json:"notional_usd"`
	Children           []ChildOrder    `json:"children"`
	MaxChildUSD        decimal.Decimal `json:"max_child_usd"`
	ImpactWithinBudget bool            `json:"impact_within_budget"`
}

// Len 返回子订单数量。
func (p Plan) Len() int {
	return len(p.Children)
}

// Splitter 根据滑点预算把大额交易拆为多笔子订单。
type Splitter struct {
	threshold   decimal.Decimal
	budget      decimal.Decimal
	maxChildren int
	interval    time.Duration
	volWeight   decimal.Decimal
}

// New 根据配置创建拆单器。
func New(cfg config.SplitterConfig) (*Splitter, error) {
	if cfg.SmallOrderThreshold <= 0 {
		return nil, fmt.Errorf("splitter: small_order_threshold 必须大于0")
	}
	if cfg.SlippageBudget <= 0 {
		return nil, fmt.Errorf("splitter: slippage_budget 必须大于0")
	}
	if cfg.MaxChildren < 2 {
		return nil, fmt.Errorf("splitter: max_children 至少为2")
	}
	return &Splitter{
		threshold:   decimal.NewFromFloat(cfg.SmallOrderThreshold),
		budget:      decimal.NewFromFloat(cfg.SlippageBudget),
		maxChildren: cfg.MaxChildren,
		interval:    cfg.ChildInterval,
		volWeight:   decimal.NewFromFloat(cfg.VolatilityWeight),
	}, nil
}

// Plan 生成执行计划；相同输入总是得到相同结果。
//
// 冲击模型：impact = amount / depth × (1 + volatility × weight)。
// 单笔上限 maxChild = budget × depth / (1 + volatility × weight)，
// 子订单数 N = ceil(notional / maxChild)，并限制在 [2, max_children]。
func (s *Splitter) Plan(notional decimal.Decimal, mc MarketContext) (Plan, error) {
	if !notional.IsPositive() {
		return Plan{}, fmt.Errorf("%w: %s", ErrInvalidNotional, notional)
	}
	if !mc.PriceUSD.IsPositive() {
		return Plan{}, fmt.Errorf("%w: %s %s", ErrInvalidPrice, mc.Token, mc.PriceUSD)
	}

	factor := one.Add(mc.Volatility.Abs().Mul(s.volWeight))
	plan := Plan{
		Token:              strings.ToUpper(mc.Token),
		NotionalUSD:        notional,
		ImpactWithinBudget: true,
	}
	if mc.DepthUSD.IsPositive() {
		plan.MaxChildUSD = s.budget.Mul(mc.DepthUSD).Div(factor).RoundDown(2)
	}

	n := 1
	if notional.GreaterThan(s.threshold) {
		n = s.childCount(notional, plan.MaxChildUSD)
	}
	n = shrinkForMinimum(notional, n)

	amounts := split(notional, n)
	plan.Children = make([]ChildOrder, n)
	for i, amt := range amounts {
		child := ChildOrder{
			Index:       i,
			Token:       plan.Token,
			AmountUSD:   amt,
			TokenAmount: amt.DivRound(mc.PriceUSD, tokenDecimal),
			Recipient:   mc.Recipient,
		}
		if i > 0 {
			child.Delay = s.interval
		}
		if mc.DepthUSD.IsPositive() {
			child.EstimatedImpact = amt.Div(mc.DepthUSD).Mul(factor).Round(6)
			if n > 1 && child.EstimatedImpact.GreaterThan(s.budget) {
				plan.ImpactWithinBudget = false
			}
		} else if n > 1 {
			plan.ImpactWithinBudget = false
		}
		plan.Children[i] = child
	}

	return plan, nil
}

func (s *Splitter) childCount(notional, maxChild decimal.Decimal) int {
	if !maxChild.IsPositive() {
		return s.maxChildren
	}
	n := notional.Div(maxChild).Ceil().IntPart()
	if n < 2 {
		n = 2
	}
	if n > int64(s.maxChildren) {
		n = int64(s.maxChildren)
	}
	return int(n)
}

// shrinkForMinimum 保证每笔子订单至少 1 美分。
func shrinkForMinimum(notional decimal.Decimal, n int) int {
	maxByCents := notional.Div(cent).Floor().IntPart()
	if maxByCents < 1 {
		return 1
	}
	if int64(n) > maxByCents {
		return int(maxByCents)
	}
	return n
}

// split 按美分向下取整均分，余数全部计入最后一笔。
func split(notional decimal.Decimal, n int) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{notional}
	}
	base := notional.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	out := make([]decimal.Decimal, n)
	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		out[i] = base
		allocated = allocated.Add(base)
	}
	out[n-1] = notional.Sub(allocated)
	return out
}

// Validate 校验计划：非空、序号连续、每笔为正且合计等于总额。
func Validate(p Plan) error {
	if len(p.Children) == 0 {
		return fmt.Errorf("%w: 计划为空", ErrInvalidPlan)
	}
	sum := decimal.Zero
	for i, c := range p.Children {
		if c.Index != i {
			return fmt.Errorf("%w: 第 %d 笔序号为 %d", ErrInvalidPlan, i, c.Index)
		}
		if !c.AmountUSD.IsPositive() {
			return fmt.Errorf("%w: 第 %d 笔金额 %s 不为正", ErrInvalidPlan, i, c.AmountUSD)
		}
		sum = sum.Add(c.AmountUSD)
	}
	if !sum.Equal(p.NotionalUSD) {
		return fmt.Errorf("%w: 合计 %s 不等于总额 %s", ErrInvalidPlan, sum, p.NotionalUSD)
	}
	return nil
}
