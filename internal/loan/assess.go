package loan

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Assess 计算抵押物估值与 LTV，并校验上限；相等视为通过。
func Assess(req OpenRequest) (Assessment, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return Assessment{}, reject(CodeInvalidRequest, "account_id 不能为空")
	}
	if !req.PrincipalUSD.IsPositive() {
		return Assessment{}, reject(CodeInvalidRequest, "借款本金必须为正: %s", req.PrincipalUSD)
	}
	if !req.LTVCeiling.IsPositive() || req.LTVCeiling.GreaterThan(decimal.NewFromInt(1)) {
		return Assessment{}, reject(CodeInvalidRequest, "LTV 上限必须位于(0,1]: %s", req.LTVCeiling)
	}
	if len(req.Collateral) == 0 {
		return Assessment{}, reject(CodeInvalidRequest, "至少需要一种抵押物")
	}

	prices := make(map[string]decimal.Decimal, len(req.Prices))
	for sym, p := range req.Prices {
		prices[strings.ToUpper(sym)] = p
	}

	a := Assessment{
		Collateral:    make([]Collateral, 0, len(req.Collateral)),
		CollateralUSD: decimal.Zero,
	}
	for _, c := range req.Collateral {
		sym := strings.ToUpper(strings.TrimSpace(c.Symbol))
		if sym == "" || !c.Amount.IsPositive() {
			return Assessment{}, reject(CodeInvalidRequest, "抵押物 %q 数量无效: %s", c.Symbol, c.Amount)
		}
		price, ok := prices[sym]
		if !ok || !price.IsPositive() {
			return Assessment{}, reject(CodeMissingPrice, "缺少 %s 的价格", sym)
		}
		value := c.Amount.Mul(price)
		a.Collateral = append(a.Collateral, Collateral{
			Symbol:   sym,
			Amount:   c.Amount,
			PriceUSD: price,
			ValueUSD: value,
		})
		a.CollateralUSD = a.CollateralUSD.Add(value)
	}

	a.MaxBorrowUSD = a.CollateralUSD.Mul(req.LTVCeiling)
	a.LTV = req.PrincipalUSD.DivRound(a.CollateralUSD, 8)

	if req.PrincipalUSD.GreaterThan(a.MaxBorrowUSD) {
		return a, reject(CodeExceedsLTV, "本金 $%s 超过抵押 $%s × %s = $%s",
			req.PrincipalUSD.StringFixed(2), a.CollateralUSD.StringFixed(2),
			req.LTVCeiling.String(), a.MaxBorrowUSD.StringFixed(2))
	}
	return a, nil
}
