package execution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// AllocateBasket 把总额按占比分配到各币种。
// 占比之和必须为 100；每份向下取整到美分，余数计入最后一份，合计恒等于总额。
func AllocateBasket(allocs []Allocation, total decimal.Decimal) ([]decimal.Decimal, error) {
	if len(allocs) == 0 {
		return nil, errors.New("basket has no allocations")
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("total must be positive, got %s", total)
	}

	sum := decimal.Zero
	seen := make(map[string]bool, len(allocs))
	for _, a := range allocs {
		symbol := strings.ToUpper(strings.TrimSpace(a.Symbol))
		if symbol == "" {
			return nil, errors.New("allocation symbol is required")
		}
		if seen[symbol] {
			return nil, fmt.Errorf("duplicate allocation for %s", symbol)
		}
		seen[symbol] = true
		if !a.Percent.IsPositive() {
			return nil, fmt.Errorf("allocation %s must be positive, got %s", symbol, a.Percent)
		}
		sum = sum.Add(a.Percent)
	}
	if !sum.Equal(hundred) {
		return nil, fmt.Errorf("allocations sum to %s%%, want 100%%", sum)
	}

	out := make([]decimal.Decimal, len(allocs))
	allocated := decimal.Zero
	for i, a := range allocs {
		if i == len(allocs)-1 {
			out[i] = total.Sub(allocated)
			break
		}
		out[i] = total.Mul(a.Percent).Div(hundred).RoundDown(2)
		allocated = allocated.Add(out[i])
	}
	for i, amt := range out {
		if !amt.IsPositive() {
			return nil, fmt.Errorf("allocation %s rounds to %s", strings.ToUpper(allocs[i].Symbol), amt)
		}
	}
	return out, nil
}
