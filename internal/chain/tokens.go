package chain

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrUnknownToken = errors.New("chain: 代币未登记")

// Token 描述一个 ERC-20 合约。
type Token struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// tokenFile 对应 configs/tokens.yaml 的结构。
type tokenFile struct {
	Tokens []Token `yaml:"tokens"`
}

// Registry 按符号索引代币合约。
type Registry struct {
	tokens map[string]Token
}

// NewRegistry 由代币列表构造注册表，并校验地址与精度。
func NewRegistry(tokens []Token) (*Registry, error) {
	r := &Registry{tokens: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		symbol := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if symbol == "" {
			return nil, errors.New("chain: 代币符号不能为空")
		}
		if !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("chain: 代币 %s 地址无效: %s", symbol, t.Address)
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			return nil, fmt.Errorf("chain: 代币 %s 精度无效: %d", symbol, t.Decimals)
		}
		if _, dup := r.tokens[symbol]; dup {
			return nil, fmt.Errorf("chain: 代币 %s 重复登记", symbol)
		}
		t.Symbol = symbol
		t.Address = common.HexToAddress(t.Address).Hex()
		r.tokens[symbol] = t
	}
	return r, nil
}

// LoadRegistry 读取 YAML 代币清单。
func LoadRegistry(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain: 读取代币清单失败: %w", err)
	}

	var file tokenFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("chain: 解析代币清单失败: %w", err)
	}
	return NewRegistry(file.Tokens)
}

// Lookup 返回代币定义。
func (r *Registry) Lookup(symbol string) (Token, error) {
	t, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	return t, nil
}

// Len 返回已登记的代币数量。
func (r *Registry) Len() int {
	return len(r.tokens)
}

// ToBaseUnits 将代币数量换算为最小单位，向下取整。
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}
