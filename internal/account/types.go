package account

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier 表示 KYC 等级，取值 0-3，只升不降。
type Tier int

const (
	Tier0 Tier = iota
	Tier1
	Tier2
	Tier3
)

// Valid 判断等级是否在合法范围内。
func (t Tier) Valid() bool {
	return t >= Tier0 && t <= Tier3
}

func (t Tier) String() string {
	return fmt.Sprintf("tier%d", int(t))
}

// RiskLevel 为派生的账户风险等级。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid 判断风险等级是否合法。
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Custody 描述资产托管方式。
type Custody string

const (
	CustodySelf  Custody = "self"
	CustodyVault Custody = "vault"
)

// ParseCustody 解析托管模式，空字符串视为自托管。
func ParseCustody(s string) (Custody, error) {
	switch Custody(strings.ToLower(strings.TrimSpace(s))) {
	case "", CustodySelf:
		return CustodySelf, nil
	case CustodyVault:
		return CustodyVault, nil
	}
	return "", fmt.Errorf("account: 不支持的托管模式 %q", s)
}

// Account 是长期存在的账户根对象。
type Account struct {
	ID           string    `json:"id"`
	KYCTier      Tier      `json:"kyc_tier"`
	RiskLevel    RiskLevel `json:"risk_level"`
	Wallet       string    `json:"wallet,omitempty"`
	Custody      Custody   `json:"custody"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasWallet 判断是否已连接钱包。
func (a Account) HasWallet() bool {
	return a.Wallet != ""
}

var (
	ErrNotFound      = errors.New("account: 账户不存在")
	ErrExists        = errors.New("account: 账户已存在")
	ErrInvalidTier   = errors.New("account: KYC 等级超出范围")
	ErrTierDowngrade = errors.New("account: KYC 等级不允许下调")
	ErrInvalidWallet = errors.New("account: 钱包地址无效")
	ErrInvalidRisk   = errors.New("account: 风险等级无效")
)
