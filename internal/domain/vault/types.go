package vault

import (
	"fmt"
	"math/big"
	"strings"
)

// CollateralType 抵押品类型（ilk 名称）
type CollateralType string

const (
	CollateralAll   CollateralType = "All"
	CollateralETHA  CollateralType = "ETH-A"
	CollateralWBTCA CollateralType = "WBTC-A"
	CollateralUSDCA CollateralType = "USDC-A"
)

// CollateralTypes 可查询费率的具体抵押品类型（不含 All）
func CollateralTypes() []CollateralType {
	return []CollateralType{CollateralETHA, CollateralWBTCA, CollateralUSDCA}
}

// ParseCollateralType 解析抵押品类型，空字符串视为 All，大小写不敏感
func ParseCollateralType(raw string) (CollateralType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return CollateralAll, nil
	}
	for _, ct := range append([]CollateralType{CollateralAll}, CollateralTypes()...) {
		if strings.EqualFold(raw, string(ct)) {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unknown collateral type %q", raw)
}

// Cdp 链上金库（CDP）快照，取回后不可变
type Cdp struct {
	ID         int64    `json:"id"`
	Urn        string   `json:"urn"`
	Owner      string   `json:"owner"`
	UserAddr   string   `json:"user_addr"`
	Ilk        string   `json:"ilk"`      // bytes32 原始十六进制
	IlkName    string   `json:"ilk_name"` // 解码后的抵押品类型
	Collateral *big.Int `json:"collateral"`
	Debt       *big.Int `json:"debt"` // 标准化债务 art，需乘以费率累加器
}
