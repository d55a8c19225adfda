package vault

import (
	"math/big"

	"vaultscan/internal/domain/nearby"
)

// View 面向 API 的金库展示结构
type View struct {
	ID                int64  `json:"id"`
	Urn               string `json:"urn"`
	Owner             string `json:"owner"`
	UserAddr          string `json:"user_addr"`
	Ilk               string `json:"ilk"`
	Collateral        string `json:"collateral"`
	Debt              string `json:"debt"`
	CollateralDisplay string `json:"collateral_display"`
	DebtDisplay       string `json:"debt_display"`
}

// NewView 结合费率累加器构建展示结构，rates 按 ilk 名称索引
func NewView(c *Cdp, rates map[string]*big.Int) View {
	v := View{
		ID:       c.ID,
		Urn:      c.Urn,
		Owner:    c.Owner,
		UserAddr: c.UserAddr,
		Ilk:      c.IlkName,
	}
	if c.Collateral != nil {
		v.Collateral = c.Collateral.String()
	}
	if c.Debt != nil {
		v.Debt = c.Debt.String()
	}
	v.CollateralDisplay = FormatCollateral(c.Collateral, "ETH")
	v.DebtDisplay = FormatDebt(c.Debt, rates[c.IlkName])
	return v
}

// Views 将搜索结果转换为展示结构，跳过非金库载荷
func Views(records []nearby.Record, rates map[string]*big.Int) []View {
	out := make([]View, 0, len(records))
	for _, rec := range records {
		c, ok := rec.Payload.(*Cdp)
		if !ok || c == nil {
			continue
		}
		out = append(out, NewView(c, rates))
	}
	return out
}
