package vault

import "vaultscan/internal/domain/nearby"

// CollateralFilter 按抵押品类型过滤记录；All 返回 nil（全部接受）
func CollateralFilter(ct CollateralType) nearby.Predicate {
	if ct == "" || ct == CollateralAll {
		return nil
	}
	return func(rec nearby.Record) bool {
		cdp, ok := rec.Payload.(*Cdp)
		if !ok || cdp == nil {
			return false
		}
		return cdp.IlkName == string(ct)
	}
}
