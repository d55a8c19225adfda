package vault

import (
	"math"
	"math/big"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	// displayScale 展示精度：保留 5 位小数的定点数
	displayScale = 100000
	// compactThreshold 超过该绝对值时使用紧凑记法（K/M/B/T）
	compactThreshold = 200000
)

var (
	wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	ray = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
)

// ScaleWei wei * 1e5 / 1e18，截断为 5 位小数的定点整数
func ScaleWei(wei *big.Int) *big.Int {
	if wei == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(wei, big.NewInt(displayScale))
	return out.Quo(out, wad)
}

// WeiToFloat 将 wei 转为保留 5 位小数的浮点数
func WeiToFloat(wei *big.Int) float64 {
	f, _ := new(big.Float).SetInt(ScaleWei(wei)).Float64()
	return f / displayScale
}

// DebtWithRate 实际债务 = art * rate / 1e27
func DebtWithRate(art, rate *big.Int) *big.Int {
	if art == nil || rate == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(art, rate)
	return out.Quo(out, ray)
}

// FormatAmount 按固定小数位格式化，绝对值 ≥ 200000 时使用紧凑记法
func FormatAmount(value float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	pattern := "#,###." + strings.Repeat("#", decimals)

	abs := math.Abs(value)
	if abs < compactThreshold {
		return humanize.FormatFloat(pattern, value)
	}

	suffixes := []struct {
		div    float64
		suffix string
	}{
		{1e12, "T"},
		{1e9, "B"},
		{1e6, "M"},
		{1e3, "K"},
	}
	for _, s := range suffixes {
		if abs >= s.div {
			return humanize.FormatFloat(pattern, value/s.div) + s.suffix
		}
	}
	return humanize.FormatFloat(pattern, value)
}

// FormatCollateral 抵押品数量展示，如 "12.500 ETH"
func FormatCollateral(wei *big.Int, unit string) string {
	return FormatAmount(WeiToFloat(wei), 3) + " " + unit
}

// FormatDebt 债务展示；费率未知时返回 "0"
func FormatDebt(art, rate *big.Int) string {
	if rate == nil || rate.Sign() == 0 {
		return "0"
	}
	return FormatAmount(WeiToFloat(DebtWithRate(art, rate)), 2) + " DAI"
}
