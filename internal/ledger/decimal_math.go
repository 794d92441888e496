package ledger

import (
	"math"

	"github.com/shopspring/decimal"
)

// 资金运算统一走 decimal，避免现金与保证金在长回放中累积二进制浮点误差。

var decimalZero = decimal.Zero

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }

func addFloat(a, b float64) float64 {
	return decToFloat(decFromFloat(a).Add(decFromFloat(b)))
}

func subFloat(a, b float64) float64 {
	return decToFloat(decFromFloat(a).Sub(decFromFloat(b)))
}

// notionalOf 返回 |qty| × price。
func notionalOf(qty, price float64) float64 {
	return decToFloat(decFromFloat(math.Abs(qty)).Mul(decFromFloat(price)))
}

// marginFor 返回开仓锁定的保证金 notional / leverage，杠杆非法时按 1 处理。
func marginFor(qty, price, leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return decToFloat(decFromFloat(notionalOf(qty, price)).Div(decFromFloat(leverage)))
}

// weightedEntry 返回两段仓位按数量加权的平均入场价。
func weightedEntry(entryA, qtyA, entryB, qtyB float64) float64 {
	totalQty := decFromFloat(qtyA).Add(decFromFloat(qtyB))
	if totalQty.IsZero() {
		return 0
	}
	sum := decFromFloat(entryA).Mul(decFromFloat(qtyA)).
		Add(decFromFloat(entryB).Mul(decFromFloat(qtyB)))
	return decToFloat(sum.Div(totalQty))
}

// unrealizedFor 返回 (price − entry) × qty × leverage，空头取反。
func unrealizedFor(side string, entry, price, qty, leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	diff := decFromFloat(price).Sub(decFromFloat(entry))
	if side == SideShort {
		diff = diff.Neg()
	}
	return decToFloat(diff.Mul(decFromFloat(qty)).Mul(decFromFloat(leverage)))
}
