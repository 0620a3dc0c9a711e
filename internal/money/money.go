// Package money 定点金额工具
//
// 所有参与运算的价格与金额都以最小单位整数表示（×Scale）。
// 数量（资产数额）保留浮点，价格×数量的结果向下取整后才进入余额。
package money

import "math"

// Scale 最小单位换算系数（分级精度）
const Scale int64 = 100

// ToScaled 十进制金额转最小单位整数（四舍五入）
func ToScaled(v float64) int64 {
	return int64(math.Round(v * float64(Scale)))
}

// FromScaled 最小单位整数转十进制金额
func FromScaled(v int64) float64 {
	return float64(v) / float64(Scale)
}

// Notional 名义价值：价格 × 数量，向下取整到最小单位
func Notional(price int64, qty float64) int64 {
	return int64(math.Floor(float64(price) * qty))
}

// Margin 保证金：名义价值 / 杠杆，向下取整
func Margin(notional int64, leverage int) int64 {
	if leverage <= 1 {
		return notional
	}
	return notional / int64(leverage)
}

// PnL 盈亏：(平仓价 - 开仓价) × 数量，向下取整
//
// 空头方向由调用方交换开平仓价。
func PnL(openPrice, closePrice int64, qty float64) int64 {
	return int64(math.Floor(float64(closePrice-openPrice) * qty))
}
