// Package orders 订单存储
//
// 未结订单常驻内存，Redis 作为直写副本供重启恢复；
// 已结订单仅追加到每个用户的 Redis 列表。
package orders

import "time"

// 订单方向
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// 订单类别；limit 为挂单功能预留位，目前与 market 同样即时成交
const (
	ClassMarket = "market"
	ClassLimit  = "limit"
)

// 平仓原因
const (
	ReasonTakeProfit  = "take_profit"
	ReasonStopLoss    = "stop_loss"
	ReasonLiquidation = "liquidation"
	ReasonManual      = "manual"
)

// Order 未结订单
//
// 金额字段均为最小单位整数。Leverage == 1 表示现货。
type Order struct {
	OrderID          int64   `json:"orderId"`
	UserID           string  `json:"userId"`
	Market           string  `json:"market"`
	Side             string  `json:"side"`
	Class            string  `json:"class"`
	Quantity         float64 `json:"quantity"`
	Leverage         int     `json:"leverage"`
	OpenPrice        int64   `json:"openPrice"`
	Margin           int64   `json:"margin"`
	TakeProfit       int64   `json:"takeProfit,omitempty"`
	StopLoss         int64   `json:"stopLoss,omitempty"`
	LiquidationPrice int64   `json:"liquidationPrice,omitempty"`
	CreatedAtMs      int64   `json:"createdAtMs"`
}

// Leveraged 是否杠杆订单
func (o *Order) Leveraged() bool {
	return o.Leverage > 1
}

// ClosedOrder 已结订单
type ClosedOrder struct {
	Order
	ClosePrice int64  `json:"closePrice"`
	PnL        int64  `json:"pnl"`
	Reason     string `json:"reason"`
	ClosedAtMs int64  `json:"closedAtMs"`
}

// NewClosedOrder 由未结订单生成已结记录
func NewClosedOrder(o *Order, closePrice, pnl int64, reason string) *ClosedOrder {
	return &ClosedOrder{
		Order:      *o,
		ClosePrice: closePrice,
		PnL:        pnl,
		Reason:     reason,
		ClosedAtMs: time.Now().UnixMilli(),
	}
}
