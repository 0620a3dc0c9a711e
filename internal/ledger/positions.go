package ledger

import (
	"context"
	"math"

	"github.com/exchange/margin/pkg/errs"
)

// ConvertLockToHolding 现货买入成交：锁定的名义价值转为持仓
func (l *Ledger) ConvertLockToHolding(ctx context.Context, userID, market string, notional int64, qty float64) error {
	return l.WithAccount(ctx, userID, func(acc *Account) error {
		released := notional
		if acc.LockedMargin < released {
			released = acc.LockedMargin
		}
		acc.LockedMargin -= released
		acc.SpotHoldings[market] += qty
		return nil
	})
}

// SellHolding 现货卖出成交：校验并扣减持仓，名义价值入账
func (l *Ledger) SellHolding(ctx context.Context, userID, market string, qty float64, notional int64) error {
	return l.WithAccount(ctx, userID, func(acc *Account) error {
		if acc.SpotHoldings[market]+qtyEpsilon < qty {
			return errs.ErrInsufficientAsset
		}
		adjustHolding(acc, market, -qty)
		creditCash(l.log, acc, notional)
		return nil
	})
}

// OpenPosition 开立或加仓杠杆持仓
//
// 同方向加仓按数量合并，保证金累加，开仓价取数量加权均值；
// 反方向视为非法输入（不支持对冲仓）。
func (l *Ledger) OpenPosition(ctx context.Context, userID, market, side string, qty float64, leverage int, entryPrice, margin int64) error {
	return l.WithAccount(ctx, userID, func(acc *Account) error {
		pos, ok := acc.Positions[market]
		if !ok {
			acc.Positions[market] = &Position{
				Side:       side,
				Quantity:   qty,
				Leverage:   leverage,
				EntryPrice: entryPrice,
				Margin:     margin,
			}
			return nil
		}
		if pos.Side != side {
			return errs.Newf(errs.CodeInvalidInput, "market %s already holds a %s position", market, pos.Side)
		}
		total := pos.Quantity + qty
		pos.EntryPrice = int64(math.Floor((float64(pos.EntryPrice)*pos.Quantity + float64(entryPrice)*qty) / total))
		pos.Quantity = total
		pos.Margin += margin
		pos.Leverage = leverage
		return nil
	})
}

// SettlePosition 杠杆平仓结算：释放保证金、盈亏入账、扣减持仓
//
// 释放与入账在同一次读改写内完成；现金守住非负下界。
func (l *Ledger) SettlePosition(ctx context.Context, userID, market string, margin, pnl int64, qty float64) error {
	return l.WithAccount(ctx, userID, func(acc *Account) error {
		released := margin
		if acc.LockedMargin < released {
			released = acc.LockedMargin
		}
		acc.LockedMargin -= released
		creditCash(l.log, acc, released+pnl)

		if pos, ok := acc.Positions[market]; ok {
			pos.Quantity -= qty
			pos.Margin -= margin
			if pos.Margin < 0 {
				pos.Margin = 0
			}
			if math.Abs(pos.Quantity) < qtyEpsilon {
				delete(acc.Positions, market)
			}
		}
		return nil
	})
}
