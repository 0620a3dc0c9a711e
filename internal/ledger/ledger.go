// Package ledger 账户资金台账
//
// 每个账户一条 Redis hash 记录（account:{userId}）。
// 同一账户的读改写通过按键互斥串行化；锁定与释放成对出现，
// 释放按 min(lockedMargin, amount) 收敛，不会超释。
package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/margin/pkg/errs"
	"github.com/exchange/margin/pkg/logger"
)

const keyPrefix = "account:"

// qtyEpsilon 浮点数量的零判定
const qtyEpsilon = 1e-9

// Ledger 台账
type Ledger struct {
	rdb *redis.Client
	log *logger.Logger

	// 按账户互斥
	locks sync.Map // userID -> *sync.Mutex
}

// New 创建台账
func New(rdb *redis.Client, log *logger.Logger) *Ledger {
	return &Ledger{rdb: rdb, log: log}
}

// Key 账户的存储键
func Key(userID string) string {
	return keyPrefix + userID
}

func (l *Ledger) mutex(userID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// GetAccount 读取账户
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*Account, error) {
	fields, err := l.rdb.HGetAll(ctx, Key(userID)).Result()
	if err != nil {
		return nil, errs.Newf(errs.CodeUnavailable, "load account %s: %v", userID, err)
	}
	if len(fields) == 0 {
		return nil, errs.ErrAccountNotFound
	}
	return accountFromFields(userID, fields)
}

// PutAccount 写入账户
func (l *Ledger) PutAccount(ctx context.Context, acc *Account) error {
	acc.Version++
	acc.UpdatedAtMs = time.Now().UnixMilli()

	fields, err := acc.toFields()
	if err != nil {
		return err
	}
	if err := l.rdb.HSet(ctx, Key(acc.UserID), fields).Err(); err != nil {
		return errs.Newf(errs.CodeUnavailable, "store account %s: %v", acc.UserID, err)
	}
	return nil
}

// CreateAccount 初始化账户（已存在则跳过）
func (l *Ledger) CreateAccount(ctx context.Context, userID string, cash int64) error {
	mu := l.mutex(userID)
	mu.Lock()
	defer mu.Unlock()

	exists, err := l.rdb.Exists(ctx, Key(userID)).Result()
	if err != nil {
		return errs.Newf(errs.CodeUnavailable, "check account %s: %v", userID, err)
	}
	if exists > 0 {
		return nil
	}
	return l.PutAccount(ctx, NewAccount(userID, cash))
}

// WithAccount 在账户互斥下执行读改写
//
// fn 返回错误时不落盘，账户保持原状。
func (l *Ledger) WithAccount(ctx context.Context, userID string, fn func(acc *Account) error) error {
	mu := l.mutex(userID)
	mu.Lock()
	defer mu.Unlock()

	acc, err := l.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if err := fn(acc); err != nil {
		return err
	}
	return l.PutAccount(ctx, acc)
}

// Lock 锁定保证金：cash -= amount, locked += amount
func (l *Ledger) Lock(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return errs.Newf(errs.CodeInvalidInput, "negative lock amount %d", amount)
	}
	return l.WithAccount(ctx, userID, func(acc *Account) error {
		if acc.CashBalance < amount {
			return errs.ErrInsufficientBalance
		}
		acc.CashBalance -= amount
		acc.LockedMargin += amount
		return nil
	})
}

// Release 释放保证金，按 min(lockedMargin, amount) 收敛
func (l *Ledger) Release(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, errs.Newf(errs.CodeInvalidInput, "negative release amount %d", amount)
	}
	var released int64
	err := l.WithAccount(ctx, userID, func(acc *Account) error {
		released = amount
		if acc.LockedMargin < released {
			released = acc.LockedMargin
		}
		acc.LockedMargin -= released
		acc.CashBalance += released
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// ApplyPnL 结算入账：调整现金及现货持仓或杠杆持仓数量
func (l *Ledger) ApplyPnL(ctx context.Context, userID, market, side string, signedAmount int64, qtyDelta float64, leveraged bool) error {
	return l.WithAccount(ctx, userID, func(acc *Account) error {
		creditCash(l.log, acc, signedAmount)
		if leveraged {
			adjustPosition(acc, market, qtyDelta)
		} else {
			adjustHolding(acc, market, qtyDelta)
		}
		return nil
	})
}

// creditCash 入账并守住余额非负
func creditCash(log *logger.Logger, acc *Account, delta int64) {
	next := acc.CashBalance + delta
	if next < 0 {
		if log != nil {
			log.Warnf("cash balance clamped to zero", map[string]interface{}{
				"userId": acc.UserID,
				"delta":  delta,
			})
		}
		next = 0
	}
	acc.CashBalance = next
}

func adjustHolding(acc *Account, market string, delta float64) {
	qty := acc.SpotHoldings[market] + delta
	if math.Abs(qty) < qtyEpsilon {
		delete(acc.SpotHoldings, market)
		return
	}
	acc.SpotHoldings[market] = qty
}

func adjustPosition(acc *Account, market string, delta float64) {
	pos, ok := acc.Positions[market]
	if !ok {
		return
	}
	pos.Quantity += delta
	if math.Abs(pos.Quantity) < qtyEpsilon {
		delete(acc.Positions, market)
	}
}

// ScanAccounts 遍历全部账户键（对账任务用）
func (l *Ledger) ScanAccounts(ctx context.Context, fn func(userID string, acc *Account) error) error {
	iter := l.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		userID := iter.Val()[len(keyPrefix):]
		acc, err := l.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		if err := fn(userID, acc); err != nil {
			return err
		}
	}
	return iter.Err()
}
