// Package reconcile 账本巡检
//
// 定时扫描全部账户，核对资金不变量并输出快照日志。只读不修正：
// 发现差异时记录告警，由人工介入处理。
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exchange/margin/internal/ledger"
	"github.com/exchange/margin/internal/orders"
	"github.com/exchange/margin/pkg/logger"
)

// DefaultSpec 默认每 5 分钟巡检一次
const DefaultSpec = "*/5 * * * *"

// 复查等待时间：下单在锁定与入账之间存在锁定无对应持仓的
// 短暂窗口，隔一拍再看一次，窗口内的账户不算违例
const defaultRecheckDelay = 200 * time.Millisecond

// Discrepancy 单个账户的不变量违例
type Discrepancy struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Checker 巡检器
type Checker struct {
	ledger       *ledger.Ledger
	store        *orders.Store
	log          *logger.Logger
	recheckDelay time.Duration
}

// NewChecker 创建巡检器
func NewChecker(lg *ledger.Ledger, store *orders.Store, log *logger.Logger) *Checker {
	return &Checker{ledger: lg, store: store, log: log, recheckDelay: defaultRecheckDelay}
}

// RunOnce 扫描全部账户，返回发现的违例
//
// 首轮命中的账户隔一拍重读后复核，滤掉在途下单造成的瞬时状态。
func (c *Checker) RunOnce(ctx context.Context) ([]Discrepancy, error) {
	var (
		candidates []Discrepancy
		accounts   int
	)
	err := c.ledger.ScanAccounts(ctx, func(userID string, acc *ledger.Account) error {
		accounts++
		candidates = append(candidates, checkAccount(userID, acc)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan accounts: %w", err)
	}

	found := candidates
	if len(candidates) > 0 {
		select {
		case <-time.After(c.recheckDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		found = c.confirm(ctx, candidates)
	}

	for _, d := range found {
		c.log.Warnf("ledger discrepancy", map[string]interface{}{
			"user_id": d.UserID,
			"kind":    d.Kind,
			"detail":  d.Detail,
		})
	}
	c.log.Infof("reconciliation pass complete", map[string]interface{}{
		"accounts":      accounts,
		"open_orders":   c.store.CountOpen(),
		"discrepancies": len(found),
	})
	return found, nil
}

// confirm 重读命中账户并复核；读不到的账户保留原违例
func (c *Checker) confirm(ctx context.Context, candidates []Discrepancy) []Discrepancy {
	users := make(map[string][]Discrepancy)
	for _, d := range candidates {
		users[d.UserID] = append(users[d.UserID], d)
	}

	var confirmed []Discrepancy
	for userID, original := range users {
		acc, err := c.ledger.GetAccount(ctx, userID)
		if err != nil {
			c.log.WithError(err).Warnf("recheck read failed", map[string]interface{}{"user_id": userID})
			confirmed = append(confirmed, original...)
			continue
		}
		confirmed = append(confirmed, checkAccount(userID, acc)...)
	}
	return confirmed
}

// checkAccount 核对单账户不变量
func checkAccount(userID string, acc *ledger.Account) []Discrepancy {
	var found []Discrepancy

	if acc.CashBalance < 0 {
		found = append(found, Discrepancy{
			UserID: userID,
			Kind:   "negative_cash",
			Detail: fmt.Sprintf("cash_balance=%d", acc.CashBalance),
		})
	}
	if acc.LockedMargin < 0 {
		found = append(found, Discrepancy{
			UserID: userID,
			Kind:   "negative_locked",
			Detail: fmt.Sprintf("locked_margin=%d", acc.LockedMargin),
		})
	}

	var marginSum int64
	for market, pos := range acc.Positions {
		marginSum += pos.Margin
		if pos.Quantity < 0 {
			found = append(found, Discrepancy{
				UserID: userID,
				Kind:   "negative_position",
				Detail: fmt.Sprintf("market=%s qty=%f", market, pos.Quantity),
			})
		}
	}
	if marginSum != acc.LockedMargin {
		found = append(found, Discrepancy{
			UserID: userID,
			Kind:   "margin_mismatch",
			Detail: fmt.Sprintf("locked_margin=%d positions_sum=%d", acc.LockedMargin, marginSum),
		})
	}

	for market, qty := range acc.SpotHoldings {
		if qty < 0 {
			found = append(found, Discrepancy{
				UserID: userID,
				Kind:   "negative_holding",
				Detail: fmt.Sprintf("market=%s qty=%f", market, qty),
			})
		}
	}
	return found
}

// Run 按 cron 表达式定时巡检，阻塞到 ctx 取消
func (c *Checker) Run(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultSpec
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	sched := cron.New(cron.WithParser(parser))
	sched.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.RunOnce(ctx); err != nil {
			c.log.WithError(err).Error("scheduled reconciliation failed")
		}
	}))

	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	return nil
}
