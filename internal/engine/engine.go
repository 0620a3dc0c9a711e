// Package engine 保证金与触发引擎
//
// 引擎持有显式状态：行情快照、台账、订单存储、每市场一个工作协程。
// 同一账户的余额变更由台账按键串行，同一市场的触发器登记与
// tick 评估由该市场的工作协程按到达顺序串行。
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/exchange/margin/internal/ledger"
	"github.com/exchange/margin/internal/metrics"
	"github.com/exchange/margin/internal/money"
	"github.com/exchange/margin/internal/orders"
	"github.com/exchange/margin/internal/triggers"
	"github.com/exchange/margin/pkg/errs"
	"github.com/exchange/margin/pkg/logger"
	"github.com/exchange/margin/pkg/snowflake"
)

// 杠杆区间
const (
	MinLeverage = 1
	MaxLeverage = 40
)

const (
	defaultMaintenanceMarginBps = 50
	defaultCmdBufferSize        = 1024

	// 已结订单落盘失败后的重试间隔
	closedRetryInterval = 5 * time.Second
)

// Quote 市场最新买卖价
type Quote struct {
	BuyPrice  int64
	SellPrice int64
}

// Tick 一次行情更新
type Tick struct {
	Market      string
	BuyPrice    int64
	SellPrice   int64
	TimestampMs int64
}

// Config 引擎配置
type Config struct {
	// Markets 跟踪的市场；每个市场一个工作协程
	Markets []string
	// MaintenanceMarginBps 维持保证金率（万分比），决定强平价
	MaintenanceMarginBps int64
	// CmdBufferSize 每市场命令通道容量
	CmdBufferSize int
}

// Engine 保证金与触发引擎
type Engine struct {
	cfg    Config
	ledger *ledger.Ledger
	store  *orders.Store
	idGen  *snowflake.Generator
	log    *logger.Logger

	qmu    sync.RWMutex
	quotes map[string]Quote

	workers map[string]*marketWorker

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建引擎
func New(cfg Config, lg *ledger.Ledger, store *orders.Store, idGen *snowflake.Generator, log *logger.Logger) *Engine {
	if cfg.MaintenanceMarginBps <= 0 {
		cfg.MaintenanceMarginBps = defaultMaintenanceMarginBps
	}
	if cfg.CmdBufferSize <= 0 {
		cfg.CmdBufferSize = defaultCmdBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		ledger:  lg,
		store:   store,
		idGen:   idGen,
		log:     log,
		quotes:  make(map[string]Quote),
		workers: make(map[string]*marketWorker),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, market := range cfg.Markets {
		e.workers[market] = newMarketWorker(e, market, cfg.CmdBufferSize)
	}
	return e
}

// Start 启动全部市场工作协程
func (e *Engine) Start() {
	for _, w := range e.workers {
		go w.run()
	}
	go e.retryClosedLoop()
}

func (e *Engine) retryClosedLoop() {
	ticker := time.NewTicker(closedRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.store.FlushPending(e.ctx)
		case <-e.ctx.Done():
			return
		}
	}
}

// Stop 停止引擎
func (e *Engine) Stop() {
	e.cancel()
}

// Done 引擎停止信号
func (e *Engine) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Quote 读取市场最新报价
func (e *Engine) Quote(market string) (Quote, bool) {
	e.qmu.RLock()
	defer e.qmu.RUnlock()
	q, ok := e.quotes[market]
	return q, ok
}

func (e *Engine) setQuote(market string, q Quote) {
	e.qmu.Lock()
	e.quotes[market] = q
	e.qmu.Unlock()
}

// OnTick 接收一次行情更新，交给该市场的工作协程按序处理
func (e *Engine) OnTick(t Tick) error {
	w, ok := e.workers[t.Market]
	if !ok {
		return errs.Newf(errs.CodeInvalidInput, "unknown market %s", t.Market)
	}
	return w.submitTick(t)
}

// Recover 启动恢复：重建内存未结集合并重新登记触发条目
func (e *Engine) Recover(ctx context.Context) error {
	recovered, err := e.store.LoadOpen(ctx)
	if err != nil {
		return err
	}
	for _, o := range recovered {
		w, ok := e.workers[o.Market]
		if !ok {
			e.log.Warnf("recovered order for untracked market", map[string]interface{}{
				"orderId": o.OrderID,
				"market":  o.Market,
			})
			continue
		}
		if err := w.register(o); err != nil {
			return err
		}
	}
	metrics.SetOpenOrders(e.store.CountOpen())
	e.log.Infof("open orders recovered", map[string]interface{}{"count": len(recovered)})
	return nil
}

// PlaceOrderRequest 下单请求；价格字段均为最小单位整数
type PlaceOrderRequest struct {
	UserID     string
	Market     string
	Side       string
	Class      string
	Quantity   float64
	Leverage   int
	TakeProfit int64
	StopLoss   int64
}

// PlaceOrder 下单
//
// 顺序：校验 → 取价 → 锁定 → 建单并登记触发器 → 即时成交入账。
// 锁定之前的失败无副作用；锁定之后的失败走补偿释放。
func (e *Engine) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (int64, error) {
	reject := func(err error) (int64, error) {
		metrics.IncOrdersRejected(string(errs.CodeOf(err)))
		return 0, err
	}

	quote, ok := e.Quote(req.Market)
	if !ok {
		return reject(errs.ErrMarketDataUnavailable)
	}
	if err := validateRequest(req); err != nil {
		return reject(err)
	}

	// 买单吃卖价，卖单吃买价
	execPrice := quote.SellPrice
	if req.Side == orders.SideSell {
		execPrice = quote.BuyPrice
	}
	notional := money.Notional(execPrice, req.Quantity)
	if notional <= 0 {
		return reject(errs.Newf(errs.CodeInvalidInput, "quantity %v too small at price %d", req.Quantity, execPrice))
	}

	leveraged := req.Leverage > 1
	margin := money.Margin(notional, req.Leverage)
	spotSell := !leveraged && req.Side == orders.SideSell

	// 锁定前的预检：现货卖出要有持仓，杠杆单不得反向持仓。
	// 预检后的并发竞争由成交一步的原子校验兜底。
	acc, err := e.ledger.GetAccount(ctx, req.UserID)
	if err != nil {
		return reject(err)
	}
	if spotSell && acc.SpotHoldings[req.Market] < req.Quantity {
		return reject(errs.ErrInsufficientAsset)
	}
	if leveraged {
		if pos, ok := acc.Positions[req.Market]; ok && pos.Side != req.Side {
			return reject(errs.Newf(errs.CodeInvalidInput, "market %s already holds a %s position", req.Market, pos.Side))
		}
	}

	lockAmount := notional
	if leveraged {
		lockAmount = margin
	}
	if spotSell {
		lockAmount = 0
	}
	if lockAmount > 0 {
		if err := e.ledger.Lock(ctx, req.UserID, lockAmount); err != nil {
			return reject(err)
		}
	}

	orderID, err := e.idGen.Generate()
	if err != nil {
		e.rollbackLock(ctx, req.UserID, lockAmount)
		return reject(errs.Newf(errs.CodeInternal, "generate order id: %v", err))
	}

	o := &orders.Order{
		OrderID:     orderID,
		UserID:      req.UserID,
		Market:      req.Market,
		Side:        req.Side,
		Class:       req.Class,
		Quantity:    req.Quantity,
		Leverage:    req.Leverage,
		OpenPrice:   execPrice,
		TakeProfit:  req.TakeProfit,
		StopLoss:    req.StopLoss,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	if leveraged {
		o.Margin = margin
		o.LiquidationPrice = liquidationPrice(req.Side, execPrice, req.Leverage, e.cfg.MaintenanceMarginBps)
	}

	if err := e.store.Persist(ctx, o); err != nil {
		e.rollbackLock(ctx, req.UserID, lockAmount)
		return reject(err)
	}

	// 即时成交入账先于订单可见：摘单（触发或手动平仓）能拿到的
	// 订单必然已有对应持仓，结算不会撞上半成品账户。
	switch {
	case spotSell:
		err = e.ledger.SellHolding(ctx, req.UserID, req.Market, req.Quantity, notional)
	case leveraged:
		err = e.ledger.OpenPosition(ctx, req.UserID, req.Market, req.Side, req.Quantity, req.Leverage, execPrice, margin)
	default:
		err = e.ledger.ConvertLockToHolding(ctx, req.UserID, req.Market, notional, req.Quantity)
	}
	if err != nil {
		e.store.Discard(ctx, o)
		e.rollbackLock(ctx, req.UserID, lockAmount)
		return reject(err)
	}
	e.store.Activate(o)

	// 登记只会因引擎停止而失败；此时持久状态已完整，
	// 触发条目由下次启动的恢复流程重建。
	if err := e.workers[req.Market].register(o); err != nil {
		e.log.WithError(err).Warnf("trigger registration skipped", map[string]interface{}{
			"orderId": orderID,
			"market":  req.Market,
		})
	}

	metrics.IncOrdersPlaced(req.Market)
	metrics.SetOpenOrders(e.store.CountOpen())
	return orderID, nil
}

func (e *Engine) rollbackLock(ctx context.Context, userID string, amount int64) {
	if amount <= 0 {
		return
	}
	if _, err := e.ledger.Release(ctx, userID, amount); err != nil {
		e.log.WithError(err).Errorf("rollback release failed", map[string]interface{}{
			"userId": userID,
			"amount": amount,
		})
	}
}

func validateRequest(req *PlaceOrderRequest) error {
	if req.UserID == "" {
		return errs.Newf(errs.CodeInvalidInput, "missing user id")
	}
	if req.Side != orders.SideBuy && req.Side != orders.SideSell {
		return errs.Newf(errs.CodeInvalidInput, "bad side %q", req.Side)
	}
	if req.Class == "" {
		req.Class = orders.ClassMarket
	}
	if req.Class != orders.ClassMarket && req.Class != orders.ClassLimit {
		return errs.Newf(errs.CodeInvalidInput, "bad order class %q", req.Class)
	}
	if req.Quantity <= 0 {
		return errs.Newf(errs.CodeInvalidInput, "quantity must be positive, got %v", req.Quantity)
	}
	if req.Leverage < MinLeverage || req.Leverage > MaxLeverage {
		return errs.Newf(errs.CodeInvalidInput, "leverage %d out of range [%d,%d]", req.Leverage, MinLeverage, MaxLeverage)
	}
	if req.TakeProfit < 0 || req.StopLoss < 0 {
		return errs.Newf(errs.CodeInvalidInput, "negative trigger price")
	}
	return nil
}

// liquidationPrice 强平价
//
// 多头：entry − entry/lev + entry·mmr；空头镜像。
// 不采用“开仓价即强平价”的占位做法。
func liquidationPrice(side string, entry int64, leverage int, mmrBps int64) int64 {
	step := entry/int64(leverage) - entry*mmrBps/10000
	if side == orders.SideBuy {
		return entry - step
	}
	return entry + step
}

// CloseOrder 手动平仓，按当前报价结算
func (e *Engine) CloseOrder(ctx context.Context, userID string, orderID int64) (*orders.ClosedOrder, error) {
	o, ok := e.store.Get(orderID)
	if !ok || o.UserID != userID {
		return nil, errs.ErrOrderNotFound
	}
	quote, ok := e.Quote(o.Market)
	if !ok {
		return nil, errs.ErrMarketDataUnavailable
	}

	claimed, ok := e.store.Claim(orderID)
	if !ok {
		// 输给并发的触发结算
		return nil, errs.ErrOrderNotFound
	}
	closePrice := quote.BuyPrice
	if claimed.Side == orders.SideSell {
		closePrice = quote.SellPrice
	}
	closed, err := e.settle(ctx, claimed, closePrice, orders.ReasonManual)
	if err != nil {
		e.store.Restore(claimed)
		return nil, err
	}
	metrics.SetOpenOrders(e.store.CountOpen())
	return closed, nil
}

// settle 结算已摘除的订单
//
// 调用方必须先 Claim 成功；失败时由调用方 Restore。
// 台账入账成功后订单必达已结状态，落盘失败转入重试队列，
// 直到未结记录从 Redis 移除为止。
func (e *Engine) settle(ctx context.Context, o *orders.Order, closePrice int64, reason string) (*orders.ClosedOrder, error) {
	var pnl int64
	if o.Side == orders.SideBuy {
		pnl = money.PnL(o.OpenPrice, closePrice, o.Quantity)
	} else {
		pnl = money.PnL(closePrice, o.OpenPrice, o.Quantity)
	}

	var err error
	switch {
	case o.Leveraged():
		err = e.ledger.SettlePosition(ctx, o.UserID, o.Market, o.Margin, pnl, o.Quantity)
	case o.Side == orders.SideBuy:
		// 现货买入：按平仓价全额回笼，扣减持仓
		err = e.ledger.ApplyPnL(ctx, o.UserID, o.Market, o.Side, money.Notional(closePrice, o.Quantity), -o.Quantity, false)
	default:
		// 现货卖出：名义价值在下单时已入账，这里只对账差价
		err = e.ledger.ApplyPnL(ctx, o.UserID, o.Market, o.Side, pnl, 0, false)
	}
	if err != nil {
		return nil, err
	}

	closed := orders.NewClosedOrder(o, closePrice, pnl, reason)
	if err := e.store.MarkClosed(ctx, closed); err != nil {
		e.store.QueueRetry(closed)
		e.log.WithError(err).Errorf("closed order persist failed, queued for retry", map[string]interface{}{
			"orderId": o.OrderID,
		})
	}
	return closed, nil
}

// ListOpenOrders 用户未结订单
func (e *Engine) ListOpenOrders(userID string) []*orders.Order {
	return e.store.ListOpen(userID)
}

// ListClosedOrders 用户已结订单
func (e *Engine) ListClosedOrders(ctx context.Context, userID string, limit int) ([]*orders.ClosedOrder, error) {
	return e.store.ListClosed(ctx, userID, limit)
}

// GetAccount 账户快照
func (e *Engine) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	return e.ledger.GetAccount(ctx, userID)
}

func triggerSide(side string) triggers.Side {
	if side == orders.SideSell {
		return triggers.SideSell
	}
	return triggers.SideBuy
}
