package engine

import (
	"time"

	"github.com/exchange/margin/internal/metrics"
	"github.com/exchange/margin/internal/orders"
	"github.com/exchange/margin/internal/triggers"
	"github.com/exchange/margin/pkg/errs"
)

type cmdType int

const (
	cmdTick cmdType = iota + 1
	cmdRegister
)

type command struct {
	typ   cmdType
	tick  Tick
	order *orders.Order
	done  chan struct{}
}

// marketWorker 单市场工作协程
//
// 触发器登记与 tick 评估都在这一个协程里执行，天然满足
// 同市场互斥与到达顺序：新订单登记完成前不会有后续 tick 越过它。
type marketWorker struct {
	engine *Engine
	market string
	index  *triggers.Index
	cmds   chan *command
}

func newMarketWorker(e *Engine, market string, bufferSize int) *marketWorker {
	return &marketWorker{
		engine: e,
		market: market,
		index:  triggers.NewIndex(market),
		cmds:   make(chan *command, bufferSize),
	}
}

func (w *marketWorker) run() {
	for {
		select {
		case cmd := <-w.cmds:
			w.process(cmd)
		case <-w.engine.ctx.Done():
			return
		}
	}
}

func (w *marketWorker) process(cmd *command) {
	switch cmd.typ {
	case cmdTick:
		w.evaluate(cmd.tick)
	case cmdRegister:
		w.registerEntries(cmd.order)
	}
	if cmd.done != nil {
		close(cmd.done)
	}
}

// submitTick 投递行情；阻塞投递保住同市场的到达顺序
func (w *marketWorker) submitTick(t Tick) error {
	select {
	case w.cmds <- &command{typ: cmdTick, tick: t}:
		return nil
	case <-w.engine.ctx.Done():
		return errs.New(errs.CodeUnavailable, "engine stopped")
	}
}

// register 登记订单的触发条目，等待工作协程确认后返回
func (w *marketWorker) register(o *orders.Order) error {
	done := make(chan struct{})
	select {
	case w.cmds <- &command{typ: cmdRegister, order: o, done: done}:
	case <-w.engine.ctx.Done():
		return errs.New(errs.CodeUnavailable, "engine stopped")
	}
	select {
	case <-done:
		return nil
	case <-w.engine.ctx.Done():
		return errs.New(errs.CodeUnavailable, "engine stopped")
	}
}

func (w *marketWorker) registerEntries(o *orders.Order) {
	side := triggerSide(o.Side)
	if o.StopLoss > 0 {
		w.index.Register(side, triggers.KindStopLoss, o.OrderID, o.StopLoss)
	}
	if o.TakeProfit > 0 {
		w.index.Register(side, triggers.KindTakeProfit, o.OrderID, o.TakeProfit)
	}
	if o.Leveraged() {
		w.index.Register(side, triggers.KindLiquidation, o.OrderID, o.LiquidationPrice)
	}
}

// evaluate 用新行情扫描全部六个触发集合
//
// 每个集合从堆顶弹到第一个未越过阈值的条目为止；弹出的条目
// 要通过摘单与方向校验才结算，过期条目就地丢弃（懒删除）。
// 单个订单的结算失败不阻塞同一 tick 里其余条目。
func (w *marketWorker) evaluate(t Tick) {
	start := time.Now()
	w.engine.setQuote(w.market, Quote{BuyPrice: t.BuyPrice, SellPrice: t.SellPrice})

	for _, slot := range w.index.Slots() {
		// 多头集合对买价，空头集合对卖价
		price := t.BuyPrice
		if slot.Side == triggers.SideSell {
			price = t.SellPrice
		}

		var repush []triggers.Entry
		for {
			head, ok := slot.Queue.Peek()
			if !ok || !slot.Queue.Crossed(head.Price, price) {
				break
			}
			entry, _ := slot.Queue.Pop()

			o, ok := w.engine.store.Claim(entry.OrderID)
			if !ok {
				// 已关闭订单的残留条目
				continue
			}
			if triggerSide(o.Side) != slot.Side || o.Market != w.market {
				w.engine.log.Warnf("trigger entry mismatch", map[string]interface{}{
					"orderId": o.OrderID,
					"market":  w.market,
					"kind":    slot.Kind.String(),
				})
				w.engine.store.Restore(o)
				continue
			}

			closePrice := t.BuyPrice
			if o.Side == orders.SideSell {
				closePrice = t.SellPrice
			}
			if _, err := w.engine.settle(w.engine.ctx, o, closePrice, reasonOf(slot.Kind)); err != nil {
				// 结算失败：放回订单与条目，留待下一个 tick
				w.engine.store.Restore(o)
				repush = append(repush, entry)
				metrics.IncSettleFailures()
				w.engine.log.WithError(err).Errorf("settlement failed", map[string]interface{}{
					"orderId": o.OrderID,
					"market":  w.market,
					"kind":    slot.Kind.String(),
				})
				continue
			}
			metrics.IncTriggersFired(w.market, slot.Kind.String())
		}
		for _, entry := range repush {
			slot.Queue.Push(entry)
		}
	}

	metrics.IncTicksProcessed(w.market)
	metrics.ObserveTickEvalLatency(time.Since(start))
	metrics.SetOpenOrders(w.engine.store.CountOpen())
}

func reasonOf(kind triggers.Kind) string {
	switch kind {
	case triggers.KindStopLoss:
		return orders.ReasonStopLoss
	case triggers.KindTakeProfit:
		return orders.ReasonTakeProfit
	default:
		return orders.ReasonLiquidation
	}
}
