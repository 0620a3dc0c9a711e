package feed

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/margin/internal/engine"
	"github.com/exchange/margin/pkg/logger"
)

// Sink 行情下游
type Sink interface {
	OnTick(t engine.Tick) error
}

// Consumer 订阅全部市场行情频道并驱动下游
//
// 单协程消费保住每个市场内的到达顺序；下游的单条失败只记日志。
type Consumer struct {
	rdb  *redis.Client
	sink Sink
	log  *logger.Logger
}

// NewConsumer 创建消费者
func NewConsumer(rdb *redis.Client, sink Sink, log *logger.Logger) *Consumer {
	return &Consumer{rdb: rdb, sink: sink, log: log}
}

// Run 消费直到 ctx 结束
func (c *Consumer) Run(ctx context.Context) error {
	sub := c.rdb.PSubscribe(ctx, TickChannelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.handle(msg.Payload)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) handle(payload string) {
	var tick TickMessage
	if err := json.Unmarshal([]byte(payload), &tick); err != nil {
		c.log.WithError(err).Warnf("bad tick message", map[string]interface{}{"payload": payload})
		return
	}
	err := c.sink.OnTick(engine.Tick{
		Market:      tick.Market,
		BuyPrice:    tick.BuyPrice,
		SellPrice:   tick.SellPrice,
		TimestampMs: tick.TimestampMs,
	})
	if err != nil {
		c.log.WithError(err).Warnf("tick rejected", map[string]interface{}{"market": tick.Market})
	}
}
