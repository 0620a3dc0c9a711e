// Package ws 行情推送
//
// Hub 按市场做引用计数订阅：第一个客户端进来时才向 Redis 订阅该
// 市场频道并通知接入器开流，最后一个离开时退订并通知停流。
// 纯转发，不做任何交易决策。
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/margin/internal/feed"
	"github.com/exchange/margin/pkg/logger"
)

// Hub 市场订阅集线器
type Hub struct {
	rdb            *redis.Client
	log            *logger.Logger
	controlChannel string

	mu      sync.Mutex
	markets map[string]*marketSub
}

type marketSub struct {
	pubsub      *redis.PubSub
	cancel      context.CancelFunc
	subscribers map[chan []byte]struct{}
}

// NewHub 创建集线器
func NewHub(rdb *redis.Client, controlChannel string, log *logger.Logger) *Hub {
	if controlChannel == "" {
		controlChannel = feed.DefaultControlChannel
	}
	return &Hub{
		rdb:            rdb,
		log:            log,
		controlChannel: controlChannel,
		markets:        make(map[string]*marketSub),
	}
}

// Subscribe 订阅一个市场，返回行情推送通道
func (h *Hub) Subscribe(ctx context.Context, market string) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(chan []byte, 64)
	ms, ok := h.markets[market]
	if ok {
		ms.subscribers[out] = struct{}{}
		return out
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	ms = &marketSub{
		pubsub:      h.rdb.Subscribe(ctx, feed.TickChannelPrefix+market),
		cancel:      cancel,
		subscribers: map[chan []byte]struct{}{out: {}},
	}
	h.markets[market] = ms
	go h.relay(relayCtx, market, ms)
	h.notifyFeed(ctx, "SUBSCRIBE", market)
	return out
}

// Unsubscribe 退订；最后一个订阅者离开时关闭市场订阅
func (h *Hub) Unsubscribe(market string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms, ok := h.markets[market]
	if !ok {
		return
	}
	if _, ok := ms.subscribers[ch]; !ok {
		return
	}
	delete(ms.subscribers, ch)
	close(ch)

	if len(ms.subscribers) == 0 {
		ms.cancel()
		ms.pubsub.Close()
		delete(h.markets, market)
		h.notifyFeed(context.Background(), "UNSUBSCRIBE", market)
	}
}

// Subscribers 市场当前订阅数
func (h *Hub) Subscribers(market string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ms, ok := h.markets[market]; ok {
		return len(ms.subscribers)
	}
	return 0
}

// Close 关闭全部市场订阅
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for market, ms := range h.markets {
		ms.cancel()
		ms.pubsub.Close()
		for ch := range ms.subscribers {
			close(ch)
		}
		delete(h.markets, market)
	}
}

func (h *Hub) relay(ctx context.Context, market string, ms *marketSub) {
	ch := ms.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.fanout(market, []byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

// fanout 慢客户端丢消息不丢连接
func (h *Hub) fanout(market string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms, ok := h.markets[market]
	if !ok {
		return
	}
	for ch := range ms.subscribers {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (h *Hub) notifyFeed(ctx context.Context, typ, market string) {
	payload, _ := json.Marshal(map[string]string{"type": typ, "market": market})
	if err := h.rdb.Publish(ctx, h.controlChannel, payload).Err(); err != nil {
		h.log.WithError(err).Warnf("feed control publish failed", map[string]interface{}{
			"type":   typ,
			"market": market,
		})
	}
}
