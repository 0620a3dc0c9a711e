// Package feed 行情接入
//
// Adapter 对接上游交易所的 trade 流：每个订阅市场一条 websocket
// 连接，断线指数退避重连。收到成交价后按点差合成买卖价，
// 发布到该市场的 Redis 频道并更新最新报价 hash。
// 订阅与退订可通过控制频道远程下发。
package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/margin/internal/money"
	"github.com/exchange/margin/pkg/logger"
)

const (
	// TickChannelPrefix 市场行情频道前缀
	TickChannelPrefix = "ticks:"
	// QuoteKeyPrefix 最新报价 hash 键前缀
	QuoteKeyPrefix = "quote:"
	// DefaultControlChannel 订阅控制频道
	DefaultControlChannel = "feed:control"

	defaultSpreadBps = 500

	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
	maxBackoff       = 30 * time.Second
)

// TickMessage 频道上的行情消息
type TickMessage struct {
	Market      string `json:"market"`
	BuyPrice    int64  `json:"buy"`
	SellPrice   int64  `json:"sell"`
	TimestampMs int64  `json:"time"`
}

// controlMessage 控制频道消息
type controlMessage struct {
	Type   string `json:"type"` // SUBSCRIBE / UNSUBSCRIBE
	Market string `json:"market"`
}

// tradeEnvelope 上游组合流外层
type tradeEnvelope struct {
	Data *tradeEvent `json:"data"`
	// 单流模式下字段直接在顶层
	tradeEvent
}

// tradeEvent 上游 trade 事件
type tradeEvent struct {
	Symbol      string `json:"s"`
	Price       string `json:"p"`
	TimestampMs int64  `json:"E"`
}

// AdapterConfig 接入配置
type AdapterConfig struct {
	// UpstreamURL 上游 websocket 基址，市场流路径拼接在其后
	UpstreamURL string
	// SpreadBps 合成点差（万分比）
	SpreadBps int64
	// ControlChannel 订阅控制频道
	ControlChannel string
}

// Adapter 行情接入器
type Adapter struct {
	cfg AdapterConfig
	rdb *redis.Client
	log *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewAdapter 创建接入器
func NewAdapter(cfg AdapterConfig, rdb *redis.Client, log *logger.Logger) *Adapter {
	if cfg.SpreadBps <= 0 {
		cfg.SpreadBps = defaultSpreadBps
	}
	if cfg.ControlChannel == "" {
		cfg.ControlChannel = DefaultControlChannel
	}
	return &Adapter{
		cfg:     cfg,
		rdb:     rdb,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run 监听控制频道直到 ctx 结束；返回前停掉全部市场连接
func (a *Adapter) Run(ctx context.Context) error {
	sub := a.rdb.Subscribe(ctx, a.cfg.ControlChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				a.stopAll()
				return nil
			}
			var cm controlMessage
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
				a.log.WithError(err).Warnf("bad control message", map[string]interface{}{"payload": msg.Payload})
				continue
			}
			switch cm.Type {
			case "SUBSCRIBE":
				a.Subscribe(ctx, cm.Market)
			case "UNSUBSCRIBE":
				a.Unsubscribe(cm.Market)
			}
		case <-ctx.Done():
			a.stopAll()
			return ctx.Err()
		}
	}
}

// Subscribe 开始跟踪一个市场；重复订阅为空操作
func (a *Adapter) Subscribe(ctx context.Context, market string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.cancels[market]; ok {
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	a.cancels[market] = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runMarket(connCtx, market)
	}()
	a.log.Infof("market subscribed", map[string]interface{}{"market": market})
}

// Unsubscribe 停止跟踪一个市场
func (a *Adapter) Unsubscribe(market string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.cancels[market]; ok {
		cancel()
		delete(a.cancels, market)
		a.log.Infof("market unsubscribed", map[string]interface{}{"market": market})
	}
}

func (a *Adapter) stopAll() {
	a.mu.Lock()
	for market, cancel := range a.cancels {
		cancel()
		delete(a.cancels, market)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Adapter) marketURL(market string) string {
	return a.cfg.UpstreamURL + strings.ToLower(market) + "@trade"
}

// runMarket 单市场连接循环
func (a *Adapter) runMarket(ctx context.Context, market string) {
	retry := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := a.dial(ctx, market)
		if err != nil {
			delay := backoff(retry)
			retry++
			a.log.WithError(err).Warnf("upstream dial failed", map[string]interface{}{
				"market": market,
				"retry":  retry,
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		retry = 0

		a.readLoop(ctx, market, conn)
		conn.Close()
	}
}

func (a *Adapter) dial(ctx context.Context, market string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.marketURL(market), nil)
	return conn, err
}

func (a *Adapter) readLoop(ctx context.Context, market string, conn *websocket.Conn) {
	// ctx 结束时关连接解除阻塞读
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.log.WithError(err).Warnf("upstream read failed", map[string]interface{}{"market": market})
			}
			return
		}
		if err := a.handleTrade(ctx, market, raw); err != nil {
			a.log.WithError(err).Warnf("trade message dropped", map[string]interface{}{"market": market})
		}
	}
}

func (a *Adapter) handleTrade(ctx context.Context, market string, raw []byte) error {
	var env tradeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	ev := env.tradeEvent
	if env.Data != nil {
		ev = *env.Data
	}

	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		return err
	}
	ts := ev.TimestampMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	tick := synthesize(market, price, ts, a.cfg.SpreadBps)
	return a.publish(ctx, tick)
}

// synthesize 由单一成交价按点差合成买卖价
//
// BuyPrice 是买方出价（低于成交价），SellPrice 是卖方要价
// （高于成交价）：买单吃卖价、卖单吃买价，点差是成本。
func synthesize(market string, price float64, ts int64, spreadBps int64) TickMessage {
	spread := float64(spreadBps) / 10000
	return TickMessage{
		Market:      market,
		BuyPrice:    money.ToScaled(price * (1 - spread)),
		SellPrice:   money.ToScaled(price * (1 + spread)),
		TimestampMs: ts,
	}
}

func (a *Adapter) publish(ctx context.Context, tick TickMessage) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return err
	}

	pipe := a.rdb.Pipeline()
	pipe.HSet(ctx, QuoteKeyPrefix+tick.Market, map[string]interface{}{
		"buy":           strconv.FormatInt(tick.BuyPrice, 10),
		"sell":          strconv.FormatInt(tick.SellPrice, 10),
		"updated_at_ms": strconv.FormatInt(tick.TimestampMs, 10),
	})
	pipe.Publish(ctx, TickChannelPrefix+tick.Market, payload)
	_, err = pipe.Exec(ctx)
	return err
}

func backoff(retry int) time.Duration {
	d := time.Second << uint(retry)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
