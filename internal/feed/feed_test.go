package feed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/margin/internal/engine"
	"github.com/exchange/margin/pkg/logger"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSynthesize(t *testing.T) {
	// ±5% 点差
	tick := synthesize("BTCUSDT", 100, 42, 500)
	if tick.BuyPrice != 9500 || tick.SellPrice != 10500 {
		t.Fatalf("buy=%d sell=%d, want 9500/10500", tick.BuyPrice, tick.SellPrice)
	}
	if tick.Market != "BTCUSDT" || tick.TimestampMs != 42 {
		t.Fatalf("tick=%+v", tick)
	}
	// 买价是出价、卖价是要价：买低卖高，往返吃两次点差
	if tick.BuyPrice >= tick.SellPrice {
		t.Fatal("bid must sit below ask")
	}
}

func TestBackoffCaps(t *testing.T) {
	if backoff(0) != time.Second {
		t.Fatalf("backoff(0)=%v", backoff(0))
	}
	if backoff(3) != 8*time.Second {
		t.Fatalf("backoff(3)=%v", backoff(3))
	}
	if backoff(10) != maxBackoff || backoff(100) != maxBackoff {
		t.Fatal("backoff must cap")
	}
}

type sinkFunc func(t engine.Tick) error

func (f sinkFunc) OnTick(t engine.Tick) error { return f(t) }

func TestConsumer_DeliversTicks(t *testing.T) {
	client, _ := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan engine.Tick, 1)
	c := NewConsumer(client, sinkFunc(func(tk engine.Tick) error {
		got <- tk
		return nil
	}), logger.New("feed-test", io.Discard))

	go c.Run(ctx)
	// 等订阅建立
	time.Sleep(50 * time.Millisecond)

	pub := redis.NewClient(&redis.Options{Addr: client.Options().Addr})
	defer pub.Close()
	payload := `{"market":"BTCUSDT","buy":10100,"sell":9900,"time":7}`
	if err := pub.Publish(context.Background(), TickChannelPrefix+"BTCUSDT", payload).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case tk := <-got:
		if tk.Market != "BTCUSDT" || tk.BuyPrice != 10100 || tk.SellPrice != 9900 {
			t.Fatalf("tick=%+v", tk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tick not delivered")
	}
}

func upstreamServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// 挂住连接直到客户端退出
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAdapter_PublishesQuoteAndTick(t *testing.T) {
	client, mr := newTestRedis(t)
	srv := upstreamServer(t, []string{
		`{"data":{"s":"BTCUSDT","p":"100.00","E":99}}`,
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	a := NewAdapter(AdapterConfig{UpstreamURL: wsURL, SpreadBps: 500}, client, logger.New("feed-test", io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := client.Subscribe(ctx, TickChannelPrefix+"BTCUSDT")
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	a.Subscribe(ctx, "BTCUSDT")
	defer a.Unsubscribe("BTCUSDT")

	waitFor(t, "quote hash", func() bool {
		v := mr.HGet(QuoteKeyPrefix+"BTCUSDT", "buy")
		return v == "9500"
	})
	if v := mr.HGet(QuoteKeyPrefix+"BTCUSDT", "sell"); v != "10500" {
		t.Fatalf("sell=%s, want 10500", v)
	}

	select {
	case msg := <-sub.Channel():
		if !strings.Contains(msg.Payload, `"buy":9500`) {
			t.Fatalf("payload=%s", msg.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tick not published")
	}
}

func TestAdapter_ControlChannel(t *testing.T) {
	client, mr := newTestRedis(t)
	srv := upstreamServer(t, []string{
		`{"s":"ETHUSDT","p":"50.00","E":1}`,
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	a := NewAdapter(AdapterConfig{UpstreamURL: wsURL}, client, logger.New("feed-test", io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	pub := redis.NewClient(&redis.Options{Addr: client.Options().Addr})
	defer pub.Close()
	if err := pub.Publish(context.Background(), DefaultControlChannel, `{"type":"SUBSCRIBE","market":"ETHUSDT"}`).Err(); err != nil {
		t.Fatalf("publish control: %v", err)
	}

	waitFor(t, "quote after control subscribe", func() bool {
		return mr.Exists(QuoteKeyPrefix + "ETHUSDT")
	})
}
