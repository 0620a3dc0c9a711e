package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/margin/internal/engine"
	"github.com/exchange/margin/internal/ledger"
	"github.com/exchange/margin/internal/orders"
	"github.com/exchange/margin/pkg/logger"
	"github.com/exchange/margin/pkg/snowflake"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine, *ledger.Ledger) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logger.New("api-test", io.Discard)
	lg := ledger.New(client, log)
	store := orders.NewStore(client, log)
	idGen, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	eng := engine.New(engine.Config{Markets: []string{"BTCUSDT"}}, lg, store, idGen, log)
	eng.Start()
	t.Cleanup(eng.Stop)

	srv := httptest.NewServer(NewServer(eng, log).Handler())
	t.Cleanup(srv.Close)
	return srv, eng, lg
}

func mustCreate(t *testing.T, lg *ledger.Ledger, userID string, cash int64) {
	t.Helper()
	if err := lg.CreateAccount(context.Background(), userID, cash); err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func feedQuote(t *testing.T, eng *engine.Engine, market string, buy, sell int64) {
	t.Helper()
	if err := eng.OnTick(engine.Tick{Market: market, BuyPrice: buy, SellPrice: sell}); err != nil {
		t.Fatalf("tick: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if q, ok := eng.Quote(market); ok && q.BuyPrice == buy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("quote not applied in time")
}

func doJSON(t *testing.T, method, url, userID, body string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	raw, _ := io.ReadAll(resp.Body)
	fields := map[string]json.RawMessage{}
	json.Unmarshal(raw, &fields)
	return resp, fields
}

func TestPlaceAndListOrders(t *testing.T) {
	srv, eng, lg := newTestServer(t)
	mustCreate(t, lg, "u1", 10000000)
	feedQuote(t, eng, "BTCUSDT", 1000000, 1000000)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders", "u1",
		`{"market":"BTCUSDT","side":"buy","quantity":1,"leverage":10}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d, want 201", resp.StatusCode)
	}
	if _, ok := fields["orderId"]; !ok {
		t.Fatalf("fields=%v, want orderId", fields)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/orders/open", "u1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open status=%d", resp.StatusCode)
	}
}

func TestDeleteOrder(t *testing.T) {
	srv, eng, lg := newTestServer(t)
	mustCreate(t, lg, "u1", 10000000)
	feedQuote(t, eng, "BTCUSDT", 1000000, 1000000)

	id, err := eng.PlaceOrder(context.Background(), &engine.PlaceOrderRequest{
		UserID: "u1", Market: "BTCUSDT", Side: "buy", Quantity: 1, Leverage: 10,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	resp, fields := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/orders/"+strconv.FormatInt(id, 10), "u1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if string(fields["reason"]) != `"manual"` {
		t.Fatalf("reason=%s", fields["reason"])
	}

	// 再删一次：已关闭
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/orders/"+strconv.FormatInt(id, 10), "u1", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status=%d, want 404", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, eng, lg := newTestServer(t)
	mustCreate(t, lg, "u1", 100)

	// 无身份头
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders", "",
		`{"market":"BTCUSDT","side":"buy","quantity":1,"leverage":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no header status=%d, want 400", resp.StatusCode)
	}

	// 无行情
	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders", "u1",
		`{"market":"BTCUSDT","side":"buy","quantity":1,"leverage":1}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("no quote status=%d, want 503", resp.StatusCode)
	}
	if string(fields["code"]) != `"MARKET_DATA_UNAVAILABLE"` {
		t.Fatalf("code=%s", fields["code"])
	}

	// 余额不足
	feedQuote(t, eng, "BTCUSDT", 1000000, 1000000)
	resp, fields = doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders", "u1",
		`{"market":"BTCUSDT","side":"buy","quantity":1,"leverage":1}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("insufficient status=%d, want 422", resp.StatusCode)
	}
	if string(fields["code"]) != `"INSUFFICIENT_BALANCE"` {
		t.Fatalf("code=%s", fields["code"])
	}

	// 账户不存在
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/account", "ghost", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing account status=%d, want 404", resp.StatusCode)
	}
}

func TestAccountAndQuote(t *testing.T) {
	srv, eng, lg := newTestServer(t)
	mustCreate(t, lg, "u1", 123450)
	feedQuote(t, eng, "BTCUSDT", 1000000, 1000100)

	resp, fields := doJSON(t, http.MethodGet, srv.URL+"/api/v1/account", "u1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if string(fields["cashBalance"]) != "1234.5" {
		t.Fatalf("cashBalance=%s", fields["cashBalance"])
	}

	resp, fields = doJSON(t, http.MethodGet, srv.URL+"/api/v1/quote?market=BTCUSDT", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quote status=%d", resp.StatusCode)
	}
	if string(fields["buy"]) != "10000" {
		t.Fatalf("buy=%s", fields["buy"])
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/quote?market=DOGEUSDT", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unknown quote status=%d, want 503", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
