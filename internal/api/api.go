// Package api HTTP 接入层
//
// 薄封装：解析参数、透传引擎返回。身份由上游网关校验后经
// X-User-Id 头注入，这里不做认证。
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/exchange/margin/internal/engine"
	"github.com/exchange/margin/internal/metrics"
	"github.com/exchange/margin/internal/money"
	"github.com/exchange/margin/pkg/errs"
	"github.com/exchange/margin/pkg/logger"
	"github.com/exchange/margin/pkg/tracing"
)

const userHeader = "X-User-Id"

// Server HTTP 服务
type Server struct {
	engine *engine.Engine
	log    *logger.Logger
}

// NewServer 创建 HTTP 服务
func NewServer(eng *engine.Engine, log *logger.Logger) *Server {
	return &Server{engine: eng, log: log}
}

// Handler 组装路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/api/v1/orders", s.handleOrders)
	mux.HandleFunc("/api/v1/orders/", s.handleOrderByID)
	mux.HandleFunc("/api/v1/orders/open", s.handleOpenOrders)
	mux.HandleFunc("/api/v1/orders/closed", s.handleClosedOrders)
	mux.HandleFunc("/api/v1/account", s.handleAccount)
	mux.HandleFunc("/api/v1/quote", s.handleQuote)

	return tracing.HTTPMiddleware(mux)
}

// placeOrderBody 下单请求体；价格为十进制
type placeOrderBody struct {
	Market     string  `json:"market"`
	Side       string  `json:"side"`
	Class      string  `json:"orderClass"`
	Quantity   float64 `json:"quantity"`
	Leverage   int     `json:"leverage"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(userHeader)
	if userID == "" {
		s.writeError(w, errs.Newf(errs.CodeInvalidInput, "missing %s header", userHeader))
		return
	}

	var body placeOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errs.Newf(errs.CodeInvalidInput, "bad request body: %v", err))
		return
	}
	if body.TakeProfit < 0 || body.StopLoss < 0 {
		s.writeError(w, errs.Newf(errs.CodeInvalidInput, "negative trigger price"))
		return
	}

	orderID, err := s.engine.PlaceOrder(r.Context(), &engine.PlaceOrderRequest{
		UserID:     userID,
		Market:     body.Market,
		Side:       body.Side,
		Class:      body.Class,
		Quantity:   body.Quantity,
		Leverage:   body.Leverage,
		TakeProfit: money.ToScaled(body.TakeProfit),
		StopLoss:   money.ToScaled(body.StopLoss),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"orderId": strconv.FormatInt(orderID, 10),
	})
}

func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(userHeader)
	if userID == "" {
		s.writeError(w, errs.Newf(errs.CodeInvalidInput, "missing %s header", userHeader))
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/orders/")
	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, errs.Newf(errs.CodeInvalidInput, "bad order id %q", raw))
		return
	}

	closed, err := s.engine.CloseOrder(r.Context(), userID, orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, closed)
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(userHeader)
	if userID == "" {
		s.writeError(w, errs.Newf(errs.CodeInvalidInput, "missing %s header", userHeader))
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.ListOpenOrders(userID))
}

func (s *Server) handleClosedOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(userHeader)
	if userID == "" {
		s.writeError(w, errs.Newf(errs.CodeInvalidInput, "missing %s header", userHeader))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	closed, err := s.engine.ListClosedOrders(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, closed)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(userHeader)
	if userID == "" {
		s.writeError(w, errs.Newf(errs.CodeInvalidInput, "missing %s header", userHeader))
		return
	}

	acc, err := s.engine.GetAccount(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":       acc.UserID,
		"cashBalance":  money.FromScaled(acc.CashBalance),
		"lockedMargin": money.FromScaled(acc.LockedMargin),
		"spotHoldings": acc.SpotHoldings,
		"positions":    acc.Positions,
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	market := r.URL.Query().Get("market")
	if market == "" {
		s.writeError(w, errs.Newf(errs.CodeInvalidInput, "market required"))
		return
	}
	quote, ok := s.engine.Quote(market)
	if !ok {
		s.writeError(w, errs.ErrMarketDataUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"market": market,
		"buy":    money.FromScaled(quote.BuyPrice),
		"sell":   money.FromScaled(quote.SellPrice),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		e = errs.New(errs.CodeInternal, err.Error())
	}
	s.writeJSON(w, e.HTTPStatus(), map[string]interface{}{
		"code":    e.Code,
		"message": e.Message,
	})
}
