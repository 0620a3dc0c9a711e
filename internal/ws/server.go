package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange/margin/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxSubscriptionsPerConn = 50
)

// Server WebSocket 服务器
type Server struct {
	hub      *Hub
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]bool
}

// NewServer 创建 WebSocket 服务器
func NewServer(hub *Hub, log *logger.Logger) *Server {
	return &Server{
		hub:     hub,
		log:     log,
		clients: make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Client 一条客户端连接
type Client struct {
	conn   *websocket.Conn
	server *Server

	mu            sync.Mutex
	subscriptions map[string]chan []byte
	send          chan []byte
	closed        chan struct{}
	closeOnce     sync.Once
}

// Request 客户端请求
type Request struct {
	Op     string `json:"op"`
	Market string `json:"market"`
}

// Response 服务端响应
type Response struct {
	Op      string `json:"op,omitempty"`
	Market  string `json:"market,omitempty"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleWS 处理 WebSocket 连接
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}

	client := &Client{
		conn:          conn,
		server:        s,
		subscriptions: make(map[string]chan []byte),
		send:          make(chan []byte, 256),
		closed:        make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.dropSubscriptions()
		c.server.removeClient(c)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendError("invalid request")
			continue
		}
		c.handleRequest(&req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req *Request) {
	switch req.Op {
	case "subscribe":
		c.subscribe(req.Market)
	case "unsubscribe":
		c.unsubscribe(req.Market)
	case "ping":
		c.sendResponse(&Response{Op: "pong"})
	default:
		c.sendError("unknown op")
	}
}

func (c *Client) subscribe(market string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if market == "" {
		c.sendError("market required")
		return
	}
	if len(c.subscriptions) >= maxSubscriptionsPerConn {
		c.sendError("too many subscriptions")
		return
	}
	if _, exists := c.subscriptions[market]; exists {
		c.sendResponse(&Response{Op: "subscribe", Market: market, Success: true})
		return
	}

	ch := c.server.hub.Subscribe(context.Background(), market)
	c.subscriptions[market] = ch

	go func() {
		for payload := range ch {
			c.trySend(payload)
		}
	}()

	c.sendResponse(&Response{Op: "subscribe", Market: market, Success: true})
}

func (c *Client) unsubscribe(market string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, exists := c.subscriptions[market]
	if exists {
		c.server.hub.Unsubscribe(market, ch)
		delete(c.subscriptions, market)
	}
	c.sendResponse(&Response{Op: "unsubscribe", Market: market, Success: true})
}

func (c *Client) dropSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for market, ch := range c.subscriptions {
		c.server.hub.Unsubscribe(market, ch)
		delete(c.subscriptions, market)
	}
}

func (c *Client) sendResponse(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(msg string) {
	c.sendResponse(&Response{Error: msg})
}

func (c *Client) trySend(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
