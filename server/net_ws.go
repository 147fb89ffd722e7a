package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tannenbaumbiel/protocol"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 1 << 20 // 1MB
)

// ClientConn WebSocket 连接：有界发送队列 + 读写两个协程
type ClientConn struct {
	id  string
	ws  *websocket.Conn
	log *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func NewClientConn(ws *websocket.Conn, queueSize int, log *zap.SugaredLogger) *ClientConn {
	id := uuid.NewString()
	return &ClientConn{
		id:   id,
		ws:   ws,
		log:  log.With("conn", id),
		send: make(chan []byte, queueSize),
	}
}

func (c *ClientConn) ID() string { return c.id }

// Send 非阻塞入队；队列满时返回错误，由调用方记录，不阻塞 hub
func (c *ClientConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close 关闭发送队列，写协程随之发送 close 帧并关闭底层连接。可重复调用。
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定时发送 ping
func (c *ClientConn) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debugf("write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 解码客户端消息交给 hub；退出时触发断开流程
func (c *ClientConn) readPump(ctx context.Context, hub *Hub, pongWait time.Duration) {
	defer func() {
		c.Close()
		if err := hub.Disconnect(ctx, c.id); err != nil {
			c.log.Debugf("disconnect not delivered: %v", err)
		}
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnf("read error: %v", err)
			}
			return
		}
		env, msg, err := protocol.Decode(payload)
		if err != nil {
			err = hub.Reject(ctx, c.id, env, err)
		} else {
			err = hub.Deliver(ctx, c.id, env, msg)
		}
		if err != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 浏览器客户端与服务端不同源
		return true
	},
}

// NewWSHandler WebSocket 接入。连接生命周期绑定到 ctx（服务级），而非单个请求。
func NewWSHandler(ctx context.Context, hub *Hub, log *zap.SugaredLogger) http.HandlerFunc {
	cfg := hub.Config()
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("upgrade error: %v", err)
			return
		}

		client := NewClientConn(ws, cfg.SendQueueSize, log)
		if err := hub.Connect(ctx, client); err != nil {
			log.Warnf("rejecting connection from %s: %v", r.RemoteAddr, err)
			_ = ws.Close()
			return
		}
		log.Debugf("connection %s from %s", client.ID(), r.RemoteAddr)

		go client.writePump(cfg.Heartbeat())
		go client.readPump(ctx, hub, 2*cfg.Heartbeat())
	}
}
