package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tannenbaumbiel/game"
	"tannenbaumbiel/protocol"
)

var ErrHubStopped = errors.New("hub stopped")

// Conn hub 眼中的客户端连接：只负责把编码好的消息送出去
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close()
}

// Hub 拥有全部房间、世界与会话，所有修改都在 Run 所在的协程中完成。
// 连接协程通过 intents 通道提交消息，报表接口通过 Query 读取。
type Hub struct {
	cfg      *Config
	log      *zap.SugaredLogger
	metrics  *Metrics
	rooms    *RoomManager
	sessions map[string]*session
	intents  chan intent
	done     chan struct{}
	now      func() time.Time
	step     func(w *game.World, dt float64)
}

type HubOpt func(*Hub)

// WithSeedSource 替换新世界的种子来源
func WithSeedSource(fn func() int64) HubOpt {
	return func(h *Hub) { h.rooms.newSeed = fn }
}

// WithClock 替换时钟
func WithClock(fn func() time.Time) HubOpt {
	return func(h *Hub) {
		h.now = fn
		h.rooms.now = fn
	}
}

func NewHub(cfg *Config, log *zap.SugaredLogger, dir Directory, events EventPublisher, opts ...HubOpt) *Hub {
	metrics := &Metrics{}
	h := &Hub{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		rooms:    NewRoomManager(cfg, dir, events, metrics, log),
		sessions: make(map[string]*session),
		intents:  make(chan intent, 256),
		done:     make(chan struct{}),
		now:      time.Now,
		step:     (*game.World).Step,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Metrics() *Metrics { return h.metrics }
func (h *Hub) Config() *Config   { return h.cfg }

func (h *Hub) submit(ctx context.Context, in intent) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.intents <- in:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect 登记新连接，初始阶段 CONNECTED
func (h *Hub) Connect(ctx context.Context, c Conn) error {
	return h.submit(ctx, intent{kind: intentConnect, connID: c.ID(), conn: c})
}

// Deliver 提交一条已解码的客户端消息
func (h *Hub) Deliver(ctx context.Context, connID string, env protocol.Envelope, msg protocol.Message) error {
	return h.submit(ctx, intent{kind: intentMessage, connID: connID, msg: msg, timestamp: env.Timestamp})
}

// Reject 解码失败的消息：只回报错误，连接保持打开
func (h *Hub) Reject(ctx context.Context, connID string, env protocol.Envelope, err error) error {
	return h.submit(ctx, intent{kind: intentReject, connID: connID, err: err, timestamp: env.Timestamp})
}

// Disconnect 连接断开：离开房间并清理会话
func (h *Hub) Disconnect(ctx context.Context, connID string) error {
	return h.submit(ctx, intent{kind: intentDisconnect, connID: connID})
}

// Query 在 hub 协程中执行 fn 并等待其完成
func (h *Hub) Query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := h.submit(ctx, intent{kind: intentQuery, query: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) process(ctx context.Context, in intent) {
	ts := in.timestamp
	if ts == 0 {
		ts = h.timestamp()
	}
	switch in.kind {
	case intentConnect:
		h.register(in.conn)
	case intentMessage:
		if s, ok := h.sessions[in.connID]; ok {
			h.dispatch(ctx, s, in.msg, ts)
		}
	case intentReject:
		if s, ok := h.sessions[in.connID]; ok {
			h.log.Debugf("rejected message from %s: %v", s.id, in.err)
			h.sendError(s, in.err, ts)
		}
	case intentDisconnect:
		h.unregister(ctx, in.connID)
	case intentQuery:
		in.query()
		close(in.done)
	}
}

func (h *Hub) register(c Conn) {
	if _, ok := h.sessions[c.ID()]; ok {
		h.log.Warnf("duplicate connection id %s", c.ID())
		return
	}
	h.sessions[c.ID()] = newSession(c, h.now())
	h.metrics.IncConnOpened()
	h.log.Infof("connection %s opened, total=%d", c.ID(), len(h.sessions))
}

func (h *Hub) unregister(ctx context.Context, connID string) {
	s, ok := h.sessions[connID]
	if !ok {
		return
	}
	delete(h.sessions, connID)
	h.leaveCurrentRoom(ctx, s)
	s.conn.Close()
	h.metrics.IncConnClosed()
	h.log.Infof("connection %s closed after %s", connID, h.now().Sub(s.openedAt).Round(time.Second))
}

// leaveCurrentRoom 把会话移出所在房间并通知剩余成员；返回离开的房间 id
func (h *Hub) leaveCurrentRoom(ctx context.Context, s *session) (string, bool) {
	room, ok := h.rooms.RoomOf(s.id)
	if !ok {
		return "", false
	}
	_, destroyed, err := h.rooms.LeaveRoom(ctx, room.ID, s.id)
	if err != nil {
		h.log.Warnf("removing %s from room %s: %v", s.id, room.ID, err)
		return room.ID, false
	}
	s.machine.Reset()
	if !destroyed {
		h.broadcastRoom(room, protocol.TypePlayerLeft, protocol.PlayerLeft{PlayerCount: room.PlayerCount()}, "")
		h.broadcastRoom(room, protocol.TypeGameState, room.World.Snapshot(), "")
	}
	return room.ID, true
}

func (h *Hub) send(s *session, typ protocol.MessageType, ts float64, state protocol.ConnState, payload any) error {
	b, err := protocol.Encode(typ, ts, state, payload)
	if err != nil {
		h.log.Errorf("encoding %s: %v", typ, err)
		return err
	}
	if err := s.conn.Send(b); err != nil {
		h.metrics.IncBroadcastFailure()
		h.log.Warnf("sending %s to %s: %v", typ, s.id, err)
		return err
	}
	return nil
}

func (h *Hub) sendError(s *session, err error, ts float64) {
	h.metrics.IncProtocolError()
	_ = h.send(s, protocol.TypeError, ts, s.State(), protocol.ToPayload(err))
}

// broadcastRoom 向房间成员广播；单个连接失败只记录，不影响其余成员
func (h *Hub) broadcastRoom(room *Room, typ protocol.MessageType, payload any, except string) {
	b, err := protocol.Encode(typ, h.timestamp(), "", payload)
	if err != nil {
		h.log.Errorf("encoding %s for room %s: %v", typ, room.ID, err)
		return
	}
	for _, id := range room.Members() {
		if id == except {
			continue
		}
		s, ok := h.sessions[id]
		if !ok {
			continue
		}
		if err := s.conn.Send(b); err != nil {
			h.metrics.IncBroadcastFailure()
			h.log.Warnf("broadcast %s to %s in room %s: %v", typ, id, room.ID, err)
			continue
		}
		h.metrics.IncBroadcast()
	}
}

// timestamp 服务端时间（秒，带小数）
func (h *Hub) timestamp() float64 {
	return float64(h.now().UnixNano()) / 1e9
}
