package server

import (
	"context"
	"errors"

	"tannenbaumbiel/protocol"
)

// reply 处理成功后回给发送者的消息，在状态推进之后发出
type reply struct {
	typ     protocol.MessageType
	payload any
}

type handlerFunc func(ctx context.Context, h *Hub, s *session, msg protocol.Message) (*reply, error)

// 消息分发表
var handlers = map[protocol.MessageType]handlerFunc{
	protocol.TypeJoinRoom:          handleJoinRoom,
	protocol.TypeLeaveRoom:         handleLeaveRoom,
	protocol.TypePlayerInput:       handlePlayerInput,
	protocol.TypePing:              handlePing,
	protocol.TypeGameStateUpdate:   handleGameStateUpdate,
	protocol.TypeRequestWorldState: handleRequestWorldState,
	protocol.TypeReadyForWorld:     handleReadyForWorld,
	protocol.TypeWorldReady:        handleWorldReady,
	protocol.TypeClientReady:       handleClientReady,
}

// 没有阶段要求、但必须已在房间内的消息
var needsRoom = map[protocol.MessageType]bool{
	protocol.TypeLeaveRoom:         true,
	protocol.TypePlayerInput:       true,
	protocol.TypeGameStateUpdate:   true,
	protocol.TypeRequestWorldState: true,
}

var errNotInRoom = protocol.NewError(protocol.CodeNotInRoom, "Player not in a room")

// dispatch 校验阶段 → 校验房间成员 → 执行处理器 → 推进阶段 → 回复。
// 任何一步失败都只回报错误，连接状态不变。
func (h *Hub) dispatch(ctx context.Context, s *session, msg protocol.Message, ts float64) {
	t := msg.MessageType()
	if err := s.machine.Require(t); err != nil {
		h.sendError(s, err, ts)
		return
	}
	if needsRoom[t] {
		if _, ok := h.rooms.RoomOf(s.id); !ok {
			h.sendError(s, errNotInRoom, ts)
			return
		}
	}
	handle, ok := handlers[t]
	if !ok {
		h.sendError(s, protocol.Errorf(protocol.CodeUnknownMessageType, "Unknown message type: %s", t), ts)
		return
	}

	r, err := handle(ctx, h, s, msg)
	if err != nil {
		h.sendError(s, err, ts)
		return
	}
	if from, to := s.machine.Advance(t); from != to {
		h.log.Debugf("connection %s: %s -> %s", s.id, from, to)
	}
	if r != nil {
		_ = h.send(s, r.typ, ts, s.State(), r.payload)
	}
}

func handleJoinRoom(ctx context.Context, h *Hub, s *session, msg protocol.Message) (*reply, error) {
	m := msg.(*protocol.JoinRoom)
	room, err := h.rooms.JoinRoom(ctx, m.RoomName, s.id, Identity{Username: m.Name(), CharacterType: m.CharacterType})
	switch {
	case errors.Is(err, ErrAlreadyInRoom):
		return nil, protocol.NewError(protocol.CodeAlreadyInRoom, "Player already in a room")
	case errors.Is(err, ErrRoomFull):
		return nil, protocol.Errorf(protocol.CodeRoomFull, "No room named %q has space", m.RoomName)
	case err != nil:
		h.log.Errorf("join room '%s' for %s: %v", m.RoomName, s.id, err)
		return nil, protocol.NewError(protocol.CodeRoomJoinFailed, "Failed to join room")
	}

	username := m.Name()
	if member, ok := room.Member(s.id); ok {
		username = member.Username
	}
	h.broadcastRoom(room, protocol.TypePlayerJoined, protocol.PlayerJoined{
		Username:    username,
		PlayerCount: room.PlayerCount(),
	}, s.id)

	return &reply{protocol.TypeRoomJoined, protocol.RoomJoined{
		RoomID:       room.ID,
		PlayerCount:  room.PlayerCount(),
		MaxPlayers:   room.Capacity,
		PlayerList:   room.PlayerList(),
		YourPlayerID: s.id,
	}}, nil
}

func handleLeaveRoom(ctx context.Context, h *Hub, s *session, _ protocol.Message) (*reply, error) {
	roomID, ok := h.leaveCurrentRoom(ctx, s)
	if !ok {
		return nil, errNotInRoom
	}
	return &reply{protocol.TypeRoomLeft, protocol.RoomLeft{RoomID: roomID}}, nil
}

// handlePlayerInput 只记录意图；结果随周期广播下发
func handlePlayerInput(_ context.Context, h *Hub, s *session, msg protocol.Message) (*reply, error) {
	m := msg.(*protocol.PlayerInput)
	room, _ := h.rooms.RoomOf(s.id)
	projID, err := room.World.SetInput(s.id, m.Action, m.IsPressed())
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInputError, "%s: %v", m.Action, err)
	}
	if projID != "" {
		h.log.Debugf("player %s fired %s", s.id, projID)
	}
	return nil, nil
}

func handlePing(_ context.Context, h *Hub, _ *session, _ protocol.Message) (*reply, error) {
	return &reply{protocol.TypePong, protocol.Pong{ServerTime: h.timestamp()}}, nil
}

// handleGameStateUpdate 合并客户端快照；无权威的部分静默丢弃
func handleGameStateUpdate(_ context.Context, h *Hub, s *session, msg protocol.Message) (*reply, error) {
	m := msg.(*protocol.GameStateUpdate)
	room, _ := h.rooms.RoomOf(s.id)
	res := room.World.ApplyClientUpdate(s.id, m.ClientUpdate)
	if n := len(res.Rejected); n > 0 {
		h.metrics.AddAuthorityRejected(n)
		h.log.Debugf("connection %s denied authority over %v", s.id, res.Rejected)
	}
	return nil, nil
}

func handleRequestWorldState(_ context.Context, h *Hub, s *session, _ protocol.Message) (*reply, error) {
	room, _ := h.rooms.RoomOf(s.id)
	return &reply{protocol.TypeWorldState, room.World.Layout()}, nil
}

func (h *Hub) handshakeRoom(s *session, roomID string) (*Room, error) {
	room, ok := h.rooms.Room(roomID)
	if !ok || !room.Has(s.id) {
		return nil, protocol.NewError(protocol.CodeRoomMismatch, "Room ID doesn't match")
	}
	if _, ok := h.rooms.World(room.ID); !ok {
		return nil, protocol.NewError(protocol.CodeWorldNotFound, "Game world not found")
	}
	return room, nil
}

func handleReadyForWorld(_ context.Context, h *Hub, s *session, msg protocol.Message) (*reply, error) {
	m := msg.(*protocol.ReadyForWorld)
	room, err := h.handshakeRoom(s, m.RoomID)
	if err != nil {
		return nil, err
	}
	layout := room.World.Layout()
	h.log.Infof("sent world to %s: %d platforms, seed %d", s.id, len(layout.Platforms), layout.WorldSeed)
	return &reply{protocol.TypeWorldState, layout}, nil
}

func handleWorldReady(_ context.Context, h *Hub, s *session, msg protocol.Message) (*reply, error) {
	m := msg.(*protocol.WorldReady)
	room, err := h.handshakeRoom(s, m.RoomID)
	if err != nil {
		return nil, err
	}
	if room.World.Seed != m.WorldSeed {
		return nil, protocol.Errorf(protocol.CodeWorldSeedMismatch, "Expected seed %d, got %d", room.World.Seed, m.WorldSeed)
	}
	return &reply{protocol.TypeGameState, room.World.Snapshot()}, nil
}

func handleClientReady(_ context.Context, h *Hub, s *session, _ protocol.Message) (*reply, error) {
	h.log.Infof("connection %s ready for gameplay", s.id)
	return nil, nil
}
