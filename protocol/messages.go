package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"tannenbaumbiel/game"
)

// MessageType 消息类型标签
type MessageType string

// 客户端 → 服务端
const (
	TypeJoinRoom          MessageType = "join_room"
	TypeLeaveRoom         MessageType = "leave_room"
	TypePlayerInput       MessageType = "player_input"
	TypePing              MessageType = "ping"
	TypeGameStateUpdate   MessageType = "game_state_update"
	TypeRequestWorldState MessageType = "request_world_state"
	TypeReadyForWorld     MessageType = "ready_for_world"
	TypeWorldReady        MessageType = "world_ready"
	TypeClientReady       MessageType = "client_ready"
)

// 服务端 → 客户端
const (
	TypeRoomJoined   MessageType = "room_joined"
	TypeRoomLeft     MessageType = "room_left"
	TypePlayerJoined MessageType = "player_joined"
	TypePlayerLeft   MessageType = "player_left"
	TypeWorldState   MessageType = "world_state"
	TypeGameState    MessageType = "game_state"
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"
)

// Envelope 所有 WebSocket 消息的外层结构
type Envelope struct {
	Type            MessageType     `json:"type"`
	Timestamp       float64         `json:"timestamp"`
	ConnectionState ConnState       `json:"connection_state,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Message 入站消息的强类型载荷
type Message interface {
	MessageType() MessageType
}

type validator interface {
	Validate() error
}

// JoinRoom 加入（或创建）房间
type JoinRoom struct {
	RoomName      string `json:"room_name"`
	DisplayName   string `json:"display_name"`
	Username      string `json:"username,omitempty"`
	CharacterType string `json:"character_type"`
}

func (*JoinRoom) MessageType() MessageType { return TypeJoinRoom }

// Name 显示名；兼容旧客户端的 username 字段
func (m *JoinRoom) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Username
}

func (m *JoinRoom) Validate() error {
	m.RoomName = strings.TrimSpace(m.RoomName)
	if m.RoomName == "" {
		return NewError(CodeInvalidPayload, "room_name is required")
	}
	if strings.TrimSpace(m.Name()) == "" {
		return NewError(CodeInvalidPayload, "display_name is required")
	}
	if m.CharacterType == "" {
		m.CharacterType = "hero1"
	}
	return nil
}

type LeaveRoom struct{}

func (*LeaveRoom) MessageType() MessageType { return TypeLeaveRoom }

// PlayerInput 按键事件；pressed 缺省为 true
type PlayerInput struct {
	Action  game.Action `json:"action"`
	Pressed *bool       `json:"pressed,omitempty"`
}

func (*PlayerInput) MessageType() MessageType { return TypePlayerInput }

// IsPressed 按下还是抬起
func (m *PlayerInput) IsPressed() bool {
	return m.Pressed == nil || *m.Pressed
}

func (m *PlayerInput) Validate() error {
	if !m.Action.Valid() {
		return Errorf(CodeInvalidPayload, "unknown action %q", m.Action)
	}
	return nil
}

type Ping struct{}

func (*Ping) MessageType() MessageType { return TypePing }

// GameStateUpdate 客户端的部分权威快照
type GameStateUpdate struct {
	game.ClientUpdate
}

func (*GameStateUpdate) MessageType() MessageType { return TypeGameStateUpdate }

func (m *GameStateUpdate) Validate() error {
	for _, e := range m.Enemies {
		if e.EnemyID == "" {
			return NewError(CodeInvalidPayload, "enemy_id is required")
		}
	}
	for _, p := range m.Projectiles {
		if p.ProjectileID == "" {
			return NewError(CodeInvalidPayload, "projectile_id is required")
		}
	}
	return nil
}

type RequestWorldState struct{}

func (*RequestWorldState) MessageType() MessageType { return TypeRequestWorldState }

type ReadyForWorld struct {
	RoomID string `json:"room_id"`
}

func (*ReadyForWorld) MessageType() MessageType { return TypeReadyForWorld }

// WorldReady 客户端确认已构建世界，并回传种子
type WorldReady struct {
	RoomID    string `json:"room_id"`
	WorldSeed int64  `json:"world_seed"`
}

func (*WorldReady) MessageType() MessageType { return TypeWorldReady }

type ClientReady struct{}

func (*ClientReady) MessageType() MessageType { return TypeClientReady }

// 按标签分发的解码表
var decoders = map[MessageType]func() Message{
	TypeJoinRoom:          func() Message { return &JoinRoom{} },
	TypeLeaveRoom:         func() Message { return &LeaveRoom{} },
	TypePlayerInput:       func() Message { return &PlayerInput{} },
	TypePing:              func() Message { return &Ping{} },
	TypeGameStateUpdate:   func() Message { return &GameStateUpdate{} },
	TypeRequestWorldState: func() Message { return &RequestWorldState{} },
	TypeReadyForWorld:     func() Message { return &ReadyForWorld{} },
	TypeWorldReady:        func() Message { return &WorldReady{} },
	TypeClientReady:       func() Message { return &ClientReady{} },
}

// Decode 解析一条入站消息：先解外层，再按 type 解出强类型载荷
func Decode(raw []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, NewError(CodeInvalidJSON, "Invalid JSON format")
	}

	newMsg, ok := decoders[env.Type]
	if !ok {
		return env, nil, Errorf(CodeUnknownMessageType, "Unknown message type: %s", env.Type)
	}
	msg := newMsg()

	if data := bytes.TrimSpace(env.Data); len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		if err := json.Unmarshal(data, msg); err != nil {
			return env, nil, Errorf(CodeInvalidPayload, "%s: %v", env.Type, err)
		}
	}
	if v, ok := msg.(validator); ok {
		if err := v.Validate(); err != nil {
			return env, nil, err
		}
	}
	return env, msg, nil
}

// Encode 编码一条出站消息
func Encode(typ MessageType, ts float64, state ConnState, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:            typ,
		Timestamp:       ts,
		ConnectionState: state,
		Data:            data,
	})
}

// PlayerEntry room_joined 中的成员列表项
type PlayerEntry struct {
	ConnectionID string `json:"connection_id"`
	Username     string `json:"username"`
}

type RoomJoined struct {
	RoomID       string        `json:"room_id"`
	PlayerCount  int           `json:"player_count"`
	MaxPlayers   int           `json:"max_players"`
	PlayerList   []PlayerEntry `json:"player_list"`
	YourPlayerID string        `json:"your_player_id"`
}

type RoomLeft struct {
	RoomID string `json:"room_id"`
}

type PlayerJoined struct {
	Username    string `json:"username"`
	PlayerCount int    `json:"player_count"`
}

type PlayerLeft struct {
	PlayerCount int `json:"player_count"`
}

type Pong struct {
	ServerTime float64 `json:"server_time"`
}

type ErrorPayload struct {
	ErrorCode Code   `json:"error_code"`
	Message   string `json:"message"`
}
