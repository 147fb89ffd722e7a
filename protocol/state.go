package protocol

// ConnState 每个连接的握手阶段
type ConnState string

const (
	StateConnected  ConnState = "CONNECTED"
	StateRoomJoined ConnState = "ROOM_JOINED"
	StateWorldSent  ConnState = "WORLD_SENT"
	StateGameReady  ConnState = "GAME_READY"
)

// 各消息要求的前置阶段；未列出的消息不做阶段校验（只校验是否在房间内）
var requiredState = map[MessageType]ConnState{
	TypeJoinRoom:      StateConnected,
	TypeReadyForWorld: StateRoomJoined,
	TypeWorldReady:    StateWorldSent,
	TypeClientReady:   StateGameReady,
}

// 处理成功后进入的阶段；离开房间由 Reset 回到 CONNECTED
var nextState = map[MessageType]ConnState{
	TypeJoinRoom:      StateRoomJoined,
	TypeReadyForWorld: StateWorldSent,
	TypeWorldReady:    StateGameReady,
	TypeClientReady:   StateGameReady,
}

// Machine 单个连接的状态机。调用方先 Require，处理成功后再 Advance，
// 失败的消息不会改变状态。
type Machine struct {
	state ConnState
}

// NewMachine 新连接从 CONNECTED 开始
func NewMachine() *Machine {
	return &Machine{state: StateConnected}
}

// State 当前阶段
func (m *Machine) State() ConnState { return m.state }

// Require 校验消息是否允许在当前阶段出现
func (m *Machine) Require(t MessageType) error {
	want, ok := requiredState[t]
	if !ok || m.state == want {
		return nil
	}
	return Errorf(CodeInvalidState, "Expected state %s, got %s", want, m.state)
}

// Advance 消息处理成功后推进阶段，返回前后状态
func (m *Machine) Advance(t MessageType) (from, to ConnState) {
	from = m.state
	if next, ok := nextState[t]; ok {
		m.state = next
	}
	return from, m.state
}

// Reset 连接离开房间（包括被清理）后回到初始阶段
func (m *Machine) Reset() {
	m.state = StateConnected
}
