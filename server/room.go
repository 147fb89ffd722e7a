package server

import (
	"slices"
	"time"

	"tannenbaumbiel/game"
	"tannenbaumbiel/protocol"
)

// Identity 加入房间时的玩家身份
type Identity struct {
	Username      string
	CharacterType string
}

// Member 房间成员（以连接 id 标识，同时也是世界中的玩家 id）
type Member struct {
	ConnectionID  string
	PlayerID      string // 目录中的玩家记录 id
	Username      string
	CharacterType string
	JoinedAt      time.Time
}

// Room 房间：一组连接共享同一个世界
type Room struct {
	ID        string
	Name      string
	Capacity  int
	CreatedAt time.Time
	World     *game.World

	members map[string]*Member
	order   []string // 加入顺序
}

func newRoom(id, name string, capacity int, createdAt time.Time) *Room {
	return &Room{
		ID:        id,
		Name:      name,
		Capacity:  capacity,
		CreatedAt: createdAt,
		members:   make(map[string]*Member),
	}
}

func (r *Room) addMember(m *Member) error {
	if _, ok := r.members[m.ConnectionID]; ok {
		return ErrAlreadyInRoom
	}
	if r.IsFull() {
		return ErrRoomFull
	}
	r.members[m.ConnectionID] = m
	r.order = append(r.order, m.ConnectionID)
	return nil
}

func (r *Room) removeMember(connID string) (*Member, bool) {
	m, ok := r.members[connID]
	if !ok {
		return nil, false
	}
	delete(r.members, connID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == connID })
	return m, true
}

// Has 连接是否在房间内
func (r *Room) Has(connID string) bool {
	_, ok := r.members[connID]
	return ok
}

// Member 查询成员
func (r *Room) Member(connID string) (*Member, bool) {
	m, ok := r.members[connID]
	return m, ok
}

func (r *Room) PlayerCount() int { return len(r.members) }
func (r *Room) IsFull() bool     { return len(r.members) >= r.Capacity }
func (r *Room) IsEmpty() bool    { return len(r.members) == 0 }

// Members 按加入顺序返回连接 id
func (r *Room) Members() []string {
	return slices.Clone(r.order)
}

// PlayerList room_joined 中的成员列表
func (r *Room) PlayerList() []protocol.PlayerEntry {
	out := make([]protocol.PlayerEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, protocol.PlayerEntry{ConnectionID: id, Username: r.members[id].Username})
	}
	return out
}

// RoomInfo 报表接口的房间描述
type RoomInfo struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	PlayerCount int    `json:"player_count"`
	MaxPlayers  int    `json:"max_players"`
	IsFull      bool   `json:"is_full"`
	CreatedAt   string `json:"created_at"`
}

func (r *Room) Info() RoomInfo {
	return RoomInfo{
		RoomID:      r.ID,
		Name:        r.Name,
		PlayerCount: r.PlayerCount(),
		MaxPlayers:  r.Capacity,
		IsFull:      r.IsFull(),
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
	}
}
