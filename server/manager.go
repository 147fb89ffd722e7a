package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"tannenbaumbiel/game"
)

var (
	ErrAlreadyInRoom = errors.New("connection already in a room")
	ErrRoomFull      = errors.New("room is full")
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotInRoom     = errors.New("connection not in room")
)

// RoomManager 管理房间与其世界的生命周期。
// 只由 hub 协程访问，因此不加锁。
type RoomManager struct {
	rooms    map[string]*Room
	byConn   map[string]string // connection id -> room id
	dir      Directory
	events   EventPublisher
	log      *zap.SugaredLogger
	metrics  *Metrics
	capacity int
	maxRooms int
	newSeed  func() int64
	now      func() time.Time
}

func NewRoomManager(cfg *Config, dir Directory, events EventPublisher, metrics *Metrics, log *zap.SugaredLogger) *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]*Room),
		byConn:   make(map[string]string),
		dir:      dir,
		events:   events,
		log:      log,
		metrics:  metrics,
		capacity: cfg.MaxPlayersPerRoom,
		maxRooms: cfg.MaxRooms,
		newSeed:  game.NewSeed,
		now:      time.Now,
	}
}

// JoinRoom 按名字加入有空位的房间，没有则创建；第一个玩家进入时生成世界
func (m *RoomManager) JoinRoom(ctx context.Context, name, connID string, id Identity) (*Room, error) {
	if _, ok := m.byConn[connID]; ok {
		return nil, ErrAlreadyInRoom
	}

	var room *Room
	for _, r := range m.Rooms() {
		if r.Name == name && !r.IsFull() {
			room = r
			break
		}
	}
	if room == nil {
		if m.maxRooms > 0 && len(m.rooms) >= m.maxRooms {
			return nil, ErrRoomFull
		}
		var err error
		if room, err = m.createRoom(ctx, name); err != nil {
			return nil, err
		}
	}

	player, err := m.dir.CreateOrUpdatePlayerBySessionToken(ctx, connID, id.Username)
	if err != nil {
		m.destroyIfEmpty(ctx, room)
		return nil, fmt.Errorf("registering player: %w", err)
	}

	member := &Member{
		ConnectionID:  connID,
		PlayerID:      player.ID,
		Username:      id.Username,
		CharacterType: id.CharacterType,
		JoinedAt:      m.now(),
	}
	if err := room.addMember(member); err != nil {
		m.destroyIfEmpty(ctx, room)
		return nil, err
	}
	m.byConn[connID] = room.ID

	// 新玩家依次向右错开出生
	n := float64(room.PlayerCount() - 1)
	room.World.AddPlayer(connID, id.Username, id.CharacterType, game.SpawnX+n*game.SpawnSpacing, game.SpawnY)

	m.log.Infof("player %s (%s) joined room %s, players=%d", connID, id.Username, room.ID, room.PlayerCount())
	m.publish(SubjectPlayerJoined, room, member)
	return room, nil
}

func (m *RoomManager) createRoom(ctx context.Context, name string) (*Room, error) {
	// 目录里残留的同名活跃记录（例如上次进程退出前的）直接复用
	rec, err := m.dir.FindRoomByName(ctx, name)
	if err == nil {
		if _, live := m.rooms[rec.ID]; live {
			err = ErrRecordNotFound
		}
	}
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			m.log.Warnf("looking up room '%s': %v", name, err)
		}
		if rec, err = m.dir.CreateRoom(ctx, name, m.capacity); err != nil {
			return nil, fmt.Errorf("creating room record: %w", err)
		}
	}
	room := newRoom(rec.ID, name, m.capacity, m.now())
	room.World = game.NewWorld(room.ID, m.newSeed(), game.WithLogger(m.log.With("room", room.ID)))
	m.rooms[room.ID] = room
	m.metrics.IncRoomCreated()

	m.log.Infof("created room %s '%s' seed=%d", room.ID, name, room.World.Seed)
	m.publish(SubjectRoomCreated, room, nil)
	return room, nil
}

// LeaveRoom 移除成员；房间空了立即销毁房间与世界。返回房间是否被销毁。
func (m *RoomManager) LeaveRoom(ctx context.Context, roomID, connID string) (*Room, bool, error) {
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false, ErrRoomNotFound
	}
	member, ok := room.removeMember(connID)
	if !ok {
		return nil, false, ErrNotInRoom
	}
	delete(m.byConn, connID)
	room.World.RemovePlayer(connID)

	m.log.Infof("player %s left room %s, players=%d", connID, roomID, room.PlayerCount())
	m.publish(SubjectPlayerLeft, room, member)

	return room, m.destroyIfEmpty(ctx, room), nil
}

func (m *RoomManager) destroyIfEmpty(ctx context.Context, room *Room) bool {
	if !room.IsEmpty() {
		return false
	}
	m.destroy(ctx, room)
	return true
}

func (m *RoomManager) destroy(ctx context.Context, room *Room) {
	if _, ok := m.rooms[room.ID]; !ok {
		return
	}
	delete(m.rooms, room.ID)
	for _, id := range room.Members() {
		delete(m.byConn, id)
	}
	room.World = nil
	if err := m.dir.DeactivateRoom(ctx, room.ID); err != nil {
		m.log.Warnf("deactivating room %s: %v", room.ID, err)
	}
	m.metrics.IncRoomDestroyed()
	m.log.Infof("removed room %s", room.ID)
	m.publish(SubjectRoomDestroyed, room, nil)
}

// Destroy 强制销毁房间（世界崩溃时），返回原成员列表
func (m *RoomManager) Destroy(ctx context.Context, roomID string) []string {
	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	members := room.Members()
	m.destroy(ctx, room)
	return members
}

// PruneEmpty 回收没有玩家的房间/世界
func (m *RoomManager) PruneEmpty(ctx context.Context) int {
	n := 0
	for _, r := range m.Rooms() {
		if r.IsEmpty() || r.World == nil || !r.World.HasPlayers() {
			m.destroy(ctx, r)
			n++
		}
	}
	return n
}

// Sweep 清理连接已消失但未正常离开的成员
func (m *RoomManager) Sweep(ctx context.Context, alive func(connID string) bool) []string {
	var reclaimed []string
	for connID, roomID := range m.byConn {
		if alive(connID) {
			continue
		}
		if _, _, err := m.LeaveRoom(ctx, roomID, connID); err != nil {
			m.log.Warnf("sweeping %s from room %s: %v", connID, roomID, err)
			delete(m.byConn, connID)
			continue
		}
		reclaimed = append(reclaimed, connID)
	}
	slices.Sort(reclaimed)
	return reclaimed
}

// Reconcile 把目录中没有对应活跃房间的记录标记为失效，返回处理的记录数
func (m *RoomManager) Reconcile(ctx context.Context) (int, error) {
	records, err := m.dir.ListActiveRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active rooms: %w", err)
	}
	n := 0
	for _, rec := range records {
		if _, live := m.rooms[rec.ID]; live {
			continue
		}
		if err := m.dir.DeactivateRoom(ctx, rec.ID); err != nil {
			m.log.Warnf("deactivating stale room %s '%s': %v", rec.ID, rec.Name, err)
			continue
		}
		n++
	}
	return n, nil
}

// RoomOf 连接所在的房间
func (m *RoomManager) RoomOf(connID string) (*Room, bool) {
	id, ok := m.byConn[connID]
	if !ok {
		return nil, false
	}
	r, ok := m.rooms[id]
	return r, ok
}

// Room 按 id 查询房间
func (m *RoomManager) Room(id string) (*Room, bool) {
	r, ok := m.rooms[id]
	return r, ok
}

// World 按房间 id 查询世界
func (m *RoomManager) World(roomID string) (*game.World, bool) {
	r, ok := m.rooms[roomID]
	if !ok || r.World == nil {
		return nil, false
	}
	return r.World, true
}

// Rooms 按创建时间排序的房间列表
func (m *RoomManager) Rooms() []*Room {
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Room) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// ListRooms listRooms 报表
func (m *RoomManager) ListRooms() []RoomInfo {
	rooms := m.Rooms()
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	return out
}

func (m *RoomManager) publish(subject string, room *Room, member *Member) {
	ev := LifecycleEvent{
		RoomID:      room.ID,
		RoomName:    room.Name,
		PlayerCount: room.PlayerCount(),
		At:          m.now().UTC(),
	}
	if room.World != nil {
		ev.WorldSeed = room.World.Seed
	}
	if member != nil {
		ev.ConnectionID = member.ConnectionID
		ev.Username = member.Username
	}
	if err := m.events.Publish(subject, ev); err != nil {
		m.log.Warnf("publishing %s for room %s: %v", subject, room.ID, err)
	}
}
