package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrRecordNotFound = errors.New("record not found")

// RoomRecord 持久化的房间记录
type RoomRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MaxPlayers int       `json:"max_players"`
	Active     bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PlayerRecord 持久化的玩家记录，以会话 token 为键
type PlayerRecord struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	SessionToken string    `json:"session_token"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Directory 房间/玩家目录（外部存储的最小接口）
type Directory interface {
	CreateRoom(ctx context.Context, name string, maxPlayers int) (RoomRecord, error)
	FindRoomByName(ctx context.Context, name string) (RoomRecord, error)
	ListActiveRooms(ctx context.Context) ([]RoomRecord, error)
	DeactivateRoom(ctx context.Context, id string) error
	CreateOrUpdatePlayerBySessionToken(ctx context.Context, token, username string) (PlayerRecord, error)
}

// MemoryDirectory 进程内目录实现，用于单机部署与测试
type MemoryDirectory struct {
	mu      sync.RWMutex
	rooms   map[string]*RoomRecord
	players map[string]*PlayerRecord // session token -> player
	now     func() time.Time
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		rooms:   make(map[string]*RoomRecord),
		players: make(map[string]*PlayerRecord),
		now:     time.Now,
	}
}

func (d *MemoryDirectory) CreateRoom(_ context.Context, name string, maxPlayers int) (RoomRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now().UTC()
	rec := &RoomRecord{
		ID:         uuid.NewString(),
		Name:       name,
		MaxPlayers: maxPlayers,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.rooms[rec.ID] = rec
	return *rec, nil
}

// FindRoomByName 返回最早创建的同名活跃房间
func (d *MemoryDirectory) FindRoomByName(_ context.Context, name string) (RoomRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var found *RoomRecord
	for _, r := range d.rooms {
		if !r.Active || r.Name != name {
			continue
		}
		if found == nil || r.CreatedAt.Before(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return RoomRecord{}, ErrRecordNotFound
	}
	return *found, nil
}

func (d *MemoryDirectory) ListActiveRooms(_ context.Context) ([]RoomRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RoomRecord, 0, len(d.rooms))
	for _, r := range d.rooms {
		if r.Active {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b RoomRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (d *MemoryDirectory) DeactivateRoom(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		return ErrRecordNotFound
	}
	r.Active = false
	r.UpdatedAt = d.now().UTC()
	return nil
}

func (d *MemoryDirectory) CreateOrUpdatePlayerBySessionToken(_ context.Context, token, username string) (PlayerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now().UTC()
	p, ok := d.players[token]
	if !ok {
		p = &PlayerRecord{ID: uuid.NewString(), SessionToken: token, CreatedAt: now}
		d.players[token] = p
	}
	p.Username = username
	p.LastSeen = now
	return *p, nil
}
