package game

import (
	"errors"
	"math/rand/v2"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 世界尺寸（与客户端保持一致）
const (
	WorldWidth    = 3200.0
	WorldHeight   = 768.0
	GroundY       = 700.0
	LeftBoundary  = 0.0
	BoundaryInset = 16.0

	SpawnX       = 100.0
	SpawnY       = 650.0
	SpawnSpacing = 50.0
)

var (
	ErrUnknownPlayer = errors.New("unknown player")
	ErrUnknownAction = errors.New("unknown input action")
)

// PlatformKind 平台类型
type PlatformKind string

const (
	PlatformGround   PlatformKind = "ground"
	PlatformFloating PlatformKind = "floating"
	PlatformMoving   PlatformKind = "moving"
)

// Platform 平台；只有 moving 类型的 Y / Direction 会被模拟修改
type Platform struct {
	ID        string       `json:"id"`
	X         float64      `json:"x"`
	Y         float64      `json:"y"`
	Width     float64      `json:"width"`
	Height    float64      `json:"height"`
	Kind      PlatformKind `json:"kind"`
	MinY      float64      `json:"min_y,omitempty"`
	MaxY      float64      `json:"max_y,omitempty"`
	Speed     float64      `json:"speed,omitempty"`
	Direction int          `json:"direction,omitempty"`
}

// PlayerState 玩家状态（玩家对自身拥有绝对写权限）
type PlayerState struct {
	PlayerID      string  `json:"player_id"`
	Username      string  `json:"username"`
	CharacterType string  `json:"character_type"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	VelocityX     float64 `json:"velocity_x"`
	VelocityY     float64 `json:"velocity_y"`
	Health        int     `json:"health"`
	Score         int     `json:"score"`
	FacingRight   bool    `json:"facing_right"`
	IsGrounded    bool    `json:"is_grounded"`
	IsJumping     bool    `json:"is_jumping"`
	IsShooting    bool    `json:"is_shooting"`
}

// 敌人类型
const (
	EnemyOwlet    = "owlet"
	EnemyPinkBoss = "pink_boss"
)

// EnemyState 敌人状态，由当前权威玩家写入
type EnemyState struct {
	EnemyID     string  `json:"enemy_id"`
	EnemyType   string  `json:"enemy_type"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	VelocityX   float64 `json:"velocity_x"`
	VelocityY   float64 `json:"velocity_y"`
	Health      int     `json:"health"`
	FacingRight bool    `json:"facing_right"`
}

// IsBoss 是否为 Boss
func (e *EnemyState) IsBoss() bool { return e.EnemyType == EnemyPinkBoss }

// ProjectileState 子弹状态，权威永远属于发射者
type ProjectileState struct {
	ProjectileID string  `json:"projectile_id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	VelocityX    float64 `json:"velocity_x"`
	VelocityY    float64 `json:"velocity_y"`
	OwnerID      string  `json:"owner_id"`
	Damage       int     `json:"damage"`
}

// GameState 周期广播的快照
type GameState struct {
	RoomID      string            `json:"room_id"`
	Tick        uint64            `json:"tick"`
	Players     []PlayerState     `json:"players"`
	Enemies     []EnemyState      `json:"enemies"`
	Projectiles []ProjectileState `json:"projectiles"`
}

// WorldLayout 握手阶段下发的静态世界描述
type WorldLayout struct {
	WorldSeed    int64      `json:"world_seed"`
	WorldWidth   float64    `json:"world_width"`
	WorldHeight  float64    `json:"world_height"`
	GroundY      float64    `json:"ground_y"`
	LeftBoundary float64    `json:"left_boundary"`
	Platforms    []Platform `json:"platforms"`
}

type inputState struct {
	left  bool
	right bool
	jump  bool
	shoot bool
}

// World 单个房间的权威世界。非并发安全：只允许 hub 协程访问。
type World struct {
	RoomID       string
	Seed         int64
	Width        float64
	Height       float64
	GroundY      float64
	LeftBoundary float64
	Tick         uint64

	platforms   []*Platform
	layout      []Platform
	players     map[string]*PlayerState
	enemies     map[string]*EnemyState
	projectiles map[string]*ProjectileState
	inputs      map[string]*inputState
	authority   map[string]string // object id -> player id

	rng   *rand.Rand
	newID func() string
	log   *zap.SugaredLogger
}

// WorldOpt 世界构造选项
type WorldOpt func(*World)

// WithLogger 设置世界日志
func WithLogger(l *zap.SugaredLogger) WorldOpt {
	return func(w *World) {
		if l != nil {
			w.log = l
		}
	}
}

// WithIDGenerator 替换子弹 id 生成器（测试用）
func WithIDGenerator(fn func() string) WorldOpt {
	return func(w *World) {
		if fn != nil {
			w.newID = fn
		}
	}
}

// NewWorld 根据种子生成世界
func NewWorld(roomID string, seed int64, opts ...WorldOpt) *World {
	seed = NormalizeSeed(seed)
	platforms, enemies := Generate(seed)

	w := &World{
		RoomID:       roomID,
		Seed:         seed,
		Width:        WorldWidth,
		Height:       WorldHeight,
		GroundY:      GroundY,
		LeftBoundary: LeftBoundary,
		platforms:    platforms,
		players:      make(map[string]*PlayerState),
		enemies:      make(map[string]*EnemyState, len(enemies)),
		projectiles:  make(map[string]*ProjectileState),
		inputs:       make(map[string]*inputState),
		authority:    make(map[string]string),
		rng:          rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x5eed)),
		newID:        uuid.NewString,
		log:          zap.NewNop().Sugar(),
	}
	for _, e := range enemies {
		w.enemies[e.EnemyID] = e
	}
	// 移动平台每帧变化，world_state 只发生成时的布局
	w.layout = make([]Platform, 0, len(platforms))
	for _, p := range platforms {
		w.layout = append(w.layout, *p)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AddPlayer 加入玩家；无人持有权威的敌人立即分配给最近的玩家
func (w *World) AddPlayer(id, username, characterType string, x, y float64) *PlayerState {
	p := &PlayerState{
		PlayerID:      id,
		Username:      username,
		CharacterType: characterType,
		X:             x,
		Y:             y,
		Health:        100,
		FacingRight:   true,
	}
	w.clampPlayer(p)
	w.players[id] = p
	w.inputs[id] = &inputState{}

	for _, eid := range sortedKeys(w.enemies) {
		if _, held := w.authority[eid]; !held {
			e := w.enemies[eid]
			w.ResolveAuthority(eid, e.X, e.Y)
		}
	}
	return p
}

// RemovePlayer 移除玩家，并回收其子弹与权威
func (w *World) RemovePlayer(id string) bool {
	if _, ok := w.players[id]; !ok {
		return false
	}
	delete(w.players, id)
	delete(w.inputs, id)

	for pid, proj := range w.projectiles {
		if proj.OwnerID == id {
			w.removeProjectile(pid)
		}
	}
	for _, eid := range sortedKeys(w.enemies) {
		if w.authority[eid] != id {
			continue
		}
		delete(w.authority, eid)
		e := w.enemies[eid]
		w.ResolveAuthority(eid, e.X, e.Y)
	}
	return true
}

// HasPlayers 世界内是否还有玩家
func (w *World) HasPlayers() bool { return len(w.players) > 0 }

// PlayerCount 玩家数量
func (w *World) PlayerCount() int { return len(w.players) }

// Player 按 id 查询玩家
func (w *World) Player(id string) (*PlayerState, bool) {
	p, ok := w.players[id]
	return p, ok
}

// Enemy 按 id 查询敌人
func (w *World) Enemy(id string) (*EnemyState, bool) {
	e, ok := w.enemies[id]
	return e, ok
}

// Projectile 按 id 查询子弹
func (w *World) Projectile(id string) (*ProjectileState, bool) {
	p, ok := w.projectiles[id]
	return p, ok
}

// Snapshot 生成按 id 排序的状态快照（值拷贝）
func (w *World) Snapshot() GameState {
	gs := GameState{
		RoomID:      w.RoomID,
		Tick:        w.Tick,
		Players:     make([]PlayerState, 0, len(w.players)),
		Enemies:     make([]EnemyState, 0, len(w.enemies)),
		Projectiles: make([]ProjectileState, 0, len(w.projectiles)),
	}
	for _, id := range sortedKeys(w.players) {
		gs.Players = append(gs.Players, *w.players[id])
	}
	for _, id := range sortedKeys(w.enemies) {
		gs.Enemies = append(gs.Enemies, *w.enemies[id])
	}
	for _, id := range sortedKeys(w.projectiles) {
		gs.Projectiles = append(gs.Projectiles, *w.projectiles[id])
	}
	return gs
}

// Layout 世界静态描述（world_state 载荷），与 tick 无关
func (w *World) Layout() WorldLayout {
	return WorldLayout{
		WorldSeed:    w.Seed,
		WorldWidth:   w.Width,
		WorldHeight:  w.Height,
		GroundY:      w.GroundY,
		LeftBoundary: w.LeftBoundary,
		Platforms:    slices.Clone(w.layout),
	}
}

func (w *World) clampPlayer(p *PlayerState) {
	p.X = max(w.LeftBoundary+BoundaryInset, min(w.Width-BoundaryInset, p.X))
	if p.Y > w.GroundY {
		p.Y = w.GroundY
	}
}

func (w *World) removeProjectile(id string) {
	delete(w.projectiles, id)
	delete(w.authority, id)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
