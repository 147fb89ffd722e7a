package game

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strconv"
)

// 生成参数：修改任何一项都会改变所有种子对应的地图
const (
	DefaultSeed int64 = 42

	GroundTileWidth  = 64.0
	GroundTileHeight = 64.0

	FloatingPerBand  = 8
	FloatingHeight   = 32.0
	FloatingMinWidth = 96.0
	FloatingMaxWidth = 256.0

	MovingCount         = 4
	MovingSeedOffset    = 1000
	MovingPlatformWidth = 128.0
	MovingPlatformSpeed = 60.0

	gridSnap = 16.0
)

type altitudeBand struct {
	name string
	minY float64
	maxY float64
}

var floatingBands = []altitudeBand{
	{name: "low", minY: 544, maxY: 624},
	{name: "mid", minY: 416, maxY: 496},
	{name: "high", minY: 288, maxY: 368},
}

type enemySpawn struct {
	id     string
	kind   string
	x, y   float64
	health int
}

// 敌人布局是固定设计，不依赖种子
var enemySpawns = []enemySpawn{
	{id: "enemy_1", kind: EnemyOwlet, x: 300, y: 650, health: 50},
	{id: "enemy_2", kind: EnemyOwlet, x: 600, y: 650, health: 50},
	{id: "boss_1", kind: EnemyPinkBoss, x: 800, y: 650, health: 100},
	{id: "enemy_3", kind: EnemyOwlet, x: 1400, y: 650, health: 50},
	{id: "enemy_4", kind: EnemyOwlet, x: 2100, y: 650, health: 50},
	{id: "boss_2", kind: EnemyPinkBoss, x: 2900, y: 650, health: 100},
}

// NormalizeSeed 非正数种子统一为默认值
func NormalizeSeed(seed int64) int64 {
	if seed <= 0 {
		return DefaultSeed
	}
	return seed
}

// NewSeed 为新房间挑选种子（唯一的非确定性入口）
func NewSeed() int64 {
	return rand.Int64N(math.MaxInt32) + 1
}

// Generate 纯函数：同一种子在任何实现上得到完全相同的平台与敌人
func Generate(seed int64) ([]*Platform, []*EnemyState) {
	seed = NormalizeSeed(seed)

	var platforms []*Platform
	platforms = append(platforms, groundRun()...)
	for _, b := range floatingBands {
		platforms = append(platforms, floatingBand(seed, b)...)
	}
	platforms = append(platforms, movingPlatforms(seed+MovingSeedOffset)...)

	enemies := make([]*EnemyState, 0, len(enemySpawns))
	for _, s := range enemySpawns {
		enemies = append(enemies, &EnemyState{
			EnemyID:     s.id,
			EnemyType:   s.kind,
			X:           s.x,
			Y:           s.y,
			Health:      s.health,
			FacingRight: true,
		})
	}
	return platforms, enemies
}

func groundRun() []*Platform {
	var out []*Platform
	for i, x := 0, LeftBoundary; x < WorldWidth; i, x = i+1, x+GroundTileWidth {
		out = append(out, &Platform{
			ID:     "ground_" + strconv.Itoa(i),
			X:      x,
			Y:      GroundY,
			Width:  GroundTileWidth,
			Height: GroundTileHeight,
			Kind:   PlatformGround,
		})
	}
	return out
}

func floatingBand(seed int64, b altitudeBand) []*Platform {
	s := newStream(seed, b.name)
	out := make([]*Platform, 0, FloatingPerBand)
	for i := 0; i < FloatingPerBand; i++ {
		x := snap(s.between(LeftBoundary+128, WorldWidth-FloatingMaxWidth))
		y := snap(s.between(b.minY, b.maxY))
		width := snap(s.between(FloatingMinWidth, FloatingMaxWidth))
		out = append(out, &Platform{
			ID:     b.name + "_" + strconv.Itoa(i),
			X:      x,
			Y:      y,
			Width:  width,
			Height: FloatingHeight,
			Kind:   PlatformFloating,
		})
	}
	return out
}

func movingPlatforms(seed int64) []*Platform {
	s := newStream(seed, "moving")
	out := make([]*Platform, 0, MovingCount)
	for i := 0; i < MovingCount; i++ {
		x := snap(s.between(LeftBoundary+256, WorldWidth-256))
		startY := snap(s.between(320, 560))
		reach := snap(s.between(64, 128))
		dir := 1
		if s.next() < 0.5 {
			dir = -1
		}
		out = append(out, &Platform{
			ID:        "moving_" + strconv.Itoa(i),
			X:         x,
			Y:         startY,
			Width:     MovingPlatformWidth,
			Height:    FloatingHeight,
			Kind:      PlatformMoving,
			MinY:      startY - reach,
			MaxY:      startY + reach,
			Speed:     MovingPlatformSpeed,
			Direction: dir,
		})
	}
	return out
}

func snap(v float64) float64 {
	return math.Floor(v/gridSnap) * gridSnap
}

// stream mulberry32 随机流；状态由 FNV-1a("<seed>:<label>") 初始化
type stream struct {
	state uint32
}

func newStream(seed int64, label string) *stream {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(seed, 10) + ":" + label))
	return &stream{state: h.Sum32()}
}

func (s *stream) next() float64 {
	s.state += 0x6d2b79f5
	t := imul32(s.state^(s.state>>15), 1|s.state)
	t ^= t + imul32(t^(t>>7), 61|t)
	return float64(t^(t>>14)) / 4294967296.0
}

func (s *stream) between(lo, hi float64) float64 {
	return lo + (hi-lo)*s.next()
}

func imul32(a, b uint32) uint32 {
	return uint32(int32(a) * int32(b))
}
