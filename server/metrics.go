package server

import (
	"sync/atomic"
)

// Metrics 记录服务运行期的关键指标（用于监控与调试）
type Metrics struct {
	TickCount         int64 // 统计的 Tick 次数
	TotalTickNs       int64 // Tick 累计耗时（纳秒）
	Broadcasts        int64 // 成功投递的广播消息数
	BroadcastFailures int64 // 单连接投递失败数
	AuthorityRejected int64 // 因无权威被丢弃的对象更新数
	ProtocolErrors    int64 // 回报给客户端的错误数
	RoomsCreated      int64
	RoomsDestroyed    int64
	WorldsCrashed     int64
	ConnectionsOpened int64
	ConnectionsClosed int64
	MembersSwept      int64 // 周期清理回收的成员数
}

func (m *Metrics) IncBroadcast()        { atomic.AddInt64(&m.Broadcasts, 1) }
func (m *Metrics) IncBroadcastFailure() { atomic.AddInt64(&m.BroadcastFailures, 1) }
func (m *Metrics) IncProtocolError()    { atomic.AddInt64(&m.ProtocolErrors, 1) }
func (m *Metrics) IncRoomCreated()      { atomic.AddInt64(&m.RoomsCreated, 1) }
func (m *Metrics) IncRoomDestroyed()    { atomic.AddInt64(&m.RoomsDestroyed, 1) }
func (m *Metrics) IncWorldCrashed()     { atomic.AddInt64(&m.WorldsCrashed, 1) }
func (m *Metrics) IncConnOpened()       { atomic.AddInt64(&m.ConnectionsOpened, 1) }
func (m *Metrics) IncConnClosed()       { atomic.AddInt64(&m.ConnectionsClosed, 1) }
func (m *Metrics) AddAuthorityRejected(n int) {
	atomic.AddInt64(&m.AuthorityRejected, int64(n))
}
func (m *Metrics) AddSwept(n int) { atomic.AddInt64(&m.MembersSwept, int64(n)) }
func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":         tick,
		"avg_tick_ms":        avgMs,
		"broadcasts":         atomic.LoadInt64(&m.Broadcasts),
		"broadcast_failures": atomic.LoadInt64(&m.BroadcastFailures),
		"authority_rejected": atomic.LoadInt64(&m.AuthorityRejected),
		"protocol_errors":    atomic.LoadInt64(&m.ProtocolErrors),
		"rooms_created":      atomic.LoadInt64(&m.RoomsCreated),
		"rooms_destroyed":    atomic.LoadInt64(&m.RoomsDestroyed),
		"worlds_crashed":     atomic.LoadInt64(&m.WorldsCrashed),
		"connections_opened": atomic.LoadInt64(&m.ConnectionsOpened),
		"connections_closed": atomic.LoadInt64(&m.ConnectionsClosed),
		"members_swept":      atomic.LoadInt64(&m.MembersSwept),
	}
}
