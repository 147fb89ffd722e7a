package server

import (
	"context"
	"fmt"
	"time"

	"tannenbaumbiel/protocol"
)

// maxStepDt 单步最大 dt（秒）。dt 仍取真实间隔（沿用变步长积分），上限只防卡顿后一次推进过远
const maxStepDt = 0.1

// Run hub 主循环：处理意图 → 推进世界 → 广播快照 → 周期清理。
// ctx 取消后关闭全部连接并返回。
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	step := time.NewTicker(h.cfg.TickInterval())
	defer step.Stop()
	broadcast := time.NewTicker(h.cfg.BroadcastInterval())
	defer broadcast.Stop()
	sweep := time.NewTicker(h.cfg.SweepEvery())
	defer sweep.Stop()

	h.reconcile(ctx)
	h.log.Infof("hub running: tick=%dHz broadcast=%dHz", h.cfg.TickRate, h.cfg.BroadcastRate)
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case in := <-h.intents:
			h.process(ctx, in)
		case now := <-step.C:
			dt := min(now.Sub(last).Seconds(), maxStepDt)
			last = now
			h.stepWorlds(ctx, dt)
		case <-broadcast.C:
			h.broadcastAll()
		case <-sweep.C:
			h.sweep(ctx)
		}
	}
}

// stepWorlds 先回收空世界，再逐个推进；单个世界崩溃不影响其他房间
func (h *Hub) stepWorlds(ctx context.Context, dt float64) {
	start := time.Now()
	if n := h.rooms.PruneEmpty(ctx); n > 0 {
		h.log.Debugf("pruned %d empty rooms", n)
	}
	for _, room := range h.rooms.Rooms() {
		if err := h.stepRoom(room, dt); err != nil {
			h.crashRoom(ctx, room, err)
		}
	}
	h.metrics.AddTick(time.Since(start).Nanoseconds())
}

func (h *Hub) stepRoom(room *Room, dt float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("world step panicked: %v", r)
		}
	}()
	h.step(room.World, dt)
	return nil
}

// crashRoom 通知成员 WORLD_CRASHED 并断开，销毁房间
func (h *Hub) crashRoom(ctx context.Context, room *Room, cause error) {
	h.log.Errorf("room %s crashed at tick %d: %v", room.ID, room.World.Tick, cause)
	h.metrics.IncWorldCrashed()

	crash := protocol.NewError(protocol.CodeWorldCrashed, "Game world crashed")
	ts := h.timestamp()
	for _, id := range h.rooms.Destroy(ctx, room.ID) {
		s, ok := h.sessions[id]
		if !ok {
			continue
		}
		h.sendError(s, crash, ts)
		delete(h.sessions, id)
		s.conn.Close()
		h.metrics.IncConnClosed()
	}
}

// broadcastAll 向每个房间广播当前快照
func (h *Hub) broadcastAll() {
	for _, room := range h.rooms.Rooms() {
		if room.World == nil {
			continue
		}
		h.broadcastRoom(room, protocol.TypeGameState, room.World.Snapshot(), "")
	}
}

// sweep 回收连接已不存在的成员以及空房间
func (h *Hub) sweep(ctx context.Context) {
	swept := h.rooms.Sweep(ctx, func(connID string) bool {
		_, ok := h.sessions[connID]
		return ok
	})
	pruned := h.rooms.PruneEmpty(ctx)
	if len(swept) > 0 || pruned > 0 {
		h.metrics.AddSwept(len(swept))
		h.log.Infof("sweep reclaimed %d members, %d rooms", len(swept), pruned)
	}
	h.reconcile(ctx)
}

// reconcile 清理目录里残留的活跃房间记录（上次进程遗留或注销失败的）
func (h *Hub) reconcile(ctx context.Context) {
	n, err := h.rooms.Reconcile(ctx)
	if err != nil {
		h.log.Warnf("reconciling room directory: %v", err)
		return
	}
	if n > 0 {
		h.log.Infof("deactivated %d stale room records", n)
	}
}

func (h *Hub) shutdown() {
	h.log.Infof("hub stopping: %d connections, %d rooms", len(h.sessions), len(h.rooms.Rooms()))
	for id, s := range h.sessions {
		delete(h.sessions, id)
		s.conn.Close()
		h.metrics.IncConnClosed()
	}
	ctx := context.Background()
	for _, room := range h.rooms.Rooms() {
		h.rooms.Destroy(ctx, room.ID)
	}
}
