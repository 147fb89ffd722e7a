package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pixil98/go-testutil"
	"go.uber.org/zap"

	"tannenbaumbiel/game"
	"tannenbaumbiel/protocol"
)

const testSeed = int64(4242)

// fakeConn 记录收到的消息；fail 为 true 时模拟发送失败
type fakeConn struct {
	id string

	mu     sync.Mutex
	msgs   []protocol.Envelope
	fail   bool
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	var env protocol.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	c.msgs = append(c.msgs, env)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setFail(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = v
}

func (c *fakeConn) ofType(t protocol.MessageType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, m := range c.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) last(t *testing.T, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	msgs := c.ofType(typ)
	if len(msgs) == 0 {
		t.Fatalf("%s: no %s message received", c.id, typ)
	}
	return msgs[len(msgs)-1]
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func decodeData[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decoding %s data: %v", env.Type, err)
	}
	return v
}

func newTestHub(t *testing.T, opts ...HubOpt) *Hub {
	t.Helper()
	opts = append([]HubOpt{WithSeedSource(func() int64 { return testSeed })}, opts...)
	return NewHub(DefaultConfig(), zap.NewNop().Sugar(), NewMemoryDirectory(), NopPublisher{}, opts...)
}

func connect(h *Hub, id string) *fakeConn {
	c := newFakeConn(id)
	h.process(context.Background(), intent{kind: intentConnect, connID: id, conn: c})
	return c
}

func deliver(h *Hub, c *fakeConn, msg protocol.Message) {
	h.process(context.Background(), intent{kind: intentMessage, connID: c.id, msg: msg, timestamp: 1})
}

func joinRoom(t *testing.T, h *Hub, c *fakeConn, room string) protocol.RoomJoined {
	t.Helper()
	deliver(h, c, &protocol.JoinRoom{RoomName: room, DisplayName: c.id, CharacterType: "hero1"})
	return decodeData[protocol.RoomJoined](t, c.last(t, protocol.TypeRoomJoined))
}

func lastError(t *testing.T, c *fakeConn) protocol.ErrorPayload {
	t.Helper()
	return decodeData[protocol.ErrorPayload](t, c.last(t, protocol.TypeError))
}

func stateOf(h *Hub, c *fakeConn) protocol.ConnState {
	return h.sessions[c.id].State()
}

// handshake 完成 join → ready_for_world → world_ready → client_ready
func handshake(t *testing.T, h *Hub, c *fakeConn, room string) string {
	t.Helper()
	joined := joinRoom(t, h, c, room)
	deliver(h, c, &protocol.ReadyForWorld{RoomID: joined.RoomID})
	layout := decodeData[game.WorldLayout](t, c.last(t, protocol.TypeWorldState))
	deliver(h, c, &protocol.WorldReady{RoomID: joined.RoomID, WorldSeed: layout.WorldSeed})
	deliver(h, c, &protocol.ClientReady{})
	return joined.RoomID
}

func TestHub_Handshake(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")
	testutil.AssertEqual(t, "initial state", stateOf(h, c), protocol.StateConnected)

	joined := joinRoom(t, h, c, "Winterwald")
	testutil.AssertEqual(t, "room_joined tag", c.last(t, protocol.TypeRoomJoined).ConnectionState, protocol.StateRoomJoined)
	testutil.AssertEqual(t, "your_player_id", joined.YourPlayerID, "c1")
	testutil.AssertEqual(t, "player_count", joined.PlayerCount, 1)
	testutil.AssertEqual(t, "max_players", joined.MaxPlayers, 4)
	testutil.AssertEqual(t, "player list", len(joined.PlayerList), 1)

	deliver(h, c, &protocol.ReadyForWorld{RoomID: joined.RoomID})
	ws := c.last(t, protocol.TypeWorldState)
	testutil.AssertEqual(t, "world_state tag", ws.ConnectionState, protocol.StateWorldSent)
	layout := decodeData[game.WorldLayout](t, ws)
	testutil.AssertEqual(t, "seed", layout.WorldSeed, testSeed)
	testutil.AssertEqual(t, "ground_y", layout.GroundY, float64(game.GroundY))

	deliver(h, c, &protocol.WorldReady{RoomID: joined.RoomID, WorldSeed: layout.WorldSeed})
	gs := c.last(t, protocol.TypeGameState)
	testutil.AssertEqual(t, "game_state tag", gs.ConnectionState, protocol.StateGameReady)
	state := decodeData[game.GameState](t, gs)
	testutil.AssertEqual(t, "players in snapshot", len(state.Players), 1)
	testutil.AssertEqual(t, "room id in snapshot", state.RoomID, joined.RoomID)

	before := c.count()
	deliver(h, c, &protocol.ClientReady{})
	deliver(h, c, &protocol.ClientReady{})
	testutil.AssertEqual(t, "client_ready sends nothing", c.count(), before)
	testutil.AssertEqual(t, "final state", stateOf(h, c), protocol.StateGameReady)
	testutil.AssertEqual(t, "no errors", len(c.ofType(protocol.TypeError)), 0)
}

func TestHub_SameRoomSharesWorld(t *testing.T) {
	h := newTestHub(t)
	c1 := connect(h, "c1")
	c2 := connect(h, "c2")

	j1 := joinRoom(t, h, c1, "Winterwald")
	j2 := joinRoom(t, h, c2, "Winterwald")
	testutil.AssertEqual(t, "same room", j2.RoomID, j1.RoomID)
	testutil.AssertEqual(t, "second player count", j2.PlayerCount, 2)

	pj := decodeData[protocol.PlayerJoined](t, c1.last(t, protocol.TypePlayerJoined))
	testutil.AssertEqual(t, "player_joined username", pj.Username, "c2")
	testutil.AssertEqual(t, "player_joined count", pj.PlayerCount, 2)
	testutil.AssertEqual(t, "joiner not notified of itself", len(c2.ofType(protocol.TypePlayerJoined)), 0)

	deliver(h, c1, &protocol.ReadyForWorld{RoomID: j1.RoomID})
	deliver(h, c2, &protocol.ReadyForWorld{RoomID: j2.RoomID})
	l1 := decodeData[game.WorldLayout](t, c1.last(t, protocol.TypeWorldState))
	l2 := decodeData[game.WorldLayout](t, c2.last(t, protocol.TypeWorldState))

	testutil.AssertEqual(t, "seed", l2.WorldSeed, l1.WorldSeed)
	testutil.AssertEqual(t, "platform count", len(l2.Platforms), len(l1.Platforms))
	for i := range l1.Platforms {
		testutil.AssertEqual(t, "platform", l2.Platforms[i], l1.Platforms[i])
	}
}

func TestHub_WorldStateStableAcrossTicks(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	c1 := connect(h, "c1")
	c2 := connect(h, "c2")

	j1 := joinRoom(t, h, c1, "Winterwald")
	deliver(h, c1, &protocol.ReadyForWorld{RoomID: j1.RoomID})
	l1 := decodeData[game.WorldLayout](t, c1.last(t, protocol.TypeWorldState))

	for i := 0; i < 60; i++ {
		h.stepWorlds(ctx, 1.0/60)
	}

	j2 := joinRoom(t, h, c2, "Winterwald")
	testutil.AssertEqual(t, "same room", j2.RoomID, j1.RoomID)
	deliver(h, c2, &protocol.ReadyForWorld{RoomID: j2.RoomID})
	l2 := decodeData[game.WorldLayout](t, c2.last(t, protocol.TypeWorldState))

	for i := 0; i < 30; i++ {
		h.stepWorlds(ctx, 1.0/60)
	}
	deliver(h, c1, &protocol.WorldReady{RoomID: j1.RoomID, WorldSeed: l1.WorldSeed})
	deliver(h, c1, &protocol.ClientReady{})
	deliver(h, c1, &protocol.RequestWorldState{})
	l3 := decodeData[game.WorldLayout](t, c1.last(t, protocol.TypeWorldState))

	testutil.AssertEqual(t, "platform count", len(l2.Platforms), len(l1.Platforms))
	testutil.AssertEqual(t, "resent platform count", len(l3.Platforms), len(l1.Platforms))
	for i := range l1.Platforms {
		testutil.AssertEqual(t, "platform", l2.Platforms[i], l1.Platforms[i])
		testutil.AssertEqual(t, "resent platform", l3.Platforms[i], l1.Platforms[i])
	}
}

func TestHub_OutOfOrderMessagesRejected(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")

	deliver(h, c, &protocol.WorldReady{RoomID: "r", WorldSeed: 1})
	e := lastError(t, c)
	testutil.AssertEqual(t, "code", e.ErrorCode, protocol.CodeInvalidState)
	testutil.AssertEqual(t, "message", e.Message, "Expected state WORLD_SENT, got CONNECTED")
	testutil.AssertEqual(t, "state unchanged", stateOf(h, c), protocol.StateConnected)

	deliver(h, c, &protocol.ClientReady{})
	testutil.AssertEqual(t, "client_ready code", lastError(t, c).ErrorCode, protocol.CodeInvalidState)

	joinRoom(t, h, c, "Winterwald")
	deliver(h, c, &protocol.JoinRoom{RoomName: "Other", DisplayName: "again"})
	testutil.AssertEqual(t, "second join code", lastError(t, c).ErrorCode, protocol.CodeInvalidState)
	testutil.AssertEqual(t, "state after second join", stateOf(h, c), protocol.StateRoomJoined)
	testutil.AssertEqual(t, "rooms", len(h.rooms.Rooms()), 1)
}

func TestHub_WorldSeedMismatch(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")
	joined := joinRoom(t, h, c, "Winterwald")
	deliver(h, c, &protocol.ReadyForWorld{RoomID: joined.RoomID})

	deliver(h, c, &protocol.WorldReady{RoomID: joined.RoomID, WorldSeed: testSeed + 1})
	e := lastError(t, c)
	testutil.AssertEqual(t, "code", e.ErrorCode, protocol.CodeWorldSeedMismatch)
	testutil.AssertEqual(t, "state unchanged", stateOf(h, c), protocol.StateWorldSent)

	deliver(h, c, &protocol.WorldReady{RoomID: joined.RoomID, WorldSeed: testSeed})
	testutil.AssertEqual(t, "state after retry", stateOf(h, c), protocol.StateGameReady)
}

func TestHub_RoomMismatch(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")
	joinRoom(t, h, c, "Winterwald")

	deliver(h, c, &protocol.ReadyForWorld{RoomID: "not-my-room"})
	testutil.AssertEqual(t, "code", lastError(t, c).ErrorCode, protocol.CodeRoomMismatch)
	testutil.AssertEqual(t, "state unchanged", stateOf(h, c), protocol.StateRoomJoined)
	testutil.AssertEqual(t, "no world sent", len(c.ofType(protocol.TypeWorldState)), 0)
}

func TestHub_MembershipRequired(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")

	for _, msg := range []protocol.Message{
		&protocol.PlayerInput{Action: game.ActionJump},
		&protocol.GameStateUpdate{},
		&protocol.RequestWorldState{},
		&protocol.LeaveRoom{},
	} {
		deliver(h, c, msg)
		testutil.AssertEqual(t, string(msg.MessageType()), lastError(t, c).ErrorCode, protocol.CodeNotInRoom)
	}

	deliver(h, c, &protocol.Ping{})
	pong := decodeData[protocol.Pong](t, c.last(t, protocol.TypePong))
	if pong.ServerTime <= 0 {
		t.Errorf("expected positive server_time, got %v", pong.ServerTime)
	}
}

func TestHub_RequestWorldState(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")
	handshake(t, h, c, "Winterwald")

	before := len(c.ofType(protocol.TypeWorldState))
	deliver(h, c, &protocol.RequestWorldState{})
	testutil.AssertEqual(t, "world_state count", len(c.ofType(protocol.TypeWorldState)), before+1)
	testutil.AssertEqual(t, "state unchanged", stateOf(h, c), protocol.StateGameReady)
}

func TestHub_LeaveAndRejoin(t *testing.T) {
	h := newTestHub(t)
	c1 := connect(h, "c1")
	c2 := connect(h, "c2")
	roomID := handshake(t, h, c1, "Winterwald")
	handshake(t, h, c2, "Winterwald")

	deliver(h, c1, &protocol.LeaveRoom{})
	left := c1.last(t, protocol.TypeRoomLeft)
	testutil.AssertEqual(t, "room_left id", decodeData[protocol.RoomLeft](t, left).RoomID, roomID)
	testutil.AssertEqual(t, "room_left tag", left.ConnectionState, protocol.StateConnected)

	pl := decodeData[protocol.PlayerLeft](t, c2.last(t, protocol.TypePlayerLeft))
	testutil.AssertEqual(t, "player_left count", pl.PlayerCount, 1)
	state := decodeData[game.GameState](t, c2.last(t, protocol.TypeGameState))
	testutil.AssertEqual(t, "players after leave", len(state.Players), 1)

	rejoined := joinRoom(t, h, c1, "Winterwald")
	testutil.AssertEqual(t, "rejoined same room", rejoined.RoomID, roomID)
	testutil.AssertEqual(t, "count after rejoin", rejoined.PlayerCount, 2)
}

func TestHub_LastLeaveDestroysRoom(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")
	handshake(t, h, c, "Winterwald")

	deliver(h, c, &protocol.LeaveRoom{})
	testutil.AssertEqual(t, "rooms", len(h.rooms.Rooms()), 0)
	testutil.AssertEqual(t, "destroyed metric", h.Metrics().RoomsDestroyed, int64(1))
}

func TestHub_DisconnectLeavesRoom(t *testing.T) {
	h := newTestHub(t)
	c1 := connect(h, "c1")
	c2 := connect(h, "c2")
	roomID := handshake(t, h, c1, "Winterwald")
	handshake(t, h, c2, "Winterwald")

	h.process(context.Background(), intent{kind: intentDisconnect, connID: "c1"})

	testutil.AssertEqual(t, "closed", c1.isClosed(), true)
	testutil.AssertEqual(t, "sessions", len(h.sessions), 1)
	w, ok := h.rooms.World(roomID)
	if !ok {
		t.Fatalf("room %s should survive", roomID)
	}
	_, stillThere := w.Player("c1")
	testutil.AssertEqual(t, "player removed", stillThere, false)
	testutil.AssertEqual(t, "player_left sent", len(c2.ofType(protocol.TypePlayerLeft)), 1)
}

func TestHub_RejectKeepsConnectionOpen(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")

	h.process(context.Background(), intent{
		kind:   intentReject,
		connID: "c1",
		err:    protocol.NewError(protocol.CodeInvalidJSON, "Invalid JSON format"),
	})
	testutil.AssertEqual(t, "code", lastError(t, c).ErrorCode, protocol.CodeInvalidJSON)
	testutil.AssertEqual(t, "still open", c.isClosed(), false)
	testutil.AssertEqual(t, "error metric", h.Metrics().ProtocolErrors, int64(1))
}

func TestHub_PlayerInputAppliedOnStep(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")
	roomID := handshake(t, h, c, "Winterwald")

	deliver(h, c, &protocol.PlayerInput{Action: game.ActionMoveRight})
	testutil.AssertEqual(t, "no errors", len(c.ofType(protocol.TypeError)), 0)

	h.stepWorlds(context.Background(), 1.0/60)
	w, _ := h.rooms.World(roomID)
	p, _ := w.Player("c1")
	testutil.AssertEqual(t, "velocity", p.VelocityX, float64(game.PlayerSpeed))
	testutil.AssertEqual(t, "tick", w.Tick, uint64(1))
}

func TestHub_ForeignProjectileUpdateDiscarded(t *testing.T) {
	h := newTestHub(t)
	p := connect(h, "p")
	q := connect(h, "q")
	roomID := handshake(t, h, p, "Winterwald")
	handshake(t, h, q, "Winterwald")

	deliver(h, p, &protocol.PlayerInput{Action: game.ActionShoot})
	w, _ := h.rooms.World(roomID)
	snap := w.Snapshot()
	if len(snap.Projectiles) != 1 {
		t.Fatalf("expected 1 projectile, got %d", len(snap.Projectiles))
	}
	proj := snap.Projectiles[0]
	testutil.AssertEqual(t, "owner", proj.OwnerID, "p")

	x := 999.0
	deliver(h, q, &protocol.GameStateUpdate{ClientUpdate: game.ClientUpdate{
		Projectiles: []game.ProjectileUpdate{{ProjectileID: proj.ProjectileID, OwnerID: "q", X: &x}},
	}})

	got, _ := w.Projectile(proj.ProjectileID)
	testutil.AssertEqual(t, "x unchanged", got.X, proj.X)
	testutil.AssertEqual(t, "rejected metric", h.Metrics().AuthorityRejected, int64(1))
	testutil.AssertEqual(t, "no error sent", len(q.ofType(protocol.TypeError)), 0)
}

func TestHub_BroadcastContinuesPastFailure(t *testing.T) {
	h := newTestHub(t)
	conns := []*fakeConn{connect(h, "c1"), connect(h, "c2"), connect(h, "c3")}
	for _, c := range conns {
		handshake(t, h, c, "Winterwald")
	}
	conns[1].setFail(true)

	before := []int{
		len(conns[0].ofType(protocol.TypeGameState)),
		len(conns[2].ofType(protocol.TypeGameState)),
	}
	h.broadcastAll()

	testutil.AssertEqual(t, "c1 received", len(conns[0].ofType(protocol.TypeGameState)), before[0]+1)
	testutil.AssertEqual(t, "c3 received", len(conns[2].ofType(protocol.TypeGameState)), before[1]+1)
	testutil.AssertEqual(t, "failures", h.Metrics().BroadcastFailures, int64(1))
	testutil.AssertEqual(t, "failing conn kept", len(h.sessions), 3)
}

func TestHub_CrashedWorldIsolated(t *testing.T) {
	h := newTestHub(t)
	a := connect(h, "a")
	b := connect(h, "b")
	roomA := handshake(t, h, a, "Alpha")
	roomB := handshake(t, h, b, "Beta")

	h.step = func(w *game.World, dt float64) {
		if w.RoomID == roomA {
			panic("corrupted world")
		}
		w.Step(dt)
	}
	h.stepWorlds(context.Background(), 1.0/60)

	testutil.AssertEqual(t, "crash code", lastError(t, a).ErrorCode, protocol.CodeWorldCrashed)
	testutil.AssertEqual(t, "crashed member closed", a.isClosed(), true)
	_, ok := h.rooms.Room(roomA)
	testutil.AssertEqual(t, "crashed room removed", ok, false)

	wb, ok := h.rooms.World(roomB)
	if !ok {
		t.Fatalf("room %s should survive", roomB)
	}
	testutil.AssertEqual(t, "other world stepped", wb.Tick, uint64(1))
	testutil.AssertEqual(t, "other member open", b.isClosed(), false)
	testutil.AssertEqual(t, "crash metric", h.Metrics().WorldsCrashed, int64(1))
}

func TestHub_SweepReclaimsOrphans(t *testing.T) {
	h := newTestHub(t)
	c := connect(h, "c1")
	handshake(t, h, c, "Winterwald")

	// 连接消失但没有走断开流程
	delete(h.sessions, "c1")
	h.sweep(context.Background())

	testutil.AssertEqual(t, "rooms", len(h.rooms.Rooms()), 0)
	testutil.AssertEqual(t, "swept", h.Metrics().MembersSwept, int64(1))
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	c := newFakeConn("c1")
	if err := h.Connect(ctx, c); err != nil {
		t.Fatalf("connect: %v", err)
	}
	var sessions int
	if err := h.Query(ctx, func() { sessions = len(h.sessions) }); err != nil {
		t.Fatalf("query: %v", err)
	}
	testutil.AssertEqual(t, "sessions", sessions, 1)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	testutil.AssertEqual(t, "closed on shutdown", c.isClosed(), true)

	err := h.Query(context.Background(), func() {})
	testutil.AssertEqual(t, "query after stop", errors.Is(err, ErrHubStopped), true)
}

func TestHub_RunReconcilesDirectoryOnStart(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := dir.CreateRoom(ctx, "Winterwald", 4); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	h := NewHub(DefaultConfig(), zap.NewNop().Sugar(), dir, NopPublisher{}, WithSeedSource(func() int64 { return testSeed }))
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	var active int
	if err := h.Query(ctx, func() {
		recs, _ := dir.ListActiveRooms(ctx)
		active = len(recs)
	}); err != nil {
		t.Fatalf("query: %v", err)
	}
	testutil.AssertEqual(t, "stale records", active, 0)

	cancel()
	<-done
}
