package server

import (
	"time"

	"tannenbaumbiel/protocol"
)

// session 一条连接在服务端的会话：发送端 + 握手状态机。
// 只在 hub 协程中读写。
type session struct {
	id       string
	conn     Conn
	machine  *protocol.Machine
	openedAt time.Time
}

func newSession(c Conn, now time.Time) *session {
	return &session{
		id:       c.ID(),
		conn:     c,
		machine:  protocol.NewMachine(),
		openedAt: now,
	}
}

func (s *session) State() protocol.ConnState { return s.machine.State() }
