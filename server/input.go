package server

import "tannenbaumbiel/protocol"

// intentKind 入站意图的种类
type intentKind int

const (
	intentConnect intentKind = iota
	intentMessage
	intentReject // 解码失败，只回报错误
	intentDisconnect
	intentQuery
)

// intent 连接协程提交给 hub 的意图，由 hub 协程按到达顺序解释
type intent struct {
	kind      intentKind
	connID    string
	conn      Conn
	msg       protocol.Message
	timestamp float64 // 客户端消息时间戳，回复时带回
	err       error

	query func()
	done  chan struct{}
}
