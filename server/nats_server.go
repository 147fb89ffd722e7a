package server

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedNats 进程内的 NATS 服务器，单机部署时承载生命周期事件
type EmbeddedNats struct {
	ns             *natsserver.Server
	startupTimeout time.Duration
}

type EmbeddedNatsOpt func(*EmbeddedNats)

// WithStartTimeout 启动等待时间
func WithStartTimeout(d time.Duration) EmbeddedNatsOpt {
	return func(n *EmbeddedNats) { n.startupTimeout = d }
}

// NewEmbeddedNats port 为 -1 时随机选择端口
func NewEmbeddedNats(host string, port int, opts ...EmbeddedNatsOpt) (*EmbeddedNats, error) {
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}
	n := &EmbeddedNats{ns: ns, startupTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Start 启动并等待可以接受连接
func (n *EmbeddedNats) Start() error {
	n.ns.Start()
	if !n.ns.ReadyForConnections(n.startupTimeout) {
		return fmt.Errorf("nats server not ready for connections")
	}
	return nil
}

// ClientURL 供 NatsPublisher 连接的地址
func (n *EmbeddedNats) ClientURL() string {
	return n.ns.ClientURL()
}

func (n *EmbeddedNats) Shutdown() {
	n.ns.Shutdown()
	n.ns.WaitForShutdown()
}
