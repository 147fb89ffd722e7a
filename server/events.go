package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// 生命周期事件主题
const (
	SubjectRoomCreated   = "room.created"
	SubjectRoomDestroyed = "room.destroyed"
	SubjectPlayerJoined  = "player.joined"
	SubjectPlayerLeft    = "player.left"
)

// LifecycleEvent 房间/成员变化事件，供外部统计或存储订阅
type LifecycleEvent struct {
	RoomID       string    `json:"room_id"`
	RoomName     string    `json:"room_name"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Username     string    `json:"username,omitempty"`
	PlayerCount  int       `json:"player_count"`
	WorldSeed    int64     `json:"world_seed,omitempty"`
	At           time.Time `json:"at"`
}

// EventPublisher 事件发布者
type EventPublisher interface {
	Publish(subject string, ev LifecycleEvent) error
	Close()
}

// NopPublisher 未配置消息总线时使用
type NopPublisher struct{}

func (NopPublisher) Publish(string, LifecycleEvent) error { return nil }
func (NopPublisher) Close()                               {}

// NatsPublisher 把生命周期事件发布到 NATS
type NatsPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNatsPublisher 连接 NATS 服务器
func NewNatsPublisher(url, prefix string) (*NatsPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("tannenbaumbiel-server"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NatsPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NatsPublisher) Publish(subject string, ev LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.prefix+subject, data)
}

// Close 先 drain 再关闭，保证已发布的事件送达
func (p *NatsPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
