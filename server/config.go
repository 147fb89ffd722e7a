package server

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pixil98/go-errors"
	"go.uber.org/zap/zapcore"
)

// Config 服务端运行配置（JSON 文件 + 命令行覆盖）
type Config struct {
	Addr              string `json:"addr"`
	LogFile           string `json:"log_file"`
	LogLevel          string `json:"log_level"`
	MaxPlayersPerRoom int    `json:"max_players_per_room"`
	MaxRooms          int    `json:"max_rooms"`
	TickRate          int    `json:"tick_rate"`
	BroadcastRate     int    `json:"broadcast_rate"`
	SweepInterval     string `json:"sweep_interval"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	SendQueueSize     int    `json:"send_queue_size"`
	NatsURL           string `json:"nats_url"`
	NatsSubjectPrefix string `json:"nats_subject_prefix"`
	NatsEmbedded      bool   `json:"nats_embedded"`      // 进程内启动 NATS，忽略 nats_url
	NatsEmbeddedPort  int    `json:"nats_embedded_port"` // -1 为随机端口
}

// DefaultConfig 默认配置：每房 4 人，60Hz 模拟，30Hz 广播
func DefaultConfig() *Config {
	return &Config{
		Addr:              ":8000",
		LogLevel:          "info",
		MaxPlayersPerRoom: 4,
		TickRate:          60,
		BroadcastRate:     30,
		SweepInterval:     "30s",
		HeartbeatInterval: "30s",
		SendQueueSize:     64,
		NatsSubjectPrefix: "tannenbaumbiel.",
		NatsEmbeddedPort:  4222,
	}
}

// LoadConfig 在默认配置之上读取 JSON 文件；path 为空时只返回默认值
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	el := errors.NewErrorList()

	if c.Addr == "" {
		el.Add(fmt.Errorf("addr is required"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		el.Add(fmt.Errorf("log_level: %w", err))
	}
	if c.MaxPlayersPerRoom < 1 {
		el.Add(fmt.Errorf("max_players_per_room must be at least 1"))
	}
	if c.MaxRooms < 0 {
		el.Add(fmt.Errorf("max_rooms must not be negative"))
	}
	if c.TickRate < 1 || c.TickRate > 1000 {
		el.Add(fmt.Errorf("tick_rate must be between 1 and 1000"))
	}
	if c.BroadcastRate < 1 {
		el.Add(fmt.Errorf("broadcast_rate must be at least 1"))
	} else if c.BroadcastRate > c.TickRate {
		el.Add(fmt.Errorf("broadcast_rate must not exceed tick_rate"))
	}
	if d, err := time.ParseDuration(c.SweepInterval); err != nil {
		el.Add(fmt.Errorf("parsing sweep_interval: %w", err))
	} else if d <= 0 {
		el.Add(fmt.Errorf("sweep_interval must be positive"))
	}
	if d, err := time.ParseDuration(c.HeartbeatInterval); err != nil {
		el.Add(fmt.Errorf("parsing heartbeat_interval: %w", err))
	} else if d <= 0 {
		el.Add(fmt.Errorf("heartbeat_interval must be positive"))
	}
	if c.SendQueueSize < 1 {
		el.Add(fmt.Errorf("send_queue_size must be at least 1"))
	}
	if c.NatsEmbedded && (c.NatsEmbeddedPort < -1 || c.NatsEmbeddedPort > 65535) {
		el.Add(fmt.Errorf("nats_embedded_port must be -1 or a valid port"))
	}

	return el.Err()
}

// TickInterval 模拟步进间隔
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// BroadcastInterval 快照广播间隔
func (c *Config) BroadcastInterval() time.Duration {
	return time.Second / time.Duration(c.BroadcastRate)
}

// SweepEvery 孤儿成员清理间隔
func (c *Config) SweepEvery() time.Duration {
	d, _ := time.ParseDuration(c.SweepInterval)
	return d
}

// Heartbeat WebSocket ping 间隔
func (c *Config) Heartbeat() time.Duration {
	d, _ := time.ParseDuration(c.HeartbeatInterval)
	return d
}

// RuntimeConfig 对外报告的运行参数
type RuntimeConfig struct {
	MaxPlayersPerRoom int `json:"max_players_per_room"`
	TickRate          int `json:"tick_rate"`
	BroadcastRate     int `json:"broadcast_rate"`
}

// Runtime getRuntimeConfig
func (c *Config) Runtime() RuntimeConfig {
	return RuntimeConfig{
		MaxPlayersPerRoom: c.MaxPlayersPerRoom,
		TickRate:          c.TickRate,
		BroadcastRate:     c.BroadcastRate,
	}
}
