package server

import (
	"context"
	"time"
)

// DefaultHeartbeatInterval 心跳默认周期
const DefaultHeartbeatInterval = 5 * time.Second

// Heartbeat 按固定周期广播服务器状态，与单个玩家事件无关
type Heartbeat struct {
	relay    *Relay
	interval time.Duration
	now      func() time.Time
}

func NewHeartbeat(relay *Relay, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{relay: relay, interval: interval, now: time.Now}
}

// Run 阻塞直到 ctx 取消
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Beat()
		}
	}
}

// Beat 发送一次状态；投递失败不重试，下一次心跳自然覆盖
func (h *Heartbeat) Beat() StatusPayload {
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	reg := h.relay.registry
	st := newStatus(reg.Count(), reg.Capacity(), h.now())
	h.relay.broadcaster.Status(st)
	return st
}
