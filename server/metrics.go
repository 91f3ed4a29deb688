package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics 记录中继运行期的关键指标（用于监控与调试）
type RelayMetrics struct {
	Joins          prometheus.Counter // 成功加入（含刷新）
	Evictions      prometheus.Counter // 因重连被驱逐的旧连接
	Departures     prometheus.Counter // 角色离开
	Movements      prometheus.Counter // 被接受的移动
	Ignored        *prometheus.CounterVec
	Dropped        prometheus.Counter // 因发送队列满被丢弃的消息
	MirrorFailures prometheus.Counter // 外部镜像写入失败（含队列溢出）
	Players        prometheus.Gauge
	Connections    prometheus.Gauge
}

// NewRelayMetrics 在 reg 上注册全部指标；reg 为 nil 时只创建不注册（测试用）
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		Joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "joins_total", Help: "Accepted joins, refreshes included.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "evictions_total", Help: "Connections evicted by a newer connection for the same character.",
		}),
		Departures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "departures_total", Help: "Characters removed on disconnect.",
		}),
		Movements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "movements_total", Help: "Movement updates applied.",
		}),
		Ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "ignored_requests_total", Help: "Inbound requests dropped at the boundary.",
		}, []string{"reason"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "outbound_dropped_total", Help: "Outbound messages dropped on a full send queue.",
		}),
		MirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "mirror_failures_total", Help: "Presence mirror operations that failed or were dropped.",
		}),
		Players: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "players", Help: "Characters currently present.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "connections", Help: "Live transport connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Joins, m.Evictions, m.Departures, m.Movements, m.Ignored,
			m.Dropped, m.MirrorFailures, m.Players, m.Connections)
	}
	return m
}

func (m *RelayMetrics) ignore(reason string) { m.Ignored.WithLabelValues(reason).Inc() }
