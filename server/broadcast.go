package server

import (
	"sync"
)

// Peer 一个可以收消息的存活连接（ClientConn 实现；测试里用假连接）
type Peer interface {
	ID() ConnID
	// Send 非阻塞入队，队列满返回 false
	Send(b []byte) bool
	// Terminate 发送最后一条通知后无条件关闭（final 可为 nil），可重复调用
	Terminate(final []byte)
}

// Broadcaster 把注册表的结果转换为出站事件，并投递给正确的受众
type Broadcaster struct {
	mu      sync.RWMutex
	peers   map[ConnID]Peer
	metrics *RelayMetrics
}

func NewBroadcaster(metrics *RelayMetrics) *Broadcaster {
	return &Broadcaster{peers: make(map[ConnID]Peer), metrics: metrics}
}

func (b *Broadcaster) Add(p Peer) {
	b.mu.Lock()
	b.peers[p.ID()] = p
	n := len(b.peers)
	b.mu.Unlock()
	b.metrics.Connections.Set(float64(n))
}

func (b *Broadcaster) Remove(id ConnID) {
	b.mu.Lock()
	delete(b.peers, id)
	n := len(b.peers)
	b.mu.Unlock()
	b.metrics.Connections.Set(float64(n))
}

func (b *Broadcaster) Get(id ConnID) (Peer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.peers[id]
	return p, ok
}

func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Roster 只发给刚加入的连接：完整快照，包含它自己
func (b *Broadcaster) Roster(to Peer, players []PlayerState) {
	b.sendTo(to, EventCurrentPlayers, players)
}

// AnnounceJoin 发给除加入者外的所有存活连接
func (b *Broadcaster) AnnounceJoin(st PlayerState) {
	b.fanout(EventNewPlayer, st, st.ConnID)
}

// AnnounceMove 发给除移动者外的所有存活连接
func (b *Broadcaster) AnnounceMove(st PlayerState) {
	b.fanout(EventPlayerMoved, st, st.ConnID)
}

// AnnounceDeparture 发给所有存活连接
func (b *Broadcaster) AnnounceDeparture(id CharacterID) {
	b.fanout(EventPlayerDisconnected, DeparturePayload{CharacterID: id}, "")
}

// Population 人数变化时发给所有存活连接
func (b *Broadcaster) Population(count int) {
	b.fanout(EventUpdatePlayerCount, PopulationPayload{Count: count}, "")
}

// PopulationTo 只发给一个连接（新连接进入大厅时）
func (b *Broadcaster) PopulationTo(to Peer, count int) {
	b.sendTo(to, EventUpdatePlayerCount, PopulationPayload{Count: count})
}

// Status 心跳：发给所有存活连接，失败不重试
func (b *Broadcaster) Status(st StatusPayload) {
	b.fanout(EventServerStatus, st, "")
}

// Shutdown 关服通知
func (b *Broadcaster) Shutdown(reason string) {
	b.fanout(EventServerShutdown, NoticePayload{Reason: reason}, "")
}

// Reject 加入被拒，只通知请求方，不断开
func (b *Broadcaster) Reject(to Peer, reason string) {
	b.sendTo(to, EventJoinRejected, NoticePayload{Reason: reason})
}

// ForceDisconnect 发送终止通知并关闭连接
func (b *Broadcaster) ForceDisconnect(p Peer, reason string) {
	msg, err := encodeEvent(EventForceDisconnect, NoticePayload{Reason: reason})
	if err != nil {
		Log.Errorf("encode %s: %v", EventForceDisconnect, err)
		msg = nil
	}
	p.Terminate(msg)
}

// TerminateAll 关闭全部连接（关服最后一步）
func (b *Broadcaster) TerminateAll() {
	for _, p := range b.snapshot() {
		p.Terminate(nil)
	}
}

func (b *Broadcaster) sendTo(to Peer, typ string, data any) {
	msg, err := encodeEvent(typ, data)
	if err != nil {
		Log.Errorf("encode %s: %v", typ, err)
		return
	}
	if !to.Send(msg) {
		b.metrics.Dropped.Inc()
		Log.Debugf("send queue full: conn=%s event=%s", to.ID(), typ)
	}
}

// fanout 编码一次，然后在读锁外逐个入队；except 为空表示不排除任何连接
func (b *Broadcaster) fanout(typ string, data any, except ConnID) {
	msg, err := encodeEvent(typ, data)
	if err != nil {
		Log.Errorf("encode %s: %v", typ, err)
		return
	}
	for _, p := range b.snapshot() {
		if except != "" && p.ID() == except {
			continue
		}
		if !p.Send(msg) {
			b.metrics.Dropped.Inc()
			Log.Debugf("send queue full: conn=%s event=%s", p.ID(), typ)
		}
	}
}

func (b *Broadcaster) snapshot() []Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p)
	}
	return out
}
