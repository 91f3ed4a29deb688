package server

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RelayOptions 组装中继所需的协作者
type RelayOptions struct {
	Capacity   int
	AdminToken string
	Mirror     *Mirror
	Metrics    *RelayMetrics
}

// Relay 对账步骤：注册表变更 -> 广播 -> 镜像（尽力而为）
// mu 把“变更 + 入队”作为一个整体串行化：任意两条连接观察到的事件顺序都与注册表变更顺序一致。
// 锁内只有内存操作和非阻塞入队，不会被慢客户端或镜像拖住。
type Relay struct {
	mu          sync.Mutex
	registry    *Registry
	broadcaster *Broadcaster
	mirror      *Mirror
	metrics     *RelayMetrics
	adminToken  string
}

func NewRelay(opts RelayOptions) *Relay {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewRelayMetrics(nil)
	}
	return &Relay{
		registry:    NewRegistry(opts.Capacity),
		broadcaster: NewBroadcaster(metrics),
		mirror:      opts.Mirror,
		metrics:     metrics,
		adminToken:  opts.AdminToken,
	}
}

func (r *Relay) Registry() *Registry { return r.registry }

// Connect 新连接进入（尚未加入游戏），先把当前人数推给它
func (r *Relay) Connect(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster.Add(p)
	r.broadcaster.PopulationTo(p, r.registry.Count())
	Log.Infof("connected: conn=%s", p.ID())
}

// Join 处理 joinGame
func (r *Relay) Join(p Peer, req JoinRequest) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.broadcaster.Get(p.ID()); !ok {
		// 连接已经断开，不再接受加入
		return JoinResult{}, ErrNotFound
	}
	res, err := r.registry.Join(p.ID(), req.CharacterID, req.Attributes, req.Pose)
	if err != nil {
		r.metrics.ignore(rejectReason(err))
		Log.Warnf("join rejected: conn=%s char=%s err=%v", p.ID(), req.CharacterID, err)
		r.broadcaster.Reject(p, rejectReason(err))
		return JoinResult{}, err
	}
	r.metrics.Joins.Inc()

	if res.Evicted != "" {
		r.metrics.Evictions.Inc()
		Log.Infof("evict: char=%s old=%s new=%s", req.CharacterID, res.Evicted, p.ID())
		r.broadcaster.AnnounceDeparture(req.CharacterID)
		if old, ok := r.broadcaster.Get(res.Evicted); ok {
			r.broadcaster.ForceDisconnect(old, "replaced by a newer connection")
		}
		r.mirror.Delete(req.CharacterID)
	}

	r.broadcaster.Roster(p, res.Roster)
	r.broadcaster.AnnounceJoin(res.State)
	if !res.Refreshed && res.Evicted == "" {
		r.broadcaster.Population(res.Count)
	}
	r.metrics.Players.Set(float64(res.Count))
	r.mirror.Upsert(res.State)

	Log.Infof("join: char=%s name=%s conn=%s refreshed=%v", res.State.CharacterID, res.State.DisplayName, p.ID(), res.Refreshed)
	return res, nil
}

// Move 处理 playerMovement；加入前的移动直接忽略
func (r *Relay) Move(p Peer, delta Pose) (PlayerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.registry.ApplyMovement(p.ID(), delta)
	if err != nil {
		r.metrics.ignore("move_before_join")
		Log.Debugf("movement ignored: conn=%s not joined", p.ID())
		return PlayerState{}, err
	}
	r.metrics.Movements.Inc()
	r.broadcaster.AnnounceMove(st)
	return st, nil
}

// Disconnect 传输层断开（无论干净还是异常）都走这里
func (r *Relay) Disconnect(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster.Remove(p.ID())
	p.Terminate(nil)

	st, count, err := r.registry.Leave(p.ID())
	if err != nil {
		Log.Infof("anonymous or superseded connection closed: conn=%s", p.ID())
		return
	}
	r.metrics.Departures.Inc()
	r.metrics.Players.Set(float64(count))
	r.broadcaster.AnnounceDeparture(st.CharacterID)
	r.broadcaster.Population(count)
	r.mirror.Delete(st.CharacterID)
	Log.Infof("leave: char=%s name=%s conn=%s", st.CharacterID, st.DisplayName, p.ID())
}

// Shutdown 通知所有连接关服，等待宽限期后关闭全部连接
func (r *Relay) Shutdown(ctx context.Context, grace time.Duration) {
	r.mu.Lock()
	Log.Infof("shutdown: notifying %d connections", r.broadcaster.Len())
	r.broadcaster.Shutdown("server shutting down")
	r.mu.Unlock()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	r.mu.Lock()
	r.broadcaster.TerminateAll()
	r.mu.Unlock()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidJoin):
		return "invalid_join"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrServerFull):
		return "server_full"
	default:
		return "rejected"
	}
}
