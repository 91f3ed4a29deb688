package server

import (
	"context"
	"sync"
	"time"
)

// Presence 写入外部镜像的公开字段子集
type Presence struct {
	CharacterID string
	DisplayName string
	UserID      string
	ConnectedAt time.Time
}

// PresenceStore 外部“谁在线”镜像（store 包提供 sqlite 实现）
type PresenceStore interface {
	UpsertPresence(ctx context.Context, p Presence) error
	DeletePresence(ctx context.Context, characterID string) error
}

type mirrorOp struct {
	upsert *Presence
	delete string
}

// Mirror 单协程按 FIFO 顺序写镜像；入队永不阻塞，失败只记日志，不重试也不回滚
type Mirror struct {
	store   PresenceStore
	ops     chan mirrorOp
	timeout time.Duration
	metrics *RelayMetrics

	closeOnce sync.Once
	done      chan struct{}
}

// NewMirror store 为 nil 时所有操作都是空操作
func NewMirror(store PresenceStore, queue int, timeout time.Duration, metrics *RelayMetrics) *Mirror {
	if queue <= 0 {
		queue = 256
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Mirror{
		store:   store,
		ops:     make(chan mirrorOp, queue),
		timeout: timeout,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Upsert 角色加入后写入记录
func (m *Mirror) Upsert(st PlayerState) {
	m.enqueue(mirrorOp{upsert: &Presence{
		CharacterID: string(st.CharacterID),
		DisplayName: st.DisplayName,
		UserID:      st.UserID,
		ConnectedAt: st.JoinedAt,
	}})
}

// Delete 角色离开或被驱逐后删除记录
func (m *Mirror) Delete(id CharacterID) {
	m.enqueue(mirrorOp{delete: string(id)})
}

func (m *Mirror) enqueue(op mirrorOp) {
	if m == nil || m.store == nil {
		return
	}
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.ops <- op:
	default:
		// 队列满：丢弃，绝不阻塞加入流程
		m.metrics.MirrorFailures.Inc()
		Log.Warnf("mirror queue full, dropped op for %s", op.key())
	}
}

// Run 消费队列直到 ctx 取消；取消后把已入队的操作尽量写完
func (m *Mirror) Run(ctx context.Context) error {
	if m.store == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case op := <-m.ops:
			m.apply(op)
		case <-ctx.Done():
			m.closeOnce.Do(func() { close(m.done) })
			for {
				select {
				case op := <-m.ops:
					m.apply(op)
				default:
					return nil
				}
			}
		}
	}
}

func (m *Mirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	var err error
	if op.upsert != nil {
		err = m.store.UpsertPresence(ctx, *op.upsert)
	} else {
		err = m.store.DeletePresence(ctx, op.delete)
	}
	if err != nil {
		m.metrics.MirrorFailures.Inc()
		Log.Warnf("mirror %s failed: %v", op.key(), err)
	}
}

func (op mirrorOp) key() string {
	if op.upsert != nil {
		return "upsert " + op.upsert.CharacterID
	}
	return "delete " + op.delete
}
