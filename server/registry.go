package server

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound 连接没有绑定角色，或已被更新的连接取代
	ErrNotFound = errors.New("player not found")
	// ErrInvalidJoin 加入请求缺少角色身份
	ErrInvalidJoin = errors.New("join requires a character id")
	// ErrAlreadyJoined 同一连接试图绑定第二个角色
	ErrAlreadyJoined = errors.New("connection already bound to another character")
	// ErrServerFull 达到容量上限
	ErrServerFull = errors.New("server is full")
)

// JoinResult 一次加入（对账）的结果：新状态 + 被驱逐的旧连接（可能为空）
// Roster 与 Count 在同一临界区内取得，与本次变更构成同一时刻的视图
type JoinResult struct {
	State     PlayerState
	Evicted   ConnID
	Refreshed bool
	Roster    []PlayerState
	Count     int
}

// Registry 在场角色表：byConnection 与 byCharacter 两张表构成同一个一致性域，
// 所有变更都在 mu 下成对完成
type Registry struct {
	mu           sync.Mutex
	byConnection map[ConnID]*PlayerState
	byCharacter  map[CharacterID]ConnID
	capacity     int

	now func() time.Time
}

// NewRegistry 创建注册表；capacity <= 0 表示不限人数
func NewRegistry(capacity int) *Registry {
	return &Registry{
		byConnection: make(map[ConnID]*PlayerState),
		byCharacter:  make(map[CharacterID]ConnID),
		capacity:     capacity,
		now:          time.Now,
	}
}

// Join 将 char 绑定到 conn。
// 同一角色已绑定在另一个连接上时，旧连接被移除并作为 Evicted 返回，由调用方负责关闭；
// 同一连接重复加入视为刷新属性。
func (r *Registry) Join(conn ConnID, char CharacterID, attrs Attributes, pose Pose) (JoinResult, error) {
	if char == "" {
		return JoinResult{}, ErrInvalidJoin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byConnection[conn]; ok && cur.CharacterID != char {
		return JoinResult{}, ErrAlreadyJoined
	}

	var res JoinResult
	if owner, ok := r.byCharacter[char]; ok {
		if owner == conn {
			st := r.byConnection[conn]
			st.DisplayName = attrs.DisplayName
			st.UserID = attrs.UserID
			st.Extra = attrs.Extra
			if len(pose) > 0 {
				st.Pose.Merge(pose)
			}
			return JoinResult{State: st.clone(), Refreshed: true, Roster: r.snapshotLocked(), Count: len(r.byConnection)}, nil
		}
		// 幽灵连接：最新的连接获胜
		delete(r.byConnection, owner)
		delete(r.byCharacter, char)
		res.Evicted = owner
	} else if r.capacity > 0 && len(r.byConnection) >= r.capacity {
		return JoinResult{}, ErrServerFull
	}

	st := &PlayerState{
		CharacterID: char,
		ConnID:      conn,
		DisplayName: attrs.DisplayName,
		UserID:      attrs.UserID,
		Extra:       attrs.Extra,
		Pose:        Pose{},
		JoinedAt:    r.now(),
	}
	st.Pose.Merge(pose)
	r.byConnection[conn] = st
	r.byCharacter[char] = conn
	res.State = st.clone()
	res.Roster = r.snapshotLocked()
	res.Count = len(r.byConnection)
	return res, nil
}

// ApplyMovement 把 delta 合并进连接所绑定角色的姿态
func (r *Registry) ApplyMovement(conn ConnID, delta Pose) (PlayerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byConnection[conn]
	if !ok {
		return PlayerState{}, ErrNotFound
	}
	st.Pose.Merge(delta)
	return st.clone(), nil
}

// Leave 移除连接绑定的角色，并返回移除后的人数。
// 只有 byCharacter 仍指向该连接时才删除，输掉竞争的旧连接不能删掉胜者的状态。
func (r *Registry) Leave(conn ConnID) (PlayerState, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byConnection[conn]
	if !ok {
		return PlayerState{}, len(r.byConnection), ErrNotFound
	}
	if r.byCharacter[st.CharacterID] != conn {
		return PlayerState{}, len(r.byConnection), ErrNotFound
	}
	delete(r.byConnection, conn)
	delete(r.byCharacter, st.CharacterID)
	return st.clone(), len(r.byConnection), nil
}

// Snapshot 某一时刻的一致视图，按加入时间排序
func (r *Registry) Snapshot() []PlayerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []PlayerState {
	out := make([]PlayerState, 0, len(r.byConnection))
	for _, st := range r.byConnection {
		out = append(out, st.clone())
	}
	sortByJoin(out)
	return out
}

func sortByJoin(out []PlayerState) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].CharacterID < out[j].CharacterID
	})
}

// Count 当前人数
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConnection)
}

// Capacity 配置的容量上限（0 表示不限）
func (r *Registry) Capacity() int { return r.capacity }

// Lookup 按角色 ID 查找单个在场角色
func (r *Registry) Lookup(char CharacterID) (PlayerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byCharacter[char]
	if !ok {
		return PlayerState{}, false
	}
	return r.byConnection[conn].clone(), true
}

// Resolve 管理指令的目标解析：identity 是在场角色 ID 时只返回该角色；
// 否则按外部用户 ID 返回该用户的全部角色（一个用户可以同时控制多个角色），按加入时间排序
func (r *Registry) Resolve(identity string) []PlayerState {
	if identity == "" {
		return nil
	}
	if st, ok := r.Lookup(CharacterID(identity)); ok {
		return []PlayerState{st}
	}
	r.mu.Lock()
	var out []PlayerState
	for _, st := range r.byConnection {
		if st.UserID == identity {
			out = append(out, st.clone())
		}
	}
	r.mu.Unlock()
	sortByJoin(out)
	return out
}
