package server

import "time"

// ConnID 传输层分配的连接标识，连接存活期间不会复用
type ConnID string

// CharacterID 客户端声明的角色身份（跨连接持久）
type CharacterID string

// Pose 位置与姿态载荷，服务端不解释字段含义，只做浅合并
type Pose map[string]any

// Merge 按字段覆盖（后写者胜），delta 中的字段直接写入 p
func (p Pose) Merge(delta Pose) {
	for k, v := range delta {
		p[k] = v
	}
}

// Clone 浅拷贝，广播时交出去的副本不再受后续移动影响
func (p Pose) Clone() Pose {
	out := make(Pose, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Attributes 加入时提供的身份属性；Extra 保存游戏自定义字段
type Attributes struct {
	DisplayName string
	UserID      string
	Extra       map[string]any
}

// PlayerState 一个在场角色的权威记录（同时也是广播给客户端的结构）
type PlayerState struct {
	CharacterID CharacterID    `json:"characterId"`
	ConnID      ConnID         `json:"connectionId"`
	DisplayName string         `json:"displayName"`
	UserID      string         `json:"userId,omitempty"`
	Extra       map[string]any `json:"attributes,omitempty"`
	Pose        Pose           `json:"pose"`
	JoinedAt    time.Time      `json:"joinedAt"`
}

// clone 返回可以安全离开注册表锁的副本
func (s *PlayerState) clone() PlayerState {
	out := *s
	out.Pose = s.Pose.Clone()
	if s.Extra != nil {
		out.Extra = make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
