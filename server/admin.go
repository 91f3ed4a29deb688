package server

import (
	"crypto/subtle"
	"errors"
)

var (
	// ErrUnauthorized 管理指令的令牌不匹配
	ErrUnauthorized = errors.New("admin token mismatch")
	// ErrNoSuchIdentity 目标身份当前不在线
	ErrNoSuchIdentity = errors.New("identity not present")
)

// Kick 按角色 ID 或外部用户 ID 强制断开；用户 ID 命中多个角色时全部断开。
// 先发终止通知再关闭传输层；关闭不依赖客户端确认，之后由正常断开路径执行 Leave。
func (r *Relay) Kick(identity, reason string) ([]PlayerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := r.registry.Resolve(identity)
	if len(targets) == 0 {
		return nil, ErrNoSuchIdentity
	}
	if reason == "" {
		reason = "disconnected by administrator"
	}
	kicked := targets[:0]
	for _, st := range targets {
		p, ok := r.broadcaster.Get(st.ConnID)
		if !ok {
			continue
		}
		r.broadcaster.ForceDisconnect(p, reason)
		Log.Infof("admin kick: char=%s conn=%s reason=%q", st.CharacterID, st.ConnID, reason)
		kicked = append(kicked, st)
	}
	if len(kicked) == 0 {
		return nil, ErrNoSuchIdentity
	}
	return kicked, nil
}

// HandleAdmin 处理 WebSocket 上收到的 adminDisconnect；令牌不对只记日志
func (r *Relay) HandleAdmin(from Peer, cmd AdminCommand) error {
	if r.adminToken == "" || subtle.ConstantTimeCompare([]byte(cmd.Token), []byte(r.adminToken)) != 1 {
		r.metrics.ignore("admin_unauthorized")
		Log.Warnf("admin command rejected: conn=%s target=%s", from.ID(), cmd.TargetIdentity)
		return ErrUnauthorized
	}
	if _, err := r.Kick(cmd.TargetIdentity, cmd.Reason); err != nil {
		Log.Infof("admin command: target=%s err=%v", cmd.TargetIdentity, err)
		return err
	}
	return nil
}
