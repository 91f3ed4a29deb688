package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JoinRequest 加入请求（已在边界完成校验）
// 示例：{"type":"joinGame","data":{"characterId":"c1","displayName":"Ann","skin":"red","pose":{"x":1}}}
type JoinRequest struct {
	CharacterID CharacterID
	Attributes  Attributes
	Pose        Pose
}

// AdminCommand 管理端强制断开指令
type AdminCommand struct {
	TargetIdentity string `json:"targetIdentity"`
	Reason         string `json:"reason"`
	Token          string `json:"token"`
}

// 加入载荷中的保留字段，其余字段进入 Attributes.Extra
var reservedJoinKeys = map[string]bool{
	"characterId": true,
	"displayName": true,
	"name":        true,
	"userId":      true,
	"pose":        true,
}

// maxExtraAttributes 限制客户端附带的自定义字段数量
const maxExtraAttributes = 32

// ParseJoin 把 joinGame 的 data 解析为 JoinRequest
func ParseJoin(data json.RawMessage) (JoinRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return JoinRequest{}, fmt.Errorf("decode join: %w", err)
	}

	var req JoinRequest
	id, err := stringField(raw, "characterId")
	if err != nil {
		return JoinRequest{}, err
	}
	req.CharacterID = CharacterID(strings.TrimSpace(id))
	if req.CharacterID == "" {
		return JoinRequest{}, ErrInvalidJoin
	}

	name, err := stringField(raw, "displayName")
	if err != nil {
		return JoinRequest{}, err
	}
	if name == "" {
		// 兼容旧客户端的 name 字段
		if name, err = stringField(raw, "name"); err != nil {
			return JoinRequest{}, err
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = string(req.CharacterID)
	}
	req.Attributes.DisplayName = name

	if req.Attributes.UserID, err = stringField(raw, "userId"); err != nil {
		return JoinRequest{}, err
	}

	if p, ok := raw["pose"]; ok {
		if err := json.Unmarshal(p, &req.Pose); err != nil {
			return JoinRequest{}, fmt.Errorf("decode join pose: %w", err)
		}
	}

	for k, v := range raw {
		if reservedJoinKeys[k] {
			continue
		}
		if len(req.Attributes.Extra) >= maxExtraAttributes {
			return JoinRequest{}, errors.New("too many join attributes")
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return JoinRequest{}, fmt.Errorf("decode join attribute %q: %w", k, err)
		}
		if req.Attributes.Extra == nil {
			req.Attributes.Extra = make(map[string]any)
		}
		req.Attributes.Extra[k] = val
	}
	return req, nil
}

// ParseMovement 解析 playerMovement 的部分姿态字段
func ParseMovement(data json.RawMessage) (Pose, error) {
	var delta Pose
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, fmt.Errorf("decode movement: %w", err)
	}
	if len(delta) == 0 {
		return nil, errors.New("empty movement")
	}
	return delta, nil
}

// ParseAdmin 解析 adminDisconnect
func ParseAdmin(data json.RawMessage) (AdminCommand, error) {
	var cmd AdminCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return AdminCommand{}, fmt.Errorf("decode admin command: %w", err)
	}
	cmd.TargetIdentity = strings.TrimSpace(cmd.TargetIdentity)
	if cmd.TargetIdentity == "" {
		return AdminCommand{}, errors.New("admin command requires a target identity")
	}
	return cmd, nil
}

func stringField(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("field %s must be a string", key)
	}
	return s, nil
}
