package server

import (
	"encoding/json"
	"time"
)

// 入站事件（客户端 -> 服务端）
const (
	EventJoinGame        = "joinGame"
	EventPlayerMovement  = "playerMovement"
	EventAdminDisconnect = "adminDisconnect"
)

// 出站事件（服务端 -> 客户端）
const (
	EventCurrentPlayers     = "currentPlayers"
	EventNewPlayer          = "newPlayer"
	EventPlayerMoved        = "playerMoved"
	EventPlayerDisconnected = "playerDisconnected"
	EventUpdatePlayerCount  = "updatePlayerCount"
	EventServerStatus       = "serverStatus"
	EventServerShutdown     = "serverShutdown"
	EventForceDisconnect    = "forceDisconnect"
	EventJoinRejected       = "joinRejected"
)

// Envelope 每条 WebSocket 文本消息的外层结构
// 示例：{"type":"playerMovement","data":{"x":5}}
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outbound 出站消息；Data 由各事件自行决定结构
type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func encodeEvent(typ string, data any) ([]byte, error) {
	return json.Marshal(outbound{Type: typ, Data: data})
}

// DeparturePayload 离开公告
type DeparturePayload struct {
	CharacterID CharacterID `json:"characterId"`
}

// PopulationPayload 人数更新
type PopulationPayload struct {
	Count int `json:"count"`
}

// StatusPayload 心跳状态
type StatusPayload struct {
	Online    bool  `json:"online"`
	Players   int   `json:"players"`
	Capacity  int   `json:"capacity"`
	Timestamp int64 `json:"timestamp"`
}

// NoticePayload 终止通知（强制断开 / 关服）以及加入被拒
type NoticePayload struct {
	Reason string `json:"reason"`
}

func newStatus(players, capacity int, now time.Time) StatusPayload {
	return StatusPayload{Online: true, Players: players, Capacity: capacity, Timestamp: now.UnixMilli()}
}
