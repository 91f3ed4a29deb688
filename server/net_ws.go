package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	finalWriteWait = time.Second // 终止通知的写超时，客户端不响应也照样关闭
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 64
)

// ClientConn 一条 WebSocket 连接：独立的读/写协程，发送走有界队列
type ClientConn struct {
	id   ConnID
	ws   *websocket.Conn
	send chan []byte

	once  sync.Once
	done  chan struct{}
	final []byte
}

func NewClientConn(ws *websocket.Conn) *ClientConn {
	return &ClientConn{
		id:   ConnID(uuid.NewString()),
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *ClientConn) ID() ConnID { return c.id }

// Send 将要发送的消息压入队列（非阻塞，满则丢弃）
func (c *ClientConn) Send(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Terminate 结束连接：写协程写出 final（如有）后关闭底层连接
func (c *ClientConn) Terminate(final []byte) {
	c.once.Do(func() {
		c.final = final
		close(c.done)
		// 写协程卡住时兜底
		time.AfterFunc(finalWriteWait+writeWait, func() { _ = c.ws.Close() })
	})
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			if c.final != nil {
				_ = c.ws.SetWriteDeadline(time.Now().Add(finalWriteWait))
				_ = c.ws.WriteMessage(websocket.TextMessage, c.final)
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(finalWriteWait))
			return
		}
	}
}

// readPump 读取客户端事件并交给中继；退出时一定走断开流程
func (c *ClientConn) readPump(relay *Relay) {
	defer relay.Disconnect(c)
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				Log.Debugf("read error: conn=%s err=%v", c.id, err)
			}
			return
		}
		c.dispatch(relay, payload)
	}
}

// dispatch 格式错误的请求只记本地诊断，不断开客户端
func (c *ClientConn) dispatch(relay *Relay, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		relay.metrics.ignore("malformed")
		Log.Debugf("malformed message: conn=%s err=%v", c.id, err)
		return
	}
	switch env.Type {
	case EventJoinGame:
		req, err := ParseJoin(env.Data)
		if err != nil {
			relay.metrics.ignore("invalid_join")
			Log.Debugf("invalid join: conn=%s err=%v", c.id, err)
			return
		}
		_, _ = relay.Join(c, req)
	case EventPlayerMovement:
		delta, err := ParseMovement(env.Data)
		if err != nil {
			relay.metrics.ignore("malformed")
			Log.Debugf("invalid movement: conn=%s err=%v", c.id, err)
			return
		}
		_, _ = relay.Move(c, delta)
	case EventAdminDisconnect:
		cmd, err := ParseAdmin(env.Data)
		if err != nil {
			relay.metrics.ignore("malformed")
			Log.Debugf("invalid admin command: conn=%s err=%v", c.id, err)
			return
		}
		_ = relay.HandleAdmin(c, cmd)
	default:
		relay.metrics.ignore("unknown_event")
		Log.Debugf("unknown event: conn=%s type=%q", c.id, env.Type)
	}
}

// newUpgrader origins 为空时允许所有来源
func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[strings.ToLower(o)] = true
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		},
	}
}

// WSHandler WebSocket 接入：每条连接一个读协程 + 一个写协程
func WSHandler(relay *Relay, origins []string) http.HandlerFunc {
	upgrader := newUpgrader(origins)
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			Log.Warnf("upgrade error: %v", err)
			return
		}
		client := NewClientConn(ws)
		go client.writePump()
		relay.Connect(client)
		go client.readPump(relay)
	}
}
