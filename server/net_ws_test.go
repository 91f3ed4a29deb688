package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Relay, *httptest.Server) {
	t.Helper()
	relay, _ := newTestRelay(t, 0)
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewRouter(relay, nil, reg))
	t.Cleanup(srv.Close)
	return relay, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Envelope{Type: typ, Data: raw}))
}

// next 读到指定类型的消息为止，跳过其他事件
func next(t *testing.T, ws *websocket.Conn, typ string) received {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, b, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		r := decodeReceived(b)
		if r.Type == typ {
			return r
		}
	}
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestWebSocketReconnectScenario(t *testing.T) {
	relay, srv := newTestServer(t)

	watcher := dial(t, srv)
	next(t, watcher, EventUpdatePlayerCount)

	oldWS := dial(t, srv)
	next(t, oldWS, EventUpdatePlayerCount)
	send(t, oldWS, EventJoinGame, map[string]any{"characterId": "char1", "name": "Ann"})
	roster := decodeData[[]PlayerState](t, next(t, oldWS, EventCurrentPlayers))
	require.Len(t, roster, 1)
	assert.Equal(t, "Ann", roster[0].DisplayName)
	next(t, watcher, EventNewPlayer)

	// 同一角色从新连接加入，旧连接尚未关闭
	newWS := dial(t, srv)
	next(t, newWS, EventUpdatePlayerCount)
	send(t, newWS, EventJoinGame, map[string]any{"characterId": "char1", "name": "Ann"})
	roster = decodeData[[]PlayerState](t, next(t, newWS, EventCurrentPlayers))
	require.Len(t, roster, 1)

	notice := next(t, oldWS, EventForceDisconnect)
	assert.NotEmpty(t, decodeData[NoticePayload](t, notice).Reason)
	_ = oldWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := oldWS.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 1, relay.Registry().Count())

	send(t, newWS, EventPlayerMovement, map[string]any{"x": 5})
	moved := decodeData[PlayerState](t, next(t, watcher, EventPlayerMoved))
	assert.Equal(t, CharacterID("char1"), moved.CharacterID)
	assert.Equal(t, 5.0, moved.Pose["x"])

	require.NoError(t, newWS.Close())
	dep := decodeData[DeparturePayload](t, next(t, watcher, EventPlayerDisconnected))
	assert.Equal(t, CharacterID("char1"), dep.CharacterID)
	count := decodeData[PopulationPayload](t, next(t, watcher, EventUpdatePlayerCount))
	assert.Equal(t, 0, count.Count)
	assert.Equal(t, 0, relay.Registry().Count())
}

func TestWebSocketMalformedInputKeepsConnection(t *testing.T) {
	relay, srv := newTestServer(t)
	ws := dial(t, srv)
	next(t, ws, EventUpdatePlayerCount)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, ws, "teleport", map[string]any{})
	send(t, ws, EventPlayerMovement, map[string]any{"x": 1})
	send(t, ws, EventJoinGame, map[string]any{"displayName": "nobody"})

	// 连接仍然可用
	send(t, ws, EventJoinGame, map[string]any{"characterId": "c9"})
	roster := decodeData[[]PlayerState](t, next(t, ws, EventCurrentPlayers))
	require.Len(t, roster, 1)
	assert.Equal(t, "c9", roster[0].DisplayName)
	assert.Equal(t, 1, relay.Registry().Count())
}

func TestWebSocketAdminDisconnect(t *testing.T) {
	relay, srv := newTestServer(t)
	player := dial(t, srv)
	send(t, player, EventJoinGame, map[string]any{"characterId": "char1", "userId": "u1"})
	next(t, player, EventCurrentPlayers)

	admin := dial(t, srv)
	send(t, admin, EventAdminDisconnect, map[string]any{"targetIdentity": "u1", "reason": "maintenance", "token": "secret"})

	notice := decodeData[NoticePayload](t, next(t, player, EventForceDisconnect))
	assert.Equal(t, "maintenance", notice.Reason)
	dep := decodeData[DeparturePayload](t, next(t, admin, EventPlayerDisconnected))
	assert.Equal(t, CharacterID("char1"), dep.CharacterID)
	assert.Equal(t, 0, relay.Registry().Count())
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := NewRelayMetrics(nil)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.Joins)
	relay := NewRelay(RelayOptions{Metrics: metrics})
	srv := httptest.NewServer(NewRouter(relay, nil, reg))
	defer srv.Close()

	a := newFakePeer("a")
	relay.Connect(a)
	_, _ = relay.Join(a, join("c1", "Ann"))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "relay_joins_total 1")
}

func TestUpgraderOrigins(t *testing.T) {
	up := newUpgrader([]string{"https://game.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	req.Header.Set("Origin", "https://game.example")
	assert.True(t, up.CheckOrigin(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, up.CheckOrigin(req))

	open := newUpgrader(nil)
	assert.True(t, open.CheckOrigin(req))
}
