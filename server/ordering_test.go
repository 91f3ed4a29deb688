package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pauseOnce 在第一次发送 typ 时启动 concurrent 并给它一段时间抢跑，
// 返回的 wait 等待 concurrent 结束
func pauseOnce(p *fakePeer, typ string, concurrent func()) (wait func()) {
	var (
		once sync.Once
		done = make(chan struct{})
	)
	p.onSend = func(got string) {
		if got != typ {
			return
		}
		once.Do(func() {
			go func() {
				defer close(done)
				concurrent()
			}()
			time.Sleep(50 * time.Millisecond)
		})
	}
	return func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

func TestDepartureDuringRosterSendLeavesNoGhost(t *testing.T) {
	relay, _ := newTestRelay(t, 0)
	p := newFakePeer("p")
	q := newFakePeer("q")
	relay.Connect(p)
	relay.Connect(q)
	_, err := relay.Join(q, join("cq", "Q"))
	require.NoError(t, err)

	wait := pauseOnce(p, EventCurrentPlayers, func() { relay.Disconnect(q) })
	_, err = relay.Join(p, join("cp", "P"))
	require.NoError(t, err)
	wait()

	require.Equal(t, 1, relay.Registry().Count())
	assert.Equal(t, map[CharacterID]bool{"cp": true}, p.foldRoster(t))

	types := p.types()
	assert.Less(t, indexOf(types, EventCurrentPlayers), indexOf(types, EventPlayerDisconnected))
}

func TestConcurrentJoinsDeliverCountsInOrder(t *testing.T) {
	relay, _ := newTestRelay(t, 0)
	watcher := newFakePeer("w")
	a := newFakePeer("a")
	b := newFakePeer("b")
	for _, peer := range []*fakePeer{watcher, a, b} {
		relay.Connect(peer)
	}

	wait := pauseOnce(a, EventCurrentPlayers, func() {
		_, _ = relay.Join(b, join("cb", "B"))
	})
	_, err := relay.Join(a, join("ca", "A"))
	require.NoError(t, err)
	wait()

	assert.Equal(t, []int{0, 1, 2}, watcher.counts(t))
	assert.Equal(t, 2, relay.Registry().Count())
	assert.Equal(t, map[CharacterID]bool{"ca": true, "cb": true}, watcher.foldRoster(t))
}

func TestStaleMoveNeverFollowsReplacement(t *testing.T) {
	relay, _ := newTestRelay(t, 0)
	watcher := newFakePeer("w")
	oldConn := newFakePeer("old")
	newConn := newFakePeer("new")
	for _, peer := range []*fakePeer{watcher, oldConn, newConn} {
		relay.Connect(peer)
	}
	_, err := relay.Join(oldConn, join("c1", "Ann"))
	require.NoError(t, err)
	watcher.reset()

	// 旧连接的移动广播进行到一半时，新连接顶替同一角色
	wait := pauseOnce(watcher, EventPlayerMoved, func() {
		_, _ = relay.Join(newConn, JoinRequest{CharacterID: "c1", Pose: Pose{"x": 9.0}})
	})
	_, err = relay.Move(oldConn, Pose{"x": 1.0})
	require.NoError(t, err)
	wait()

	// 替换之后旧连接的移动不再被接受
	_, err = relay.Move(oldConn, Pose{"x": 2.0})
	require.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{EventPlayerMoved, EventPlayerDisconnected, EventNewPlayer}, watcher.types())
	joined := decodeData[PlayerState](t, watcher.ofType(EventNewPlayer)[0])
	assert.Equal(t, 9.0, joined.Pose["x"])
}

func TestMirrorOrderFollowsRegistryOrder(t *testing.T) {
	relay, fs := newTestRelay(t, 0)
	b := newFakePeer("b")
	c := newFakePeer("c")
	watcher := newFakePeer("w")
	for _, peer := range []*fakePeer{b, c, watcher} {
		relay.Connect(peer)
	}
	_, err := relay.Join(b, join("c1", "Ann"))
	require.NoError(t, err)

	wait := pauseOnce(watcher, EventPlayerDisconnected, func() {
		_, _ = relay.Join(c, join("c1", "Ann"))
	})
	relay.Disconnect(b)
	wait()

	require.Eventually(t, func() bool { return len(fs.snapshot()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []storeCall{
		{op: "upsert", id: "c1"},
		{op: "delete", id: "c1"},
		{op: "upsert", id: "c1"},
	}, fs.snapshot())
	assert.Equal(t, 1, relay.Registry().Count())
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
