package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type received struct {
	Type string
	Data json.RawMessage
}

// fakePeer 记录收到的消息，用来在没有真实传输层的情况下断言广播
type fakePeer struct {
	id ConnID

	mu         sync.Mutex
	msgs       []received
	terminated bool
	final      *received
	full       bool

	// onSend 在消息入队前调用，用来模拟发送协程在此处被调度走
	onSend func(typ string)
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: ConnID(id)} }

func (p *fakePeer) ID() ConnID { return p.id }

func (p *fakePeer) Send(b []byte) bool {
	if p.onSend != nil {
		p.onSend(decodeReceived(b).Type)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full || p.terminated {
		return false
	}
	p.msgs = append(p.msgs, decodeReceived(b))
	return true
}

func (p *fakePeer) Terminate(final []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return
	}
	p.terminated = true
	if final != nil {
		r := decodeReceived(final)
		p.final = &r
	}
}

func (p *fakePeer) events() []received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]received(nil), p.msgs...)
}

func (p *fakePeer) types() []string {
	var out []string
	for _, m := range p.events() {
		out = append(out, m.Type)
	}
	return out
}

func (p *fakePeer) ofType(typ string) []received {
	var out []received
	for _, m := range p.events() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

func (p *fakePeer) isTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// foldRoster 按客户端的方式折叠收到的事件，得到它眼中的在场角色
func (p *fakePeer) foldRoster(t *testing.T) map[CharacterID]bool {
	t.Helper()
	view := map[CharacterID]bool{}
	for _, m := range p.events() {
		switch m.Type {
		case EventCurrentPlayers:
			view = map[CharacterID]bool{}
			for _, st := range decodeData[[]PlayerState](t, m) {
				view[st.CharacterID] = true
			}
		case EventNewPlayer:
			view[decodeData[PlayerState](t, m).CharacterID] = true
		case EventPlayerDisconnected:
			delete(view, decodeData[DeparturePayload](t, m).CharacterID)
		}
	}
	return view
}

// counts 依次收到的人数
func (p *fakePeer) counts(t *testing.T) []int {
	t.Helper()
	var out []int
	for _, m := range p.ofType(EventUpdatePlayerCount) {
		out = append(out, decodeData[PopulationPayload](t, m).Count)
	}
	return out
}

func decodeReceived(b []byte) received {
	var r received
	_ = json.Unmarshal(b, &r)
	return r
}

func decodeData[T any](t *testing.T, r received) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Data, &v))
	return v
}

type storeCall struct {
	op string
	id string
}

// fakeStore 记录镜像调用顺序；err 非空时每次调用都失败
type fakeStore struct {
	mu    sync.Mutex
	calls []storeCall
	err   error
	block chan struct{}
}

func (s *fakeStore) UpsertPresence(ctx context.Context, p Presence) error {
	return s.record(ctx, "upsert", p.CharacterID)
}

func (s *fakeStore) DeletePresence(ctx context.Context, id string) error {
	return s.record(ctx, "delete", id)
}

func (s *fakeStore) record(ctx context.Context, op, id string) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storeCall{op: op, id: id})
	return s.err
}

func (s *fakeStore) snapshot() []storeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storeCall(nil), s.calls...)
}
