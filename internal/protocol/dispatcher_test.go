package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/source"
	"github.com/zoravur/budgetsync/internal/source/memory"
)

type fakePeer struct {
	addr string
	mu   sync.Mutex
	msgs []Message
}

func (p *fakePeer) Send(m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePeer) RemoteAddr() string { return p.addr }

func (p *fakePeer) last() Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgs) == 0 {
		return Message{}
	}
	return p.msgs[len(p.msgs)-1]
}

func (p *fakePeer) ofType(t Type) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newDispatcher() (*Dispatcher, *memory.Source) {
	src := memory.New(memory.WithTables("payments"), memory.WithLogger(zap.NewNop()))
	return &Dispatcher{Source: src, Registry: NewRegistry(), Log: zap.NewNop()}, src
}

func frame(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := m.Encode()
	require.NoError(t, err)
	return b
}

func TestSubscribeStreamsChanges(t *testing.T) {
	d, src := newDispatcher()
	peer := &fakePeer{addr: "10.0.0.1:5000"}
	ctx := context.Background()

	d.HandleMessage(ctx, peer, frame(t, Message{Type: Subscribe, ID: "s1", Table: "payments"}))
	assert.Equal(t, Message{Type: Subscribed, ID: "s1", Table: "payments"}, peer.last())
	require.Len(t, d.Registry.List(), 1)
	assert.Equal(t, "10.0.0.1:5000", d.Registry.List()[0].Remote)

	_, err := src.Insert(ctx, "payments", source.Row{"id": "PY1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(peer.ofType(Change)) == 1 }, time.Second, time.Millisecond)
	ch := peer.ofType(Change)[0]
	assert.Equal(t, "s1", ch.ID)
	require.NotNil(t, ch.Event)
	assert.Equal(t, source.ChangeInsert, ch.Event.Type)

	d.HandleMessage(ctx, peer, frame(t, Message{Type: Unsubscribe, ID: "s1"}))
	assert.Equal(t, Unsubscribed, peer.last().Type)
	assert.Equal(t, 0, src.Subscribers())
}

func TestSubscribeErrors(t *testing.T) {
	d, _ := newDispatcher()
	peer := &fakePeer{}
	ctx := context.Background()

	d.HandleMessage(ctx, peer, []byte(`{{`))
	assert.Equal(t, Message{Type: Error, Error: "invalid message"}, peer.last())

	d.HandleMessage(ctx, peer, frame(t, Message{Type: Subscribe, ID: "s1", Table: "ghosts"}))
	assert.Equal(t, Message{Type: Error, ID: "s1", Error: "unknown table"}, peer.last())

	d.HandleMessage(ctx, peer, frame(t, Message{Type: Subscribe, Table: "payments"}))
	assert.Equal(t, Error, peer.last().Type)

	d.HandleMessage(ctx, peer, frame(t, Message{Type: Subscribe, ID: "s1", Table: "payments"}))
	d.HandleMessage(ctx, peer, frame(t, Message{Type: Subscribe, ID: "s1", Table: "payments"}))
	assert.Equal(t, Message{Type: Error, ID: "s1", Error: "duplicate subscription id"}, peer.last())

	d.HandleMessage(ctx, peer, frame(t, Message{Type: Unsubscribe, ID: "nope"}))
	assert.Equal(t, Message{Type: Error, ID: "nope", Error: "unknown subscription"}, peer.last())

	d.HandleMessage(ctx, peer, frame(t, Message{Type: "DANCE"}))
	assert.Equal(t, "unknown message type", peer.last().Error)

	d.HandleMessage(ctx, peer, frame(t, Message{Type: Ping, ID: "p"}))
	assert.Equal(t, Message{Type: Pong, ID: "p"}, peer.last())
}

func TestDisconnectReleasesOnlyThatPeer(t *testing.T) {
	d, src := newDispatcher()
	a, b := &fakePeer{addr: "a"}, &fakePeer{addr: "b"}
	ctx := context.Background()

	d.HandleMessage(ctx, a, frame(t, Message{Type: Subscribe, ID: "1", Table: "payments"}))
	d.HandleMessage(ctx, a, frame(t, Message{Type: Subscribe, ID: "2", Table: "payments"}))
	d.HandleMessage(ctx, b, frame(t, Message{Type: Subscribe, ID: "1", Table: "payments"}))
	require.Equal(t, 3, src.Subscribers())

	require.NoError(t, d.Disconnect(a))
	assert.Equal(t, 1, src.Subscribers())
	assert.Equal(t, []Info{{ID: "1", Table: "payments", Remote: "b", Since: d.Registry.List()[0].Since}}, d.Registry.List())

	require.NoError(t, d.Close())
	assert.Equal(t, 0, src.Subscribers())
	assert.Empty(t, d.Registry.List())
}
