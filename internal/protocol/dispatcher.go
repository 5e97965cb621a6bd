package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/source"
)

// Conn is a Sender over a websocket. Writes are serialized.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func NewConn(ws *websocket.Conn) *Conn { return &Conn{ws: ws} }

func (c *Conn) Send(m Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Dispatcher serves subscription frames from a Source.
type Dispatcher struct {
	Source   source.Source
	Registry *Registry
	Log      *zap.Logger
}

// HandleMessage handles one frame received from peer.
func (d *Dispatcher) HandleMessage(ctx context.Context, peer Sender, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		d.Log.Debug("decode error", zap.Error(err))
		d.send(peer, Message{Type: Error, Error: "invalid message"})
		return
	}

	switch msg.Type {
	case Ping:
		d.send(peer, Message{Type: Pong, ID: msg.ID})

	case Subscribe:
		d.subscribe(ctx, peer, msg)

	case Unsubscribe:
		sub := d.Registry.Remove(peer, msg.ID)
		if sub == nil {
			d.send(peer, Message{Type: Error, ID: msg.ID, Error: "unknown subscription"})
			return
		}
		if err := d.Source.Unsubscribe(sub.Handle); err != nil {
			d.Log.Warn("unsubscribe failed", zap.String("id", msg.ID), zap.Error(err))
		}
		d.send(peer, Message{Type: Unsubscribed, ID: msg.ID})

	default:
		d.send(peer, Message{Type: Error, ID: msg.ID, Error: "unknown message type"})
	}
}

func (d *Dispatcher) subscribe(ctx context.Context, peer Sender, msg Message) {
	if msg.ID == "" || msg.Table == "" {
		d.send(peer, Message{Type: Error, ID: msg.ID, Error: "subscribe needs id and table"})
		return
	}
	if d.Registry.Has(peer, msg.ID) {
		d.send(peer, Message{Type: Error, ID: msg.ID, Error: "duplicate subscription id"})
		return
	}
	id := msg.ID
	h, err := d.Source.Subscribe(ctx, msg.Table, func(ev source.ChangeEvent) {
		d.send(peer, Message{Type: Change, ID: id, Table: ev.Table, Event: &ev})
	})
	if err != nil {
		text := "subscribe failed"
		if errors.Is(err, source.ErrUnknownTable) {
			text = "unknown table"
		}
		d.Log.Warn("subscribe failed", zap.String("table", msg.Table), zap.Error(err))
		d.send(peer, Message{Type: Error, ID: id, Error: text})
		return
	}
	if !d.Registry.Add(&Subscription{ID: id, Table: msg.Table, Peer: peer, Handle: h, Since: time.Now()}) {
		_ = d.Source.Unsubscribe(h)
		d.send(peer, Message{Type: Error, ID: id, Error: "duplicate subscription id"})
		return
	}
	d.send(peer, Message{Type: Subscribed, ID: id, Table: msg.Table})
}

// Disconnect releases every subscription held by peer.
func (d *Dispatcher) Disconnect(peer Sender) error {
	return d.release(d.Registry.RemovePeer(peer))
}

// Close releases every subscription of every peer.
func (d *Dispatcher) Close() error {
	return d.release(d.Registry.RemoveAll())
}

func (d *Dispatcher) release(subs []*Subscription) error {
	var result *multierror.Error
	for _, sub := range subs {
		if err := d.Source.Unsubscribe(sub.Handle); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (d *Dispatcher) send(peer Sender, m Message) {
	if err := peer.Send(m); err != nil {
		d.Log.Debug("send failed", zap.String("type", string(m.Type)), zap.String("remote", peer.RemoteAddr()), zap.Error(err))
	}
}
