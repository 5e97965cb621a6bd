// Package httpsource is a Source that talks to a budgetsync server. Reads
// and writes are REST calls; all subscriptions share one websocket, with one
// remote subscription per table fanned out locally.
package httpsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/protocol"
	"github.com/zoravur/budgetsync/internal/source"
)

type (
	Source struct {
		base   string
		client *http.Client
		dialer *websocket.Dialer
		log    *zap.Logger
		hub    *source.Hub

		// subMu serializes Subscribe and Unsubscribe.
		subMu  sync.Mutex
		tables map[string]*remote
		locals map[string]*local

		mu      sync.Mutex
		conn    *protocol.Conn
		ws      *websocket.Conn
		pending map[string]chan protocol.Message
	}

	remote struct {
		id   string
		refs int
	}

	// local is one handle given out by Subscribe. rs is the remote channel
	// it counts against, nil once that channel died with its connection.
	local struct {
		handle source.Handle
		rs     *remote
	}

	Option func(*Source)
)

var _ source.Source = (*Source)(nil)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Source) { s.log = l }
}

// New returns a client of the server at baseURL, such as
// "http://localhost:8080".
func New(baseURL string, opts ...Option) *Source {
	s := &Source{
		base:    strings.TrimSuffix(baseURL, "/"),
		client:  http.DefaultClient,
		dialer:  websocket.DefaultDialer,
		log:     zap.L(),
		tables:  make(map[string]*remote),
		locals:  make(map[string]*local),
		pending: make(map[string]chan protocol.Message),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("http")
	s.hub = source.NewHub(s.log)
	return s
}

// StatusError is a non-2xx answer that maps to no source sentinel.
type StatusError struct {
	Status int
	Msg    string
}

func (e *StatusError) Error() string { return fmt.Sprintf("server %d: %s", e.Status, e.Msg) }

func (s *Source) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e protocol.ErrorResponse
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		switch e.Code {
		case protocol.CodeUnknownTable:
			return fmt.Errorf("%w: %s", source.ErrUnknownTable, e.Error)
		case protocol.CodeNotFound:
			return fmt.Errorf("%w: %s", source.ErrNotFound, e.Error)
		}
		return &StatusError{Status: resp.StatusCode, Msg: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s *Source) Query(ctx context.Context, q source.Query) ([]source.Row, error) {
	var out protocol.QueryResponse
	if err := s.post(ctx, "/api/query", q, &out); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	if out.Rows == nil {
		out.Rows = []source.Row{}
	}
	return out.Rows, nil
}

func (s *Source) write(ctx context.Context, op, table string, req protocol.WriteRequest) (source.Row, error) {
	var out protocol.WriteResponse
	path := "/api/tables/" + url.PathEscape(table) + "/" + op
	if err := s.post(ctx, path, req, &out); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, table, err)
	}
	return out.Row, nil
}

func (s *Source) Insert(ctx context.Context, table string, row source.Row) (source.Row, error) {
	return s.write(ctx, "insert", table, protocol.WriteRequest{Row: row})
}

func (s *Source) Update(ctx context.Context, table string, row source.Row, matchColumn string, matchValue any) (source.Row, error) {
	return s.write(ctx, "update", table, protocol.WriteRequest{Row: row, MatchColumn: matchColumn, MatchValue: matchValue})
}

func (s *Source) Upsert(ctx context.Context, table string, row source.Row, onConflict string) (source.Row, error) {
	return s.write(ctx, "upsert", table, protocol.WriteRequest{Row: row, OnConflict: onConflict})
}

func (s *Source) Delete(ctx context.Context, table string, matchColumn string, matchValue any) error {
	_, err := s.write(ctx, "delete", table, protocol.WriteRequest{MatchColumn: matchColumn, MatchValue: matchValue})
	return err
}

func (s *Source) wsURL() string {
	u := s.base + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// connect dials the websocket unless it is already open.
func (s *Source) connect(ctx context.Context) (*protocol.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	ws, _, err := s.dialer.DialContext(ctx, s.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.wsURL(), err)
	}
	s.ws, s.conn = ws, protocol.NewConn(ws)
	go s.read(ws)
	return s.conn, nil
}

func (s *Source) read(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			s.dropConn(ws, err)
			return
		}
		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			s.log.Warn("undecodable frame", zap.Error(err))
			continue
		}
		switch msg.Type {
		case protocol.Change:
			if msg.Event != nil {
				s.hub.Publish(*msg.Event)
			}
		case protocol.Subscribed, protocol.Error:
			s.mu.Lock()
			ch := s.pending[msg.ID]
			delete(s.pending, msg.ID)
			s.mu.Unlock()
			if ch != nil {
				ch <- msg
			} else if msg.Type == protocol.Error {
				s.log.Warn("server error", zap.String("id", msg.ID), zap.String("error", msg.Error))
			}
		}
	}
}

// dropConn forgets a dead connection. Remote subscriptions die with it and
// their local subscribers are detached: they see no further events, and
// releasing them later leaves channels opened after the drop alone.
func (s *Source) dropConn(ws *websocket.Conn, err error) {
	s.mu.Lock()
	if s.ws != ws {
		s.mu.Unlock()
		return
	}
	s.ws, s.conn = nil, nil
	pending := s.pending
	s.pending = make(map[string]chan protocol.Message)
	s.mu.Unlock()

	for id, ch := range pending {
		ch <- protocol.Message{Type: protocol.Error, ID: id, Error: "connection closed"}
	}
	s.subMu.Lock()
	lost := len(s.tables)
	s.tables = make(map[string]*remote)
	for _, l := range s.locals {
		if l.rs == nil {
			continue
		}
		l.rs = nil
		if uerr := s.hub.Unsubscribe(l.handle); uerr != nil {
			s.log.Debug("detach local subscriber", zap.String("id", l.handle.ID), zap.Error(uerr))
		}
	}
	s.subMu.Unlock()
	if lost > 0 && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.log.Warn("websocket lost", zap.Int("tables", lost), zap.Error(err))
	}
	_ = ws.Close()
}

func (s *Source) Subscribe(ctx context.Context, table string, onEvent func(source.ChangeEvent)) (source.Handle, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	rs := s.tables[table]
	if rs == nil {
		id, err := s.subscribeRemote(ctx, table)
		if err != nil {
			return source.Handle{}, err
		}
		rs = &remote{id: id}
		s.tables[table] = rs
	}
	rs.refs++
	h := s.hub.Subscribe(table, onEvent)
	s.locals[h.ID] = &local{handle: h, rs: rs}
	return h, nil
}

func (s *Source) subscribeRemote(ctx context.Context, table string) (string, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	ack := make(chan protocol.Message, 1)
	s.mu.Lock()
	s.pending[id] = ack
	s.mu.Unlock()

	if err := conn.Send(protocol.Message{Type: protocol.Subscribe, ID: id, Table: table}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", table, err)
	}
	select {
	case msg := <-ack:
		if msg.Type == protocol.Error {
			if msg.Error == "unknown table" {
				return "", fmt.Errorf("%w: %s", source.ErrUnknownTable, table)
			}
			return "", fmt.Errorf("subscribe %s: %s", table, msg.Error)
		}
		return id, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		// the server may still confirm; release it
		_ = conn.Send(protocol.Message{Type: protocol.Unsubscribe, ID: id})
		return "", ctx.Err()
	}
}

func (s *Source) Unsubscribe(h source.Handle) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	l, ok := s.locals[h.ID]
	if !ok {
		return fmt.Errorf("%w: %s", source.ErrNoSuchHandle, h.ID)
	}
	delete(s.locals, h.ID)
	// detached by a dropped connection
	if l.rs == nil {
		return nil
	}
	if err := s.hub.Unsubscribe(l.handle); err != nil {
		return err
	}
	table, rs := l.handle.Table, l.rs
	if s.tables[table] != rs {
		return nil
	}
	if rs.refs--; rs.refs > 0 {
		return nil
	}
	delete(s.tables, table)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Send(protocol.Message{Type: protocol.Unsubscribe, ID: rs.id}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", table, err)
	}
	return nil
}

// Subscribers returns the number of local subscriptions.
func (s *Source) Subscribers() int { return s.hub.Len() }

// Close drops the websocket and every local subscription.
func (s *Source) Close() error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	var err error
	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = werr
		}
		_ = ws.Close()
	}
	s.hub.Close()
	return err
}
