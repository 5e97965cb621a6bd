package protocol

import (
	"sort"
	"sync"
	"time"

	"github.com/zoravur/budgetsync/internal/source"
)

// Sender delivers frames to one connected client.
type Sender interface {
	Send(Message) error
	RemoteAddr() string
}

type Subscription struct {
	ID     string
	Table  string
	Peer   Sender
	Handle source.Handle
	Since  time.Time
}

// Info describes a live subscription for GET /api/live.
type Info struct {
	ID     string    `json:"id"`
	Table  string    `json:"table"`
	Remote string    `json:"remote"`
	Since  time.Time `json:"since"`
}

type key struct {
	peer Sender
	id   string
}

// Registry tracks the subscriptions of every connected client.
type Registry struct {
	mu   sync.RWMutex
	subs map[key]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[key]*Subscription)}
}

// Add registers sub unless its peer already uses the id.
func (r *Registry) Add(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{sub.Peer, sub.ID}
	if _, dup := r.subs[k]; dup {
		return false
	}
	r.subs[k] = sub
	return true
}

func (r *Registry) Has(peer Sender, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[key{peer, id}]
	return ok
}

func (r *Registry) Remove(peer Sender, id string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{peer, id}
	sub := r.subs[k]
	delete(r.subs, k)
	return sub
}

// RemovePeer drops and returns every subscription of peer.
func (r *Registry) RemovePeer(peer Sender) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Subscription
	for k, sub := range r.subs {
		if k.peer == peer {
			out = append(out, sub)
			delete(r.subs, k)
		}
	}
	return out
}

// RemoveAll drops every subscription.
func (r *Registry) RemoveAll() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	r.subs = make(map[key]*Subscription)
	return out
}

// List returns the live subscriptions ordered by table, then id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, Info{ID: sub.ID, Table: sub.Table, Remote: sub.Peer.RemoteAddr(), Since: sub.Since})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].ID < out[j].ID
	})
	return out
}
