package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hub fans change events out to per-table subscribers. Each subscriber
// receives its events in publish order from its own goroutine, so a slow
// consumer never blocks the publisher.
type Hub struct {
	log *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscriber
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.L()
	}
	return &Hub{log: log, subs: make(map[string]*subscriber)}
}

func (h *Hub) Subscribe(table string, onEvent func(ChangeEvent)) Handle {
	hd := Handle{Table: table, ID: uuid.NewString()}
	h.mu.Lock()
	h.subs[hd.ID] = newSubscriber(hd, onEvent)
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Debug("subscription opened", zap.String("table", table), zap.String("id", hd.ID), zap.Int("subscribers", n))
	return hd
}

func (h *Hub) Unsubscribe(hd Handle) error {
	h.mu.Lock()
	sub, ok := h.subs[hd.ID]
	delete(h.subs, hd.ID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchHandle, hd.ID)
	}
	sub.stop()
	return nil
}

// Publish queues ev for every subscriber of ev.Table.
func (h *Hub) Publish(ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.handle.Table == ev.Table {
			sub.push(ev)
		}
	}
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Tables lists the tables with at least one subscriber, sorted.
func (h *Hub) Tables() []string {
	h.mu.Lock()
	seen := map[string]bool{}
	for _, sub := range h.subs {
		seen[sub.handle.Table] = true
	}
	h.mu.Unlock()
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close stops every subscriber. Pending events are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

type subscriber struct {
	handle  Handle
	onEvent func(ChangeEvent)

	mu      sync.Mutex
	pending []ChangeEvent
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscriber(h Handle, fn func(ChangeEvent)) *subscriber {
	sub := &subscriber{
		handle:  h,
		onEvent: fn,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (sub *subscriber) push(ev ChangeEvent) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, ev)
	sub.mu.Unlock()
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.done) })
}

func (sub *subscriber) run() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.signal:
		}
		for {
			sub.mu.Lock()
			if len(sub.pending) == 0 {
				sub.mu.Unlock()
				break
			}
			ev := sub.pending[0]
			sub.pending = sub.pending[1:]
			sub.mu.Unlock()

			select {
			case <-sub.done:
				return
			default:
			}
			sub.onEvent(ev)
		}
	}
}
