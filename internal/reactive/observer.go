package reactive

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/cache"
)

// Observer is one consumer of a shared query result. Observers of the same
// (table, queryKey) see the same State; each realtime observer owns its own
// channel.
type Observer struct {
	r       *Registry
	changes chan struct{}

	mu     sync.Mutex
	desc   Descriptor
	key    string
	sub    *subscription
	ready  chan struct{}
	closed bool
}

// Observe attaches a new observer for d and starts loading it in the
// background. A disabled descriptor attaches nothing until Rebind.
func (r *Registry) Observe(d Descriptor) *Observer {
	o := &Observer{r: r, changes: make(chan struct{}, 1)}
	o.mu.Lock()
	o.bindLocked(d)
	o.mu.Unlock()
	return o
}

func (o *Observer) bindLocked(d Descriptor) {
	r := o.r
	d = r.defaults(d)
	o.desc = d
	o.key = cache.Key(d.Table, d.QueryKey)
	o.ready = make(chan struct{})
	o.sub = nil

	r.mu.Lock()
	if r.closed || d.Disabled {
		r.mu.Unlock()
		close(o.ready)
		return
	}
	lq := r.entryLocked(o.key, d)
	lq.observers[o] = struct{}{}
	r.bg.Add(1)
	r.mu.Unlock()

	go func(d Descriptor, ready chan struct{}) {
		defer r.bg.Done()
		defer close(ready)
		if _, err := r.Read(r.ctx, d); err != nil && !isAborted(err) {
			r.log.Debug("observer load failed", zap.String("query", d.String()), zap.Error(err))
		}
	}(d, o.ready)

	if d.Realtime && len(d.QueryKey) > 0 {
		o.sub = r.openSubscription(d, o.key)
	}
}

func (o *Observer) unbindLocked() {
	if o.sub != nil {
		if err := o.sub.teardown(); err != nil {
			o.r.log.Warn("realtime channel close failed", zap.Error(err))
		}
		o.sub = nil
	}
	o.r.mu.Lock()
	if lq, ok := o.r.queries[o.key]; ok {
		delete(lq.observers, o)
	}
	o.r.mu.Unlock()
}

// Rebind points o at d. A different table or queryKey tears the current
// channel down and subscribes again under the new parameters.
func (o *Observer) Rebind(d Descriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	nd := o.r.defaults(d)
	if cache.Key(nd.Table, nd.QueryKey) == o.key &&
		nd.Realtime == o.desc.Realtime &&
		nd.Disabled == o.desc.Disabled {
		o.desc = nd
		if !nd.Disabled {
			o.r.mu.Lock()
			o.r.entryLocked(o.key, nd)
			o.r.mu.Unlock()
		}
		return
	}
	o.unbindLocked()
	o.bindLocked(d)
}

// State returns a copy of the current shared result.
func (o *Observer) State() State {
	o.mu.Lock()
	key, disabled := o.key, o.desc.Disabled
	o.mu.Unlock()
	if disabled {
		return State{}
	}
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	lq, ok := o.r.queries[key]
	if !ok {
		return State{}
	}
	return lq.stateLocked()
}

// Changes signals after every change to the observed result. Signals
// coalesce; read State after each one. The channel is closed by Close.
func (o *Observer) Changes() <-chan struct{} {
	return o.changes
}

// Await blocks until the load started by Observe or the last Rebind has
// finished, then returns the current state.
func (o *Observer) Await(ctx context.Context) (State, error) {
	o.mu.Lock()
	ready := o.ready
	o.mu.Unlock()
	select {
	case <-ready:
	case <-ctx.Done():
		return State{}, aborted(ctx.Err())
	}
	st := o.State()
	return st, st.Err
}

// Subscription reports the realtime channel of o. The zero handle means no
// channel was requested.
func (o *Observer) Subscription() SubscriptionHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sub == nil {
		return SubscriptionHandle{Table: o.desc.Table, State: Inactive}
	}
	return o.sub.snapshot()
}

// Close detaches o and tears its channel down. Close failures are logged.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.unbindLocked()
	close(o.changes)
}

// signal is called with the registry lock held.
func (o *Observer) signal() {
	select {
	case o.changes <- struct{}{}:
	default:
	}
}
