package memory

import (
	"context"

	"github.com/zoravur/budgetsync/internal/source"
)

func (s *Source) Subscribe(ctx context.Context, table string, onEvent func(source.ChangeEvent)) (source.Handle, error) {
	if err := ctx.Err(); err != nil {
		return source.Handle{}, err
	}
	s.mu.Lock()
	_, err := s.table(table)
	s.mu.Unlock()
	if err != nil {
		return source.Handle{}, err
	}
	return s.hub.Subscribe(table, onEvent), nil
}

func (s *Source) Unsubscribe(h source.Handle) error {
	return s.hub.Unsubscribe(h)
}

// Subscribers returns the number of open subscriptions.
func (s *Source) Subscribers() int {
	return s.hub.Len()
}

// Emit pushes ev to subscribers of ev.Table without touching stored rows.
// It stands in for changes made by other writers.
func (s *Source) Emit(ev source.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.Publish(ev)
}

// Close stops event delivery.
func (s *Source) Close() error {
	s.hub.Close()
	return nil
}
