package bus

import (
	"context"
)

// ScopedBus prefixes every subject with a request scope so that
// request-local publishers and subscribers never observe traffic from
// other requests. The scope is typically the request correlation id.
type ScopedBus struct {
	inner EventBus
	scope string
	subs  []Subscription
}

// NewScopedBus wraps inner with the given scope. Close tears down only the
// subscriptions created through this wrapper; the inner bus stays open.
func NewScopedBus(inner EventBus, scope string) *ScopedBus {
	return &ScopedBus{inner: inner, scope: scope}
}

// Scope returns the scope token of this bus.
func (s *ScopedBus) Scope() string {
	return s.scope
}

func (s *ScopedBus) qualify(subject string) string {
	return "req." + s.scope + "." + subject
}

// Publish publishes under the scoped subject.
func (s *ScopedBus) Publish(ctx context.Context, subject string, event *Event) error {
	return s.inner.Publish(ctx, s.qualify(subject), event)
}

// Subscribe subscribes under the scoped subject.
func (s *ScopedBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := s.inner.Subscribe(s.qualify(subject), handler)
	if err != nil {
		return nil, err
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// QueueSubscribe subscribes under the scoped subject within a queue group.
func (s *ScopedBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := s.inner.QueueSubscribe(s.qualify(subject), queue, handler)
	if err != nil {
		return nil, err
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Close unsubscribes every subscription created through this scope.
func (s *ScopedBus) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// IsConnected reports the inner bus connection status.
func (s *ScopedBus) IsConnected() bool {
	return s.inner.IsConnected()
}
