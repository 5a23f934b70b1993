package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/logger"
)

// slowSubscriberWait bounds how long a publish waits on a slow subscriber
// before the event is dropped for that subscriber.
const slowSubscriberWait = 100 * time.Millisecond

// MemoryEventBus implements EventBus using in-memory channels
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup // For queue subscriptions
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // For wildcard matching
	handler EventHandler
	queue   string // Empty for regular subscriptions
	events  chan *Event
	// done signals run() and publishers to stop; finished closes when
	// run() has returned, so no handler invocation outlives Unsubscribe.
	done     chan struct{}
	finished chan struct{}
	active   bool
	mu       sync.Mutex
}

// queueGroup manages load balancing for queue subscriptions
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// signalStop marks the subscription inactive and wakes run() and any
// blocked publisher. Idempotent.
func (s *memorySubscription) signalStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.done)
}

// Unsubscribe removes the subscription. It returns only after the
// handler goroutine has stopped, so the handler is never invoked past
// this call. Must not be called from inside the handler itself.
func (s *memorySubscription) Unsubscribe() error {
	s.signalStop()

	// Remove from bus subscriptions
	s.bus.mu.Lock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	if s.queue != "" {
		queueKey := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[queueKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	s.bus.mu.Unlock()

	<-s.finished
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// deliver hands the event to the subscription without blocking the publisher
// beyond slowSubscriberWait. Events to slow subscribers are dropped. The
// events channel is never closed; done gates every send.
func (s *memorySubscription) deliver(event *Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- event:
		return true
	case <-s.done:
		return false
	default:
	}

	timer := time.NewTimer(slowSubscriberWait)
	defer timer.Stop()
	select {
	case s.events <- event:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		return false
	}
}

// run drains the subscription channel, invoking the handler in order,
// until the subscription stops. Buffered events still queued at stop
// time are dropped.
func (s *memorySubscription) run() {
	defer close(s.finished)
	for {
		select {
		case <-s.done:
			return
		case event := <-s.events:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", s.subject),
					zap.Error(err))
			}
		}
	}
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log,
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// best-effort: subscribers that stay full past slowSubscriberWait miss the
// event rather than stalling the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	deliveredQueues := make(map[string]bool)

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			if !b.matches(subject, pattern, sub.pattern) {
				continue
			}

			// Queue subscriptions deliver to one member per group
			if sub.queue != "" {
				queueKey := sub.queue + ":" + pattern
				if !deliveredQueues[queueKey] {
					deliveredQueues[queueKey] = true
					b.publishToQueue(queueKey, subject, event)
				}
				continue
			}

			if !sub.deliver(event) {
				b.logger.Warn("dropped event for slow subscriber",
					zap.String("subject", subject),
					zap.String("pattern", pattern))
			}
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe creates a queue subscription for load balancing.
// Only one subscriber in the queue group receives each message.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:      b,
		subject:  subject,
		pattern:  compilePattern(subject),
		handler:  handler,
		queue:    queue,
		events:   make(chan *Event, 64),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		active:   true,
	}
	go sub.run()

	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	if queue != "" {
		queueKey := queue + ":" + subject
		if _, ok := b.queues[queueKey]; !ok {
			b.queues[queueKey] = &queueGroup{}
		}
		b.queues[queueKey].subscribers = append(b.queues[queueKey].subscribers, sub)
	}

	b.logger.Debug("subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Close closes the event bus and waits for every handler goroutine to
// stop.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	var all []*memorySubscription
	for _, subs := range b.subscriptions {
		all = append(all, subs...)
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
	b.mu.Unlock()

	for _, sub := range all {
		sub.signalStop()
	}
	for _, sub := range all {
		<-sub.finished
	}

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern.
// Supports NATS-style wildcards: * (single token) and > (multiple tokens).
func (b *MemoryEventBus) matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts NATS-style pattern to regex
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}

// publishToQueue delivers to one subscriber in the queue group (round-robin)
func (b *MemoryEventBus) publishToQueue(queueKey, subject string, event *Event) {
	qg, ok := b.queues[queueKey]
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return
	}

	startIndex := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (startIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		if sub.IsValid() {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			if !sub.deliver(event) {
				b.logger.Warn("dropped queue event for slow subscriber",
					zap.String("subject", subject),
					zap.String("queue", queueKey))
			}
			return
		}
	}
}
