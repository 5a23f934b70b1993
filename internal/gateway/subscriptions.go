package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/federation"
)

// Sink receives subscription frames destined for one client.
type Sink interface {
	// Next delivers one data frame (a serialized {data, errors} payload).
	Next(payload []byte) error
	// Fail delivers a terminal error payload.
	Fail(payload []byte) error
	// Complete signals normal termination.
	Complete() error
}

// frame is one upstream event before delivery.
type frame struct {
	event   string // next, error, complete
	payload []byte
}

// Multiplexer owns all active subscriptions. Each subscription runs one
// upstream reader task and one sink writer task joined by a bounded buffer;
// overflow terminates the subscription rather than dropping frames.
type Multiplexer struct {
	composer *federation.Composer
	http     *http.Client
	buffer   int
	idle     time.Duration
	logger   *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewMultiplexer creates the subscription multiplexer.
func NewMultiplexer(composer *federation.Composer, buffer int, idle time.Duration, log *logger.Logger) *Multiplexer {
	return &Multiplexer{
		composer: composer,
		http:     &http.Client{},
		buffer:   buffer,
		idle:     idle,
		logger:   log.WithFields(zap.String("component", "subscriptions")),
		active:   make(map[string]context.CancelFunc),
	}
}

// ActiveCount returns the number of live subscriptions.
func (m *Multiplexer) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Subscribe routes a subscription operation to its owning subgraph and
// pumps frames into the sink until the upstream completes, the client
// disconnects, or the buffer overflows. Blocks until terminal.
func (m *Multiplexer) Subscribe(ctx context.Context, id string, req *Request, headers http.Header, sink Sink) error {
	sg := m.composer.Current()
	if sg == nil {
		return m.failWith(sink, apperr.CodeSubgraphUnavailable, "supergraph is not composed yet")
	}

	op, gerr := ParseOperation(req.Query, req.OperationName, req.Variables)
	if gerr != nil {
		return m.fail(sink, gerr)
	}
	if op.Kind != federation.OpSubscription {
		return m.failWith(sink, apperr.CodeBadUserInput, "operation is not a subscription")
	}

	fields, gerr := op.topLevelFields()
	if gerr != nil {
		return m.fail(sink, gerr)
	}
	if len(fields) != 1 {
		return m.failWith(sink, apperr.CodeBadUserInput, "a subscription must select exactly one root field")
	}

	owner, ok := sg.OwnerOf(federation.OpSubscription, fields[0].Name.Value)
	if !ok {
		return m.failWith(sink, apperr.CodeBadUserInput,
			fmt.Sprintf("field %q is not defined on the supergraph Subscription type", fields[0].Name.Value))
	}
	url, ok := sg.SubgraphURL(owner)
	if !ok {
		return m.failWith(sink, apperr.CodeSubgraphUnavailable, fmt.Sprintf("subgraph %q has no endpoint", owner))
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.active[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
	}()

	frames := make(chan frame, m.buffer)
	overflow := make(chan struct{})

	// Upstream reader.
	var readerErr error
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		defer close(frames)
		readerErr = m.readUpstream(subCtx, url, owner, req, headers, frames, overflow)
	}()

	// Sink writer: delivers frames in upstream-emit order.
	idleTimer := time.NewTimer(m.idle)
	defer idleTimer.Stop()

	var terminal bool
	for !terminal {
		select {
		case <-subCtx.Done():
			terminal = true
		case <-idleTimer.C:
			_ = sink.Complete()
			terminal = true
		case f, open := <-frames:
			if !open {
				if readerErr != nil {
					_ = sink.Fail(marshalResponse(&Response{
						Errors: []*GraphQLError{subgraphError(owner, nil, readerErr)},
					}))
				} else {
					_ = sink.Complete()
				}
				terminal = true
				break
			}
			resetTimer(idleTimer, m.idle)
			switch f.event {
			case "next":
				if err := sink.Next(f.payload); err != nil {
					terminal = true
				}
			case "error":
				_ = sink.Fail(f.payload)
				terminal = true
			case "complete":
				_ = sink.Complete()
				terminal = true
			}
		case <-overflow:
			_ = sink.Fail(marshalResponse(errorResponse(apperr.CodeBufferOverflow,
				fmt.Sprintf("subscription buffer of %d frames overflowed", m.buffer))))
			terminal = true
		}
	}

	// Cancellation propagates upstream; stragglers are discarded.
	cancel()
	done := make(chan struct{})
	go func() {
		readerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("upstream subscription did not stop within the grace window",
			zap.String("subscription_id", id),
			zap.String("subgraph", owner))
	}
	return nil
}

// Cancel terminates an active subscription by id.
func (m *Multiplexer) Cancel(id string) {
	m.mu.Lock()
	cancel, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll terminates every active subscription (used at shutdown).
func (m *Multiplexer) CancelAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.active))
	for _, c := range m.active {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// readUpstream opens the subgraph SSE stream and forwards events into the
// bounded frame channel. A full channel signals overflow instead of
// blocking or dropping.
func (m *Multiplexer) readUpstream(ctx context.Context, url, owner string, req *Request, headers http.Header, frames chan<- frame, overflow chan<- struct{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscription request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/graphql/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build subscription request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	applyHeaders(httpReq, ctx, headers)

	resp, err := m.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subgraph stream returned HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	event := ""
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" {
				select {
				case frames <- frame{event: event, payload: append([]byte(nil), data.Bytes()...)}:
				default:
					close(overflow)
					return nil
				}
				if event == "complete" || event == "error" {
					return nil
				}
			}
			event = ""
			data.Reset()
		case bytes.HasPrefix([]byte(line), []byte("event: ")):
			event = line[len("event: "):]
		case bytes.HasPrefix([]byte(line), []byte("data: ")):
			data.WriteString(line[len("data: "):])
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (m *Multiplexer) fail(sink Sink, gerr *GraphQLError) error {
	return sink.Fail(marshalResponse(&Response{Errors: []*GraphQLError{gerr}}))
}

func (m *Multiplexer) failWith(sink Sink, code, message string) error {
	return sink.Fail(marshalResponse(errorResponse(code, message)))
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
