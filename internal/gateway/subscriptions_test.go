package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/federation"
)

// sseSubgraph serves _service on /graphql and a scripted event stream on
// /graphql/stream.
func sseSubgraph(t *testing.T, sdl string, stream func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/stream") {
			w.Header().Set("Content-Type", "text/event-stream")
			stream(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&Response{
			Data: map[string]any{"_service": map[string]any{"sdl": sdl}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func writeEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type testSink struct {
	mu        sync.Mutex
	next      []string
	failed    []string
	completed bool
	delay     time.Duration
}

func (s *testSink) Next(payload []byte) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = append(s.next, string(payload))
	return nil
}

func (s *testSink) Fail(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, string(payload))
	return nil
}

func (s *testSink) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	return nil
}

const streamSDL = `type Subscription { commandOutput(sessionId: String!): String! }
type Query { ok: String! }`

func newTestMultiplexer(t *testing.T, url string, buffer int, idle time.Duration) *Multiplexer {
	t.Helper()
	client := NewSubgraphClient(2 * time.Second)
	composer := federation.NewComposer([]federation.Endpoint{{Name: "agent", URL: url}}, client, time.Minute, logger.Default())
	require.NoError(t, composer.Compose(context.Background()))
	return NewMultiplexer(composer, buffer, idle, logger.Default())
}

func TestMultiplexerDeliversFramesInOrder(t *testing.T) {
	server := sseSubgraph(t, streamSDL, func(w http.ResponseWriter, _ *http.Request) {
		writeEvent(w, "next", `{"data":{"commandOutput":"one"}}`)
		writeEvent(w, "next", `{"data":{"commandOutput":"two"}}`)
		writeEvent(w, "complete", "")
	})
	mux := newTestMultiplexer(t, server.URL, 16, time.Minute)

	sink := &testSink{}
	err := mux.Subscribe(context.Background(), "sub-1", &Request{
		Query: `subscription { commandOutput(sessionId: "s") }`,
	}, nil, sink)
	require.NoError(t, err)

	require.Len(t, sink.next, 2)
	assert.Contains(t, sink.next[0], "one")
	assert.Contains(t, sink.next[1], "two")
	assert.True(t, sink.completed)
	assert.Equal(t, 0, mux.ActiveCount())
}

func TestMultiplexerBufferOverflowTerminates(t *testing.T) {
	server := sseSubgraph(t, streamSDL, func(w http.ResponseWriter, _ *http.Request) {
		for i := 0; i < 100; i++ {
			writeEvent(w, "next", fmt.Sprintf(`{"data":{"commandOutput":"%d"}}`, i))
		}
		writeEvent(w, "complete", "")
	})
	mux := newTestMultiplexer(t, server.URL, 2, time.Minute)

	sink := &testSink{delay: 30 * time.Millisecond}
	err := mux.Subscribe(context.Background(), "sub-1", &Request{
		Query: `subscription { commandOutput(sessionId: "s") }`,
	}, nil, sink)
	require.NoError(t, err)

	require.Len(t, sink.failed, 1)
	assert.Contains(t, sink.failed[0], apperr.CodeBufferOverflow)
}

func TestMultiplexerIdleTimeout(t *testing.T) {
	server := sseSubgraph(t, streamSDL, func(w http.ResponseWriter, r *http.Request) {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
	mux := newTestMultiplexer(t, server.URL, 16, 50*time.Millisecond)

	sink := &testSink{}
	err := mux.Subscribe(context.Background(), "sub-1", &Request{
		Query: `subscription { commandOutput(sessionId: "s") }`,
	}, nil, sink)
	require.NoError(t, err)
	assert.True(t, sink.completed)
	assert.Empty(t, sink.next)
}

func TestMultiplexerCancel(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	server := sseSubgraph(t, streamSDL, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
	mux := newTestMultiplexer(t, server.URL, 16, time.Minute)

	done := make(chan error, 1)
	go func() {
		done <- mux.Subscribe(context.Background(), "sub-1", &Request{
			Query: `subscription { commandOutput(sessionId: "s") }`,
		}, nil, &testSink{})
	}()

	<-started
	mux.Cancel("sub-1")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop after cancel")
	}
	assert.Equal(t, 0, mux.ActiveCount())
}

func TestMultiplexerValidation(t *testing.T) {
	server := sseSubgraph(t, streamSDL, func(w http.ResponseWriter, _ *http.Request) {})
	mux := newTestMultiplexer(t, server.URL, 16, time.Minute)

	sink := &testSink{}
	require.NoError(t, mux.Subscribe(context.Background(), "a", &Request{
		Query: `query { ok }`,
	}, nil, sink))
	require.Len(t, sink.failed, 1)
	assert.Contains(t, sink.failed[0], "not a subscription")

	sink = &testSink{}
	require.NoError(t, mux.Subscribe(context.Background(), "b", &Request{
		Query: `subscription { commandOutput(sessionId: "s") unknownField }`,
	}, nil, sink))
	require.Len(t, sink.failed, 1)
	assert.Contains(t, sink.failed[0], "exactly one root field")

	sink = &testSink{}
	require.NoError(t, mux.Subscribe(context.Background(), "c", &Request{
		Query: `subscription { unknownField }`,
	}, nil, sink))
	require.Len(t, sink.failed, 1)
	assert.Contains(t, sink.failed[0], "unknownField")
}
