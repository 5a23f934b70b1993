package gateway

import (
	"fmt"
	"net/http"
	"sync"
)

// sseSink writes subscription frames as server-sent events. Writes are
// serialized; the response is flushed after every frame so clients see
// events as they happen.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) writeEvent(event string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if payload != nil {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", payload); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Next(payload []byte) error {
	return s.writeEvent("next", payload)
}

func (s *sseSink) Fail(payload []byte) error {
	return s.writeEvent("error", payload)
}

func (s *sseSink) Complete() error {
	return s.writeEvent("complete", nil)
}
