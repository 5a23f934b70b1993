package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/logger"
)

// graphql-transport-ws message types.
const (
	gqlConnectionInit = "connection_init"
	gqlConnectionAck  = "connection_ack"
	gqlPing           = "ping"
	gqlPong           = "pong"
	gqlSubscribe      = "subscribe"
	gqlNext           = "next"
	gqlError          = "error"
	gqlComplete       = "complete"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	Subprotocols: []string{"graphql-transport-ws"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// wsMessage is one graphql-transport-ws frame.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(msg *wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

// wsSink adapts one subscription id on a shared connection to the Sink
// interface.
type wsSink struct {
	conn *wsConn
	id   string
}

func (s *wsSink) Next(payload []byte) error {
	return s.conn.write(&wsMessage{ID: s.id, Type: gqlNext, Payload: payload})
}

func (s *wsSink) Fail(payload []byte) error {
	// graphql-transport-ws carries the error list, not the full response.
	var resp Response
	errsPayload := payload
	if err := json.Unmarshal(payload, &resp); err == nil && len(resp.Errors) > 0 {
		errsPayload, _ = json.Marshal(resp.Errors)
	}
	return s.conn.write(&wsMessage{ID: s.id, Type: gqlError, Payload: errsPayload})
}

func (s *wsSink) Complete() error {
	return s.conn.write(&wsMessage{ID: s.id, Type: gqlComplete})
}

// wsSession is one client connection with its active subscriptions.
type wsSession struct {
	conn    *wsConn
	mux     *Multiplexer
	headers http.Header
	logger  *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	acked   bool
}

// HandleWebSocket upgrades the request and serves the graphql-transport-ws
// protocol on it.
func HandleWebSocket(w http.ResponseWriter, r *http.Request, mux *Multiplexer, log *logger.Logger) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := &wsSession{
		conn:    &wsConn{conn: conn},
		mux:     mux,
		headers: r.Header,
		logger:  log.WithFields(zap.String("component", "graphql_ws")),
		cancels: make(map[string]context.CancelFunc),
	}
	session.run(r.Context())
}

func (s *wsSession) run(ctx context.Context) {
	defer s.close()

	conn := s.conn.conn
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(stop)

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case gqlConnectionInit:
			s.mu.Lock()
			s.acked = true
			s.mu.Unlock()
			_ = s.conn.write(&wsMessage{Type: gqlConnectionAck})

		case gqlPing:
			_ = s.conn.write(&wsMessage{Type: gqlPong})

		case gqlSubscribe:
			s.mu.Lock()
			acked := s.acked
			_, duplicate := s.cancels[msg.ID]
			s.mu.Unlock()
			if !acked {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(4401, "unauthorized: connection_init required"),
					time.Now().Add(wsWriteWait))
				return
			}
			if duplicate {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(4409, "subscriber already exists: "+msg.ID),
					time.Now().Add(wsWriteWait))
				return
			}

			var req Request
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(4400, "invalid subscribe payload"),
					time.Now().Add(wsWriteWait))
				return
			}

			subCtx, cancel := context.WithCancel(ctx)
			s.mu.Lock()
			s.cancels[msg.ID] = cancel
			s.mu.Unlock()

			go func(id string, req Request) {
				defer func() {
					s.mu.Lock()
					delete(s.cancels, id)
					s.mu.Unlock()
				}()
				sink := &wsSink{conn: s.conn, id: id}
				if err := s.mux.Subscribe(subCtx, id, &req, s.headers, sink); err != nil {
					s.logger.Debug("subscription terminated", zap.String("id", id), zap.Error(err))
				}
			}(msg.ID, req)

		case gqlComplete:
			s.mu.Lock()
			cancel, ok := s.cancels[msg.ID]
			s.mu.Unlock()
			if ok {
				cancel()
			}
		}
	}
}

func (s *wsSession) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.conn.mu.Lock()
			s.conn.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := s.conn.conn.WriteMessage(websocket.PingMessage, nil)
			s.conn.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *wsSession) close() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	_ = s.conn.conn.Close()
}
