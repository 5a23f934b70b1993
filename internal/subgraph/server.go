package subgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"
	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/httpmw"
	"github.com/devmesh/devmesh/internal/common/logger"
)

// request is the GraphQL HTTP request body.
type request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName,omitempty"`
}

// Server serves one subgraph schema over HTTP: POST /graphql for queries
// and mutations, POST /graphql/stream for subscriptions over SSE, and
// GET /health.
type Server struct {
	name   string
	schema graphql.Schema
	logger *logger.Logger
	srv    *http.Server
}

// NewServer builds the subgraph server from its schema config.
func NewServer(cfg Config, log *logger.Logger) (*Server, error) {
	schema, err := BuildSchema(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s schema: %w", cfg.Name, err)
	}
	return &Server{
		name:   cfg.Name,
		schema: schema,
		logger: log.WithSubgraph(cfg.Name),
	}, nil
}

// Schema exposes the executable schema, used by tests and in-process callers.
func (s *Server) Schema() graphql.Schema {
	return s.schema
}

// Router builds the gin engine for this subgraph.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.Correlation())
	r.Use(httpmw.RequestLogger(s.logger, s.name))
	r.Use(httpmw.OtelTracing(s.name))

	r.POST("/graphql", s.handleGraphQL)
	r.POST("/graphql/stream", s.handleStream)
	r.GET("/health", s.handleHealth)
	return r
}

// Start serves on the given port and blocks until the listener closes.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s.srv = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 30 * time.Second,
	}
	s.logger.Info("subgraph listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleGraphQL(c *gin.Context) {
	var req request
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errors": []gin.H{{"message": "request body is not valid JSON"}},
		})
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         s.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        c.Request.Context(),
	})
	c.JSON(http.StatusOK, result)
}

// handleStream executes a subscription and writes each result as one SSE
// event. The stream ends with a complete event when the source channel
// closes, or an error event when the subscription cannot start.
func (s *Server) handleStream(c *gin.Context) {
	var req request
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errors": []gin.H{{"message": "request body is not valid JSON"}},
		})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"errors": []gin.H{{"message": "streaming unsupported"}},
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	results := graphql.Subscribe(graphql.Params{
		Schema:         s.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        ctx,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case result, open := <-results:
			if !open {
				fmt.Fprint(c.Writer, "event: complete\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(result)
			if err != nil {
				s.logger.Error("marshal subscription result", zap.Error(err))
				continue
			}
			event := "next"
			if result.Data == nil && len(result.Errors) > 0 {
				event = "error"
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, payload)
			flusher.Flush()
			if event == "error" {
				return
			}
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"subgraph":  s.name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
