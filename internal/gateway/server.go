// Package gateway implements the federated GraphQL gateway: it composes
// the subgraph schemas, routes operations to their owning subgraphs,
// completes cross-subgraph entities, caches idempotent queries, and
// serves subscriptions over SSE and graphql-transport-ws.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/config"
	"github.com/devmesh/devmesh/internal/common/httpmw"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/federation"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg      *config.GatewayConfig
	composer *federation.Composer
	executor *Executor
	mux      *Multiplexer
	cache    *ResponseCache
	metrics  *Metrics
	limiter  *tokenBucketLimiter
	logger   *logger.Logger
	srv      *http.Server
}

// NewServer wires the gateway over an already-constructed pipeline.
func NewServer(cfg *config.GatewayConfig, composer *federation.Composer, executor *Executor, mux *Multiplexer, cache *ResponseCache, metrics *Metrics, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		composer: composer,
		executor: executor,
		mux:      mux,
		cache:    cache,
		metrics:  metrics,
		limiter:  newTokenBucketLimiter(cfg.RateLimitPerMinute, 5*time.Minute),
		logger:   log.WithFields(zap.String("component", "gateway")),
	}
}

// Router builds the gin engine with the full middleware chain.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.Correlation())
	r.Use(httpmw.RequestLogger(s.logger, "gateway"))
	r.Use(httpmw.OtelTracing("gateway"))
	r.Use(httpmw.CORS(s.cfg.CORSOrigins))

	r.GET("/health", s.handleHealth)
	r.GET("/services", s.handleServices)
	r.GET("/metrics", s.handleMetrics)

	graphql := r.Group("/graphql")
	graphql.Use(httpmw.BodyLimit(s.cfg.MaxBodyBytes))
	graphql.GET("", s.handleGraphQLGet)
	graphql.POST("", s.handleGraphQLPost)
	graphql.POST("/stream", s.handleStream)

	return r
}

// Start begins serving and blocks until the listener fails or closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: time.Duration(s.cfg.ReadTimeout) * time.Second,
		// WriteTimeout stays unset: subscriptions hold the response open.
	}
	s.logger.Info("gateway listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown cancels active subscriptions and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mux.CancelAll()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// rateLimit enforces the per-client budget, writing the 429 itself.
// Returns false when the request must not proceed.
func (s *Server) rateLimit(c *gin.Context) bool {
	key := clientKey(c.Request)
	if s.limiter.Allow(key) {
		return true
	}
	retryAfter := s.limiter.RetryAfterSeconds()
	c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
	resp := errorResponse(apperr.CodeTooManyRequests, "rate limit exceeded")
	resp.Errors[0].Extensions["retryAfter"] = retryAfter
	c.Data(http.StatusTooManyRequests, "application/json", marshalResponse(resp))
	return false
}

// handleGraphQLGet serves the landing page, or upgrades to
// graphql-transport-ws when the client requests it.
func (s *Server) handleGraphQLGet(c *gin.Context) {
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		HandleWebSocket(c.Writer, c.Request, s.mux, s.logger)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(graphiqlPage))
}

func (s *Server) handleGraphQLPost(c *gin.Context) {
	if !s.rateLimit(c) {
		return
	}

	if ct := c.ContentType(); ct != "application/json" {
		c.Data(http.StatusUnsupportedMediaType, "application/json",
			marshalResponse(errorResponse(apperr.CodeBadUserInput, "content type must be application/json")))
		return
	}

	var req Request
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.Data(http.StatusBadRequest, "application/json",
			marshalResponse(errorResponse(apperr.CodeBadUserInput, "request body is not valid JSON")))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.Data(http.StatusBadRequest, "application/json",
			marshalResponse(errorResponse(apperr.CodeBadUserInput, "query is required")))
		return
	}

	body := s.executor.Execute(c.Request.Context(), &req, c.Request.Header)
	c.Data(http.StatusOK, "application/json", body)
}

// handleStream runs one subscription over SSE. The connection stays open
// until the subscription terminates or the client disconnects.
func (s *Server) handleStream(c *gin.Context) {
	if !s.rateLimit(c) {
		return
	}

	var req Request
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.Data(http.StatusBadRequest, "application/json",
			marshalResponse(errorResponse(apperr.CodeBadUserInput, "request body is not valid JSON")))
		return
	}

	sink, err := newSSESink(c.Writer)
	if err != nil {
		c.Data(http.StatusInternalServerError, "application/json",
			marshalResponse(errorResponse(apperr.CodeInternal, "internal server error")))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	id := uuid.New().String()
	if err := s.mux.Subscribe(c.Request.Context(), id, &req, c.Request.Header, sink); err != nil {
		s.logger.Debug("sse subscription terminated", zap.String("subscription_id", id), zap.Error(err))
	}
}

// handleHealth reports composition state and per-subgraph reachability.
// Degraded composition still returns 200 while a last-good supergraph is
// being served; 503 means the gateway cannot execute anything.
func (s *Server) handleHealth(c *gin.Context) {
	sg := s.composer.Current()
	statuses := s.composer.Statuses()

	status := "ok"
	httpStatus := http.StatusOK
	if sg == nil {
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	} else if err := s.composer.CompositionError(); err != nil {
		status = "degraded"
	}

	body := gin.H{
		"status":    status,
		"subgraphs": statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if sg != nil {
		body["composedAt"] = sg.ComposedAt.Format(time.RFC3339)
	}
	if err := s.composer.CompositionError(); err != nil {
		body["compositionError"] = err.Error()
	}
	c.JSON(httpStatus, body)
}

// handleServices lists the composed subgraphs and their published SDL.
func (s *Server) handleServices(c *gin.Context) {
	sg := s.composer.Current()
	if sg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "supergraph is not composed yet"})
		return
	}

	services := make([]gin.H, 0, len(sg.Subgraphs))
	for _, info := range sg.Subgraphs {
		services = append(services, gin.H{
			"name":    info.Name,
			"url":     info.URL,
			"healthy": info.Healthy,
			"sdl":     info.SDL,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"composedAt": sg.ComposedAt.Format(time.RFC3339),
		"services":   services,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	snapshot := s.metrics.Snapshot()
	snapshot["cache_entries"] = s.cache.Len()
	snapshot["active_subscriptions"] = s.mux.ActiveCount()
	c.JSON(http.StatusOK, snapshot)
}

const graphiqlPage = `<!DOCTYPE html>
<html>
<head>
  <title>Devmesh Gateway</title>
  <style>body { height: 100%; margin: 0; width: 100%; overflow: hidden; } #graphiql { height: 100vh; }</style>
  <link rel="stylesheet" href="https://unpkg.com/graphiql@3/graphiql.min.css" />
</head>
<body>
  <div id="graphiql">Loading...</div>
  <script src="https://unpkg.com/react@18/umd/react.production.min.js"></script>
  <script src="https://unpkg.com/react-dom@18/umd/react-dom.production.min.js"></script>
  <script src="https://unpkg.com/graphiql@3/graphiql.min.js"></script>
  <script>
    const fetcher = GraphiQL.createFetcher({ url: window.location.href });
    ReactDOM.createRoot(document.getElementById('graphiql')).render(
      React.createElement(GraphiQL, { fetcher: fetcher })
    );
  </script>
</body>
</html>`
