package federation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/logger"
)

// SDLFetcher retrieves a subgraph's published SDL.
type SDLFetcher interface {
	FetchSDL(ctx context.Context, url string) (string, error)
}

// Endpoint names one subgraph to compose.
type Endpoint struct {
	Name string
	URL  string
}

// Composer introspects the subgraphs on an interval and keeps the last
// successfully composed supergraph. A failed recomposition never replaces
// a good supergraph; the error is retained for the health endpoint.
type Composer struct {
	endpoints []Endpoint
	fetcher   SDLFetcher
	interval  time.Duration
	logger    *logger.Logger

	mu       sync.RWMutex
	current  *Supergraph
	lastErr  error
	lastTry  time.Time
	statuses map[string]bool // subgraph name -> reachable on last attempt
}

// NewComposer creates a composer over the given subgraph endpoints.
func NewComposer(endpoints []Endpoint, fetcher SDLFetcher, interval time.Duration, log *logger.Logger) *Composer {
	return &Composer{
		endpoints: endpoints,
		fetcher:   fetcher,
		interval:  interval,
		logger:    log.WithFields(zap.String("component", "composer")),
		statuses:  make(map[string]bool),
	}
}

// Compose performs one composition pass. On success the supergraph is
// swapped in; on failure the previous supergraph is retained.
func (c *Composer) Compose(ctx context.Context) error {
	inputs := make([]SubgraphSDL, 0, len(c.endpoints))
	statuses := make(map[string]bool, len(c.endpoints))

	var firstErr error
	for _, ep := range c.endpoints {
		sdl, err := c.fetcher.FetchSDL(ctx, ep.URL)
		if err != nil {
			statuses[ep.Name] = false
			c.logger.Warn("subgraph introspection failed",
				zap.String("subgraph", ep.Name),
				zap.String("url", ep.URL),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		statuses[ep.Name] = true
		inputs = append(inputs, SubgraphSDL{Name: ep.Name, URL: ep.URL, SDL: sdl})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTry = time.Now().UTC()
	c.statuses = statuses

	if len(inputs) < len(c.endpoints) {
		c.lastErr = firstErr
		return firstErr
	}

	sg, err := Compose(inputs)
	if err != nil {
		c.lastErr = err
		c.logger.Error("supergraph composition failed", zap.Error(err))
		return err
	}

	c.current = sg
	c.lastErr = nil
	c.logger.Info("supergraph composed",
		zap.Int("subgraphs", len(sg.Subgraphs)),
		zap.Int("root_fields", sg.RootFieldCount()))
	return nil
}

// Run recomposes on the configured interval until ctx is cancelled.
func (c *Composer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Compose(ctx)
		}
	}
}

// Current returns the last good supergraph, or nil before first composition.
func (c *Composer) Current() *Supergraph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// CompositionError returns the most recent composition error, if any.
func (c *Composer) CompositionError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Statuses returns per-subgraph reachability from the last composition pass.
func (c *Composer) Statuses() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.statuses))
	for k, v := range c.statuses {
		out[k] = v
	}
	return out
}
