// Command devmesh runs the full control plane in one process: the three
// subgraphs (git, agent, quality) on loopback ports and the federation
// gateway in front of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/agent"
	"github.com/devmesh/devmesh/internal/agent/prewarm"
	"github.com/devmesh/devmesh/internal/agent/proc"
	"github.com/devmesh/devmesh/internal/agent/runstore"
	"github.com/devmesh/devmesh/internal/agent/session"
	"github.com/devmesh/devmesh/internal/common/config"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/common/tracing"
	"github.com/devmesh/devmesh/internal/events/bus"
	"github.com/devmesh/devmesh/internal/federation"
	"github.com/devmesh/devmesh/internal/gateway"
	"github.com/devmesh/devmesh/internal/gitops"
	"github.com/devmesh/devmesh/internal/quality"
	"github.com/devmesh/devmesh/internal/subgraph"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "devmesh: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workspaceRoot := cfg.Workspace.Root
	if workspaceRoot == "" {
		workspaceRoot, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve workspace root: %w", err)
		}
	}
	log.Info("starting devmesh",
		zap.String("workspace_root", workspaceRoot),
		zap.Int("gateway_port", cfg.Gateway.Port))

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		eventBus = natsBus
		log.Info("using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	// Git subgraph.
	gitExec, err := gitops.NewExecutor(workspaceRoot, cfg.Workspace.MaxDiffBytes, cfg.Workspace.HistoryDepth, log)
	if err != nil {
		return fmt.Errorf("init git executor: %w", err)
	}
	gitServer, err := subgraph.NewServer(gitops.SubgraphConfig(gitExec, cfg.Workspace.MaxScanDepth), log)
	if err != nil {
		return fmt.Errorf("build git subgraph: %w", err)
	}

	// Agent subgraph.
	launcher := func(ctx context.Context, dir string, extraArgs []string) (session.Child, error) {
		return proc.Start(ctx, proc.Options{
			Path:      cfg.Agent.CLIPath,
			Args:      append(append([]string{}, cfg.Agent.CLIArgs...), extraArgs...),
			Dir:       dir,
			KillGrace: cfg.Agent.KillGraceDuration(),
		}, log)
	}
	sessions := session.NewManager(session.Config{
		CLIPath:       cfg.Agent.CLIPath,
		CLIArgs:       cfg.Agent.CLIArgs,
		WorkspaceRoot: workspaceRoot,
		MaxConcurrent: cfg.Agent.MaxConcurrent,
		RatePerSecond: cfg.Agent.RatePerSecond,
		KillGrace:     cfg.Agent.KillGraceDuration(),
		ArchiveDir:    cfg.Agent.ArchiveDir,
	}, eventBus, log)
	pool := prewarm.NewPool(prewarm.Config{
		PoolSize:        cfg.PreWarm.PoolSize,
		MaxSessionAge:   cfg.PreWarm.MaxSessionAgeDuration(),
		CleanupInterval: cfg.PreWarm.CleanupIntervalDuration(),
		WarmupTimeout:   cfg.PreWarm.WarmupTimeoutDuration(),
		WorkDir:         workspaceRoot,
	}, launcher, eventBus, log)
	runs := runstore.NewStore()
	agentService := agent.NewService(sessions, pool, runs, eventBus, cfg.Agent.BatchCacheTTLDuration(), log)
	agentServer, err := subgraph.NewServer(agentService.SubgraphConfig(), log)
	if err != nil {
		return fmt.Errorf("build agent subgraph: %w", err)
	}

	// Quality subgraph.
	qualityStore, err := quality.OpenStore(cfg.Quality.DBPath)
	if err != nil {
		return fmt.Errorf("open quality store: %w", err)
	}
	defer func() {
		_ = qualityStore.Close()
	}()
	qualityEngine := quality.NewEngine(qualityStore, eventBus, log)
	qualityServer, err := subgraph.NewServer(quality.SubgraphConfig(qualityEngine), log)
	if err != nil {
		return fmt.Errorf("build quality subgraph: %w", err)
	}

	startSubgraph(log, "git", gitServer, cfg.Subgraphs.GitPort)
	startSubgraph(log, "agent", agentServer, cfg.Subgraphs.AgentPort)
	startSubgraph(log, "quality", qualityServer, cfg.Subgraphs.QualityPort)

	// Gateway.
	client := gateway.NewSubgraphClient(cfg.Subgraphs.TimeoutDuration())
	composer := federation.NewComposer([]federation.Endpoint{
		{Name: "git", URL: cfg.GitEndpoint()},
		{Name: "agent", URL: cfg.AgentEndpoint()},
		{Name: "quality", URL: cfg.QualityEndpoint()},
	}, client, cfg.Gateway.RecomposeIntervalDuration(), log)
	awaitFirstComposition(ctx, composer, log)

	cache := gateway.NewResponseCache(time.Duration(cfg.Gateway.CacheDefaultTTL) * time.Second)
	metrics := gateway.NewMetrics()
	executor := gateway.NewExecutor(composer, client, cache, gateway.Limits{
		MaxDepth:       cfg.Gateway.MaxQueryDepth,
		MaxAliases:     cfg.Gateway.MaxAliases,
		RequestTimeout: cfg.Gateway.RequestTimeoutDuration(),
	}, log, metrics)
	mux := gateway.NewMultiplexer(composer, cfg.Gateway.SubscriptionBuffer, cfg.Gateway.SubscriptionIdleDuration(), log)
	gw := gateway.NewServer(&cfg.Gateway, composer, executor, mux, cache, metrics, log)

	// Background loops, all tied to the signal context.
	go composer.Run(ctx)
	go cache.RunEviction(ctx, time.Minute)
	go pool.Run(ctx)

	go func() {
		if err := gw.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway server failed", zap.Error(err))
			stop()
		}
	}()
	log.Info("gateway listening", zap.Int("port", cfg.Gateway.Port))

	<-ctx.Done()
	log.Info("shutting down")

	// Reverse of construction: gateway first, then subgraphs, then the
	// session children.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown", zap.Error(err))
	}
	for _, srv := range []*subgraph.Server{gitServer, agentServer, qualityServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("subgraph shutdown", zap.Error(err))
		}
	}
	sessions.Shutdown()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}

	log.Info("devmesh stopped")
	return nil
}

func startSubgraph(log *logger.Logger, name string, srv *subgraph.Server, port int) {
	go func() {
		if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("subgraph server failed",
				zap.String("subgraph", name),
				zap.Error(err))
		}
	}()
	log.Info("subgraph listening", zap.String("subgraph", name), zap.Int("port", port))
}

// awaitFirstComposition retries the initial composition briefly so the
// gateway does not come up degraded while the subgraphs bind their
// ports. A persistent failure is not fatal; the composer keeps retrying
// on its interval.
func awaitFirstComposition(ctx context.Context, composer *federation.Composer, log *logger.Logger) {
	for attempt := 0; attempt < 10; attempt++ {
		if err := composer.Compose(ctx); err == nil {
			log.Info("initial composition succeeded")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	log.Warn("initial composition failed, gateway starts degraded",
		zap.Error(composer.CompositionError()))
}
