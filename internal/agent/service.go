// Package agent exposes the agent subsystem as a federated subgraph:
// session lifecycle, pre-warm pool, batch commit-message generation,
// and the agent run history.
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/agent/batch"
	"github.com/devmesh/devmesh/internal/agent/prewarm"
	"github.com/devmesh/devmesh/internal/agent/runstore"
	"github.com/devmesh/devmesh/internal/agent/session"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/events/bus"
)

// Service bundles the agent subsystem's components behind one schema.
type Service struct {
	Sessions *session.Manager
	Pool     *prewarm.Pool
	Runs     *runstore.Store
	Batches  *batch.Engine

	runner batch.Runner
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService wires the batch engine over the session manager and the
// run store.
func NewService(sessions *session.Manager, pool *prewarm.Pool, runs *runstore.Store, eventBus bus.EventBus, batchTTL time.Duration, log *logger.Logger) *Service {
	runner := &sessionRunner{sessions: sessions}
	engine := batch.NewEngine(runner, eventBus, batchTTL, log)
	engine.SetRecorder(&runRecorder{runs: runs})

	return &Service{
		Sessions: sessions,
		Pool:     pool,
		Runs:     runs,
		Batches:  engine,
		runner:   runner,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "agent_service")),
	}
}

// sessionRunner executes one prompt in a throwaway session. The session
// is killed afterwards so batch fan-out does not grow the registry.
type sessionRunner struct {
	sessions *session.Manager
}

func (r *sessionRunner) Run(ctx context.Context, prompt string) (batch.Reply, error) {
	sessionID, text, usage, err := r.sessions.ExecuteAndWait(ctx, prompt, session.ExecuteOptions{})
	if sessionID != "" {
		r.sessions.KillSession(sessionID)
	}
	return batch.Reply{Text: text, Usage: usage}, err
}

// runRecorder mirrors batch items into the run history.
type runRecorder struct {
	runs *runstore.Store
}

func (r *runRecorder) Begin(repository, input string) string {
	run := r.runs.Record(repository, input)
	_, _ = r.runs.Start(run.ID)
	return run.ID
}

func (r *runRecorder) Finish(runID string, success bool, output, errMsg string) {
	_, _ = r.runs.Complete(runID, success, output, errMsg)
}

// executeRetry re-runs a retried run's input in the background and
// records its outcome.
func (s *Service) executeRetry(run *runstore.Run) {
	go func() {
		_, _ = s.Runs.Start(run.ID)
		reply, err := s.runner.Run(context.Background(), run.Input)
		if err != nil {
			_, _ = s.Runs.Complete(run.ID, false, "", err.Error())
			s.logger.Warn("retry run failed",
				zap.String("run_id", run.ID),
				zap.Error(err))
			return
		}
		_, _ = s.Runs.Complete(run.ID, true, reply.Text, "")
	}()
}

// activeSessionCount counts sessions that have not been terminated.
func (s *Service) activeSessionCount() int {
	active := 0
	for _, sess := range s.Sessions.List() {
		if sess.Status != session.StatusTerminated {
			active++
		}
	}
	return active
}

// busChannel bridges a bus subject into a subscription source channel.
// The channel is never closed; the subscription executor stops on ctx.
func (s *Service) busChannel(ctx context.Context, subject string) (chan any, error) {
	out := make(chan any, 64)
	sub, err := s.bus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		select {
		case out <- event.Data:
		default: // slow subscriber, frame dropped
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return out, nil
}

// outputChannel bridges one session's output stream for commandOutput.
func (s *Service) outputChannel(ctx context.Context, sessionID string) (chan any, error) {
	frames, unsubscribe, err := s.Sessions.SubscribeOutput(sessionID)
	if err != nil {
		return nil, err
	}
	out := make(chan any, 64)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case frame, open := <-frames:
				if !open {
					return
				}
				select {
				case out <- frame:
				default:
				}
			}
		}
	}()
	return out, nil
}
