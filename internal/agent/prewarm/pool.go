// Package prewarm keeps a pool of agent CLI children started ahead of
// demand, warmed to the handshake-complete state so the first prompt
// skips cold start.
package prewarm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/agent/session"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/events/bus"
)

// SlotState is the slot lifecycle state.
type SlotState string

const (
	SlotWarming SlotState = "WARMING"
	SlotReady   SlotState = "READY"
	SlotClaimed SlotState = "CLAIMED"
	SlotFailed  SlotState = "FAILED"
)

// StatusSubject is the bus subject carrying slot state transitions.
const StatusSubject = "agent.prewarm.status"

// Slot is one pool entry.
type Slot struct {
	ID         string    `json:"id"`
	Correlator string    `json:"correlator,omitempty"`
	State      SlotState `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	Error      string    `json:"error,omitempty"`

	child session.Child
}

// Metrics is the preWarmMetrics snapshot.
type Metrics struct {
	Total    int       `json:"total"`
	Ready    int       `json:"ready"`
	Warming  int       `json:"warming"`
	Claimed  int       `json:"claimed"`
	Failed   int       `json:"failed"`
	SlotAges []SlotAge `json:"slotAges"`
}

// SlotAge is one slot's age in the metrics view.
type SlotAge struct {
	ID         string    `json:"id"`
	State      SlotState `json:"state"`
	AgeSeconds float64   `json:"ageSeconds"`
}

// Claim is a successful adoption of a READY slot.
type Claim struct {
	SlotID     string
	Correlator string
	Child      session.Child
}

// Config holds the pool knobs.
type Config struct {
	PoolSize        int
	MaxSessionAge   time.Duration
	CleanupInterval time.Duration
	WarmupTimeout   time.Duration
	WorkDir         string
}

// Pool maintains the warmed slots. State changes go through the mutex;
// warming itself runs on background tasks.
type Pool struct {
	cfg      Config
	launcher session.Launcher
	bus      bus.EventBus
	logger   *logger.Logger

	mu    sync.Mutex
	slots map[string]*Slot
}

// NewPool creates the pool. Run must be called to start maintenance.
func NewPool(cfg Config, launcher session.Launcher, eventBus bus.EventBus, log *logger.Logger) *Pool {
	if cfg.PoolSize < 0 {
		cfg.PoolSize = 0
	}
	if cfg.MaxSessionAge <= 0 {
		cfg.MaxSessionAge = 15 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = time.Minute
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "prewarm_pool")),
		slots:    make(map[string]*Slot),
	}
}

// Run tops up the pool immediately and then maintains it until ctx is
// cancelled, at which point all unclaimed children are stopped.
func (p *Pool) Run(ctx context.Context) {
	p.maintain(ctx)

	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

// maintain removes expired and failed slots, then starts WARMING slots
// until ready + warming reaches the pool size.
func (p *Pool) maintain(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	var stale []*Slot
	live := 0
	for id, slot := range p.slots {
		expired := now.Sub(slot.CreatedAt) > p.cfg.MaxSessionAge
		if slot.State == SlotFailed || slot.State == SlotClaimed || expired {
			delete(p.slots, id)
			if slot.State == SlotReady || slot.State == SlotWarming {
				stale = append(stale, slot)
			}
			continue
		}
		live++
	}
	missing := p.cfg.PoolSize - live

	var started []*Slot
	for i := 0; i < missing; i++ {
		slot := &Slot{
			ID:        uuid.New().String(),
			State:     SlotWarming,
			CreatedAt: time.Now().UTC(),
		}
		p.slots[slot.ID] = slot
		started = append(started, slot)
	}
	p.mu.Unlock()

	for _, slot := range stale {
		if slot.child != nil {
			_ = slot.child.Stop()
		}
	}
	for _, slot := range started {
		p.publishTransition(slot)
		go p.warm(ctx, slot.ID)
	}
}

// warm starts a child and waits for its handshake marker.
func (p *Pool) warm(ctx context.Context, slotID string) {
	warmCtx, cancel := context.WithTimeout(ctx, p.cfg.WarmupTimeout)
	defer cancel()

	child, err := p.launcher(ctx, p.cfg.WorkDir, nil)
	if err != nil {
		p.fail(slotID, err.Error())
		return
	}

	correlator, err := awaitHandshake(warmCtx, child)
	if err != nil {
		_ = child.Stop()
		p.fail(slotID, err.Error())
		return
	}

	p.mu.Lock()
	slot, ok := p.slots[slotID]
	if !ok || slot.State != SlotWarming {
		p.mu.Unlock()
		_ = child.Stop()
		return
	}
	slot.State = SlotReady
	slot.Correlator = correlator
	slot.child = child
	transition := *slot
	p.mu.Unlock()

	p.logger.Info("slot ready", zap.String("slot_id", slotID))
	p.publishTransition(&transition)
}

// awaitHandshake reads frames until the child reports its session id.
func awaitHandshake(ctx context.Context, child session.Child) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-child.Done():
			return "", child.ExitErr()
		case frame, open := <-child.Frames():
			if !open {
				return "", child.ExitErr()
			}
			if frame.Type != "system" {
				continue
			}
			if id, ok := frame.Data["session_id"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
}

func (p *Pool) fail(slotID, errMsg string) {
	p.mu.Lock()
	slot, ok := p.slots[slotID]
	if ok {
		slot.State = SlotFailed
		slot.Error = errMsg
	}
	var transition Slot
	if ok {
		transition = *slot
	}
	p.mu.Unlock()

	if ok {
		p.logger.Warn("slot warm-up failed",
			zap.String("slot_id", slotID),
			zap.String("error", errMsg))
		p.publishTransition(&transition)
	}
}

// ClaimOldest returns the oldest READY slot, atomically moving it to
// CLAIMED. Returns nil with the dominant pool state when none is ready.
func (p *Pool) ClaimOldest() (*Claim, SlotState) {
	p.mu.Lock()

	var oldest *Slot
	warming := false
	for _, slot := range p.slots {
		switch slot.State {
		case SlotReady:
			if oldest == nil || slot.CreatedAt.Before(oldest.CreatedAt) {
				oldest = slot
			}
		case SlotWarming:
			warming = true
		}
	}

	if oldest == nil {
		p.mu.Unlock()
		if warming {
			return nil, SlotWarming
		}
		return nil, "NONE"
	}

	oldest.State = SlotClaimed
	claim := &Claim{
		SlotID:     oldest.ID,
		Correlator: oldest.Correlator,
		Child:      oldest.child,
	}
	oldest.child = nil
	transition := *oldest
	p.mu.Unlock()

	p.logger.Info("slot claimed", zap.String("slot_id", claim.SlotID))
	p.publishTransition(&transition)
	return claim, SlotClaimed
}

// Snapshot returns the current pool metrics.
func (p *Pool) Snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	m := Metrics{SlotAges: make([]SlotAge, 0, len(p.slots))}
	for _, slot := range p.slots {
		m.Total++
		switch slot.State {
		case SlotReady:
			m.Ready++
		case SlotWarming:
			m.Warming++
		case SlotClaimed:
			m.Claimed++
		case SlotFailed:
			m.Failed++
		}
		m.SlotAges = append(m.SlotAges, SlotAge{
			ID:         slot.ID,
			State:      slot.State,
			AgeSeconds: now.Sub(slot.CreatedAt).Seconds(),
		})
	}
	sort.Slice(m.SlotAges, func(i, j int) bool { return m.SlotAges[i].AgeSeconds > m.SlotAges[j].AgeSeconds })
	return m
}

// drain stops every unclaimed child at shutdown.
func (p *Pool) drain() {
	p.mu.Lock()
	var children []session.Child
	for id, slot := range p.slots {
		if slot.child != nil {
			children = append(children, slot.child)
		}
		delete(p.slots, id)
	}
	p.mu.Unlock()

	for _, child := range children {
		_ = child.Stop()
	}
}

// publishTransition emits one status frame on the bus.
func (p *Pool) publishTransition(slot *Slot) {
	event := bus.NewEvent("prewarm.transition", "prewarm-pool", map[string]any{
		"slotId":    slot.ID,
		"state":     string(slot.State),
		"createdAt": slot.CreatedAt.Format(time.RFC3339Nano),
		"error":     slot.Error,
	})
	if err := p.bus.Publish(context.Background(), StatusSubject, event); err != nil {
		p.logger.Warn("status publish failed", zap.Error(err))
	}
}
