package prewarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/agent/proc"
	"github.com/devmesh/devmesh/internal/agent/session"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/events/bus"
)

// warmChild hands out its handshake frame immediately.
type warmChild struct {
	mu      sync.Mutex
	frames  chan proc.Frame
	done    chan struct{}
	stopped bool
}

func newWarmChild(correlator string) *warmChild {
	c := &warmChild{
		frames: make(chan proc.Frame, 4),
		done:   make(chan struct{}),
	}
	c.frames <- proc.Frame{Type: "system", Data: map[string]any{"session_id": correlator}}
	return c
}

func (c *warmChild) Frames() <-chan proc.Frame { return c.frames }
func (c *warmChild) Send(any) error            { return nil }
func (c *warmChild) Done() <-chan struct{}     { return c.done }
func (c *warmChild) ExitErr() error            { return nil }

func (c *warmChild) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped
}

func (c *warmChild) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
	return nil
}

// trackingLauncher spawns warm children with sequential correlators.
type trackingLauncher struct {
	mu       sync.Mutex
	children []*warmChild
	seq      atomic.Int64
	err      error
}

func (l *trackingLauncher) launch(_ context.Context, _ string, _ []string) (session.Child, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	child := newWarmChild(fmt.Sprintf("corr-%d", l.seq.Add(1)))
	l.children = append(l.children, child)
	return child, nil
}

func newTestPool(t *testing.T, size int, launcher *trackingLauncher) *Pool {
	t.Helper()
	return NewPool(Config{
		PoolSize:        size,
		MaxSessionAge:   time.Minute,
		CleanupInterval: time.Minute,
		WarmupTimeout:   time.Second,
		WorkDir:         t.TempDir(),
	}, launcher.launch, bus.NewMemoryEventBus(logger.Default()), logger.Default())
}

func waitReady(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Snapshot().Ready >= n
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPoolWarmsToSize(t *testing.T) {
	launcher := &trackingLauncher{}
	p := newTestPool(t, 3, launcher)

	p.maintain(context.Background())
	waitReady(t, p, 3)

	m := p.Snapshot()
	assert.Equal(t, 3, m.Total)
	assert.Equal(t, 3, m.Ready)
	assert.Zero(t, m.Warming)
	assert.Len(t, m.SlotAges, 3)

	// A second pass does not overfill.
	p.maintain(context.Background())
	assert.Equal(t, 3, p.Snapshot().Total)
}

func TestClaimOldest(t *testing.T) {
	launcher := &trackingLauncher{}
	p := newTestPool(t, 2, launcher)
	p.maintain(context.Background())
	waitReady(t, p, 2)

	claim, state := p.ClaimOldest()
	require.NotNil(t, claim)
	assert.Equal(t, SlotClaimed, state)
	assert.NotEmpty(t, claim.Correlator)
	require.NotNil(t, claim.Child)
	assert.True(t, claim.Child.Alive())

	m := p.Snapshot()
	assert.Equal(t, 1, m.Ready)
	assert.Equal(t, 1, m.Claimed)

	// Second claim takes the remaining slot.
	claim2, state := p.ClaimOldest()
	require.NotNil(t, claim2)
	assert.Equal(t, SlotClaimed, state)
	assert.NotEqual(t, claim.SlotID, claim2.SlotID)

	// Nothing left.
	claim3, state := p.ClaimOldest()
	assert.Nil(t, claim3)
	assert.Equal(t, SlotState("NONE"), state)
}

func TestClaimWhileWarming(t *testing.T) {
	block := make(chan struct{})
	launcher := func(_ context.Context, _ string, _ []string) (session.Child, error) {
		c := &warmChild{frames: make(chan proc.Frame, 4), done: make(chan struct{})}
		go func() {
			<-block
			c.frames <- proc.Frame{Type: "system", Data: map[string]any{"session_id": "late"}}
		}()
		return c, nil
	}
	p := NewPool(Config{PoolSize: 1, WarmupTimeout: 2 * time.Second}, launcher,
		bus.NewMemoryEventBus(logger.Default()), logger.Default())

	p.maintain(context.Background())

	claim, state := p.ClaimOldest()
	assert.Nil(t, claim)
	assert.Equal(t, SlotWarming, state)

	close(block)
	waitReady(t, p, 1)
	claim, state = p.ClaimOldest()
	require.NotNil(t, claim)
	assert.Equal(t, SlotClaimed, state)
	assert.Equal(t, "late", claim.Correlator)
}

func TestMaintainReplacesClaimedSlots(t *testing.T) {
	launcher := &trackingLauncher{}
	p := newTestPool(t, 1, launcher)
	p.maintain(context.Background())
	waitReady(t, p, 1)

	claim, _ := p.ClaimOldest()
	require.NotNil(t, claim)

	p.maintain(context.Background())
	waitReady(t, p, 1)

	m := p.Snapshot()
	assert.Equal(t, 1, m.Total)
	assert.Equal(t, 1, m.Ready)
	assert.Zero(t, m.Claimed)

	// The claimed child stays alive; it belongs to the adopter now.
	assert.True(t, claim.Child.Alive())
}

func TestMaintainEvictsExpiredSlots(t *testing.T) {
	launcher := &trackingLauncher{}
	p := NewPool(Config{
		PoolSize:      1,
		MaxSessionAge: 20 * time.Millisecond,
		WarmupTimeout: time.Second,
	}, launcher.launch, bus.NewMemoryEventBus(logger.Default()), logger.Default())

	p.maintain(context.Background())
	waitReady(t, p, 1)

	launcher.mu.Lock()
	firstChild := launcher.children[0]
	launcher.mu.Unlock()

	time.Sleep(40 * time.Millisecond)
	p.maintain(context.Background())
	waitReady(t, p, 1)

	// The expired slot's child was stopped and a fresh one warmed.
	require.Eventually(t, func() bool { return !firstChild.Alive() }, time.Second, 5*time.Millisecond)
	launcher.mu.Lock()
	spawned := len(launcher.children)
	launcher.mu.Unlock()
	assert.Equal(t, 2, spawned)
}

func TestWarmFailureMarksSlot(t *testing.T) {
	launcher := &trackingLauncher{err: errors.New("spawn refused")}
	p := newTestPool(t, 2, launcher)

	p.maintain(context.Background())
	require.Eventually(t, func() bool {
		return p.Snapshot().Failed == 2
	}, 3*time.Second, 10*time.Millisecond)

	// Failed slots are swept on the next pass and retried.
	launcher.mu.Lock()
	launcher.err = nil
	launcher.mu.Unlock()
	p.maintain(context.Background())
	waitReady(t, p, 2)
	assert.Zero(t, p.Snapshot().Failed)
}

func TestDrainStopsUnclaimedChildren(t *testing.T) {
	launcher := &trackingLauncher{}
	p := newTestPool(t, 2, launcher)
	p.maintain(context.Background())
	waitReady(t, p, 2)

	p.drain()
	assert.Zero(t, p.Snapshot().Total)
	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	for _, child := range launcher.children {
		assert.False(t, child.Alive())
	}
}
